package metrics

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleProcessSelf(t *testing.T) {
	fresh(t)
	s, err := SampleProcess(context.Background(), "self", os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.Greater(t, s.RSS, uint64(0))
	assert.Equal(t, float64(s.RSS), testutil.ToFloat64(workerRSS.WithLabelValues("self")))

	Forget("self")
	assert.Equal(t, 0, testutil.CollectAndCount(workerRSS))
}

func TestSampleProcessMissing(t *testing.T) {
	_, err := SampleProcess(context.Background(), "ghost", 999999999)
	assert.Error(t, err)
}
