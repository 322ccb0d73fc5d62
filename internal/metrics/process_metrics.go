package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the worker process, sampled on health ticks.",
		}, []string{"device"},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the worker process since it started, sampled on health ticks.",
		}, []string{"device"},
	)
)

// Sample is one resource reading of a worker.
type Sample struct {
	PID        int32
	CPUPercent float64
	RSS        uint64
	NumThreads int32
}

// SampleProcess reads CPU and memory of pid and publishes them under device.
func SampleProcess(ctx context.Context, device string, pid int) (Sample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return Sample{}, fmt.Errorf("sample pid %d: %w", pid, err)
	}
	s := Sample{PID: p.Pid}
	if s.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return Sample{}, fmt.Errorf("cpu of pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory of pid %d: %w", pid, err)
	}
	s.RSS = mem.RSS
	s.NumThreads, _ = p.NumThreadsWithContext(ctx)
	if regOK.Load() {
		workerRSS.WithLabelValues(device).Set(float64(s.RSS))
		workerCPU.WithLabelValues(device).Set(s.CPUPercent)
	}
	return s, nil
}

// Forget drops per-device resource series once the worker is gone.
func Forget(device string) {
	workerRSS.DeleteLabelValues(device)
	workerCPU.DeleteLabelValues(device)
}
