package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/port"
	"github.com/loykin/devisr/internal/session"
	"github.com/loykin/devisr/internal/store"
	"github.com/loykin/devisr/internal/store/memory"
	"github.com/loykin/devisr/internal/supervisor"
)

type fixture struct {
	h     http.Handler
	sup   *supervisor.Supervisor
	reg   *memory.DB
	ports *port.Allocator
	hub   *broadcast.Hub
}

func setupRouter(t *testing.T, base string, portMax int) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires unix processes")
	}
	gin.SetMode(gin.TestMode)
	sleep, err := exec.LookPath("sleep")
	require.NoError(t, err)

	layout := session.Layout{Root: t.TempDir()}
	reg := memory.New()
	sup := supervisor.New(supervisor.Config{
		Binary:          sleep,
		Args:            []string{"30"},
		BasicAuth:       "admin:pw",
		StopTimeout:     2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, reg, layout)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	ports, err := port.New(3000, portMax)
	require.NoError(t, err)
	ports.WithProbe(nil)
	hub := broadcast.NewHub(nil)

	r := NewRouter(Deps{
		Supervisor:  sup,
		Store:       reg,
		Ports:       ports,
		Sessions:    layout,
		Hub:         hub,
		MaxStopWait: 10 * time.Second,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "devisr_workers_running 0\n")
		}),
	}, base)
	return &fixture{h: r.Handler(), sup: sup, reg: reg, ports: ports, hub: hub}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if code != "" {
		if got := decode[errorResp](t, rec).Error.Code; got != code {
			t.Fatalf("expected code %s, got %s", code, got)
		}
	}
}

func TestHealthz(t *testing.T) {
	f := setupRouter(t, "/api", 3100)
	rec := doReq(t, f.h, http.MethodGet, "/api/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzBeforeAndAfterReconcile(t *testing.T) {
	f := setupRouter(t, "/api", 3100)
	expectCode(t, doReq(t, f.h, http.MethodGet, "/api/readyz", nil), http.StatusServiceUnavailable, "NOT_READY")

	_, err := f.sup.Reconcile(context.Background())
	require.NoError(t, err)
	rec := doReq(t, f.h, http.MethodGet, "/api/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after reconcile, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := setupRouter(t, "", 3100)
	rec := doReq(t, f.h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "devisr_workers_running") {
		t.Fatalf("unexpected metrics response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeviceLifecycle(t *testing.T) {
	f := setupRouter(t, "/api", 3100)

	rec := doReq(t, f.h, http.MethodPost, "/api/devices", createReq{ID: "dev-1", Name: "Front desk"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[deviceView](t, rec)
	require.Equal(t, 3001, created.Port)
	require.Equal(t, store.StatusRegistered, created.Status)

	expectCode(t, doReq(t, f.h, http.MethodPost, "/api/devices", createReq{ID: "dev-1"}), http.StatusConflict, "DEVICE_EXISTS")
	require.Equal(t, 1, f.ports.InUse(), "port of the rejected create must be released")

	rec = doReq(t, f.h, http.MethodPost, "/api/devices/dev-1/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	started := decode[processResp](t, rec)
	require.True(t, started.Running)
	require.Positive(t, started.PID)
	require.Equal(t, 3001, started.Port)
	require.Equal(t, supervisor.StatusRunning, started.Status)

	// duplicate start returns the live record
	again := decode[processResp](t, doReq(t, f.h, http.MethodPost, "/api/devices/dev-1/start", nil))
	require.Equal(t, started.PID, again.PID)

	status := decode[processResp](t, doReq(t, f.h, http.MethodGet, "/api/devices/dev-1/status", nil))
	require.True(t, status.Running)

	list := decode[[]deviceView](t, doReq(t, f.h, http.MethodGet, "/api/devices", nil))
	require.Len(t, list, 1)
	require.True(t, list[0].Running)
	require.Equal(t, started.PID, list[0].PID)
	require.Equal(t, store.StatusActive, list[0].Status)

	rec = doReq(t, f.h, http.MethodPost, "/api/devices/dev-1/stop?timeout=1s", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stopped := decode[processResp](t, rec)
	require.False(t, stopped.Running)
	require.Equal(t, supervisor.StatusStopped, stopped.Status)
	require.Equal(t, 3001, stopped.Port)

	expectCode(t, doReq(t, f.h, http.MethodPost, "/api/devices/dev-1/stop", nil), http.StatusNotFound, "PROCESS_NOT_FOUND")

	got := decode[deviceView](t, doReq(t, f.h, http.MethodGet, "/api/devices/dev-1", nil))
	require.Equal(t, store.StatusStopped, got.Status)
	require.Zero(t, got.ProcessID)

	rec = doReq(t, f.h, http.MethodDelete, "/api/devices/dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	require.Zero(t, f.ports.InUse())
	expectCode(t, doReq(t, f.h, http.MethodGet, "/api/devices/dev-1", nil), http.StatusNotFound, "DEVICE_NOT_REGISTERED")
}

func TestDeleteStopsRunningWorker(t *testing.T) {
	f := setupRouter(t, "", 3100)
	doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "d"})
	started := decode[processResp](t, doReq(t, f.h, http.MethodPost, "/devices/d/start", nil))
	require.True(t, started.Running)

	rec := doReq(t, f.h, http.MethodDelete, "/devices/d?force=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	require.False(t, f.sup.IsRunning(context.Background(), "d"))
	require.Empty(t, f.sup.List(context.Background()))
	require.Zero(t, f.ports.InUse())
	expectCode(t, doReq(t, f.h, http.MethodPost, "/devices/d/start", nil), http.StatusNotFound, "DEVICE_NOT_REGISTERED")
}

func TestRestart(t *testing.T) {
	f := setupRouter(t, "", 3100)
	doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "r"})
	first := decode[processResp](t, doReq(t, f.h, http.MethodPost, "/devices/r/start", nil))

	rec := doReq(t, f.h, http.MethodPost, "/devices/r/restart?force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restart: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	second := decode[processResp](t, rec)
	require.True(t, second.Running)
	require.NotEqual(t, first.PID, second.PID)
	require.Equal(t, first.Port, second.Port)
}

func TestCreateGeneratesID(t *testing.T) {
	f := setupRouter(t, "", 3100)
	rec := doReq(t, f.h, http.MethodPost, "/devices", createReq{Name: "unnamed", WebhookURL: "https://hooks.example.com/x"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	d := decode[deviceView](t, rec)
	require.Len(t, d.ID, 36)
	require.Equal(t, "https://hooks.example.com/x", d.WebhookURL)
}

func TestCreateValidation(t *testing.T) {
	f := setupRouter(t, "", 3100)
	expectCode(t, doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "../etc"}), http.StatusBadRequest, "BAD_REQUEST")
	expectCode(t, doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "x", WebhookURL: "ftp://nope"}), http.StatusBadRequest, "BAD_REQUEST")

	req := httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	expectCode(t, rec, http.StatusBadRequest, "BAD_REQUEST")
	require.Zero(t, f.ports.InUse())
}

func TestPortExhaustion(t *testing.T) {
	f := setupRouter(t, "", 3001)
	rec := doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "a"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	expectCode(t, doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "b"}), http.StatusServiceUnavailable, "NO_PORTS")
}

func TestUnknownDevice(t *testing.T) {
	f := setupRouter(t, "", 3100)
	expectCode(t, doReq(t, f.h, http.MethodPost, "/devices/ghost/start", nil), http.StatusNotFound, "DEVICE_NOT_REGISTERED")
	expectCode(t, doReq(t, f.h, http.MethodGet, "/devices/ghost/status", nil), http.StatusNotFound, "DEVICE_NOT_REGISTERED")
	expectCode(t, doReq(t, f.h, http.MethodDelete, "/devices/ghost", nil), http.StatusNotFound, "DEVICE_NOT_REGISTERED")
	expectCode(t, doReq(t, f.h, http.MethodPatch, "/devices/ghost/webhook", webhookReq{}), http.StatusNotFound, "DEVICE_NOT_REGISTERED")
}

func TestStopRejectsBadTimeout(t *testing.T) {
	f := setupRouter(t, "", 3100)
	expectCode(t, doReq(t, f.h, http.MethodPost, "/devices/a/stop?timeout=soon", nil), http.StatusBadRequest, "BAD_REQUEST")
}

func TestTimeoutAboveWriteBudgetRejected(t *testing.T) {
	f := setupRouter(t, "", 3100)
	doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "w"})
	started := decode[processResp](t, doReq(t, f.h, http.MethodPost, "/devices/w/start", nil))

	for _, path := range []string{
		"/devices/w/stop?timeout=11s",
		"/devices/w/restart?timeout=1h",
	} {
		expectCode(t, doReq(t, f.h, http.MethodPost, path, nil), http.StatusBadRequest, "BAD_REQUEST")
	}
	expectCode(t, doReq(t, f.h, http.MethodDelete, "/devices/w?timeout=600", nil), http.StatusBadRequest, "BAD_REQUEST")

	st := decode[processResp](t, doReq(t, f.h, http.MethodGet, "/devices/w/status", nil))
	require.True(t, st.Running)
	require.Equal(t, started.PID, st.PID)

	rec := doReq(t, f.h, http.MethodPost, "/devices/w/stop?timeout=10s", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop at the limit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPatchWebhook(t *testing.T) {
	f := setupRouter(t, "", 3100)
	doReq(t, f.h, http.MethodPost, "/devices", createReq{ID: "w"})

	u, secret := "https://hooks.example.com/w", "s3cret"
	rec := doReq(t, f.h, http.MethodPatch, "/devices/w/webhook", webhookReq{WebhookURL: &u, WebhookSecret: &secret})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	require.NotContains(t, rec.Body.String(), secret)
	d, err := f.reg.Get(context.Background(), "w")
	require.NoError(t, err)
	require.Equal(t, u, d.WebhookURL)
	require.Equal(t, secret, d.WebhookSecret)

	bad := "not a url"
	expectCode(t, doReq(t, f.h, http.MethodPatch, "/devices/w/webhook", webhookReq{WebhookURL: &bad}), http.StatusBadRequest, "BAD_REQUEST")
}

func TestEventsEndpoint(t *testing.T) {
	f := setupRouter(t, "/api", 3100)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?device=a"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.hub.Publish(broadcast.EventContainerMessage, "b", "skip")
	f.hub.Publish(broadcast.EventContainerMessage, "a", map[string]string{"k": "v"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev broadcast.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "a", ev.DeviceID)
	require.JSONEq(t, `{"k":"v"}`, string(ev.Data))
}

// stubSupervisor returns canned errors for mapping tests.
type stubSupervisor struct{ err error }

func (s stubSupervisor) Start(context.Context, string) (supervisor.Record, error) {
	return supervisor.Record{}, s.err
}
func (s stubSupervisor) Stop(context.Context, string, supervisor.StopOptions) error { return s.err }
func (s stubSupervisor) Remove(context.Context, string, supervisor.StopOptions) error {
	return s.err
}
func (s stubSupervisor) Restart(context.Context, string, supervisor.StopOptions) (supervisor.Record, error) {
	return supervisor.Record{}, s.err
}
func (s stubSupervisor) Status(context.Context, string) (supervisor.Record, error) {
	return supervisor.Record{}, s.err
}
func (s stubSupervisor) List(context.Context) []supervisor.Record { return nil }
func (s stubSupervisor) Ready() bool                              { return true }

func TestErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		code   supervisor.Code
		status int
	}{
		{supervisor.CodeSpawnFailed, http.StatusServiceUnavailable},
		{supervisor.CodeStopTimeout, http.StatusServiceUnavailable},
		{supervisor.CodeShuttingDown, http.StatusServiceUnavailable},
		{supervisor.CodePortInUse, http.StatusConflict},
		{supervisor.CodePortNotAllocated, http.StatusConflict},
		{supervisor.CodeProcessNotFound, http.StatusNotFound},
		{supervisor.CodeNotRegistered, http.StatusNotFound},
	}
	for _, c := range cases {
		t.Run(string(c.code), func(t *testing.T) {
			h := NewRouter(Deps{Supervisor: stubSupervisor{err: &supervisor.Error{Code: c.code, DeviceID: "x"}}}, "").Handler()
			expectCode(t, doReq(t, h, http.MethodPost, "/devices/x/start", nil), c.status, string(c.code))
			expectCode(t, doReq(t, h, http.MethodPost, "/devices/x/stop", nil), c.status, string(c.code))
		})
	}

	h := NewRouter(Deps{Supervisor: stubSupervisor{err: io.ErrUnexpectedEOF}}, "").Handler()
	expectCode(t, doReq(t, h, http.MethodPost, "/devices/x/restart", nil), http.StatusInternalServerError, "INTERNAL")
}
