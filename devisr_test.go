package devisr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/webhook"
	"github.com/loykin/devisr/pkg/client"
)

const fakeWorkerEnv = "DEVISR_FAKE_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(fakeWorkerEnv) == "1" {
		fakeWorker()
		return
	}
	os.Exit(m.Run())
}

// fakeWorker stands in for the worker binary: it writes its local session
// database and streams events to whoever connects to /ws with the right
// basic auth.
func fakeWorker() {
	if uri := os.Getenv("DB_URI"); uri != "" && !strings.Contains(uri, "://") {
		_ = os.WriteFile(uri, []byte("session"), 0o600)
	}
	user, pass, _ := strings.Cut(os.Getenv("APP_BASIC_AUTH"), ":")
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for i := 0; ; i++ {
			msg := fmt.Sprintf(`{"type":"message","seq":%d,"body":"hello"}`, i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
	srv := &http.Server{Addr: "127.0.0.1:" + os.Getenv("APP_PORT"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	_ = srv.ListenAndServe()
	os.Exit(1)
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	toml := fmt.Sprintf(`
env = ["%s=1"]

[server]
listen = "127.0.0.1:0"
base_path = "/api"

[worker]
binary = %q
args = ["rest"]
basic_auth = "admin:pw"
warmup = "0s"
stop_timeout = "3s"
shutdown_timeout = "10s"

[sessions]
dir = %q

[ports]
base = 41200
max = 41299

[health]
interval = "200ms"

[bridge]
retries = 40
backoff = "50ms"
max_backoff = "200ms"

[webhook]
retries = 1
backoff = "50ms"

[registry]
dsn = %q

[log]
level = "warn"
`, fakeWorkerEnv, exe, filepath.Join(dir, "sessions"), "sqlite://"+filepath.Join(dir, "devisr.db"))
	p := filepath.Join(dir, "devisr.toml")
	require.NoError(t, os.WriteFile(p, []byte(toml), 0o600))
	return p
}

type running struct {
	d      *Daemon
	c      *client.Client
	cancel context.CancelFunc
	done   chan error
}

func boot(t *testing.T, cfgPath string) *running {
	t.Helper()
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	d, err := NewDaemon(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })

	require.Eventually(t, func() bool { return d.Addr() != nil && d.Ready() }, 10*time.Second, 20*time.Millisecond)
	r.c, err = client.New(client.Config{BaseURL: "http://" + d.Addr().String() + "/api", Timeout: 20 * time.Second})
	require.NoError(t, err)
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

// nextOfType waits for the first event of type typ, skipping others.
func nextOfType(t *testing.T, s *Subscription, typ string) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "subscription closed")
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

type hookRecorder struct {
	mu   sync.Mutex
	hits []webhook.Payload
	bad  int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !webhook.Verify("hook-secret", body, r.Header.Get(webhook.SignatureHeader)) {
		h.bad++
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var p webhook.Payload
	if json.Unmarshal(body, &p) == nil {
		h.hits = append(h.hits, p)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) count() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hits), h.bad
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires unix processes")
	}
}

func TestWorkerEventsReachOnlyThatDevicesObservers(t *testing.T) {
	requireUnix(t)
	r := boot(t, writeConfig(t, t.TempDir()))
	ctx := context.Background()

	hooks := &hookRecorder{}
	hookSrv := httptest.NewServer(hooks)
	defer hookSrv.Close()

	alpha, err := r.c.CreateDevice(ctx, client.CreateDeviceRequest{ID: "alpha", WebhookURL: hookSrv.URL, WebhookSecret: "hook-secret"})
	require.NoError(t, err)
	_, err = r.c.CreateDevice(ctx, client.CreateDeviceRequest{ID: "beta"})
	require.NoError(t, err)

	subA := r.d.Subscribe(false, "alpha")
	defer subA.Close()
	subB := r.d.Subscribe(false, "beta")
	defer subB.Close()

	st, err := r.c.Start(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, st.Running)
	require.Equal(t, alpha.Port, st.Port)

	connected := nextOfType(t, subA, broadcast.EventBridgeConnected)
	require.Equal(t, "alpha", connected.DeviceID)
	msg := nextOfType(t, subA, broadcast.EventContainerMessage)
	require.Contains(t, string(msg.Data), `"body":"hello"`)

	select {
	case ev := <-subB.Events():
		t.Fatalf("beta observer received %s for %s", ev.Type, ev.DeviceID)
	case <-time.After(300 * time.Millisecond):
	}

	require.Eventually(t, func() bool { n, _ := hooks.count(); return n > 0 }, 10*time.Second, 20*time.Millisecond)
	_, bad := hooks.count()
	require.Zero(t, bad)

	// fresh subscription: subA may have been dropped as a slow consumer by now
	subC := r.d.Subscribe(false, "alpha")
	defer subC.Close()
	st, err = r.c.Stop(ctx, "alpha", client.StopOptions{})
	require.NoError(t, err)
	require.False(t, st.Running)
	closed := nextOfType(t, subC, broadcast.EventBridgeClosed)
	require.Equal(t, "alpha", closed.DeviceID)

	dev, err := r.c.GetDevice(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "stopped", dev.Status)
	require.Zero(t, dev.ProcessID)
}

func TestDaemonResumesDevicesAfterRestart(t *testing.T) {
	requireUnix(t)
	cfgPath := writeConfig(t, t.TempDir())
	ctx := context.Background()

	first := boot(t, cfgPath)
	_, err := first.c.CreateDevice(ctx, client.CreateDeviceRequest{ID: "keep"})
	require.NoError(t, err)
	_, err = first.c.CreateDevice(ctx, client.CreateDeviceRequest{ID: "idle"})
	require.NoError(t, err)
	st, err := first.c.Start(ctx, "keep")
	require.NoError(t, err)
	oldPID := st.PID
	// the worker writes its session database on startup
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "sessions", "keep", "storages", "session.db"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	first.stop(t)

	second := boot(t, cfgPath)
	st, err = second.c.Status(ctx, "keep")
	require.NoError(t, err)
	require.True(t, st.Running)
	require.NotEqual(t, oldPID, st.PID)

	idle, err := second.c.Status(ctx, "idle")
	require.NoError(t, err)
	require.False(t, idle.Running)

	// a port handed out before the restart is not handed out again
	fresh, err := second.c.CreateDevice(ctx, client.CreateDeviceRequest{ID: "fresh"})
	require.NoError(t, err)
	keep, err := second.c.GetDevice(ctx, "keep")
	require.NoError(t, err)
	require.NotEqual(t, keep.Port, fresh.Port)
}
