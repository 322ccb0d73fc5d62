package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devisr/internal/broadcast"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs map[string][]string
	err  error
}

func (r *recordingDispatcher) HandleEvent(_ context.Context, id string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = map[string][]string{}
	}
	r.msgs[id] = append(r.msgs[id], string(msg))
	return r.err
}

func (r *recordingDispatcher) got(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs[id]...)
}

// fakeWorker serves the worker's event endpoint and hands each accepted socket to the test.
type fakeWorker struct {
	srv      *httptest.Server
	port     int
	conns    chan *websocket.Conn
	rejects  atomic.Int32 // remaining requests answered with 503
	username string
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	w := &fakeWorker{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.rejects.Load() > 0 {
			w.rejects.Add(-1)
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/ws" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		c, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		w.conns <- c
	}))
	t.Cleanup(w.srv.Close)
	_, p, _ := net.SplitHostPort(w.srv.Listener.Addr().String())
	w.port, _ = strconv.Atoi(p)
	return w
}

func (w *fakeWorker) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-w.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("bridge never connected")
	}
	return nil
}

func testConfig() Config {
	return Config{BasicAuth: "admin:pw", Retries: 3, Backoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func next(t *testing.T, s *broadcast.Subscription) broadcast.Event {
	t.Helper()
	select {
	case e := <-s.Events():
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	return broadcast.Event{}
}

func TestBridgeMirrorsMessages(t *testing.T) {
	hub := broadcast.NewHub(nil)
	mine := hub.Subscribe(false, "dev1")
	other := hub.Subscribe(false, "dev2")
	defer mine.Close()
	defer other.Close()
	disp := &recordingDispatcher{}
	b := New(testConfig(), hub, disp, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	ws := w.accept(t)

	e := next(t, mine)
	assert.Equal(t, broadcast.EventBridgeConnected, e.Type)
	require.Eventually(t, func() bool { return b.Connected("dev1") }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"message","body":"hi"}`)))
	e = next(t, mine)
	assert.Equal(t, broadcast.EventContainerMessage, e.Type)
	assert.JSONEq(t, `{"kind":"message","body":"hi"}`, string(e.Data))

	require.Eventually(t, func() bool { return len(disp.got("dev1")) == 1 }, time.Second, 10*time.Millisecond)

	select {
	case e := <-other.Events():
		t.Fatalf("other device observer got %+v", e)
	default:
	}
	b.Close("dev1")
}

func TestBridgeDispatchErrorDoesNotBreakStream(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(true)
	defer sub.Close()
	disp := &recordingDispatcher{err: assert.AnError}
	b := New(testConfig(), hub, disp, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	ws := w.accept(t)
	next(t, sub) // connected

	for i := 0; i < 2; i++ {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(i))))
		assert.Equal(t, broadcast.EventContainerMessage, next(t, sub).Type)
	}
	assert.True(t, b.Connected("dev1"))
	b.Close("dev1")
}

func closedEvent(t *testing.T, e broadcast.Event) ClosedEvent {
	t.Helper()
	require.Equal(t, broadcast.EventBridgeClosed, e.Type)
	var c ClosedEvent
	require.NoError(t, json.Unmarshal(e.Data, &c))
	return c
}

func TestBridgeCloseIsNormalClosure(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(false, "dev1")
	defer sub.Close()
	b := New(testConfig(), hub, nil, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	w.accept(t)
	next(t, sub)

	b.Close("dev1")
	c := closedEvent(t, next(t, sub))
	assert.Equal(t, websocket.CloseNormalClosure, c.Code)
	assert.False(t, b.Connected("dev1"))
}

func TestBridgeWorkerDisconnectReportsCode(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(false, "dev1")
	defer sub.Close()
	b := New(testConfig(), hub, nil, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	ws := w.accept(t)
	next(t, sub)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")))
	c := closedEvent(t, next(t, sub))
	assert.Equal(t, websocket.CloseGoingAway, c.Code)
	assert.Equal(t, "restarting", c.Reason)
	require.Eventually(t, func() bool { return !b.Connected("dev1") }, time.Second, 10*time.Millisecond)
}

func TestBridgeRetriesInitialDial(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(true)
	defer sub.Close()
	b := New(testConfig(), hub, nil, nil)
	w := newFakeWorker(t)
	w.rejects.Store(2)

	b.Connect(context.Background(), "dev1", w.port)
	w.accept(t)
	assert.Equal(t, broadcast.EventBridgeConnected, next(t, sub).Type)
	b.CloseAll()
}

func TestBridgeSingleAttemptWhenNoRetries(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(true)
	defer sub.Close()
	cfg := testConfig()
	cfg.Retries = 0
	b := New(cfg, hub, nil, nil)
	w := newFakeWorker(t)
	w.rejects.Store(1)

	b.Connect(context.Background(), "dev1", w.port)
	c := closedEvent(t, next(t, sub))
	assert.Equal(t, websocket.CloseAbnormalClosure, c.Code)
	assert.False(t, b.Connected("dev1"))
}

func TestBridgeUnauthorizedIsNotRetried(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(true)
	defer sub.Close()
	cfg := testConfig()
	cfg.BasicAuth = "admin:wrong"
	cfg.Backoff = time.Second
	b := New(cfg, hub, nil, nil)
	w := newFakeWorker(t)

	start := time.Now()
	b.Connect(context.Background(), "dev1", w.port)
	c := closedEvent(t, next(t, sub))
	assert.Contains(t, c.Reason, "unauthorized")
	assert.Less(t, time.Since(start), time.Second)
}

func TestBridgeCloseDuringDialIsSilent(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(true)
	defer sub.Close()
	cfg := testConfig()
	cfg.Backoff = 200 * time.Millisecond
	cfg.Retries = 10
	b := New(cfg, hub, nil, nil)

	// nothing listens on this port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	b.Connect(context.Background(), "dev1", port)
	time.Sleep(50 * time.Millisecond)
	b.Close("dev1")

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEndpoint(t *testing.T) {
	b := New(Config{}, broadcast.NewHub(nil), nil, nil)
	assert.Equal(t, "ws://127.0.0.1:3005/ws", b.endpoint(3005))
}

// slowDispatcher takes delay per delivery and gives up when ctx ends first.
type slowDispatcher struct {
	delay     time.Duration
	delivered atomic.Int32
	cancelled atomic.Int32
}

func (s *slowDispatcher) HandleEvent(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-time.After(s.delay):
		s.delivered.Add(1)
		return nil
	case <-ctx.Done():
		s.cancelled.Add(1)
		return ctx.Err()
	}
}

func TestDeliveryOutlivesWorkerDisconnect(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(false, "dev1")
	defer sub.Close()
	disp := &slowDispatcher{delay: 200 * time.Millisecond}
	b := New(testConfig(), hub, disp, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	ws := w.accept(t)
	next(t, sub) // connected

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"logout"}`)))
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	assert.Equal(t, broadcast.EventContainerMessage, next(t, sub).Type)
	assert.Equal(t, websocket.CloseNormalClosure, closedEvent(t, next(t, sub)).Code)

	require.Eventually(t, func() bool { return disp.delivered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, disp.cancelled.Load())
}

func TestDeliverySurvivesDeviceClose(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(false, "dev1")
	defer sub.Close()
	disp := &slowDispatcher{delay: 200 * time.Millisecond}
	b := New(testConfig(), hub, disp, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	ws := w.accept(t)
	next(t, sub)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	next(t, sub)
	b.Close("dev1")

	require.Eventually(t, func() bool { return disp.delivered.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, disp.cancelled.Load())
}

func TestCloseAllCancelsDeliveries(t *testing.T) {
	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe(false, "dev1")
	defer sub.Close()
	disp := &slowDispatcher{delay: 5 * time.Second}
	b := New(testConfig(), hub, disp, nil)
	w := newFakeWorker(t)

	b.Connect(context.Background(), "dev1", w.port)
	ws := w.accept(t)
	next(t, sub)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	next(t, sub)
	b.CloseAll()

	require.Eventually(t, func() bool { return disp.cancelled.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, disp.delivered.Load())
}
