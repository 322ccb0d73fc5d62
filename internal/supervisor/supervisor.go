// Package supervisor owns the worker process of every device.
//
// Each device is served by one actor goroutine; start, stop, exit
// notifications, health probes, adoption and shutdown are messages on its
// control channel, so operations on one device never interleave. Readers use an
// atomically published snapshot and never block on the actor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/env"
	"github.com/loykin/devisr/internal/history"
	"github.com/loykin/devisr/internal/session"
	"github.com/loykin/devisr/internal/store"
)

type Config struct {
	Binary            string
	Args              []string
	BasicAuth         string
	Debug             bool
	OS                string
	AccountValidation bool

	Warmup          time.Duration // delay before opening the event bridge
	StopTimeout     time.Duration // default graceful wait of Stop
	KillGrace       time.Duration // wait after the force kill
	ShutdownTimeout time.Duration // total budget of Shutdown
	HealthInterval  time.Duration
	// ReconcileParallelism bounds concurrent starts during reconciliation.
	ReconcileParallelism int
}

func (c *Config) defaults() {
	if len(c.Args) == 0 {
		c.Args = []string{"rest"}
	}
	if c.OS == "" {
		c.OS = "devisr"
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 45 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ReconcileParallelism <= 0 {
		c.ReconcileParallelism = 4
	}
}

// EffectiveStopTimeout is the graceful wait Stop uses when the caller gives none.
func (c Config) EffectiveStopTimeout() time.Duration {
	c.defaults()
	return c.StopTimeout
}

// Bridge is the part of the event bridge the supervisor drives.
type Bridge interface {
	Connect(ctx context.Context, deviceID string, port int)
	Close(deviceID string)
	CloseAll()
}

// OutputFunc returns the stdout and stderr sinks of a device's worker.
type OutputFunc func(deviceID string) (stdout, stderr io.WriteCloser)

// Status is the supervisor-local state of a ProcessRecord.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Record is the supervisor's view of one device's worker. Running is the
// result of a fresh liveness probe.
type Record struct {
	DeviceID   string    `json:"device_id"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Status     Status    `json:"status"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	SessionDir string    `json:"session_dir,omitempty"`
	Adopted    bool      `json:"adopted,omitempty"`
}

type Supervisor struct {
	cfg      Config
	reg      store.Registry
	sessions session.Layout
	env      *env.Env
	bridge   Bridge
	pub      broadcast.Publisher
	hist     *history.Recorder
	output   OutputFunc
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*actor

	portsMu sync.Mutex
	ports   map[int]string

	running      atomic.Int64
	shuttingDown atomic.Bool
	ready        atomic.Bool

	healthOnce sync.Once
	healthStop chan struct{}
	healthDone chan struct{}
}

func New(cfg Config, reg store.Registry, sessions session.Layout) *Supervisor {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		reg:        reg,
		sessions:   sessions,
		env:        env.New(true),
		bridge:     nopBridge{},
		pub:        nopPublisher{},
		log:        slog.Default().With("component", "supervisor"),
		ctx:        ctx,
		cancel:     cancel,
		actors:     make(map[string]*actor),
		ports:      make(map[int]string),
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
}

// The setters below must be called before Reconcile or the first Start.

func (s *Supervisor) SetEnv(e *env.Env) {
	if e != nil {
		s.env = e
	}
}

func (s *Supervisor) SetBridge(b Bridge) {
	if b != nil {
		s.bridge = b
	}
}

func (s *Supervisor) SetPublisher(p broadcast.Publisher) {
	if p != nil {
		s.pub = p
	}
}

func (s *Supervisor) SetHistory(r *history.Recorder) { s.hist = r }

func (s *Supervisor) SetOutput(f OutputFunc) { s.output = f }

func (s *Supervisor) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l.With("component", "supervisor")
	}
}

// Ready reports whether startup reconciliation has finished.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

func (s *Supervisor) actorFor(id string) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[id]; ok {
		return a, nil
	}
	if s.shuttingDown.Load() {
		return nil, newError(CodeShuttingDown, id, nil)
	}
	a := newActor(s, id)
	s.actors[id] = a
	go a.run()
	return a, nil
}

// forget drops a retired actor from the table.
func (s *Supervisor) forget(a *actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actors[a.id] == a {
		delete(s.actors, a.id)
	}
}

func (s *Supervisor) lookup(id string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[id]
}

func (s *Supervisor) allActors() []*actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Start spawns the device's worker. Starting a device whose worker is alive
// returns the live record unchanged. An unregistered device leaves no actor behind.
func (s *Supervisor) Start(ctx context.Context, deviceID string) (Record, error) {
	if s.shuttingDown.Load() {
		return Record{}, newError(CodeShuttingDown, deviceID, nil)
	}
	for attempt := 0; ; attempt++ {
		a, err := s.actorFor(deviceID)
		if err != nil {
			return Record{}, err
		}
		res, err := a.call(ctx, message{kind: msgStart})
		switch {
		case errors.Is(err, errRetired) && attempt < 2:
			continue
		case errors.Is(err, errRetired):
			return Record{}, newError(CodeNotRegistered, deviceID, nil)
		case errors.Is(err, ErrNotRegistered):
			_, _ = a.call(context.WithoutCancel(ctx), message{kind: msgRetire})
		}
		return res.rec, err
	}
}

type StopOptions struct {
	// Timeout is the graceful wait before the force kill; zero means the configured default.
	Timeout time.Duration
	// Force skips the graceful wait.
	Force bool
}

// Stop terminates the device's worker and marks the device stopped. The
// record is removed whether the worker exited on its own or had to be killed.
func (s *Supervisor) Stop(ctx context.Context, deviceID string, opts StopOptions) error {
	if s.shuttingDown.Load() {
		return newError(CodeShuttingDown, deviceID, nil)
	}
	a := s.lookup(deviceID)
	if a == nil || a.current() == nil {
		return newError(CodeProcessNotFound, deviceID, nil)
	}
	_, err := a.call(ctx, message{kind: msgStop, grace: s.grace(opts)})
	if errors.Is(err, errRetired) {
		return newError(CodeProcessNotFound, deviceID, nil)
	}
	return err
}

// Remove terminates the device's worker and retires its actor. It is the
// last supervisor call for a device whose registry row is already gone: a
// Start racing with it either runs first and is stopped here, or finds no
// device. Without a worker it only retires the actor.
func (s *Supervisor) Remove(ctx context.Context, deviceID string, opts StopOptions) error {
	if s.shuttingDown.Load() {
		return newError(CodeShuttingDown, deviceID, nil)
	}
	a := s.lookup(deviceID)
	if a == nil {
		return nil
	}
	_, err := a.call(ctx, message{kind: msgRemove, grace: s.grace(opts)})
	if errors.Is(err, errRetired) {
		return nil
	}
	return err
}

func (s *Supervisor) grace(opts StopOptions) time.Duration {
	if opts.Force {
		return 0
	}
	if opts.Timeout <= 0 {
		return s.cfg.StopTimeout
	}
	return opts.Timeout
}

// Restart is Stop followed by Start. A device without a running worker is
// simply started; a failed start leaves the device stopped.
func (s *Supervisor) Restart(ctx context.Context, deviceID string, opts StopOptions) (Record, error) {
	if err := s.Stop(ctx, deviceID, opts); err != nil && !errors.Is(err, ErrProcessNotFound) {
		return Record{}, err
	}
	return s.Start(ctx, deviceID)
}

// Status reports the device's worker after re-probing liveness. A registered
// device without a worker reports StatusStopped with its assigned port.
func (s *Supervisor) Status(ctx context.Context, deviceID string) (Record, error) {
	if a := s.lookup(deviceID); a != nil {
		if t := a.current(); t != nil {
			return t.observe(ctx), nil
		}
	}
	dev, err := s.reg.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, newError(CodeNotRegistered, deviceID, nil)
		}
		return Record{}, fmt.Errorf("status %s: %w", deviceID, err)
	}
	return Record{DeviceID: deviceID, Port: dev.Port, Status: StatusStopped}, nil
}

// List returns every tracked worker, ordered by device id.
func (s *Supervisor) List(ctx context.Context) []Record {
	var out []Record
	for _, a := range s.allActors() {
		if t := a.current(); t != nil {
			out = append(out, t.observe(ctx))
		}
	}
	return out
}

// IsRunning is a cheap check for collaborators that only need the running signal.
func (s *Supervisor) IsRunning(ctx context.Context, deviceID string) bool {
	a := s.lookup(deviceID)
	if a == nil {
		return false
	}
	t := a.current()
	return t != nil && t.observe(ctx).Running
}

// claimPort records that id's worker binds port.
func (s *Supervisor) claimPort(port int, id string) error {
	s.portsMu.Lock()
	defer s.portsMu.Unlock()
	if owner, ok := s.ports[port]; ok && owner != id {
		return newError(CodePortInUse, id, fmt.Errorf("port %d held by %s", port, owner))
	}
	s.ports[port] = id
	return nil
}

func (s *Supervisor) releasePort(port int, id string) {
	s.portsMu.Lock()
	defer s.portsMu.Unlock()
	if s.ports[port] == id {
		delete(s.ports, port)
	}
}

// workerEnv is the per-device part of the worker environment.
func (s *Supervisor) workerEnv(dev store.Device, dbURI string) []string {
	return []string{
		fmt.Sprintf("APP_PORT=%d", dev.Port),
		"APP_BASIC_AUTH=" + s.cfg.BasicAuth,
		fmt.Sprintf("APP_DEBUG=%t", s.cfg.Debug),
		"APP_OS=" + s.cfg.OS,
		fmt.Sprintf("ACCOUNT_VALIDATION=%t", s.cfg.AccountValidation),
		"DB_URI=" + dbURI,
		"WEBHOOK_URL=" + dev.WebhookURL,
		"WEBHOOK_SECRET=" + dev.WebhookSecret,
	}
}

// updateRegistry persists a supervisor decision. Failures are logged: the
// process table stays authoritative.
func (s *Supervisor) updateRegistry(ctx context.Context, id string, p store.Patch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.reg.Update(ctx, id, p); err != nil {
		s.log.Error("registry update failed", "device", id, "error", err)
	}
}

// Shutdown stops the health monitor, closes every bridge and terminates every
// worker within one budget (ctx deadline or ShutdownTimeout). The registry is
// left untouched so devices resume on the next start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.stopHealth()
	s.bridge.CloseAll()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	actors := s.allActors()
	var wg sync.WaitGroup
	errs := make([]error, len(actors))
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a *actor) {
			defer wg.Done()
			if _, err := a.call(ctx, message{kind: msgShutdown}); !errors.Is(err, errRetired) {
				errs[i] = err
			}
		}(i, a)
	}
	wg.Wait()
	s.cancel()
	for _, a := range actors {
		<-a.done
	}
	s.log.Info("supervisor stopped", "workers", len(actors))
	return errors.Join(errs...)
}

type nopBridge struct{}

func (nopBridge) Connect(context.Context, string, int) {}
func (nopBridge) Close(string)                         {}
func (nopBridge) CloseAll()                            {}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

func joinArgs(args []string) string { return strings.Join(args, " ") }
