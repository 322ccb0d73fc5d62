package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/history"
	"github.com/loykin/devisr/internal/metrics"
	"github.com/loykin/devisr/internal/process"
	"github.com/loykin/devisr/internal/store"
)

var (
	errForeignPID = errors.New("pid runs another program")
	// errRetired is returned to callers that reached an actor after it left the table.
	errRetired = errors.New("actor retired")
)

type msgKind int

const (
	msgStart msgKind = iota
	msgStop
	msgExited
	msgProbe
	msgAdopt
	msgOpenBridge
	msgRetire // leave the table if idle
	msgRemove // stop the worker, then leave the table
	msgShutdown
)

type message struct {
	kind    msgKind
	ctx     context.Context
	gen     uint64 // generation the message refers to (exit, bridge)
	grace   time.Duration
	exitErr error
	dev     store.Device
	reply   chan result
}

type result struct {
	rec Record
	err error
}

// ProcessStopped is the payload of the process-stopped broadcast.
type ProcessStopped struct {
	PID      int          `json:"pid"`
	Port     int          `json:"port"`
	ExitCode int          `json:"exit_code"`
	Reason   string       `json:"reason"`
	Status   store.Status `json:"status"`
}

// tracked is the published, read-only view of a live record.
type tracked struct {
	rec  Record
	proc *process.Process
}

// observe re-probes the OS. A failed probe keeps trusting the table.
func (t *tracked) observe(ctx context.Context) Record {
	r := t.rec
	alive, err := t.proc.Alive(ctx)
	r.Running = alive || err != nil
	return r
}

// actor owns one device's ProcessRecord. Only run mutates the fields below state.
type actor struct {
	s    *Supervisor
	id   string
	log  *slog.Logger
	ctrl chan message
	done chan struct{}

	state   atomic.Pointer[tracked]
	retired atomic.Bool

	gen    uint64
	proc   *process.Process
	rec    Record
	warmup *time.Timer
}

func newActor(s *Supervisor, id string) *actor {
	return &actor{
		s:    s,
		id:   id,
		log:  s.log.With("device", id),
		ctrl: make(chan message, 16),
		done: make(chan struct{}),
	}
}

func (a *actor) current() *tracked { return a.state.Load() }

// exitErr is what callers see once run has returned.
func (a *actor) exitErr() error {
	if a.retired.Load() {
		return errRetired
	}
	return newError(CodeShuttingDown, a.id, nil)
}

// call delivers m and waits for its result.
func (a *actor) call(ctx context.Context, m message) (result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx = ctx
	m.reply = make(chan result, 1)
	select {
	case a.ctrl <- m:
	case <-a.done:
		return result{}, a.exitErr()
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-m.reply:
		return r, r.err
	case <-a.done:
		select {
		case r := <-m.reply:
			return r, r.err
		default:
		}
		return result{}, a.exitErr()
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// post delivers an internal notification without waiting for it.
func (a *actor) post(m message) {
	if m.ctx == nil {
		m.ctx = a.s.ctx
	}
	select {
	case a.ctrl <- m:
	case <-a.done:
	}
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case m := <-a.ctrl:
			res, last := a.handle(m)
			if m.reply != nil {
				m.reply <- res
			}
			if last {
				if a.retired.Load() {
					a.s.forget(a)
				}
				return
			}
		case <-a.s.ctx.Done():
			return
		}
	}
}

func (a *actor) handle(m message) (result, bool) {
	switch m.kind {
	case msgStart:
		rec, err := a.start(m.ctx)
		return result{rec: rec, err: err}, false
	case msgStop:
		return result{err: a.stop(m.ctx, m.grace, true)}, false
	case msgExited:
		a.exited(m.gen, m.exitErr)
	case msgProbe:
		a.probe(m.ctx)
	case msgAdopt:
		rec, err := a.adopt(m.ctx, m.dev)
		return result{rec: rec, err: err}, false
	case msgOpenBridge:
		a.openBridge(m.gen)
	case msgRetire:
		if a.proc != nil {
			return result{}, false
		}
		a.retired.Store(true)
		return result{}, true
	case msgRemove:
		if a.proc != nil {
			if err := a.stop(m.ctx, m.grace, false); err != nil {
				return result{err: err}, false
			}
		}
		a.stopWarmup()
		a.retired.Store(true)
		return result{}, true
	case msgShutdown:
		return result{err: a.shutdown(m.ctx)}, true
	}
	return result{}, false
}

func (a *actor) start(ctx context.Context) (Record, error) {
	if a.proc != nil {
		alive, err := a.proc.Alive(ctx)
		if alive || err != nil {
			rec := a.rec
			rec.Running = true
			return rec, nil
		}
		a.log.Info("discarding stale process record", "pid", a.rec.PID)
		a.drop()
	}

	dev, err := a.s.reg.Get(ctx, a.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, newError(CodeNotRegistered, a.id, nil)
		}
		return Record{}, fmt.Errorf("load device %s: %w", a.id, err)
	}
	if dev.Port <= 0 {
		return Record{}, newError(CodePortNotAllocated, a.id, nil)
	}
	if err := a.s.claimPort(dev.Port, a.id); err != nil {
		return Record{}, err
	}
	spawned := false
	defer func() {
		if !spawned {
			a.s.releasePort(dev.Port, a.id)
		}
	}()

	dir, err := a.s.sessions.Ensure(a.id)
	if err != nil {
		return Record{}, newError(CodeSpawnFailed, a.id, err)
	}
	dbURI, err := a.s.sessions.DatabaseURI(a.id)
	if err != nil {
		return Record{}, newError(CodeSpawnFailed, a.id, err)
	}
	spec := process.Spec{
		Path: a.s.cfg.Binary,
		Args: a.s.cfg.Args,
		Env:  a.s.env.Merge(a.s.workerEnv(dev, dbURI)),
	}
	if !a.s.sessions.External() {
		spec.Dir = dir
	}
	if a.s.output != nil {
		spec.Stdout, spec.Stderr = a.s.output(a.id)
	}
	p, err := process.Start(spec)
	if err != nil {
		metrics.IncSpawnFailure(a.id)
		a.log.Error("worker spawn failed", "binary", spec.Path, "error", err)
		return Record{}, newError(CodeSpawnFailed, a.id, err)
	}
	spawned = true

	a.track(p, Record{
		DeviceID:   a.id,
		PID:        p.PID(),
		Port:       dev.Port,
		Status:     StatusRunning,
		Running:    true,
		StartedAt:  p.StartedAt(),
		SessionDir: dir,
	})
	go a.watch(p, a.gen)

	a.s.updateRegistry(ctx, a.id, store.WithStatus(store.StatusActive).WithPID(p.PID()).Seen(time.Now()))
	metrics.IncStart(a.id)
	a.s.hist.Record(ctx, history.Event{Type: history.EventStart, DeviceID: a.id, PID: p.PID(), Port: dev.Port})
	a.scheduleBridge(a.s.cfg.Warmup)
	a.log.Info("worker started", "pid", p.PID(), "port", dev.Port, "args", joinArgs(spec.Args))
	return a.rec, nil
}

// watch turns the child's exit into a message for the actor.
func (a *actor) watch(p *process.Process, gen uint64) {
	select {
	case <-p.Done():
	case <-a.done:
		return
	}
	a.post(message{kind: msgExited, gen: gen, exitErr: p.ExitErr()})
}

func (a *actor) track(p *process.Process, rec Record) {
	a.gen++
	a.proc = p
	a.rec = rec
	a.state.Store(&tracked{rec: rec, proc: p})
	metrics.SetRunning(int(a.s.running.Add(1)))
}

// drop removes the record and everything hanging off it. Pending exit and
// bridge notifications become stale.
func (a *actor) drop() Record {
	a.stopWarmup()
	if a.proc == nil {
		return Record{}
	}
	rec := a.rec
	a.s.bridge.Close(a.id)
	a.s.releasePort(rec.Port, a.id)
	a.proc = nil
	a.rec = Record{}
	a.gen++
	a.state.Store(nil)
	metrics.SetRunning(int(a.s.running.Add(-1)))
	metrics.Forget(a.id)
	return rec
}

func (a *actor) scheduleBridge(after time.Duration) {
	a.stopWarmup()
	gen := a.gen
	a.warmup = time.AfterFunc(after, func() {
		a.post(message{kind: msgOpenBridge, gen: gen})
	})
}

func (a *actor) stopWarmup() {
	if a.warmup != nil {
		a.warmup.Stop()
		a.warmup = nil
	}
}

func (a *actor) openBridge(gen uint64) {
	if a.proc == nil || gen != a.gen || a.s.shuttingDown.Load() {
		return
	}
	a.warmup = nil
	a.s.bridge.Connect(a.s.ctx, a.id, a.rec.Port)
}

func (a *actor) exited(gen uint64, exitErr error) {
	if a.proc == nil || gen != a.gen {
		a.log.Debug("stale exit notification dropped")
		return
	}
	rec := a.drop()
	code := process.ExitCode(exitErr)
	if a.s.shuttingDown.Load() {
		a.log.Debug("worker exited during shutdown", "pid", rec.PID, "exit_code", code)
		return
	}
	status := store.StatusStopped
	if code != 0 {
		status = store.StatusError
	}
	a.lost(rec, status, code, "exit", history.EventExit)
}

// lost persists and announces a worker that went away on its own.
func (a *actor) lost(rec Record, status store.Status, code int, reason string, typ history.EventType) {
	a.log.Warn("worker gone", "pid", rec.PID, "exit_code", code, "reason", reason, "status", status)
	a.s.updateRegistry(a.s.ctx, a.id, store.WithStatus(status).WithPID(0))
	metrics.IncExit(a.id, reason)
	a.s.hist.Record(a.s.ctx, history.Event{
		Type: typ, DeviceID: a.id, PID: rec.PID, Port: rec.Port, ExitCode: code, Detail: reason,
	})
	a.s.pub.Publish(broadcast.EventProcessStopped, a.id, ProcessStopped{
		PID: rec.PID, Port: rec.Port, ExitCode: code, Reason: reason, Status: status,
	})
}

// stop terminates the worker. persist records the stopped state in the
// registry; a device being removed has no row left to update.
func (a *actor) stop(ctx context.Context, grace time.Duration, persist bool) error {
	if a.proc == nil {
		return newError(CodeProcessNotFound, a.id, nil)
	}
	a.stopWarmup()
	a.s.bridge.Close(a.id)

	forced, err := a.proc.Terminate(ctx, grace, a.s.cfg.KillGrace)
	if err != nil {
		if errors.Is(err, process.ErrStillAlive) {
			a.log.Error("worker survived kill", "pid", a.rec.PID, "error", err)
			return newError(CodeStopTimeout, a.id, err)
		}
		return fmt.Errorf("stop %s: %w", a.id, err)
	}
	if forced {
		a.log.Warn("worker ignored graceful stop, killed", "pid", a.rec.PID, "grace", grace)
	}
	rec := a.drop()
	if persist {
		a.s.updateRegistry(ctx, a.id, store.WithStatus(store.StatusStopped).WithPID(0))
	}
	metrics.IncStop(a.id, forced)
	detail := "graceful"
	if forced {
		detail = "forced"
	}
	a.s.hist.Record(ctx, history.Event{Type: history.EventStop, DeviceID: a.id, PID: rec.PID, Port: rec.Port, Detail: detail})
	a.log.Info("worker stopped", "pid", rec.PID, "forced", forced)
	return nil
}

// probe is one health check. Children already reaped are handled as exits so
// the exit code is kept; other dead workers are demoted to error.
func (a *actor) probe(ctx context.Context) {
	if a.proc == nil {
		return
	}
	if ch := a.proc.Done(); ch != nil {
		select {
		case <-ch:
			a.exited(a.gen, a.proc.ExitErr())
			return
		default:
		}
	}
	alive, err := a.proc.Alive(ctx)
	if err != nil {
		a.log.Warn("liveness probe failed", "pid", a.rec.PID, "error", err)
		return
	}
	if alive {
		if _, err := metrics.SampleProcess(ctx, a.id, a.rec.PID); err != nil {
			a.log.Debug("resource sample failed", "pid", a.rec.PID, "error", err)
		}
		a.s.updateRegistry(ctx, a.id, store.Patch{}.Seen(time.Now()))
		return
	}
	rec := a.drop()
	if a.s.shuttingDown.Load() {
		return
	}
	a.lost(rec, store.StatusError, -1, "health", history.EventCrash)
}

func (a *actor) adopt(ctx context.Context, dev store.Device) (Record, error) {
	if a.proc != nil {
		return a.rec, nil
	}
	p, err := process.Attach(ctx, dev.ProcessID)
	if err != nil {
		return Record{}, err
	}
	if !process.Matches(ctx, dev.ProcessID, a.s.cfg.Binary) {
		return Record{}, fmt.Errorf("%w: pid %d", errForeignPID, dev.ProcessID)
	}
	if dev.Port <= 0 {
		return Record{}, newError(CodePortNotAllocated, a.id, nil)
	}
	dir, err := a.s.sessions.Dir(a.id)
	if err != nil {
		return Record{}, fmt.Errorf("session dir %s: %w", a.id, err)
	}
	if err := a.s.claimPort(dev.Port, a.id); err != nil {
		return Record{}, err
	}
	a.track(p, Record{
		DeviceID:   a.id,
		PID:        p.PID(),
		Port:       dev.Port,
		Status:     StatusRunning,
		Running:    true,
		StartedAt:  p.StartedAt(),
		SessionDir: dir,
		Adopted:    true,
	})
	a.s.updateRegistry(ctx, a.id, store.WithStatus(store.StatusActive).WithPID(p.PID()).Seen(time.Now()))
	metrics.IncAdoption()
	a.s.hist.Record(ctx, history.Event{Type: history.EventAdopt, DeviceID: a.id, PID: p.PID(), Port: dev.Port})
	// an adopted worker is already listening
	a.scheduleBridge(0)
	return a.rec, nil
}

// shutdown terminates the worker without touching the registry.
func (a *actor) shutdown(ctx context.Context) error {
	a.stopWarmup()
	if a.proc == nil {
		return nil
	}
	forced, err := a.proc.Terminate(ctx, a.s.cfg.StopTimeout, a.s.cfg.KillGrace)
	rec := a.drop()
	if err != nil {
		a.log.Error("worker did not stop during shutdown", "pid", rec.PID, "error", err)
		return fmt.Errorf("shutdown %s: %w", a.id, err)
	}
	a.log.Info("worker stopped for shutdown", "pid", rec.PID, "forced", forced)
	return nil
}
