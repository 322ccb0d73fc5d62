// Package process runs and terminates single OS processes.
//
// A Process is either a child spawned by Start, whose exit is observed through
// Done, or a foreign pid taken over with Attach, whose exit can only be
// observed by probing.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	ErrNotRunning = errors.New("process not running")
	ErrStillAlive = errors.New("process survived kill")
)

// pollInterval paces liveness polling for attached processes.
const pollInterval = 100 * time.Millisecond

// Spec describes a child to spawn.
type Spec struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

type Process struct {
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd // nil when attached
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
	closers []io.Closer
}

// Start spawns spec. The child gets its own process group so the whole tree can
// be signalled. Writers implementing io.Closer are closed after the child exits.
func Start(spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, errors.New("empty executable path")
	}
	// #nosec G204 -- executable comes from daemon configuration
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	configureSysProcAttr(cmd)

	p := &Process{cmd: cmd, done: make(chan struct{})}
	for _, w := range []io.Writer{spec.Stdout, spec.Stderr} {
		if c, ok := w.(io.Closer); ok && w != nil {
			p.closers = append(p.closers, c)
		}
	}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, err
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

// Attach takes over a pid this process did not spawn. It fails with ErrNotRunning
// when the pid is gone or a zombie.
func Attach(ctx context.Context, pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}
	alive, err := probe(ctx, pid)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}
	started := StartTime(pid)
	if started.IsZero() {
		started = time.Now()
	}
	return &Process{pid: pid, startedAt: started}, nil
}

func (p *Process) PID() int { return p.pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Attached reports whether the process was adopted rather than spawned.
func (p *Process) Attached() bool { return p.cmd == nil }

// Done is closed when a spawned child has been reaped. It is nil for attached processes.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is the result of the child's Wait, valid after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode maps a Wait error to a code: 0 for clean exit, the exit status when
// available, -1 for signals and other failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (p *Process) exited() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive probes the OS. Zombies count as dead. A non-nil error means the probe
// itself failed and says nothing about the process.
func (p *Process) Alive(ctx context.Context) (bool, error) {
	if p.exited() {
		return false, nil
	}
	return probe(ctx, p.pid)
}

func probe(ctx context.Context, pid int) (bool, error) {
	if err := signalZero(pid); err != nil {
		if isGone(err) {
			return false, nil
		}
		if !isPermission(err) {
			return false, fmt.Errorf("probe pid %d: %w", pid, err)
		}
	}
	gp, err := gopsproc.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return false, nil
		}
		return true, nil
	}
	states, err := gp.StatusWithContext(ctx)
	if err == nil && slices.Contains(states, gopsproc.Zombie) {
		return false, nil
	}
	return true, nil
}

// Matches reports whether pid runs the given executable, comparing base names of
// the executable path and the first command line word. It guards adoption
// against pid reuse.
func Matches(ctx context.Context, pid int, binary string) bool {
	gp, err := gopsproc.NewProcessWithContext(ctx, int32(pid)) // #nosec G115
	if err != nil {
		return false
	}
	want := filepath.Base(binary)
	if exe, err := gp.ExeWithContext(ctx); err == nil && filepath.Base(exe) == want {
		return true
	}
	if args, err := gp.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 {
		return filepath.Base(args[0]) == want
	}
	return false
}

// Terminate asks the process to stop, waits up to grace, then force-kills and
// waits up to killGrace. Cancelling ctx cuts the graceful wait short. forced
// reports whether the kill was needed; ErrStillAlive means even the kill did
// not take within killGrace.
func (p *Process) Terminate(ctx context.Context, grace, killGrace time.Duration) (forced bool, err error) {
	alive, _ := p.Alive(ctx)
	if !alive {
		return false, nil
	}
	if err := requestStop(p.pid); err != nil && !isGone(err) {
		return false, fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	if p.waitExit(ctx, grace) {
		return false, nil
	}
	if err := forceKill(p.pid); err != nil && !isGone(err) {
		return true, fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	if p.waitExit(context.Background(), killGrace) {
		return true, nil
	}
	return true, fmt.Errorf("%w: pid %d", ErrStillAlive, p.pid)
}

// waitExit blocks until the process is gone, d elapses or ctx is done.
func (p *Process) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	if p.done != nil {
		select {
		case <-p.done:
			return true
		case <-timer.C:
		case <-ctx.Done():
		}
		return p.exited()
	}
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if alive, err := probe(context.Background(), p.pid); err == nil && !alive {
			return true
		}
		select {
		case <-tick.C:
		case <-timer.C:
			alive, err := probe(context.Background(), p.pid)
			return err == nil && !alive
		case <-ctx.Done():
			return false
		}
	}
}
