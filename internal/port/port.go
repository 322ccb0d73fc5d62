// Package port hands out listening ports for device workers.
package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	ErrNoPorts  = errors.New("no ports available")
	ErrReserved = errors.New("port already reserved")
)

// Allocator hands out the lowest unused TCP port in (base, max].
// Ports stay reserved until Release, independent of whether a process is bound.
type Allocator struct {
	mu    sync.Mutex
	base  int
	max   int
	used  map[int]struct{}
	probe func(port int) bool
}

// New builds an allocator for ports strictly above base up to max inclusive.
func New(base, max int) (*Allocator, error) {
	if base < 0 || max > 65535 || base >= max {
		return nil, fmt.Errorf("invalid port range (%d, %d]", base, max)
	}
	return &Allocator{base: base, max: max, used: make(map[int]struct{}), probe: bindable}, nil
}

// WithProbe replaces the OS bind check; a nil probe accepts every port.
func (a *Allocator) WithProbe(probe func(port int) bool) *Allocator {
	a.mu.Lock()
	a.probe = probe
	a.mu.Unlock()
	return a
}

// Reserve marks port as taken, typically for ports loaded from the registry at startup.
func (a *Allocator) Reserve(port int) error {
	if port <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.used[port]; ok {
		return fmt.Errorf("%w: %d", ErrReserved, port)
	}
	a.used[port] = struct{}{}
	return nil
}

// Next returns the lowest free port, skipping ports something else is already bound to.
func (a *Allocator) Next() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.base + 1; p <= a.max; p++ {
		if _, ok := a.used[p]; ok {
			continue
		}
		if a.probe != nil && !a.probe(p) {
			continue
		}
		a.used[p] = struct{}{}
		return p, nil
	}
	return 0, ErrNoPorts
}

func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.used, port)
	a.mu.Unlock()
}

func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
