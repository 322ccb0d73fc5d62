package supervisor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single liveness probe.
const probeTimeout = 10 * time.Second

// StartMonitor launches the health monitor. It only demotes and announces dead
// workers; it never restarts them.
func (s *Supervisor) StartMonitor() {
	s.healthOnce.Do(func() {
		go s.monitor()
	})
}

func (s *Supervisor) monitor() {
	defer close(s.healthDone)
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	s.log.Info("health monitor started", "interval", s.cfg.HealthInterval)
	for {
		select {
		case <-s.healthStop:
			return
		case <-t.C:
			s.CheckHealth(s.ctx)
		}
	}
}

// stopHealth stops the monitor, or keeps it from ever starting.
func (s *Supervisor) stopHealth() {
	s.healthOnce.Do(func() { close(s.healthDone) })
	close(s.healthStop)
	<-s.healthDone
}

// CheckHealth probes every tracked worker once and waits for the results.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	var g errgroup.Group
	for _, a := range s.allActors() {
		if a.current() == nil {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			_, _ = a.call(pctx, message{kind: msgProbe})
			return nil
		})
	}
	_ = g.Wait()
}
