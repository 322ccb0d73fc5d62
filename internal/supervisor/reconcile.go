package supervisor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/devisr/internal/store"
)

// Outcome is what reconciliation did for one device.
type Outcome string

const (
	OutcomeAdopted Outcome = "adopted"
	OutcomeStarted Outcome = "started"
	OutcomeStopped Outcome = "stopped" // marked stopped, nothing to resume
	OutcomeNone    Outcome = "none"
	OutcomeFailed  Outcome = "failed"
)

// Reconcile aligns the registry with the OS once at startup: live remembered
// workers are adopted, resumable sessions restarted, the rest left alone.
// Per-device failures are logged. The supervisor is ready when it returns nil.
func (s *Supervisor) Reconcile(ctx context.Context) (map[string]Outcome, error) {
	devs, err := s.reg.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	outcomes := make([]Outcome, len(devs))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.ReconcileParallelism)
	for i, dev := range devs {
		g.Go(func() error {
			outcomes[i] = s.reconcileDevice(ctx, dev)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Outcome, len(devs))
	counts := map[Outcome]int{}
	for i, dev := range devs {
		out[dev.ID] = outcomes[i]
		counts[outcomes[i]]++
	}
	s.ready.Store(true)
	s.log.Info("reconciliation finished", "devices", len(devs),
		"adopted", counts[OutcomeAdopted], "started", counts[OutcomeStarted], "failed", counts[OutcomeFailed])
	return out, nil
}

func (s *Supervisor) reconcileDevice(ctx context.Context, dev store.Device) Outcome {
	log := s.log.With("device", dev.ID)

	if dev.ProcessID > 0 {
		a, err := s.actorFor(dev.ID)
		if err != nil {
			return OutcomeFailed
		}
		if _, err = a.call(ctx, message{kind: msgAdopt, dev: dev}); err == nil {
			log.Info("adopted running worker", "pid", dev.ProcessID, "port", dev.Port)
			return OutcomeAdopted
		}
		log.Info("remembered worker not adoptable", "pid", dev.ProcessID, "reason", err)
	}

	resume := false
	switch dev.Status {
	case store.StatusActive:
		// an external session store is authoritative even without a local trace
		resume = s.sessions.External() || s.sessions.HasArtifact(dev.ID)
		if !resume {
			s.updateRegistry(ctx, dev.ID, store.WithStatus(store.StatusStopped).WithPID(0))
			log.Info("no session to resume, marked stopped")
			return OutcomeStopped
		}
	case store.StatusError, store.StatusStopped:
		resume = s.sessions.HasArtifact(dev.ID)
	}
	if !resume {
		if dev.ProcessID > 0 {
			s.updateRegistry(ctx, dev.ID, store.Patch{}.WithPID(0))
		}
		return OutcomeNone
	}

	if _, err := s.Start(ctx, dev.ID); err != nil {
		log.Error("session resume failed", "status", dev.Status, "error", err)
		return OutcomeFailed
	}
	log.Info("session resumed", "status", dev.Status)
	return OutcomeStarted
}
