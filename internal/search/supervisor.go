package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/signaling"
)

// Stage is the escalating "still searching" messaging level.
type Stage int

const (
	Stage1 Stage = iota + 1
	Stage2
	Stage3
)

// Events is the supervisor's view of the customer UI. Exactly one of
// Assigned, Exhausted or the session's cancel path ends a search.
type Events interface {
	StageChanged(stage Stage)
	Assigned(a models.Assignment)
	Exhausted()
}

type phase int

const (
	phaseIdle phase = iota
	phaseSearching
	phaseDone
)

// Supervisor watches one submitted request: escalates messaging as
// wait time grows, polls the assignment mirror, and after the hard
// ceiling fires the no-match outcome with exactly one cleanup call.
// Manual cancellation takes precedence over the timeout path.
type Supervisor struct {
	RequestID string
	Signals   signaling.Store
	Backend   backend.Client
	Timings   config.Timings
	Events    Events
	Logger    *slog.Logger

	mu     sync.Mutex
	phase  phase
	cancel context.CancelFunc
	done   chan struct{}
}

// Start begins supervising. The stage clock runs from now, which is
// the moment of submission for a freshly created request.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseIdle {
		return
	}
	s.phase = phaseSearching
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
}

// CancelSearch is the manual path: stop all timers first, then tell
// the backend, so a racing timeout can no longer fire.
func (s *Supervisor) CancelSearch(ctx context.Context, reason string) error {
	if !s.finish() {
		return nil
	}
	if err := s.Backend.Cancel(ctx, s.RequestID, "customer", reason); err != nil {
		s.logger().Warn("cancel call failed", "request_id", s.RequestID, "error", err)
		return err
	}
	s.logger().Info("search cancelled by customer", "request_id", s.RequestID)
	return nil
}

// Stop tears the supervisor down without any backend call.
func (s *Supervisor) Stop() {
	s.finish()
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := s.Timings
	stage1 := time.NewTimer(t.SearchStage1)
	stage2 := time.NewTimer(t.SearchStage2)
	stage3 := time.NewTimer(t.SearchStage3)
	defer stage1.Stop()
	defer stage2.Stop()
	defer stage3.Stop()

	poll := time.NewTicker(t.AssignmentPoll)
	defer poll.Stop()

	if s.Events != nil {
		s.Events.StageChanged(Stage1)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-stage1.C:
			s.stage(Stage2)
		case <-stage2.C:
			s.stage(Stage3)
		case <-stage3.C:
			s.exhaust(ctx)
			return
		case <-poll.C:
			if s.checkAssignment(ctx) {
				return
			}
		}
	}
}

func (s *Supervisor) stage(st Stage) {
	s.mu.Lock()
	searching := s.phase == phaseSearching
	s.mu.Unlock()
	if searching && s.Events != nil {
		s.Events.StageChanged(st)
	}
}

func (s *Supervisor) checkAssignment(ctx context.Context) bool {
	a, ok, err := s.Signals.Assignment(ctx, s.RequestID)
	if err != nil {
		s.logger().Warn("assignment poll failed", "request_id", s.RequestID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if !s.finish() {
		return true
	}
	s.logger().Info("master assigned", "request_id", s.RequestID, "master_id", a.Master.ID)
	if s.Events != nil {
		s.Events.Assigned(a)
	}
	return true
}

// exhaust fires the no-match outcome exactly once and issues the one
// cleanup call that sweeps orphaned signals across all masters.
func (s *Supervisor) exhaust(ctx context.Context) {
	if !s.finish() {
		return
	}
	if err := s.Backend.MarkMissed(ctx, s.RequestID); err != nil {
		// a master may have slipped in between the ceiling and the
		// sweep; the conditional update already decided who won
		s.logger().Warn("missed cleanup rejected", "request_id", s.RequestID, "error", err)
		if a, ok, _ := s.Signals.Assignment(ctx, s.RequestID); ok {
			s.logger().Info("late assignment beat the sweep", "request_id", s.RequestID, "master_id", a.Master.ID)
			if s.Events != nil {
				s.Events.Assigned(a)
			}
			return
		}
	}
	s.logger().Info("search exhausted, no master found", "request_id", s.RequestID)
	if s.Events != nil {
		s.Events.Exhausted()
	}
}

// finish moves to phaseDone once; returns false if already finished.
func (s *Supervisor) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseSearching {
		return false
	}
	s.phase = phaseDone
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
