package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/signaling"
)

// timings compressed so a full search lifecycle runs in tens of
// milliseconds.
func testTimings() config.Timings {
	t := config.DefaultTimings()
	t.SearchStage1 = 30 * time.Millisecond
	t.SearchStage2 = 60 * time.Millisecond
	t.SearchStage3 = 90 * time.Millisecond
	t.AssignmentPoll = 10 * time.Millisecond
	return t
}

type eventLog struct {
	mu        sync.Mutex
	stages    []Stage
	assigned  []models.Assignment
	exhausted int
}

func (e *eventLog) StageChanged(stage Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, stage)
}

func (e *eventLog) Assigned(a models.Assignment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigned = append(e.assigned, a)
}

func (e *eventLog) Exhausted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exhausted++
}

func (e *eventLog) snapshot() ([]Stage, []models.Assignment, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Stage(nil), e.stages...), append([]models.Assignment(nil), e.assigned...), e.exhausted
}

type searchBackend struct {
	mu        sync.Mutex
	missed    int
	missedErr error
	cancels   int
	cancelErr error
}

func (f *searchBackend) MarkMissed(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missed++
	return f.missedErr
}

func (f *searchBackend) Cancel(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *searchBackend) counts() (missed, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.missed, f.cancels
}

func (f *searchBackend) CreateRequest(context.Context, backend.CreateParams) (*models.Request, string, error) {
	return nil, "", nil
}
func (f *searchBackend) GetRequest(context.Context, string) (*models.Request, error) {
	return nil, nil
}
func (f *searchBackend) Assign(context.Context, string, string) (*models.Request, error) {
	return nil, nil
}
func (f *searchBackend) DeclineMaster(context.Context, string, string) error { return nil }
func (f *searchBackend) VerifyOTP(context.Context, string, string) error     { return nil }
func (f *searchBackend) StartRepair(context.Context, string) error           { return nil }
func (f *searchBackend) CompleteRepair(context.Context, string) error        { return nil }
func (f *searchBackend) Rate(context.Context, models.Rating) error           { return nil }
func (f *searchBackend) Heartbeat(context.Context, models.Heartbeat) error   { return nil }
func (f *searchBackend) RegisterProfile(context.Context, models.MasterProfile) error {
	return nil
}

func newSupervisor(fb *searchBackend, store *signaling.MemoryStore, events *eventLog) *Supervisor {
	return &Supervisor{
		RequestID: "req-1",
		Signals:   store,
		Backend:   fb,
		Timings:   testTimings(),
		Events:    events,
	}
}

func TestExhaustionIsDeterministic(t *testing.T) {
	fb := &searchBackend{}
	events := &eventLog{}
	s := newSupervisor(fb, signaling.NewMemoryStore(), events)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		_, _, exhausted := events.snapshot()
		return exhausted > 0
	}, time.Second, time.Millisecond)

	// give any stray second firing a chance to show up
	time.Sleep(50 * time.Millisecond)
	stages, assigned, exhausted := events.snapshot()
	assert.Equal(t, 1, exhausted, "exactly one no-match outcome")
	assert.Empty(t, assigned)
	assert.Equal(t, []Stage{Stage1, Stage2, Stage3}, stages)

	missed, cancels := fb.counts()
	assert.Equal(t, 1, missed, "exactly one cleanup call")
	assert.Equal(t, 0, cancels)
}

func TestAssignmentEndsSearch(t *testing.T) {
	ctx := context.Background()
	fb := &searchBackend{}
	store := signaling.NewMemoryStore()
	events := &eventLog{}
	s := newSupervisor(fb, store, events)

	s.Start(ctx)
	require.NoError(t, store.SetAssignment(ctx, models.Assignment{
		RequestID: "req-1",
		Master:    models.MasterProfile{ID: "m1", Name: "Aster"},
		Status:    models.StatusAssigned,
	}))

	require.Eventually(t, func() bool {
		_, assigned, _ := events.snapshot()
		return len(assigned) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(120 * time.Millisecond) // past the would-be ceiling
	_, assigned, exhausted := events.snapshot()
	assert.Len(t, assigned, 1)
	assert.Equal(t, "m1", assigned[0].Master.ID)
	assert.Zero(t, exhausted, "assigned search never exhausts")

	missed, _ := fb.counts()
	assert.Zero(t, missed)
}

func TestLateAssignmentBeatsTheSweep(t *testing.T) {
	ctx := context.Background()
	fb := &searchBackend{missedErr: backend.ErrInvalidTransition}
	store := signaling.NewMemoryStore()
	events := &eventLog{}
	s := newSupervisor(fb, store, events)

	// the assignment mirror appears but the poll never saw it; the
	// ceiling fires, the missed call loses at the conditional update
	require.NoError(t, store.SetAssignment(ctx, models.Assignment{
		RequestID: "req-1",
		Master:    models.MasterProfile{ID: "m1"},
		Status:    models.StatusAssigned,
	}))
	s.mu.Lock()
	s.phase = phaseSearching
	s.mu.Unlock()
	s.exhaust(ctx)

	_, assigned, exhausted := events.snapshot()
	assert.Len(t, assigned, 1, "late accept surfaces as assignment, not no-match")
	assert.Zero(t, exhausted)
}

func TestManualCancelTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	fb := &searchBackend{}
	events := &eventLog{}
	s := newSupervisor(fb, signaling.NewMemoryStore(), events)

	s.Start(ctx)
	require.NoError(t, s.CancelSearch(ctx, "changed plans"))

	time.Sleep(150 * time.Millisecond) // past the ceiling
	_, assigned, exhausted := events.snapshot()
	assert.Zero(t, exhausted, "cancel silences the timeout path")
	assert.Empty(t, assigned)

	missed, cancels := fb.counts()
	assert.Zero(t, missed)
	assert.Equal(t, 1, cancels)

	// second cancel is a no-op
	require.NoError(t, s.CancelSearch(ctx, "again"))
	_, cancels = fb.counts()
	assert.Equal(t, 1, cancels)
}

func TestStartIsIdempotent(t *testing.T) {
	fb := &searchBackend{}
	events := &eventLog{}
	s := newSupervisor(fb, signaling.NewMemoryStore(), events)

	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	stages, _, _ := events.snapshot()
	assert.Equal(t, []Stage{Stage1}, stages, "double start must not double the clock")
}
