package session

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/arbitrator"
	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/duty"
	httpapi "github.com/example/roadside-dispatch/internal/http"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/push"
	"github.com/example/roadside-dispatch/internal/search"
	"github.com/example/roadside-dispatch/internal/signaling"
	"github.com/example/roadside-dispatch/internal/storage"
)

// testStack is a whole deployment in one process: the REST backend over
// memory stores plus the shared signaling store the devices watch.
type testStack struct {
	client  backend.Client
	signals *signaling.MemoryStore
	timings config.Timings
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signals := signaling.NewMemoryStore()
	dir := dispatch.NewMemoryDirectory()
	svc := &dispatch.Service{
		Store:          storage.NewMemoryStore(),
		Signals:        signals,
		Masters:        dir,
		Payments:       payments.NopGateway{},
		Logger:         logger,
		RadiusKm:       15,
		TopN:           10,
		PresenceMaxAge: time.Minute,
	}
	srv := httpapi.NewServer(svc, signals, dir, push.NewHub(logger), nil, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	tm := config.DefaultTimings()
	tm.Heartbeat = 5 * time.Millisecond
	tm.ListenerPoll = time.Hour // polls are driven by hand for determinism
	tm.AssignmentPoll = 10 * time.Millisecond
	tm.SearchStage1 = 300 * time.Millisecond
	tm.SearchStage2 = 600 * time.Millisecond
	tm.SearchStage3 = 900 * time.Millisecond
	tm.StatusTTL = time.Millisecond

	return &testStack{client: backend.NewHTTPClient(ts.URL), signals: signals, timings: tm}
}

type offerLog struct {
	mu       sync.Mutex
	received []models.Signal
}

func (o *offerLog) OfferReceived(sig models.Signal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, sig)
}

func (o *offerLog) OfferWithdrawn(string) {}
func (o *offerLog) OfferExpired(string)   {}

func (o *offerLog) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.received)
}

type searchLog struct {
	mu        sync.Mutex
	assigned  []models.Assignment
	exhausted int
}

func (s *searchLog) StageChanged(search.Stage) {}

func (s *searchLog) Assigned(a models.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned = append(s.assigned, a)
}

func (s *searchLog) Exhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted++
}

func (s *searchLog) snapshot() ([]models.Assignment, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Assignment(nil), s.assigned...), s.exhausted
}

func newMaster(t *testing.T, stack *testStack, id string, lat, lon float64, events OfferEvents) *MasterSession {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := duty.LocationFunc(func() (models.Coord, error) {
		return models.Coord{Lat: lat, Lon: lon}, nil
	})
	return NewMasterSession(
		models.MasterProfile{ID: id, Name: "Master " + id, Rating: 4.7},
		source, stack.client, stack.signals, stack.timings, events, logger,
	)
}

func goOnDuty(t *testing.T, stack *testStack, sessions ...*MasterSession) {
	t.Helper()
	ctx := context.Background()
	for _, m := range sessions {
		m.SetDuty(ctx, true)
		t.Cleanup(func() { m.Close(ctx) })
	}
	require.Eventually(t, func() bool {
		active, err := stack.signals.ActiveMasters(ctx)
		return err == nil && len(active) == len(sessions)
	}, time.Second, time.Millisecond, "heartbeats must establish presence")
}

func TestTwoMastersOneWinner(t *testing.T) {
	ctx := context.Background()
	stack := newStack(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	offers1, offers2 := &offerLog{}, &offerLog{}
	m1 := newMaster(t, stack, "m1", 0.01, 0, offers1)
	m2 := newMaster(t, stack, "m2", 0.02, 0, offers2)
	goOnDuty(t, stack, m1, m2)

	customer := NewCustomerSession("cust-1", stack.client, stack.signals, stack.timings, logger)
	defer customer.Close()
	searchEvents := &searchLog{}
	r, otp, err := customer.Submit(ctx, backend.CreateParams{
		VehicleID:   "veh-1",
		ServiceType: models.ServiceTowing,
		Location:    models.Location{Address: "12 Elm St", Lat: 0, Lon: 0},
	}, searchEvents)
	require.NoError(t, err)
	require.Len(t, otp, 4)

	// both masters see the offer
	m1.Listener.Nudge(ctx)
	m2.Listener.Nudge(ctx)
	require.Equal(t, 1, offers1.count())
	require.Equal(t, 1, offers2.count())

	// first accept wins, second resolves as unavailable
	out, accepted, err := m1.Accept(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, arbitrator.OutcomeAccepted, out)
	assert.Equal(t, "m1", accepted.MasterID)

	out, _, err = m2.Accept(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, arbitrator.OutcomeUnavailable, out)

	// the customer's poll observes the assignment
	require.Eventually(t, func() bool {
		assigned, _ := searchEvents.snapshot()
		return len(assigned) == 1
	}, time.Second, time.Millisecond)
	assigned, exhausted := searchEvents.snapshot()
	assert.Equal(t, "m1", assigned[0].Master.ID)
	assert.Zero(t, exhausted)

	// in-person handover and repair, driven from the master device
	require.NoError(t, m1.VerifyOTP(ctx, r.ID, otp))
	require.NoError(t, m1.StartRepair(ctx, r.ID))
	require.NoError(t, m1.CompleteRepair(ctx, r.ID))

	proj, status, err := customer.Projection(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, "rate_master", string(proj.CustomerView))

	require.NoError(t, customer.RateMaster(ctx, r.ID, 5, "fast and friendly"))
	require.NoError(t, m1.RateCustomer(ctx, r.ID, 5, ""))

	_, ok, _ := stack.signals.Assignment(ctx, r.ID)
	assert.False(t, ok, "mirror retired after the customer rated")
}

func TestSecondSubmitWhileSearching(t *testing.T) {
	ctx := context.Background()
	stack := newStack(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	customer := NewCustomerSession("cust-1", stack.client, stack.signals, stack.timings, logger)
	defer customer.Close()

	_, _, err := customer.Submit(ctx, backend.CreateParams{
		VehicleID:   "veh-1",
		ServiceType: models.ServiceRoadAssistance,
		Location:    models.Location{Address: "12 Elm St"},
	}, nil)
	require.NoError(t, err)

	_, _, err = customer.Submit(ctx, backend.CreateParams{
		VehicleID:   "veh-1",
		ServiceType: models.ServiceTowing,
		Location:    models.Location{Address: "12 Elm St"},
	}, nil)
	assert.ErrorIs(t, err, ErrSearchActive)
}

func TestCustomerCancelSilencesSearch(t *testing.T) {
	ctx := context.Background()
	stack := newStack(t)
	stack.timings.SearchStage1 = 20 * time.Millisecond
	stack.timings.SearchStage2 = 40 * time.Millisecond
	stack.timings.SearchStage3 = 60 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	customer := NewCustomerSession("cust-1", stack.client, stack.signals, stack.timings, logger)
	defer customer.Close()
	events := &searchLog{}

	r, _, err := customer.Submit(ctx, backend.CreateParams{
		VehicleID:   "veh-1",
		ServiceType: models.ServiceTowing,
		Location:    models.Location{Address: "12 Elm St"},
	}, events)
	require.NoError(t, err)

	require.NoError(t, customer.Cancel(ctx, r.ID, "found help nearby"))

	time.Sleep(100 * time.Millisecond) // past the would-be ceiling
	_, exhausted := events.snapshot()
	assert.Zero(t, exhausted, "cancelled search must not report no-match")

	got, err := stack.client.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// the slot is free again
	_, _, err = customer.Submit(ctx, backend.CreateParams{
		VehicleID:   "veh-1",
		ServiceType: models.ServiceTowing,
		Location:    models.Location{Address: "12 Elm St"},
	}, nil)
	require.NoError(t, err)
}

func TestSearchExhaustsWithNoMasters(t *testing.T) {
	ctx := context.Background()
	stack := newStack(t)
	stack.timings.SearchStage1 = 20 * time.Millisecond
	stack.timings.SearchStage2 = 40 * time.Millisecond
	stack.timings.SearchStage3 = 60 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	customer := NewCustomerSession("cust-1", stack.client, stack.signals, stack.timings, logger)
	defer customer.Close()
	events := &searchLog{}

	r, _, err := customer.Submit(ctx, backend.CreateParams{
		VehicleID:   "veh-1",
		ServiceType: models.ServiceTowing,
		Location:    models.Location{Address: "12 Elm St"},
	}, events)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, exhausted := events.snapshot()
		return exhausted == 1
	}, time.Second, time.Millisecond)

	got, err := stack.client.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMissed, got.Status)
}
