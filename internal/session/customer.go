package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/cache"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/search"
	"github.com/example/roadside-dispatch/internal/signaling"
)

// ErrSearchActive means a new request was submitted while another one
// is still searching; the first must resolve or be cancelled.
var ErrSearchActive = errors.New("another request is still searching")

// CustomerSession owns the customer device's dispatch state: one
// active request at a time, its search supervisor, the lifecycle
// refresher and the disposable cache. Constructed per login, torn down
// on logout; nothing lives in package state.
type CustomerSession struct {
	CustomerID string
	Backend    backend.Client
	Signals    signaling.Store
	Cache      *cache.DeviceCache
	Refresher  *lifecycle.Refresher
	Timings    config.Timings
	Logger     *slog.Logger

	mu  sync.Mutex
	sup *search.Supervisor
}

func NewCustomerSession(customerID string, client backend.Client, signals signaling.Store, t config.Timings, logger *slog.Logger) *CustomerSession {
	return &CustomerSession{
		CustomerID: customerID,
		Backend:    client,
		Signals:    signals,
		Cache:      cache.New(t.StatusTTL),
		Refresher:  lifecycle.NewRefresher(client, t.StatusTTL),
		Timings:    t,
		Logger:     logging.Component(logger, "customer_session"),
	}
}

// Submit creates the request and starts the search supervisor. The
// returned string is the OTP the customer will hand to the master in
// person.
func (s *CustomerSession) Submit(ctx context.Context, p backend.CreateParams, events search.Events) (*models.Request, string, error) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil, "", ErrSearchActive
	}
	s.mu.Unlock()

	p.UserID = s.CustomerID
	r, otp, err := s.Backend.CreateRequest(ctx, p)
	if err != nil {
		return nil, "", fmt.Errorf("submit request: %w", err)
	}
	s.Cache.SetSubmitted(r)
	s.watch(ctx, r.ID, events)
	return r, otp, nil
}

// Resume re-attaches to a request still searching after an app
// restart; the backend, not the cache, decides whether one exists.
func (s *CustomerSession) Resume(ctx context.Context, requestID string, events search.Events) error {
	r, err := s.Backend.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	s.Cache.SetSubmitted(r)
	if r.Status == models.StatusSearching {
		s.watch(ctx, r.ID, events)
	}
	return nil
}

func (s *CustomerSession) watch(ctx context.Context, requestID string, events search.Events) {
	sup := &search.Supervisor{
		RequestID: requestID,
		Signals:   s.Signals,
		Backend:   s.Backend,
		Timings:   s.Timings,
		Events:    &supervisorEvents{inner: events, session: s},
		Logger:    logging.Component(s.Logger, "search"),
	}
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
	sup.Start(ctx)
}

// supervisorEvents clears the session's supervisor slot once the
// search ends, whatever way it ends.
type supervisorEvents struct {
	inner   search.Events
	session *CustomerSession
}

func (e *supervisorEvents) StageChanged(st search.Stage) {
	if e.inner != nil {
		e.inner.StageChanged(st)
	}
}

func (e *supervisorEvents) Assigned(a models.Assignment) {
	e.session.clearSupervisor()
	if e.inner != nil {
		e.inner.Assigned(a)
	}
}

func (e *supervisorEvents) Exhausted() {
	e.session.clearSupervisor()
	if e.inner != nil {
		e.inner.Exhausted()
	}
}

func (s *CustomerSession) clearSupervisor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sup = nil
}

// Cancel ends the request. Before assignment it goes through the
// supervisor so the manual path wins over the timeout path; afterwards
// it is a plain backend cancel.
func (s *CustomerSession) Cancel(ctx context.Context, requestID, reason string) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil && sup.RequestID == requestID {
		err := sup.CancelSearch(ctx, reason)
		s.clearSupervisor()
		s.Refresher.Invalidate(requestID)
		return err
	}
	if err := s.Backend.Cancel(ctx, requestID, "customer", reason); err != nil {
		return err
	}
	s.Refresher.Invalidate(requestID)
	return nil
}

// Assignment reads the current assignment mirror for tracking screens.
func (s *CustomerSession) Assignment(ctx context.Context, requestID string) (models.Assignment, bool, error) {
	return s.Signals.Assignment(ctx, requestID)
}

// Projection re-derives the authoritative screen state on focus.
func (s *CustomerSession) Projection(ctx context.Context, requestID string) (lifecycle.Projection, models.Status, error) {
	return s.Refresher.Projection(ctx, requestID)
}

// RateMaster submits the customer's rating after completion.
func (s *CustomerSession) RateMaster(ctx context.Context, requestID string, stars int, feedback string) error {
	err := s.Backend.Rate(ctx, models.Rating{RequestID: requestID, Role: "customer", Rating: stars, Feedback: feedback})
	if err != nil {
		return err
	}
	s.Refresher.Invalidate(requestID)
	return nil
}

// Close tears the session down on logout. Any in-flight search keeps
// running backend-side; a fresh session resumes it from there.
func (s *CustomerSession) Close() {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		sup.Stop()
	}
	s.Cache.Clear()
}
