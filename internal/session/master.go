package session

import (
	"context"
	"log/slog"

	"github.com/example/roadside-dispatch/internal/arbitrator"
	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/cache"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/duty"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/listener"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/signaling"
)

// OfferEvents is the master UI's view of the offer flow.
type OfferEvents interface {
	OfferReceived(sig models.Signal)
	OfferWithdrawn(requestID string)
	OfferExpired(requestID string)
}

// MasterSession owns the master device's dispatch state: duty manager,
// request listener, arbitrator, lifecycle refresher and cache, all
// built from injected dependencies and torn down together.
type MasterSession struct {
	MasterID  string
	Profile   models.MasterProfile
	Backend   backend.Client
	Signals   signaling.Store
	Cache     *cache.DeviceCache
	Refresher *lifecycle.Refresher
	Timings   config.Timings
	Logger    *slog.Logger

	Duty       *duty.Manager
	Listener   *listener.Listener
	Arbitrator *arbitrator.Arbitrator

	events OfferEvents
}

// NewMasterSession wires the master-side component chain: the listener
// feeds offers to the arbitrator and the UI together; the duty manager
// drives the listener and the heartbeat loop; the arbitrator resolves
// decided offers back into the listener.
func NewMasterSession(profile models.MasterProfile, source duty.LocationSource, client backend.Client, signals signaling.Store, t config.Timings, events OfferEvents, logger *slog.Logger) *MasterSession {
	s := &MasterSession{
		MasterID:  profile.ID,
		Profile:   profile,
		Backend:   client,
		Signals:   signals,
		Cache:     cache.New(t.StatusTTL),
		Refresher: lifecycle.NewRefresher(client, t.StatusTTL),
		Timings:   t,
		Logger:    logging.Component(logger, "master_session"),
		events:    events,
	}
	s.Arbitrator = arbitrator.New(profile.ID, client, s.Cache, t.DecisionWindow, logging.Component(logger, "arbitrator"))
	s.Arbitrator.Events = s
	s.Listener = listener.New(profile.ID, signals, s, t.ListenerPoll, logging.Component(logger, "listener"))
	s.Arbitrator.Resolver = s.Listener
	s.Duty = &duty.Manager{
		MasterID: profile.ID,
		Source:   source,
		Sink:     duty.StoreSink{Store: signals},
		Listener: s.Listener,
		Period:   t.Heartbeat,
		Logger:   logging.Component(logger, "duty"),
	}
	return s
}

// UseSink swaps the heartbeat path, e.g. for the Kafka pipeline via
// the backend's heartbeat endpoint. Call before going on duty.
func (s *MasterSession) UseSink(sink duty.Sink) { s.Duty.Sink = sink }

// OfferReceived implements listener.Handler: the arbitrator starts the
// decision window, then the UI shows the prompt.
func (s *MasterSession) OfferReceived(sig models.Signal) {
	s.Arbitrator.OfferReceived(sig)
	if s.events != nil {
		s.events.OfferReceived(sig)
	}
}

// OfferWithdrawn implements listener.Handler.
func (s *MasterSession) OfferWithdrawn(requestID string) {
	s.Arbitrator.OfferWithdrawn(requestID)
	if s.events != nil {
		s.events.OfferWithdrawn(requestID)
	}
}

// OfferExpired implements arbitrator.Events.
func (s *MasterSession) OfferExpired(requestID string) {
	if s.events != nil {
		s.events.OfferExpired(requestID)
	}
}

// SetDuty toggles availability. Going on duty registers the public
// profile so assignment mirrors can carry it.
func (s *MasterSession) SetDuty(ctx context.Context, on bool) {
	if on {
		if err := s.Backend.RegisterProfile(ctx, s.Profile); err != nil {
			s.Logger.Warn("profile registration failed", "master_id", s.MasterID, "error", err)
		}
	}
	s.Duty.SetDuty(ctx, on)
	s.Cache.SetDuty(on)
}

// Accept runs the arbitrated accept; see arbitrator.Accept for the
// outcome semantics.
func (s *MasterSession) Accept(ctx context.Context, requestID string) (arbitrator.Outcome, *models.Request, error) {
	out, r, err := s.Arbitrator.Accept(ctx, requestID)
	if err == nil && out == arbitrator.OutcomeAccepted {
		s.Refresher.Invalidate(requestID)
	}
	return out, r, err
}

// Reject declines the offer, best-effort.
func (s *MasterSession) Reject(ctx context.Context, requestID string) error {
	_, err := s.Arbitrator.Reject(ctx, requestID)
	return err
}

// VerifyOTP submits the code the customer handed over in person.
func (s *MasterSession) VerifyOTP(ctx context.Context, requestID, otp string) error {
	if len(otp) != 4 {
		// the only local validation is "all slots filled"
		return backend.ErrValidation
	}
	if err := s.Backend.VerifyOTP(ctx, requestID, otp); err != nil {
		return err
	}
	s.Refresher.Invalidate(requestID)
	return nil
}

// StartRepair is the post-verification repair start.
func (s *MasterSession) StartRepair(ctx context.Context, requestID string) error {
	if err := s.Backend.StartRepair(ctx, requestID); err != nil {
		return err
	}
	s.Refresher.Invalidate(requestID)
	return nil
}

// CompleteRepair finishes the job.
func (s *MasterSession) CompleteRepair(ctx context.Context, requestID string) error {
	if err := s.Backend.CompleteRepair(ctx, requestID); err != nil {
		return err
	}
	s.Refresher.Invalidate(requestID)
	return nil
}

// CancelJob abandons an assignment the master already owns.
func (s *MasterSession) CancelJob(ctx context.Context, requestID, reason string) error {
	if err := s.Backend.Cancel(ctx, requestID, "master", reason); err != nil {
		return err
	}
	s.Refresher.Invalidate(requestID)
	return nil
}

// RateCustomer submits the master's rating after completion.
func (s *MasterSession) RateCustomer(ctx context.Context, requestID string, stars int, feedback string) error {
	return s.Backend.Rate(ctx, models.Rating{RequestID: requestID, Role: "master", Rating: stars, Feedback: feedback})
}

// Projection re-derives the authoritative screen state on focus.
func (s *MasterSession) Projection(ctx context.Context, requestID string) (lifecycle.Projection, models.Status, error) {
	return s.Refresher.Projection(ctx, requestID)
}

// Close goes off duty and drops all local state.
func (s *MasterSession) Close(ctx context.Context) {
	s.Duty.SetDuty(ctx, false)
	s.Cache.Clear()
}
