package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/signaling"
	"github.com/example/roadside-dispatch/internal/storage"
)

var (
	// ErrAlreadyAssigned is the expected losing branch of the assign
	// race: another master claimed the request first.
	ErrAlreadyAssigned = errors.New("request already assigned")
	// ErrInvalidTransition means the operation is not valid from the
	// request's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrValidation covers missing or malformed request fields.
	ErrValidation = errors.New("validation failed")
	// ErrOTPMismatch is returned on a wrong verification code.
	ErrOTPMismatch = errors.New("otp mismatch")
)

// Directory resolves a master's public profile for the assignment
// mirror. Onboarding owns the data; this is read-only here.
type Directory interface {
	Profile(ctx context.Context, masterID string) (models.MasterProfile, error)
}

// Nudger is an optional low-latency hint that a new signal exists, so a
// connected master polls immediately instead of waiting out the
// interval. Delivery is best-effort; the poll is the guarantee.
type Nudger interface {
	Nudge(masterID string, sig models.Signal)
}

// Service is the authoritative dispatch engine. Every state-changing
// operation goes through a conditional update in the request store;
// the signaling store is only ever written as a side effect.
type Service struct {
	Store    storage.RequestStore
	Signals  signaling.Store
	Masters  Directory
	Payments payments.Gateway
	Nudge    Nudger
	Logger   *slog.Logger

	RadiusKm       float64
	TopN           int
	PresenceMaxAge time.Duration

	mu    sync.Mutex
	holds map[string]string // requestID -> payment hold id
}

// base callout prices by service type; distance is settled in person.
var basePrice = map[models.ServiceType]float64{
	models.ServiceRoadAssistance: 35,
	models.ServiceTiresAndWheels: 45,
	models.ServiceTowing:         90,
}

// Create validates and persists a new request, then fans out offer
// signals to nearby on-duty masters. Fan-out failures degrade
// discoverability but never fail the create.
func (s *Service) Create(ctx context.Context, r *models.Request) (*models.Request, error) {
	if r.CustomerID == "" || r.VehicleID == "" || r.Location.Address == "" {
		return nil, fmt.Errorf("%w: customer, vehicle and address are required", ErrValidation)
	}
	if !r.ServiceType.Valid() {
		return nil, fmt.Errorf("%w: unknown service type %q", ErrValidation, r.ServiceType)
	}
	r.ID = uuid.NewString()
	r.Status = models.StatusCreated
	r.Amount = basePrice[r.ServiceType]
	r.OTP = generateOTP()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	if err := s.Store.Create(ctx, r); err != nil {
		return nil, err
	}
	if err := s.Store.Transition(ctx, r.ID, models.StatusCreated, models.StatusSearching); err != nil {
		return nil, err
	}
	r.Status = models.StatusSearching
	observability.RequestsCreated.Inc()

	s.fanOut(ctx, r)
	return r, nil
}

func (s *Service) fanOut(ctx context.Context, r *models.Request) {
	presences, err := s.Signals.ActiveMasters(ctx)
	if err != nil {
		s.logger().Warn("fan-out presence scan failed", "request_id", r.ID, "error", err)
		return
	}
	cands := geo.Nearest(presences, r.Location.Lat, r.Location.Lon, s.RadiusKm, s.TopN, s.PresenceMaxAge)
	for _, p := range cands {
		sig := models.Signal{
			MasterID:    p.MasterID,
			RequestID:   r.ID,
			ServiceType: r.ServiceType,
			Location:    r.Location,
			DistanceKm:  geo.HaversineKm(p.Loc.Lat, p.Loc.Lon, r.Location.Lat, r.Location.Lon),
			Amount:      r.Amount,
			CreatedAt:   time.Now(),
		}
		if err := s.Signals.PutSignal(ctx, sig); err != nil {
			s.logger().Warn("signal write failed", "request_id", r.ID, "master_id", p.MasterID, "error", err)
			continue
		}
		observability.SignalsFanned.Inc()
		if s.Nudge != nil {
			s.Nudge.Nudge(p.MasterID, sig)
		}
	}
	s.logger().Info("request fanned out", "request_id", r.ID, "candidates", len(cands))
}

// Assign claims the request for masterID. The store's conditional
// update is the single point of truth for the race; exactly one
// concurrent caller wins.
func (s *Service) Assign(ctx context.Context, requestID, masterID string) (*models.Request, error) {
	r, err := s.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	dist := r.DistanceKm
	if p, ok, _ := s.Signals.Presence(ctx, masterID); ok {
		dist = geo.HaversineKm(p.Loc.Lat, p.Loc.Lon, r.Location.Lat, r.Location.Lon)
	}
	if err := s.Store.Assign(ctx, requestID, masterID, dist); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			observability.AssignLosses.Inc()
			return nil, s.classifyAssignConflict(ctx, requestID)
		}
		return nil, err
	}
	observability.AssignWins.Inc()
	observability.AssignLatency.Observe(time.Since(r.CreatedAt).Seconds())

	r.Status = models.StatusAssigned
	r.MasterID = masterID
	r.DistanceKm = dist

	profile, err := s.Masters.Profile(ctx, masterID)
	if err != nil {
		// mirror still gets written so the customer sees progress
		s.logger().Warn("master profile lookup failed", "master_id", masterID, "error", err)
		profile = models.MasterProfile{ID: masterID}
	}
	if err := s.Signals.SetAssignment(ctx, models.Assignment{
		RequestID:  requestID,
		Master:     profile,
		Status:     models.StatusAssigned,
		Location:   r.Location,
		DistanceKm: dist,
		AssignedAt: time.Now(),
	}); err != nil {
		s.logger().Warn("assignment mirror write failed", "request_id", requestID, "error", err)
	}
	// the broadcast is over; clear every master's copy of the signal
	if err := s.Signals.ClearRequestSignals(ctx, requestID); err != nil {
		s.logger().Warn("signal sweep after assign failed", "request_id", requestID, "error", err)
	}

	if holdID, err := s.Payments.Hold(ctx, int64(r.Amount*100), "usd", r.CustomerID); err != nil {
		s.logger().Warn("payment hold failed", "request_id", requestID, "error", err)
	} else if holdID != "" {
		s.setHold(requestID, holdID)
	}

	s.logger().Info("request assigned", "request_id", requestID, "master_id", masterID)
	return r, nil
}

// classifyAssignConflict distinguishes "another master won" from "the
// request already left the active set" for a losing assign call.
func (s *Service) classifyAssignConflict(ctx context.Context, requestID string) error {
	r, err := s.Store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status.Active() || r.Status == models.StatusCompleted {
		return ErrAlreadyAssigned
	}
	return ErrInvalidTransition
}

// VerifyOTP checks the in-person code. No attempt limit: failures are
// counted in metrics so a lockout can be layered on operationally.
func (s *Service) VerifyOTP(ctx context.Context, requestID, otp string) error {
	observability.OTPAttempts.Inc()
	r, err := s.Store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(r.OTP), []byte(otp)) != 1 {
		observability.OTPFailures.Inc()
		s.logger().Info("otp mismatch", "request_id", requestID)
		return ErrOTPMismatch
	}
	if err := s.transition(ctx, requestID, models.StatusAssigned, models.StatusOTPVerified); err != nil {
		return err
	}
	s.mirrorStatus(ctx, requestID, models.StatusOTPVerified)
	return nil
}

// StartRepair moves an OTP-verified request into active repair.
func (s *Service) StartRepair(ctx context.Context, requestID string) error {
	if err := s.transition(ctx, requestID, models.StatusOTPVerified, models.StatusInProgress); err != nil {
		return err
	}
	s.mirrorStatus(ctx, requestID, models.StatusInProgress)
	return nil
}

// CompleteRepair finishes the job and captures the payment hold. The
// assignment mirror survives until the customer rates so the rating
// screen still knows who did the work.
func (s *Service) CompleteRepair(ctx context.Context, requestID string) error {
	if err := s.transition(ctx, requestID, models.StatusInProgress, models.StatusCompleted); err != nil {
		return err
	}
	s.mirrorStatus(ctx, requestID, models.StatusCompleted)
	if holdID := s.takeHold(requestID); holdID != "" {
		if err := s.Payments.Capture(ctx, holdID); err != nil {
			s.logger().Error("payment capture failed", "request_id", requestID, "error", err)
		}
	}
	s.logger().Info("repair completed", "request_id", requestID)
	return nil
}

// Cancel ends the request from any non-terminal status, sweeps all
// signaling artifacts and releases any payment hold. Valid for either
// actor at any point before completion.
func (s *Service) Cancel(ctx context.Context, requestID, actor, reason string) error {
	// the current status can move under us; retry the conditional
	// update a few times before giving up
	for attempt := 0; attempt < 3; attempt++ {
		r, err := s.Store.Get(ctx, requestID)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			return ErrInvalidTransition
		}
		err = s.Store.Transition(ctx, requestID, r.Status, models.StatusCancelled)
		if errors.Is(err, storage.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.cleanup(ctx, requestID)
		s.logger().Info("request cancelled", "request_id", requestID, "actor", actor, "reason", reason)
		return nil
	}
	return ErrInvalidTransition
}

// DeclineMaster withdraws one master's offer without touching the
// request: it stays searching for everyone else.
func (s *Service) DeclineMaster(ctx context.Context, requestID, masterID string) error {
	if err := s.Signals.ClearSignal(ctx, masterID, requestID); err != nil {
		s.logger().Warn("decline signal clear failed", "request_id", requestID, "master_id", masterID, "error", err)
	}
	s.logger().Info("offer declined", "request_id", requestID, "master_id", masterID)
	return nil
}

// MarkMissed is the search-exhaustion transition: no master accepted
// within the ceiling. The sweep removes any straggler signals; a
// master whose accept lands after this loses at the conditional update
// like any other conflicting transition.
func (s *Service) MarkMissed(ctx context.Context, requestID string) error {
	err := s.Store.Transition(ctx, requestID, models.StatusSearching, models.StatusMissed)
	if errors.Is(err, storage.ErrStatusConflict) {
		return ErrInvalidTransition
	}
	if err != nil {
		return err
	}
	observability.SearchExhausted.Inc()
	s.cleanup(ctx, requestID)
	s.logger().Info("request missed", "request_id", requestID)
	return nil
}

// Rate records a post-completion rating. The customer's rating retires
// the assignment mirror, ending the request's active life in the
// signaling store.
func (s *Service) Rate(ctx context.Context, rating models.Rating) error {
	r, err := s.Store.Get(ctx, rating.RequestID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusCompleted {
		return ErrInvalidTransition
	}
	if rating.Rating < 1 || rating.Rating > 5 {
		return fmt.Errorf("%w: rating must be 1..5", ErrValidation)
	}
	if rating.Role != "customer" && rating.Role != "master" {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, rating.Role)
	}
	if err := s.Store.SaveRating(ctx, rating); err != nil {
		return err
	}
	if rating.Role == "customer" {
		if err := s.Signals.ClearAssignment(ctx, rating.RequestID); err != nil {
			s.logger().Warn("assignment mirror clear failed", "request_id", rating.RequestID, "error", err)
		}
	}
	return nil
}

func (s *Service) transition(ctx context.Context, requestID string, from, to models.Status) error {
	err := s.Store.Transition(ctx, requestID, from, to)
	if errors.Is(err, storage.ErrStatusConflict) {
		return ErrInvalidTransition
	}
	return err
}

// mirrorStatus updates the assignment mirror's status field. Mirror
// writes are advisory; a failure only delays the other side's view by
// one poll.
func (s *Service) mirrorStatus(ctx context.Context, requestID string, status models.Status) {
	a, ok, err := s.Signals.Assignment(ctx, requestID)
	if err != nil || !ok {
		return
	}
	a.Status = status
	if err := s.Signals.SetAssignment(ctx, a); err != nil {
		s.logger().Warn("assignment mirror update failed", "request_id", requestID, "error", err)
	}
}

func (s *Service) cleanup(ctx context.Context, requestID string) {
	if err := s.Signals.ClearRequestSignals(ctx, requestID); err != nil {
		s.logger().Warn("signal sweep failed", "request_id", requestID, "error", err)
	}
	if err := s.Signals.ClearAssignment(ctx, requestID); err != nil {
		s.logger().Warn("assignment clear failed", "request_id", requestID, "error", err)
	}
	if holdID := s.takeHold(requestID); holdID != "" {
		if err := s.Payments.Release(ctx, holdID); err != nil {
			s.logger().Error("payment release failed", "request_id", requestID, "error", err)
		}
	}
}

func (s *Service) setHold(requestID, holdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds == nil {
		s.holds = make(map[string]string)
	}
	s.holds[requestID] = holdID
}

func (s *Service) takeHold(requestID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.holds[requestID]
	delete(s.holds, requestID)
	return id
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// generateOTP returns a 4-digit code with leading zeros preserved.
func generateOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// crypto/rand failing means the process is in real trouble
		panic(err)
	}
	return fmt.Sprintf("%04d", n.Int64())
}
