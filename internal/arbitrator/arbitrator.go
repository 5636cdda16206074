package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/cache"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

// Outcome classifies how an offer resolved on this device. Losing the
// assign race is an outcome, not an error.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeUnavailable
	OutcomeRejected
	OutcomeExpired
)

// ErrNoOffer means the request is not currently offered, or a decision
// is already in flight.
var ErrNoOffer = errors.New("no open offer for request")

type state int

const (
	stateOffered state = iota
	stateDeciding
)

type offer struct {
	sig   models.Signal
	state state
	timer *time.Timer
}

// Events receives the arbitration outcomes that happen without a user
// action.
type Events interface {
	OfferExpired(requestID string)
}

// Resolver is told when an offer reaches a terminal local state so the
// signal never resurfaces; the request listener implements it.
type Resolver interface {
	Resolve(requestID string)
}

// Arbitrator runs the bounded accept/reject decision for each offer a
// master sees: offered -> accepting|rejecting -> resolved, with a
// countdown that auto-resolves as a miss.
type Arbitrator struct {
	MasterID string
	Backend  backend.Client
	Cache    *cache.DeviceCache
	Window   time.Duration
	Events   Events
	Resolver Resolver
	Logger   *slog.Logger

	mu     sync.Mutex
	offers map[string]*offer
}

func New(masterID string, client backend.Client, c *cache.DeviceCache, window time.Duration, logger *slog.Logger) *Arbitrator {
	return &Arbitrator{
		MasterID: masterID,
		Backend:  client,
		Cache:    c,
		Window:   window,
		Logger:   logger,
		offers:   make(map[string]*offer),
	}
}

// Present starts the decision window for an incoming offer. Implements
// the listener.Handler receive side.
func (a *Arbitrator) OfferReceived(sig models.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.offers[sig.RequestID]; ok {
		return
	}
	window := a.Window
	if window <= 0 {
		window = 60 * time.Second
	}
	o := &offer{sig: sig}
	o.timer = time.AfterFunc(window, func() { a.expire(sig.RequestID) })
	a.offers[sig.RequestID] = o
}

// OfferWithdrawn clears an offer the listener invalidated (claimed
// elsewhere, cancelled or swept). No backend call, no outcome.
func (a *Arbitrator) OfferWithdrawn(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.offers[requestID]; ok && o.state == stateOffered {
		o.timer.Stop()
		delete(a.offers, requestID)
	}
}

// Accept converts the master's decision into the assign call. Success
// makes this master the owner; ErrAlreadyAssigned and
// InvalidTransition resolve as OutcomeUnavailable, the normal losing
// branch. A transport failure re-checks authoritative status before
// reopening the offer, because assign is the one call that must never
// be blindly retried.
func (a *Arbitrator) Accept(ctx context.Context, requestID string) (Outcome, *models.Request, error) {
	if err := a.begin(requestID); err != nil {
		return 0, nil, err
	}
	r, err := a.Backend.Assign(ctx, requestID, a.MasterID)
	if err == nil {
		a.finish(requestID)
		a.Cache.SetAccepted(r)
		a.logger().Info("offer accepted", "request_id", requestID)
		return OutcomeAccepted, r, nil
	}
	if errors.Is(err, backend.ErrAlreadyAssigned) || errors.Is(err, backend.ErrInvalidTransition) || errors.Is(err, backend.ErrNotFound) {
		a.finish(requestID)
		a.logger().Info("offer no longer available", "request_id", requestID)
		return OutcomeUnavailable, nil, nil
	}
	// transport failure: the assign may or may not have landed
	if cur, gerr := a.Backend.GetRequest(ctx, requestID); gerr == nil {
		if cur.MasterID == a.MasterID && cur.Status == models.StatusAssigned {
			a.finish(requestID)
			a.Cache.SetAccepted(cur)
			return OutcomeAccepted, cur, nil
		}
		if cur.Status != models.StatusSearching {
			a.finish(requestID)
			return OutcomeUnavailable, nil, nil
		}
	}
	a.reopen(requestID)
	return 0, nil, fmt.Errorf("accept failed: %w", err)
}

// Reject declines the offer. The decline is best-effort; the offer
// always resolves to idle regardless of the backend outcome.
func (a *Arbitrator) Reject(ctx context.Context, requestID string) (Outcome, error) {
	if err := a.begin(requestID); err != nil {
		return 0, err
	}
	if err := a.Backend.DeclineMaster(ctx, requestID, a.MasterID); err != nil {
		a.logger().Warn("decline call failed", "request_id", requestID, "error", err)
	}
	a.finish(requestID)
	return OutcomeRejected, nil
}

// Pending returns the open offer for requestID, if any.
func (a *Arbitrator) Pending(requestID string) (models.Signal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.offers[requestID]
	if !ok || o.state != stateOffered {
		return models.Signal{}, false
	}
	return o.sig, true
}

func (a *Arbitrator) expire(requestID string) {
	a.mu.Lock()
	o, ok := a.offers[requestID]
	if !ok || o.state != stateOffered {
		a.mu.Unlock()
		return
	}
	delete(a.offers, requestID)
	a.mu.Unlock()
	observability.OffersExpired.Inc()
	if a.Resolver != nil {
		a.Resolver.Resolve(requestID)
	}
	a.logger().Info("offer expired undecided", "request_id", requestID)
	if a.Events != nil {
		a.Events.OfferExpired(requestID)
	}
}

func (a *Arbitrator) begin(requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.offers[requestID]
	if !ok || o.state != stateOffered {
		return ErrNoOffer
	}
	o.state = stateDeciding
	o.timer.Stop()
	return nil
}

func (a *Arbitrator) finish(requestID string) {
	a.mu.Lock()
	delete(a.offers, requestID)
	a.mu.Unlock()
	if a.Resolver != nil {
		a.Resolver.Resolve(requestID)
	}
}

func (a *Arbitrator) reopen(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.offers[requestID]; ok {
		o.state = stateOffered
		window := a.Window
		if window <= 0 {
			window = 60 * time.Second
		}
		o.timer = time.AfterFunc(window, func() { a.expire(requestID) })
	}
}

func (a *Arbitrator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
