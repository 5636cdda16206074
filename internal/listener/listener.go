package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/signaling"
)

// Handler receives offer lifecycle callbacks. OfferWithdrawn clears a
// prompt that is already on screen: the request was claimed, cancelled
// or timed out while the master was looking at it.
type Handler interface {
	OfferReceived(sig models.Signal)
	OfferWithdrawn(requestID string)
}

// Listener polls the master's signal node and surfaces only offers
// that are still genuinely open. The filter is advisory pre-filtering:
// two masters may both pass it and both call assign, and the backend's
// conditional update resolves that race, not this code.
type Listener struct {
	MasterID string
	Signals  signaling.Store
	Handler  Handler
	Interval time.Duration
	Logger   *slog.Logger

	mu       sync.Mutex
	shown    map[string]bool
	resolved map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(masterID string, signals signaling.Store, handler Handler, interval time.Duration, logger *slog.Logger) *Listener {
	return &Listener{
		MasterID: masterID,
		Signals:  signals,
		Handler:  handler,
		Interval: interval,
		Logger:   logger,
		shown:    make(map[string]bool),
		resolved: make(map[string]bool),
	}
}

// Start begins polling. Implements duty.OfferListener.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(runCtx, l.done)
}

// Stop halts polling and withdraws anything still on screen.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.cancel = nil
	done := l.done
	l.mu.Unlock()
	<-done

	l.mu.Lock()
	shown := l.shown
	l.shown = make(map[string]bool)
	l.resolved = make(map[string]bool)
	l.mu.Unlock()
	for id := range shown {
		l.Handler.OfferWithdrawn(id)
	}
}

// Nudge forces an immediate poll; wired to the WebSocket channel so a
// connected master sees the offer without waiting out the interval.
func (l *Listener) Nudge(ctx context.Context) {
	l.poll(ctx)
}

func (l *Listener) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := l.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	l.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *Listener) poll(ctx context.Context) {
	sigs, err := l.Signals.Signals(ctx, l.MasterID)
	if err != nil {
		l.logger().Warn("signal poll failed", "master_id", l.MasterID, "error", err)
		return
	}
	present := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		present[sig.RequestID] = true
		l.evaluate(ctx, sig)
	}
	// shown offers whose signal vanished were claimed or swept; clear
	// the prompt within one poll interval
	l.mu.Lock()
	var gone []string
	for id := range l.shown {
		if !present[id] {
			delete(l.shown, id)
			gone = append(gone, id)
		}
	}
	for id := range l.resolved {
		if !present[id] {
			delete(l.resolved, id)
		}
	}
	l.mu.Unlock()
	for _, id := range gone {
		l.Handler.OfferWithdrawn(id)
	}
}

// evaluate applies the validity filter: an assignment mirror for the
// request means someone already owns it, so the stale signal is
// suppressed (and an already-shown prompt cleared).
func (l *Listener) evaluate(ctx context.Context, sig models.Signal) {
	a, exists, err := l.Signals.Assignment(ctx, sig.RequestID)
	if err != nil {
		l.logger().Warn("assignment check failed", "request_id", sig.RequestID, "error", err)
		return
	}
	l.mu.Lock()
	if l.resolved[sig.RequestID] {
		l.mu.Unlock()
		return
	}
	wasShown := l.shown[sig.RequestID]
	if exists && a.Status != models.StatusSearching {
		delete(l.shown, sig.RequestID)
		l.mu.Unlock()
		observability.OffersSuppressed.Inc()
		if wasShown {
			l.Handler.OfferWithdrawn(sig.RequestID)
		}
		return
	}
	if wasShown {
		l.mu.Unlock()
		return
	}
	l.shown[sig.RequestID] = true
	l.mu.Unlock()
	l.logger().Info("offer surfaced", "master_id", l.MasterID, "request_id", sig.RequestID)
	l.Handler.OfferReceived(sig)
}

// Resolve marks a request as decided on this device so a lingering
// signal never resurfaces it; the arbitrator calls it when an offer
// reaches a terminal local state.
func (l *Listener) Resolve(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.shown, requestID)
	l.resolved[requestID] = true
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
