package duty

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/signaling"
)

// LocationSource is the typed boundary to the platform's location
// adapter. The core never assumes a specific transport or SDK.
type LocationSource interface {
	Location() (models.Coord, error)
}

// LocationFunc adapts a plain function to a LocationSource.
type LocationFunc func() (models.Coord, error)

func (f LocationFunc) Location() (models.Coord, error) { return f() }

// Sink receives presence heartbeats. One implementation writes the
// signaling store directly; another publishes through the backend's
// heartbeat endpoint into Kafka. Either way writes are fire-and-forget.
type Sink interface {
	Publish(ctx context.Context, hb models.Heartbeat) error
	Clear(ctx context.Context, masterID string) error
}

// StoreSink writes presence straight into the signaling store.
type StoreSink struct {
	Store signaling.Store
}

func (s StoreSink) Publish(ctx context.Context, hb models.Heartbeat) error {
	return s.Store.SetPresence(ctx, models.Presence{
		MasterID: hb.MasterID,
		Active:   hb.Active,
		Loc:      hb.Loc,
		Updated:  hb.SentAt,
	})
}

func (s StoreSink) Clear(ctx context.Context, masterID string) error {
	return s.Store.ClearPresence(ctx, masterID)
}

// OfferListener is started while on duty and stopped when going off.
type OfferListener interface {
	Start(ctx context.Context)
	Stop()
}

// Manager toggles a master on and off duty: heartbeat loop plus
// listener lifecycle. Heartbeat failures are logged, never surfaced,
// since staleness only degrades discoverability.
type Manager struct {
	MasterID string
	Source   LocationSource
	Sink     Sink
	Listener OfferListener
	Period   time.Duration
	Logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SetDuty turns duty on or off. Idempotent: repeating the current
// state is a no-op.
func (m *Manager) SetDuty(ctx context.Context, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on == (m.cancel != nil) {
		return
	}
	if on {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.heartbeatLoop(runCtx, m.done)
		if m.Listener != nil {
			m.Listener.Start(runCtx)
		}
		observability.MastersOnDuty.Inc()
		m.logger().Info("on duty", "master_id", m.MasterID)
		return
	}
	m.cancel()
	m.cancel = nil
	<-m.done
	if m.Listener != nil {
		m.Listener.Stop()
	}
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := m.Sink.Clear(clearCtx, m.MasterID); err != nil {
		m.logger().Warn("presence clear failed", "master_id", m.MasterID, "error", err)
	}
	observability.MastersOnDuty.Dec()
	m.logger().Info("off duty", "master_id", m.MasterID)
}

// OnDuty reports the current toggle state.
func (m *Manager) OnDuty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	period := m.Period
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	m.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Manager) beat(ctx context.Context) {
	loc, err := m.Source.Location()
	if err != nil {
		m.logger().Warn("location sample failed", "master_id", m.MasterID, "error", err)
		return
	}
	hb := models.Heartbeat{MasterID: m.MasterID, Active: true, Loc: loc, SentAt: time.Now()}
	if err := m.Sink.Publish(ctx, hb); err != nil {
		m.logger().Warn("heartbeat publish failed", "master_id", m.MasterID, "error", err)
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
