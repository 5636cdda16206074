package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/backend"
	"github.com/example/roadside-dispatch/internal/models"
)

// View names the screen a side should show for a status; Action names
// the single master control enabled there. These are identifiers for
// the UI layer, not rendering.
type View string

type Action string

const (
	ViewSearching      View = "searching"
	ViewOfferFlow      View = "offer_flow"
	ViewEnRouteTrack   View = "en_route_tracking"
	ViewHeadingToPoint View = "heading_to_point"
	ViewWaiting        View = "waiting"
	ViewOTPEntry       View = "otp_entry"
	ViewRepairUnderway View = "repair_underway"
	ViewRateMaster     View = "rate_master"
	ViewHome           View = "home"

	ActionAcceptReject   Action = "accept_reject"
	ActionArrivedSlide   Action = "arrived_slide"
	ActionSubmitOTP      Action = "submit_otp"
	ActionCompleteRepair Action = "complete_repair_slide"
	ActionNone           Action = ""
)

// Projection is what each side may show and do for one status. It is a
// read projection of the backend's authoritative status, never a
// second source of truth.
type Projection struct {
	CustomerView View
	MasterView   View
	MasterAction Action
}

var table = map[models.Status]Projection{
	models.StatusCreated:     {ViewSearching, ViewOfferFlow, ActionAcceptReject},
	models.StatusSearching:   {ViewSearching, ViewOfferFlow, ActionAcceptReject},
	models.StatusAssigned:    {ViewEnRouteTrack, ViewHeadingToPoint, ActionArrivedSlide},
	models.StatusOTPVerified: {ViewWaiting, ViewOTPEntry, ActionSubmitOTP},
	models.StatusInProgress:  {ViewRepairUnderway, ViewRepairUnderway, ActionCompleteRepair},
	models.StatusCompleted:   {ViewRateMaster, ViewHome, ActionNone},
	models.StatusCancelled:   {ViewHome, ViewHome, ActionNone},
	models.StatusMissed:      {ViewHome, ViewHome, ActionNone},
}

// Project maps a status to the allowed screens and action.
func Project(status models.Status) Projection {
	if p, ok := table[status]; ok {
		return p
	}
	return Projection{ViewHome, ViewHome, ActionNone}
}

// Refresher re-derives authoritative status on screen focus or resume.
// A cached status is trusted only within a short TTL, so the other
// party's actions become observable without relying on any push
// channel arriving.
type Refresher struct {
	Backend backend.Client
	TTL     time.Duration

	mu      sync.Mutex
	entries map[string]refreshEntry
}

type refreshEntry struct {
	status models.Status
	ts     time.Time
}

func NewRefresher(client backend.Client, ttl time.Duration) *Refresher {
	return &Refresher{Backend: client, TTL: ttl, entries: make(map[string]refreshEntry)}
}

// Status returns the request's status, hitting the backend whenever
// the cached copy is older than the TTL.
func (f *Refresher) Status(ctx context.Context, requestID string) (models.Status, error) {
	f.mu.Lock()
	e, ok := f.entries[requestID]
	f.mu.Unlock()
	if ok && time.Since(e.ts) <= f.TTL {
		return e.status, nil
	}
	r, err := f.Backend.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.entries[requestID] = refreshEntry{status: r.Status, ts: time.Now()}
	f.mu.Unlock()
	return r.Status, nil
}

// Projection refreshes the status and projects it in one step.
func (f *Refresher) Projection(ctx context.Context, requestID string) (Projection, models.Status, error) {
	st, err := f.Status(ctx, requestID)
	if err != nil {
		return Projection{}, "", err
	}
	return Project(st), st, nil
}

// Invalidate drops the cached status after this device itself drives a
// transition, forcing the next read through to the backend.
func (f *Refresher) Invalidate(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, requestID)
}
