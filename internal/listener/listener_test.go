package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/signaling"
)

type recorder struct {
	mu        sync.Mutex
	received  []models.Signal
	withdrawn []string
}

func (r *recorder) OfferReceived(sig models.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, sig)
}

func (r *recorder) OfferWithdrawn(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawn = append(r.withdrawn, requestID)
}

func (r *recorder) receivedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.received))
	for _, s := range r.received {
		out = append(out, s.RequestID)
	}
	return out
}

func (r *recorder) withdrawnIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.withdrawn...)
}

func putSignal(t *testing.T, store *signaling.MemoryStore, masterID, requestID string) {
	t.Helper()
	require.NoError(t, store.PutSignal(context.Background(), models.Signal{
		MasterID:  masterID,
		RequestID: requestID,
		CreatedAt: time.Now(),
	}))
}

func TestSurfacesOpenOfferOnce(t *testing.T) {
	store := signaling.NewMemoryStore()
	rec := &recorder{}
	l := New("m1", store, rec, time.Second, nil)
	putSignal(t, store, "m1", "req-1")

	l.Nudge(context.Background())
	l.Nudge(context.Background())

	assert.Equal(t, []string{"req-1"}, rec.receivedIDs(), "repeated polls must not re-surface")
	assert.Empty(t, rec.withdrawnIDs())
}

func TestSuppressesSignalWithExistingAssignment(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	rec := &recorder{}
	l := New("m1", store, rec, time.Second, nil)

	// the signal lingers but someone already owns the request
	putSignal(t, store, "m1", "req-1")
	require.NoError(t, store.SetAssignment(ctx, models.Assignment{
		RequestID: "req-1",
		Master:    models.MasterProfile{ID: "m2"},
		Status:    models.StatusAssigned,
	}))

	l.Nudge(ctx)
	assert.Empty(t, rec.receivedIDs(), "claimed request must never reach the master")
}

func TestWithdrawsShownOfferWhenClaimed(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	rec := &recorder{}
	l := New("m1", store, rec, time.Second, nil)
	putSignal(t, store, "m1", "req-1")

	l.Nudge(ctx)
	require.Equal(t, []string{"req-1"}, rec.receivedIDs())

	// another master wins while the prompt is on screen
	require.NoError(t, store.SetAssignment(ctx, models.Assignment{
		RequestID: "req-1",
		Master:    models.MasterProfile{ID: "m2"},
		Status:    models.StatusAssigned,
	}))
	l.Nudge(ctx)

	assert.Equal(t, []string{"req-1"}, rec.withdrawnIDs())
}

func TestWithdrawsWhenSignalSwept(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	rec := &recorder{}
	l := New("m1", store, rec, time.Second, nil)
	putSignal(t, store, "m1", "req-1")

	l.Nudge(ctx)
	require.Equal(t, []string{"req-1"}, rec.receivedIDs())

	require.NoError(t, store.ClearRequestSignals(ctx, "req-1"))
	l.Nudge(ctx)

	assert.Equal(t, []string{"req-1"}, rec.withdrawnIDs(), "prompt clears within one poll of the sweep")
}

func TestResolvedOfferDoesNotResurface(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	rec := &recorder{}
	l := New("m1", store, rec, time.Second, nil)
	putSignal(t, store, "m1", "req-1")

	l.Nudge(ctx)
	require.Equal(t, []string{"req-1"}, rec.receivedIDs())

	// decided locally; the signal is still in the store (say the
	// decline write failed) but must stay quiet
	l.Resolve("req-1")
	l.Nudge(ctx)
	l.Nudge(ctx)

	assert.Equal(t, []string{"req-1"}, rec.receivedIDs())
}

func TestStopWithdrawsEverything(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	rec := &recorder{}
	l := New("m1", store, rec, 5*time.Millisecond, nil)
	putSignal(t, store, "m1", "req-1")
	putSignal(t, store, "m1", "req-2")

	l.Start(ctx)
	require.Eventually(t, func() bool {
		return len(rec.receivedIDs()) == 2
	}, time.Second, time.Millisecond)

	l.Stop()
	assert.ElementsMatch(t, []string{"req-1", "req-2"}, rec.withdrawnIDs())

	// Stop is idempotent
	l.Stop()
}
