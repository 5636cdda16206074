package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/models"
)

func newRequest(id string) *models.Request {
	return &models.Request{
		ID:          id,
		CustomerID:  "cust-1",
		VehicleID:   "veh-1",
		ServiceType: models.ServiceRoadAssistance,
		Status:      models.StatusSearching,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRequest("r1")))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, got.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRequest("r1")))

	err := s.Transition(ctx, "r1", models.StatusAssigned, models.StatusOTPVerified)
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, s.Assign(ctx, "r1", "m1", 3.2))
	require.NoError(t, s.Transition(ctx, "r1", models.StatusAssigned, models.StatusOTPVerified))
}

func TestAssignMutualExclusion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRequest("r1")))

	const masters = 50
	var wg sync.WaitGroup
	wins := make(chan string, masters)
	losses := make(chan error, masters)
	for i := 0; i < masters; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			masterID := "m" + string(rune('0'+id%10)) + string(rune('a'+id/10))
			if err := s.Assign(ctx, "r1", masterID, 1.0); err != nil {
				losses <- err
			} else {
				wins <- masterID
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	close(losses)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one master must win")
	assert.Len(t, losses, masters-1)
	for err := range losses {
		assert.ErrorIs(t, err, ErrStatusConflict)
	}

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.Equal(t, winners[0], got.MasterID)
}

func TestSaveRatingUnknownRequest(t *testing.T) {
	s := NewMemoryStore()
	err := s.SaveRating(context.Background(), models.Rating{RequestID: "nope", Role: "customer", Rating: 5})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveByCustomerSkipsTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRequest("r1")))
	done := newRequest("r2")
	done.Status = models.StatusCompleted
	require.NoError(t, s.Create(ctx, done))

	active, err := s.ActiveByCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r1", active[0].ID)
}
