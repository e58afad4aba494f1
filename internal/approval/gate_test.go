package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanhollander/assetforge/internal/models"
)

func TestRequiredOnlyAboveThreshold(t *testing.T) {
	gate := NewGate(models.MicrosFromFloat(0.50), time.Minute)
	assert.False(t, gate.Required(models.MicrosFromFloat(0.50)))
	assert.False(t, gate.Required(models.MicrosFromFloat(0.10)))
	assert.True(t, gate.Required(models.MicrosFromFloat(0.51)))
}

func TestApproveResumesAwait(t *testing.T) {
	gate := NewGate(0, time.Minute)
	cp := gate.Create(uuid.New(), models.MicrosFromFloat(0.80))

	done := make(chan models.ApprovalCheckpoint, 1)
	go func() {
		state, err := gate.Await(context.Background(), cp.ID)
		require.NoError(t, err)
		done <- state
	}()

	// Let Await park before deciding.
	time.Sleep(20 * time.Millisecond)
	_, err := gate.Approve(cp.ID, "operator")
	require.NoError(t, err)

	select {
	case state := <-done:
		assert.Equal(t, models.CheckpointApproved, state.State)
		assert.Equal(t, "operator", state.DecidedBy)
		assert.NotNil(t, state.DecidedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not resume after approval")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	gate := NewGate(0, time.Minute)
	cp := gate.Create(uuid.New(), models.MicrosFromFloat(0.80))

	_, err := gate.Reject(cp.ID, "operator")
	require.NoError(t, err)

	_, err = gate.Approve(cp.ID, "operator")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	got, err := gate.Get(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointRejected, got.State)
}

// An undecided checkpoint past its expiry resolves to expired, never
// approved: the gate fails safe on financial exposure.
func TestExpiryFailsSafe(t *testing.T) {
	gate := NewGate(0, 30*time.Millisecond)
	cp := gate.Create(uuid.New(), models.MicrosFromFloat(0.80))

	state, err := gate.Await(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointExpired, state.State)
	assert.Equal(t, "system:expiry", state.DecidedBy)

	// Terminal: a late approval must not flip it.
	_, err = gate.Approve(cp.ID, "operator")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestAwaitHonoursContextCancellation(t *testing.T) {
	gate := NewGate(0, time.Minute)
	cp := gate.Create(uuid.New(), models.MicrosFromFloat(0.80))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gate.Await(ctx, cp.ID)
	assert.ErrorIs(t, err, context.Canceled)

	// Cancellation of the waiter does not decide the checkpoint.
	got, err := gate.Get(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointPending, got.State)
}

func TestAwaitRaceBetweenExpiryAndDecision(t *testing.T) {
	gate := NewGate(0, 25*time.Millisecond)
	cp := gate.Create(uuid.New(), models.MicrosFromFloat(0.80))

	go func() {
		time.Sleep(25 * time.Millisecond)
		gate.Approve(cp.ID, "operator")
	}()

	state, err := gate.Await(context.Background(), cp.ID)
	require.NoError(t, err)
	// Either side may win the race, but the result must be terminal and the
	// first transition must stick.
	assert.True(t, state.State.Terminal())
	got, _ := gate.Get(cp.ID)
	assert.Equal(t, state.State, got.State)
}

func TestUnknownCheckpoint(t *testing.T) {
	gate := NewGate(0, time.Minute)
	_, err := gate.Approve(uuid.New(), "operator")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = gate.Await(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingLists(t *testing.T) {
	gate := NewGate(0, time.Minute)
	a := gate.Create(uuid.New(), models.MicrosFromFloat(0.60))
	b := gate.Create(uuid.New(), models.MicrosFromFloat(0.70))
	_, err := gate.Reject(b.ID, "operator")
	require.NoError(t, err)

	pending := gate.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
}
