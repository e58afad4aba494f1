// Package approval implements the human-decision checkpoint gating batches
// whose projected cost crosses the auto-approve threshold. A checkpoint is
// pending until approved, rejected, or expired; expiry resolves to rejected
// semantics so an unattended gate never spends money.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/models"
)

var (
	ErrNotFound = errors.New("checkpoint not found")

	// ErrAlreadyDecided is returned when approving or rejecting a checkpoint
	// already in a terminal state.
	ErrAlreadyDecided = errors.New("checkpoint already decided")
)

type checkpoint struct {
	state models.ApprovalCheckpoint
	done  chan struct{}
}

// Gate tracks approval checkpoints for a pipeline instance.
type Gate struct {
	mu          sync.Mutex
	threshold   models.Micros
	expiry      time.Duration
	checkpoints map[uuid.UUID]*checkpoint
}

// NewGate builds a gate. Batches whose projected cost is at or below
// threshold skip the gate entirely; pending checkpoints expire after expiry.
func NewGate(threshold models.Micros, expiry time.Duration) *Gate {
	return &Gate{
		threshold:   threshold,
		expiry:      expiry,
		checkpoints: make(map[uuid.UUID]*checkpoint),
	}
}

// Required reports whether a batch with the given projected cost must pass
// through the gate.
func (g *Gate) Required(projected models.Micros) bool {
	return projected > g.threshold
}

// Create registers a pending checkpoint for a batch.
func (g *Gate) Create(batchID uuid.UUID, projected models.Micros) models.ApprovalCheckpoint {
	now := time.Now().UTC()
	cp := &checkpoint{
		state: models.ApprovalCheckpoint{
			ID:            uuid.New(),
			BatchID:       batchID,
			ProjectedCost: projected,
			State:         models.CheckpointPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(g.expiry),
		},
		done: make(chan struct{}),
	}
	g.mu.Lock()
	g.checkpoints[cp.state.ID] = cp
	g.mu.Unlock()
	return cp.state
}

// Approve transitions a pending checkpoint to approved.
func (g *Gate) Approve(id uuid.UUID, actor string) (models.ApprovalCheckpoint, error) {
	return g.decide(id, models.CheckpointApproved, actor)
}

// Reject transitions a pending checkpoint to rejected.
func (g *Gate) Reject(id uuid.UUID, actor string) (models.ApprovalCheckpoint, error) {
	return g.decide(id, models.CheckpointRejected, actor)
}

// Get returns the current checkpoint state.
func (g *Gate) Get(id uuid.UUID) (models.ApprovalCheckpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp, ok := g.checkpoints[id]
	if !ok {
		return models.ApprovalCheckpoint{}, ErrNotFound
	}
	return cp.state, nil
}

// Pending lists checkpoints still awaiting a decision.
func (g *Gate) Pending() []models.ApprovalCheckpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.ApprovalCheckpoint
	for _, cp := range g.checkpoints {
		if cp.state.State == models.CheckpointPending {
			out = append(out, cp.state)
		}
	}
	return out
}

// Await blocks until the checkpoint reaches a terminal state or ctx is done.
// If the expiry deadline passes with no decision the checkpoint transitions
// to expired. The returned state is always terminal unless err is non-nil.
func (g *Gate) Await(ctx context.Context, id uuid.UUID) (models.ApprovalCheckpoint, error) {
	g.mu.Lock()
	cp, ok := g.checkpoints[id]
	g.mu.Unlock()
	if !ok {
		return models.ApprovalCheckpoint{}, ErrNotFound
	}

	timer := time.NewTimer(time.Until(cp.state.ExpiresAt))
	defer timer.Stop()

	select {
	case <-cp.done:
		return g.Get(id)
	case <-timer.C:
		// Expiry races a concurrent decision; decide() keeps the first
		// terminal transition, so re-read after attempting to expire.
		if _, err := g.decide(id, models.CheckpointExpired, "system:expiry"); err != nil && !errors.Is(err, ErrAlreadyDecided) {
			return models.ApprovalCheckpoint{}, err
		}
		return g.Get(id)
	case <-ctx.Done():
		return models.ApprovalCheckpoint{}, ctx.Err()
	}
}

func (g *Gate) decide(id uuid.UUID, to models.CheckpointState, actor string) (models.ApprovalCheckpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp, ok := g.checkpoints[id]
	if !ok {
		return models.ApprovalCheckpoint{}, ErrNotFound
	}
	if cp.state.State.Terminal() {
		return cp.state, fmt.Errorf("checkpoint %s is %s: %w", id, cp.state.State, ErrAlreadyDecided)
	}
	now := time.Now().UTC()
	cp.state.State = to
	cp.state.DecidedBy = actor
	cp.state.DecidedAt = &now
	close(cp.done)
	return cp.state, nil
}
