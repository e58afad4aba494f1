package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and for
// running the service without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	batches     map[uuid.UUID]models.Batch
	results     map[uuid.UUID]models.CompetitionResult
	checkpoints map[uuid.UUID]models.ApprovalCheckpoint
	ledger      []LedgerEntryInput
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:     map[uuid.UUID]models.Batch{},
		results:     map[uuid.UUID]models.CompetitionResult{},
		checkpoints: map[uuid.UUID]models.ApprovalCheckpoint{},
	}
}

func (m *MemoryStore) CreateBatch(ctx context.Context, batch models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.ID] = batch
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[id]
	if !ok {
		return models.Batch{}, ErrNotFound
	}
	return batch, nil
}

func (m *MemoryStore) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus, succeeded, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Status = status
	batch.Succeeded = succeeded
	batch.Failed = failed
	batch.UpdatedAt = time.Now().UTC()
	m.batches[id] = batch
	return nil
}

func (m *MemoryStore) ListBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveCompetitionResult stores the result with variant content stripped to
// its audit form (digest and size); raw bytes never enter the store.
func (m *MemoryStore) SaveCompetitionResult(ctx context.Context, result models.CompetitionResult) error {
	trimmed := result
	trimmed.Variants = make([]models.CandidateVariant, len(result.Variants))
	for i, v := range result.Variants {
		v.Content = nil
		trimmed.Variants[i] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.Request.ID] = trimmed
	return nil
}

func (m *MemoryStore) GetCompetitionResult(ctx context.Context, requestID uuid.UUID) (models.CompetitionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.results[requestID]
	if !ok {
		return models.CompetitionResult{}, ErrNotFound
	}
	return result, nil
}

func (m *MemoryStore) SetResultOverride(ctx context.Context, requestID uuid.UUID, providerID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[requestID]
	if !ok {
		return ErrNotFound
	}
	result.OverrideProvider = providerID
	result.OverriddenBy = actor
	m.results[requestID] = result
	return nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp models.ApprovalCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *MemoryStore) UpdateCheckpoint(ctx context.Context, cp models.ApprovalCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[cp.ID]; !ok {
		return ErrNotFound
	}
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, id uuid.UUID) (models.ApprovalCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return models.ApprovalCheckpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryStore) AppendLedgerEntry(ctx context.Context, entry LedgerEntryInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, entry)
	return nil
}

// LedgerEntries returns a copy of the audit trail, oldest first. Test helper.
func (m *MemoryStore) LedgerEntries() []LedgerEntryInput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LedgerEntryInput(nil), m.ledger...)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
