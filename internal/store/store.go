// Package store persists batches, competition results, approval checkpoints
// and the ledger audit trail. Two implementations: MemoryStore for tests and
// single-process runs, PGStore for Postgres.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/models"
)

var ErrNotFound = errors.New("not found")

// LedgerEntryInput is one reserve/confirm/release transition appended to the
// audit trail together with the post-transition totals.
type LedgerEntryInput struct {
	BatchID   uuid.UUID
	Op        string
	TokenID   uuid.UUID
	Amount    models.Micros
	Committed models.Micros
	Reserved  models.Micros
	TS        time.Time
}

// VariantAudit is the persisted form of a CandidateVariant: the raw content
// is replaced by its digest and size, since variants are discarded after
// scoring except for this trail.
type VariantAudit struct {
	ProviderID   string             `json:"providerId"`
	ContentType  string             `json:"contentType,omitempty"`
	ContentSHA   string             `json:"contentSha256,omitempty"`
	ContentBytes int                `json:"contentBytes"`
	LatencyMS    int64              `json:"latencyMs"`
	Attempts     int                `json:"attempts"`
	FailureKind  models.FailureKind `json:"failureKind,omitempty"`
	FailureCause string             `json:"failureCause,omitempty"`
}

// AuditVariant converts a full variant to its stored form.
func AuditVariant(v models.CandidateVariant) VariantAudit {
	out := VariantAudit{
		ProviderID:   v.ProviderID,
		ContentType:  v.ContentType,
		ContentBytes: len(v.Content),
		LatencyMS:    v.Latency.Milliseconds(),
		Attempts:     v.Attempts,
		FailureKind:  v.FailureKind,
		FailureCause: v.FailureCause,
	}
	if len(v.Content) > 0 {
		sum := sha256.Sum256(v.Content)
		out.ContentSHA = hex.EncodeToString(sum[:])
	}
	return out
}

// Store is the persistence boundary for pipeline state.
type Store interface {
	CreateBatch(ctx context.Context, batch models.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (models.Batch, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus, succeeded, failed int) error
	ListBatches(ctx context.Context, limit int) ([]models.Batch, error)

	SaveCompetitionResult(ctx context.Context, result models.CompetitionResult) error
	GetCompetitionResult(ctx context.Context, requestID uuid.UUID) (models.CompetitionResult, error)
	SetResultOverride(ctx context.Context, requestID uuid.UUID, providerID, actor string) error

	SaveCheckpoint(ctx context.Context, cp models.ApprovalCheckpoint) error
	UpdateCheckpoint(ctx context.Context, cp models.ApprovalCheckpoint) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (models.ApprovalCheckpoint, error)

	AppendLedgerEntry(ctx context.Context, entry LedgerEntryInput) error

	Ping(ctx context.Context) error
}
