package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/models"
)

// Schema is the DDL the PGStore expects. EnsureSchema applies it with
// IF NOT EXISTS so startup is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	id UUID PRIMARY KEY,
	requests JSONB NOT NULL,
	ceiling_micros BIGINT NOT NULL,
	status TEXT NOT NULL,
	submitted_by TEXT NOT NULL DEFAULT '',
	succeeded INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS competition_results (
	request_id UUID PRIMARY KEY,
	batch_id UUID NOT NULL,
	request JSONB NOT NULL,
	variants JSONB NOT NULL,
	scores JSONB NOT NULL,
	status TEXT NOT NULL,
	winner_provider TEXT NOT NULL DEFAULT '',
	override_provider TEXT NOT NULL DEFAULT '',
	overridden_by TEXT NOT NULL DEFAULT '',
	decided_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS approval_checkpoints (
	id UUID PRIMARY KEY,
	batch_id UUID NOT NULL,
	projected_micros BIGINT NOT NULL,
	state TEXT NOT NULL,
	decided_by TEXT NOT NULL DEFAULT '',
	decided_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	batch_id UUID NOT NULL,
	op TEXT NOT NULL,
	token_id UUID NOT NULL,
	amount_micros BIGINT NOT NULL,
	committed_micros BIGINT NOT NULL,
	reserved_micros BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_batch_idx ON ledger_entries (batch_id, id);
`

// PGStore persists pipeline state to Postgres via lib/pq.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PGStore) CreateBatch(ctx context.Context, batch models.Batch) error {
	requests, err := json.Marshal(batch.Requests)
	if err != nil {
		return fmt.Errorf("marshal batch requests: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, requests, ceiling_micros, status, submitted_by, succeeded, failed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, requests, int64(batch.CeilingMicros), batch.Status, batch.SubmittedBy,
		batch.Succeeded, batch.Failed, batch.CreatedAt, batch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PGStore) GetBatch(ctx context.Context, id uuid.UUID) (models.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, requests, ceiling_micros, status, submitted_by, succeeded, failed, created_at, updated_at
		FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (s *PGStore) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus, succeeded, failed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = $1, succeeded = $2, failed = $3, updated_at = $4 WHERE id = $5`,
		status, succeeded, failed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) ListBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requests, ceiling_micros, status, submitted_by, succeeded, failed, created_at, updated_at
		FROM batches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []models.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveCompetitionResult(ctx context.Context, result models.CompetitionResult) error {
	audits := make([]VariantAudit, len(result.Variants))
	for i, v := range result.Variants {
		audits[i] = AuditVariant(v)
	}
	request, err := json.Marshal(result.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	variants, err := json.Marshal(audits)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	scores, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO competition_results
			(request_id, batch_id, request, variants, scores, status, winner_provider, override_provider, overridden_by, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (request_id) DO UPDATE SET
			variants = EXCLUDED.variants, scores = EXCLUDED.scores, status = EXCLUDED.status,
			winner_provider = EXCLUDED.winner_provider, decided_at = EXCLUDED.decided_at`,
		result.Request.ID, result.Request.BatchID, request, variants, scores,
		result.Status, result.WinnerProvider, result.OverrideProvider, result.OverriddenBy, result.DecidedAt)
	if err != nil {
		return fmt.Errorf("insert competition result: %w", err)
	}
	return nil
}

func (s *PGStore) GetCompetitionResult(ctx context.Context, requestID uuid.UUID) (models.CompetitionResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request, variants, scores, status, winner_provider, override_provider, overridden_by, decided_at
		FROM competition_results WHERE request_id = $1`, requestID)

	var (
		result   models.CompetitionResult
		request  []byte
		variants []byte
		scores   []byte
	)
	if err := row.Scan(&request, &variants, &scores, &result.Status,
		&result.WinnerProvider, &result.OverrideProvider, &result.OverriddenBy, &result.DecidedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.CompetitionResult{}, ErrNotFound
		}
		return models.CompetitionResult{}, fmt.Errorf("get competition result: %w", err)
	}
	if err := json.Unmarshal(request, &result.Request); err != nil {
		return models.CompetitionResult{}, fmt.Errorf("unmarshal request: %w", err)
	}
	var audits []VariantAudit
	if err := json.Unmarshal(variants, &audits); err != nil {
		return models.CompetitionResult{}, fmt.Errorf("unmarshal variants: %w", err)
	}
	result.Variants = make([]models.CandidateVariant, len(audits))
	for i, a := range audits {
		result.Variants[i] = models.CandidateVariant{
			RequestID:    result.Request.ID,
			ProviderID:   a.ProviderID,
			ContentType:  a.ContentType,
			Latency:      time.Duration(a.LatencyMS) * time.Millisecond,
			Attempts:     a.Attempts,
			FailureKind:  a.FailureKind,
			FailureCause: a.FailureCause,
		}
	}
	if err := json.Unmarshal(scores, &result.Scores); err != nil {
		return models.CompetitionResult{}, fmt.Errorf("unmarshal scores: %w", err)
	}
	return result, nil
}

func (s *PGStore) SetResultOverride(ctx context.Context, requestID uuid.UUID, providerID, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE competition_results SET override_provider = $1, overridden_by = $2 WHERE request_id = $3`,
		providerID, actor, requestID)
	if err != nil {
		return fmt.Errorf("set result override: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) SaveCheckpoint(ctx context.Context, cp models.ApprovalCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_checkpoints (id, batch_id, projected_micros, state, decided_by, decided_at, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.BatchID, int64(cp.ProjectedCost), cp.State, cp.DecidedBy, cp.DecidedAt, cp.CreatedAt, cp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateCheckpoint(ctx context.Context, cp models.ApprovalCheckpoint) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_checkpoints SET state = $1, decided_by = $2, decided_at = $3 WHERE id = $4`,
		cp.State, cp.DecidedBy, cp.DecidedAt, cp.ID)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) GetCheckpoint(ctx context.Context, id uuid.UUID) (models.ApprovalCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, projected_micros, state, decided_by, decided_at, created_at, expires_at
		FROM approval_checkpoints WHERE id = $1`, id)

	var (
		cp        models.ApprovalCheckpoint
		projected int64
		decidedAt sql.NullTime
	)
	if err := row.Scan(&cp.ID, &cp.BatchID, &projected, &cp.State, &cp.DecidedBy, &decidedAt, &cp.CreatedAt, &cp.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return models.ApprovalCheckpoint{}, ErrNotFound
		}
		return models.ApprovalCheckpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.ProjectedCost = models.Micros(projected)
	if decidedAt.Valid {
		t := decidedAt.Time
		cp.DecidedAt = &t
	}
	return cp, nil
}

func (s *PGStore) AppendLedgerEntry(ctx context.Context, entry LedgerEntryInput) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (batch_id, op, token_id, amount_micros, committed_micros, reserved_micros, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.BatchID, entry.Op, entry.TokenID, int64(entry.Amount), int64(entry.Committed), int64(entry.Reserved), entry.TS)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (models.Batch, error) {
	var (
		batch    models.Batch
		requests []byte
		ceiling  int64
	)
	if err := row.Scan(&batch.ID, &requests, &ceiling, &batch.Status, &batch.SubmittedBy,
		&batch.Succeeded, &batch.Failed, &batch.CreatedAt, &batch.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.Batch{}, ErrNotFound
		}
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	batch.CeilingMicros = models.Micros(ceiling)
	if err := json.Unmarshal(requests, &batch.Requests); err != nil {
		return models.Batch{}, fmt.Errorf("unmarshal batch requests: %w", err)
	}
	return batch, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
