package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Micros is a monetary amount in millionths of one currency unit.
// Ledger arithmetic stays in integers; floats appear only at the
// configuration and reporting edges.
type Micros int64

const microsPerUnit = 1_000_000

// MicrosFromFloat converts a decimal currency amount (e.g. 0.04) to Micros,
// rounding to the nearest micro.
func MicrosFromFloat(units float64) Micros {
	return Micros(math.Round(units * microsPerUnit))
}

func (m Micros) Float() float64 {
	return float64(m) / microsPerUnit
}

func (m Micros) String() string {
	return fmt.Sprintf("%.6f", m.Float())
}

// AssetKind identifies the kind of asset a request produces.
type AssetKind string

const (
	AssetKindIcon   AssetKind = "icon"
	AssetKindCover  AssetKind = "cover"
	AssetKindPrompt AssetKind = "prompt"
)

// FailureKind is the closed classification for everything that can go wrong
// between accepting a request and confirming its spend.
type FailureKind string

const (
	FailureProviderTimeout  FailureKind = "provider_timeout"
	FailureRateLimited      FailureKind = "provider_rate_limited"
	FailureContentRejected  FailureKind = "provider_content_rejected"
	FailureTransport        FailureKind = "provider_transport_error"
	FailureNoQuorum         FailureKind = "no_quorum"
	FailureBudgetExceeded   FailureKind = "budget_exceeded"
	FailureApprovalRejected FailureKind = "approval_rejected"
	FailureApprovalExpired  FailureKind = "approval_expired"
	FailurePersistence      FailureKind = "persistence_failed"
)

// Retryable reports whether a provider-level failure is worth another
// attempt. Content rejections are deterministic and never retried.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureProviderTimeout, FailureRateLimited, FailureTransport:
		return true
	}
	return false
}

// GenerationRequest is one unit of work. Immutable once created; one request
// produces at most one CompetitionResult.
type GenerationRequest struct {
	ID        uuid.UUID       `json:"id"`
	BatchID   uuid.UUID       `json:"batchId"`
	Category  string          `json:"category"`
	Kind      AssetKind       `json:"kind"`
	Brief     string          `json:"brief"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CandidateVariant is one provider's answer for one request. Either Content
// is populated, or FailureKind/FailureCause describe why it is not.
type CandidateVariant struct {
	RequestID    uuid.UUID     `json:"requestId"`
	ProviderID   string        `json:"providerId"`
	Content      []byte        `json:"content,omitempty"`
	ContentType  string        `json:"contentType,omitempty"`
	Latency      time.Duration `json:"latencyNs"`
	Attempts     int           `json:"attempts"`
	FailureKind  FailureKind   `json:"failureKind,omitempty"`
	FailureCause string        `json:"failureCause,omitempty"`
}

// Succeeded reports whether the variant carries usable content.
func (v CandidateVariant) Succeeded() bool {
	return v.FailureKind == "" && len(v.Content) > 0
}

// ScoreVector holds per-dimension scores in [0,1] and the weighted total
// derived from the configured weights.
type ScoreVector struct {
	Dimensions    map[string]float64 `json:"dimensions"`
	WeightedTotal float64            `json:"weightedTotal"`
}

// CompetitionStatus classifies the outcome of one fan-out-and-score cycle.
type CompetitionStatus string

const (
	CompetitionDecided  CompetitionStatus = "decided"
	CompetitionNoQuorum CompetitionStatus = "no_quorum"
)

// CompetitionResult records one competition: every variant, every score, the
// algorithmic winner, and an optional later human override. Never mutated
// after the decision, except to append the override.
type CompetitionResult struct {
	Request          GenerationRequest      `json:"request"`
	Variants         []CandidateVariant     `json:"variants"`
	Scores           map[string]ScoreVector `json:"scores"`
	Status           CompetitionStatus      `json:"status"`
	WinnerProvider   string                 `json:"winnerProvider,omitempty"`
	OverrideProvider string                 `json:"overrideProvider,omitempty"`
	OverriddenBy     string                 `json:"overriddenBy,omitempty"`
	DecidedAt        time.Time              `json:"decidedAt"`
}

// Winner returns the provider whose variant should be used: the human
// override when present, the algorithmic winner otherwise.
func (r CompetitionResult) Winner() string {
	if r.OverrideProvider != "" {
		return r.OverrideProvider
	}
	return r.WinnerProvider
}

// CheckpointState is the approval gate state machine. pending is the only
// non-terminal state.
type CheckpointState string

const (
	CheckpointPending  CheckpointState = "pending"
	CheckpointApproved CheckpointState = "approved"
	CheckpointRejected CheckpointState = "rejected"
	CheckpointExpired  CheckpointState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s CheckpointState) Terminal() bool {
	return s == CheckpointApproved || s == CheckpointRejected || s == CheckpointExpired
}

// ApprovalCheckpoint gates an over-threshold batch behind a human decision.
type ApprovalCheckpoint struct {
	ID            uuid.UUID       `json:"id"`
	BatchID       uuid.UUID       `json:"batchId"`
	ProjectedCost Micros          `json:"projectedCostMicros"`
	State         CheckpointState `json:"state"`
	DecidedBy     string          `json:"decidedBy,omitempty"`
	DecidedAt     *time.Time      `json:"decidedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// BatchStatus tracks a batch through the pipeline.
type BatchStatus string

const (
	BatchPending          BatchStatus = "pending"
	BatchCompeting        BatchStatus = "competing"
	BatchAwaitingApproval BatchStatus = "awaiting_approval"
	BatchGenerating       BatchStatus = "generating"
	BatchCompleted        BatchStatus = "completed"
	BatchRejected         BatchStatus = "rejected"
	BatchCancelled        BatchStatus = "cancelled"
)

// Batch is one submitted group of generation requests sharing a budget scope.
type Batch struct {
	ID            uuid.UUID           `json:"id"`
	Requests      []GenerationRequest `json:"requests"`
	CeilingMicros Micros              `json:"ceilingMicros"`
	Status        BatchStatus         `json:"status"`
	SubmittedBy   string              `json:"submittedBy,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	Succeeded     int                 `json:"succeeded"`
	Failed        int                 `json:"failed"`
}

// Stage tags a ProgressEvent with the pipeline phase that produced it.
type Stage string

const (
	StageDiscovery   Stage = "discovery"
	StageCompetition Stage = "competition"
	StageApproval    Stage = "approval"
	StageGeneration  Stage = "generation"
	StageSave        Stage = "save"
	StageError       Stage = "error"
	StageCompletion  Stage = "completion"
)

// ProgressEvent is one append-only pipeline lifecycle record. Seq is assigned
// by the broadcaster and is monotonic across the process; events are
// ephemeral and live only inside the delivery window.
type ProgressEvent struct {
	Seq       uint64                 `json:"seq"`
	Stage     Stage                  `json:"stage"`
	BatchID   uuid.UUID              `json:"batchId,omitempty"`
	RequestID uuid.UUID              `json:"requestId,omitempty"`
	Kind      string                 `json:"kind"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TS        time.Time              `json:"ts"`
}
