// Package pipeline drives one end-to-end generation run per submitted batch:
// discovery, per-item competition, conditional batch approval, budget-gated
// generation, persistence handoff, and completion accounting. Every
// transition is published to the progress broadcaster.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/approval"
	"github.com/jonathanhollander/assetforge/internal/broadcast"
	"github.com/jonathanhollander/assetforge/internal/budget"
	"github.com/jonathanhollander/assetforge/internal/competition"
	"github.com/jonathanhollander/assetforge/internal/models"
	"github.com/jonathanhollander/assetforge/internal/provider"
	"github.com/jonathanhollander/assetforge/internal/storage"
	"github.com/jonathanhollander/assetforge/internal/store"
)

var (
	ErrBatchNotFound = errors.New("batch not found")

	// ErrNoRequests is returned by Submit for an empty batch.
	ErrNoRequests = errors.New("batch has no requests")
)

// SubmitRequest is one requested item in a batch submission.
type SubmitRequest struct {
	Category string
	Kind     models.AssetKind
	Brief    string
	Params   []byte
}

// Options fixes the per-instance tunables.
type Options struct {
	DefaultCeiling models.Micros
	WorkerCap      int
	Logger         *log.Logger
}

// Pipeline coordinates batches. One Pipeline serves one operator and any
// number of sequential or concurrent batches, each with its own budget scope.
type Pipeline struct {
	orch      *competition.Orchestrator
	gate      *approval.Gate
	bus       *broadcast.Broadcaster
	st        store.Store
	saver     storage.Saver
	providers map[string]provider.Client
	opts      Options
	logger    *log.Logger

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// run is the in-memory state of one active batch.
type run struct {
	batch     models.Batch
	ledger    *budget.Ledger
	cancelled atomic.Bool
	// cancelCtx unblocks approval waits on cancellation. Provider calls
	// deliberately do not use it: in-flight calls drain naturally so no
	// reservation is left dangling.
	cancelCtx context.Context
	cancel    context.CancelFunc
}

// New wires a pipeline. providers must contain every client the orchestrator
// competes with, keyed by provider id.
func New(orch *competition.Orchestrator, gate *approval.Gate, bus *broadcast.Broadcaster,
	st store.Store, saver storage.Saver, providers []provider.Client, opts Options) *Pipeline {

	if opts.WorkerCap <= 0 {
		opts.WorkerCap = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[pipeline] ", log.LstdFlags)
	}
	byID := make(map[string]provider.Client, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		orch:      orch,
		gate:      gate,
		bus:       bus,
		st:        st,
		saver:     saver,
		providers: byID,
		opts:      opts,
		logger:    logger,
		rootCtx:   ctx,
		stop:      cancel,
		runs:      map[uuid.UUID]*run{},
	}
}

// Submit registers a batch and starts its run asynchronously, returning the
// batch id. ceiling <= 0 falls back to the configured default ceiling.
func (p *Pipeline) Submit(ctx context.Context, items []SubmitRequest, ceiling models.Micros, submittedBy string) (uuid.UUID, error) {
	if len(items) == 0 {
		return uuid.Nil, ErrNoRequests
	}
	if ceiling <= 0 {
		ceiling = p.opts.DefaultCeiling
	}

	batchID := uuid.New()
	now := time.Now().UTC()
	batch := models.Batch{
		ID:            batchID,
		CeilingMicros: ceiling,
		Status:        models.BatchPending,
		SubmittedBy:   submittedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range items {
		batch.Requests = append(batch.Requests, models.GenerationRequest{
			ID:        uuid.New(),
			BatchID:   batchID,
			Category:  item.Category,
			Kind:      item.Kind,
			Brief:     item.Brief,
			Params:    item.Params,
			CreatedAt: now,
		})
	}
	if err := p.st.CreateBatch(ctx, batch); err != nil {
		return uuid.Nil, fmt.Errorf("create batch: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(p.rootCtx)
	r := &run{
		batch:     batch,
		ledger:    budget.NewLedger(ceiling, p.journal(batchID)),
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	p.mu.Lock()
	p.runs[batchID] = r
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runBatch(r)
	}()
	return batchID, nil
}

// Cancel marks a batch cancelled. Cancellation is monotonic: no new
// reservations are made afterwards, in-flight provider calls finish or time
// out on their own, and a pending approval wait is unblocked.
func (p *Pipeline) Cancel(batchID uuid.UUID) error {
	p.mu.Lock()
	r, ok := p.runs[batchID]
	p.mu.Unlock()
	if !ok {
		return ErrBatchNotFound
	}
	if r.cancelled.CompareAndSwap(false, true) {
		r.cancel()
		p.publish(models.StageError, batchID, uuid.Nil, "batch.cancelled", "operator cancelled batch", nil)
		p.logger.Printf("batch %s cancelled", batchID)
	}
	return nil
}

// Ledger exposes the batch's budget scope, mainly for status reporting.
func (p *Pipeline) Ledger(batchID uuid.UUID) (*budget.Ledger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return r.ledger, nil
}

// OverrideWinner records a human-chosen winner on a stored competition
// result. It never re-triggers generation.
func (p *Pipeline) OverrideWinner(ctx context.Context, requestID uuid.UUID, providerID, actor string) error {
	result, err := p.st.GetCompetitionResult(ctx, requestID)
	if err != nil {
		return err
	}
	if err := p.orch.Override(&result, providerID, actor); err != nil {
		return err
	}
	return p.st.SetResultOverride(ctx, requestID, providerID, actor)
}

// Shutdown stops accepting work and waits for active batches to wind down.
func (p *Pipeline) Shutdown() {
	p.stop()
	p.wg.Wait()
}

// runBatch is the per-batch state machine.
func (p *Pipeline) runBatch(r *run) {
	batch := r.batch
	defer r.ledger.Close()
	defer func() {
		p.mu.Lock()
		delete(p.runs, batch.ID)
		p.mu.Unlock()
	}()

	// Discovery: announce the work before spending anything.
	p.publish(models.StageDiscovery, batch.ID, uuid.Nil, "batch.discovered",
		fmt.Sprintf("%d items discovered", len(batch.Requests)),
		map[string]interface{}{"items": len(batch.Requests), "ceiling": batch.CeilingMicros.Float()})

	// Competition, per item, parallel up to the worker cap.
	p.setBatchStatus(&batch, models.BatchCompeting, 0, 0)
	results := p.competeAll(r, batch.Requests)

	var decided []models.CompetitionResult
	failed := 0
	for _, result := range results {
		if result.Status == models.CompetitionDecided {
			decided = append(decided, result)
			continue
		}
		failed++
		p.publish(models.StageError, batch.ID, result.Request.ID, "item.failed",
			"no provider produced a usable candidate",
			map[string]interface{}{"failure": string(models.FailureNoQuorum)})
	}

	if r.cancelled.Load() {
		p.finish(&batch, models.BatchCancelled, 0, len(batch.Requests))
		return
	}
	if len(decided) == 0 {
		p.finish(&batch, models.BatchCompleted, 0, failed)
		return
	}

	// Batch approval, only when the projected spend crosses the threshold.
	projected := p.projectedCost(decided)
	if p.gate.Required(projected) {
		state, ok := p.awaitApproval(r, &batch, projected)
		if !ok {
			// Cancelled while waiting.
			p.finish(&batch, models.BatchCancelled, 0, len(batch.Requests))
			return
		}
		if state != models.CheckpointApproved {
			kind := models.FailureApprovalRejected
			if state == models.CheckpointExpired {
				kind = models.FailureApprovalExpired
			}
			p.publish(models.StageError, batch.ID, uuid.Nil, "batch.aborted",
				fmt.Sprintf("approval %s for projected cost %s", state, projected),
				map[string]interface{}{"failure": string(kind)})
			p.finish(&batch, models.BatchRejected, 0, len(batch.Requests))
			return
		}
	}

	// Generation, budget-gated per item. One expensive item failing on
	// BudgetExceeded does not abort its siblings.
	p.setBatchStatus(&batch, models.BatchGenerating, 0, failed)
	succeeded := p.generateAll(r, decided)
	failed = len(batch.Requests) - succeeded

	status := models.BatchCompleted
	if r.cancelled.Load() {
		status = models.BatchCancelled
	}
	p.finish(&batch, status, succeeded, failed)
}

func (p *Pipeline) competeAll(r *run, requests []models.GenerationRequest) []models.CompetitionResult {
	results := make([]models.CompetitionResult, len(requests))
	sem := make(chan struct{}, p.opts.WorkerCap)
	var wg sync.WaitGroup
	for i, req := range requests {
		if r.cancelled.Load() {
			results[i] = models.CompetitionResult{Request: req, Status: models.CompetitionNoQuorum}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, req models.GenerationRequest) {
			defer func() {
				<-sem
				wg.Done()
			}()
			result := p.orch.Compete(p.rootCtx, req)
			results[i] = result
			if err := p.st.SaveCompetitionResult(context.Background(), result); err != nil {
				p.logger.Printf("save competition result %s: %v", req.ID, err)
			}
		}(i, req)
	}
	wg.Wait()
	return results
}

// projectedCost sums the winning provider's per-call cost over every decided
// item; this is the amount the approval gate sees before any reservation.
func (p *Pipeline) projectedCost(decided []models.CompetitionResult) models.Micros {
	var total models.Micros
	for _, result := range decided {
		if client, ok := p.providers[result.Winner()]; ok {
			total += client.CostPerCall()
		}
	}
	return total
}

func (p *Pipeline) awaitApproval(r *run, batch *models.Batch, projected models.Micros) (models.CheckpointState, bool) {
	cp := p.gate.Create(batch.ID, projected)
	if err := p.st.SaveCheckpoint(context.Background(), cp); err != nil {
		p.logger.Printf("save checkpoint %s: %v", cp.ID, err)
	}
	p.setBatchStatus(batch, models.BatchAwaitingApproval, 0, 0)
	p.publish(models.StageApproval, batch.ID, uuid.Nil, "approval.pending",
		fmt.Sprintf("projected cost %s exceeds auto-approve threshold", projected),
		map[string]interface{}{
			"checkpointId": cp.ID.String(),
			"projected":    projected.Float(),
			"expiresAt":    cp.ExpiresAt.Format(time.RFC3339),
		})

	decidedCp, err := p.gate.Await(r.cancelCtx, cp.ID)
	if err != nil {
		// Only context cancellation reaches here. Settle the checkpoint so
		// it cannot be approved after the batch is gone.
		if rejected, rerr := p.gate.Reject(cp.ID, "system:cancelled"); rerr == nil {
			if serr := p.st.UpdateCheckpoint(context.Background(), rejected); serr != nil {
				p.logger.Printf("update checkpoint %s: %v", rejected.ID, serr)
			}
		}
		return "", false
	}
	if err := p.st.UpdateCheckpoint(context.Background(), decidedCp); err != nil {
		p.logger.Printf("update checkpoint %s: %v", decidedCp.ID, err)
	}
	p.publish(models.StageApproval, batch.ID, uuid.Nil, "approval."+string(decidedCp.State),
		fmt.Sprintf("checkpoint decided by %s", decidedCp.DecidedBy),
		map[string]interface{}{"checkpointId": decidedCp.ID.String()})
	return decidedCp.State, true
}

func (p *Pipeline) generateAll(r *run, decided []models.CompetitionResult) int {
	sem := make(chan struct{}, p.opts.WorkerCap)
	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for _, result := range decided {
		sem <- struct{}{}
		wg.Add(1)
		go func(result models.CompetitionResult) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if p.generateItem(r, result) {
				succeeded.Add(1)
			}
		}(result)
	}
	wg.Wait()
	return int(succeeded.Load())
}

// generateItem performs the paid call for one item under the two-phase
// ledger: reserve, invoke the winning provider, persist, then confirm.
// Any failure after reservation releases the hold.
func (p *Pipeline) generateItem(r *run, result models.CompetitionResult) bool {
	req := result.Request
	winner := result.Winner()
	client, ok := p.providers[winner]
	if !ok {
		p.itemFailed(r, req, models.FailureTransport, fmt.Sprintf("winner provider %q not configured", winner))
		return false
	}

	// No new reservations after cancellation is observed.
	if r.cancelled.Load() {
		return false
	}
	tok, err := r.ledger.Reserve(client.CostPerCall())
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			p.itemFailed(r, req, models.FailureBudgetExceeded, err.Error())
		} else {
			p.itemFailed(r, req, models.FailureBudgetExceeded, fmt.Sprintf("reserve: %v", err))
		}
		return false
	}

	p.publish(models.StageGeneration, req.BatchID, req.ID, "generation.started",
		fmt.Sprintf("provider %s, reserved %s", winner, tok.Amount),
		map[string]interface{}{"provider": winner})

	variant := client.Invoke(p.rootCtx, req)
	if !variant.Succeeded() {
		if rerr := r.ledger.Release(tok); rerr != nil {
			p.logger.Printf("release after failed generation %s: %v", req.ID, rerr)
		}
		p.itemFailed(r, req, variant.FailureKind, variant.FailureCause)
		return false
	}

	uri, err := p.saver.Save(p.rootCtx, storage.Asset{
		RequestID:   req.ID,
		BatchID:     req.BatchID,
		Category:    req.Category,
		Kind:        string(req.Kind),
		ProviderID:  winner,
		Content:     variant.Content,
		ContentType: variant.ContentType,
	})
	if err != nil {
		// The provider answered but the output is not durable: the user is
		// never charged for it.
		if rerr := r.ledger.Release(tok); rerr != nil {
			p.logger.Printf("release after failed save %s: %v", req.ID, rerr)
		}
		p.itemFailed(r, req, models.FailurePersistence, err.Error())
		return false
	}

	if err := r.ledger.Confirm(tok); err != nil {
		p.logger.Printf("confirm %s: %v", req.ID, err)
	}
	p.publish(models.StageSave, req.BatchID, req.ID, "item.saved",
		fmt.Sprintf("asset stored at %s", uri),
		map[string]interface{}{"uri": uri, "provider": winner, "cost": tok.Amount.Float()})
	return true
}

func (p *Pipeline) itemFailed(r *run, req models.GenerationRequest, kind models.FailureKind, cause string) {
	p.publish(models.StageError, req.BatchID, req.ID, "item.failed", cause,
		map[string]interface{}{"failure": string(kind)})
	p.logger.Printf("batch %s item %s failed: %s: %s", req.BatchID, req.ID, kind, cause)
}

func (p *Pipeline) setBatchStatus(batch *models.Batch, status models.BatchStatus, succeeded, failed int) {
	batch.Status = status
	if err := p.st.UpdateBatchStatus(context.Background(), batch.ID, status, succeeded, failed); err != nil {
		p.logger.Printf("update batch %s status: %v", batch.ID, err)
	}
}

func (p *Pipeline) finish(batch *models.Batch, status models.BatchStatus, succeeded, failed int) {
	p.setBatchStatus(batch, status, succeeded, failed)
	committed, reserved, ceiling := models.Micros(0), models.Micros(0), batch.CeilingMicros
	p.mu.Lock()
	if r, ok := p.runs[batch.ID]; ok {
		committed, reserved, ceiling = r.ledger.Snapshot()
	}
	p.mu.Unlock()
	p.publish(models.StageCompletion, batch.ID, uuid.Nil, "batch."+string(status),
		fmt.Sprintf("%d succeeded, %d failed", succeeded, failed),
		map[string]interface{}{
			"succeeded": succeeded,
			"failed":    failed,
			"committed": committed.Float(),
			"reserved":  reserved.Float(),
			"remaining": (ceiling - committed - reserved).Float(),
		})
	p.logger.Printf("batch %s finished: status=%s succeeded=%d failed=%d committed=%s",
		batch.ID, status, succeeded, failed, committed)
}

func (p *Pipeline) journal(batchID uuid.UUID) budget.Journal {
	return func(e budget.Entry) {
		err := p.st.AppendLedgerEntry(context.Background(), store.LedgerEntryInput{
			BatchID:   batchID,
			Op:        string(e.Op),
			TokenID:   e.TokenID,
			Amount:    e.Amount,
			Committed: e.Committed,
			Reserved:  e.Reserved,
			TS:        e.TS,
		})
		if err != nil {
			p.logger.Printf("append ledger entry for batch %s: %v", batchID, err)
		}
	}
}

func (p *Pipeline) publish(stage models.Stage, batchID, requestID uuid.UUID, kind, message string, payload map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(models.ProgressEvent{
		Stage:     stage,
		BatchID:   batchID,
		RequestID: requestID,
		Kind:      kind,
		Message:   message,
		Payload:   payload,
	})
}
