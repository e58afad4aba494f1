// Package competition runs one fan-out-and-score cycle across all configured
// providers for a single generation request.
package competition

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonathanhollander/assetforge/internal/broadcast"
	"github.com/jonathanhollander/assetforge/internal/models"
	"github.com/jonathanhollander/assetforge/internal/provider"
	"github.com/jonathanhollander/assetforge/internal/scoring"
)

// Orchestrator issues one brief to every provider concurrently, waits for all
// of them (bounded by the shared deadline), then scores and selects. Failed
// providers become failed variants; they are excluded from scoring and never
// retried here; retries already happened inside the provider client.
type Orchestrator struct {
	providers []provider.Client
	scorer    *scoring.Scorer
	deadline  time.Duration
	bus       *broadcast.Broadcaster
}

// New builds an orchestrator. deadline bounds one whole competition; each
// provider additionally enforces its own per-call timeout.
func New(providers []provider.Client, scorer *scoring.Scorer, deadline time.Duration, bus *broadcast.Broadcaster) *Orchestrator {
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	return &Orchestrator{
		providers: providers,
		scorer:    scorer,
		deadline:  deadline,
		bus:       bus,
	}
}

// Compete fans the request out, collects every variant, scores the successes
// and applies the deterministic selection rule. Zero successful variants
// yield status no_quorum and no winner.
func (o *Orchestrator) Compete(ctx context.Context, req models.GenerationRequest) models.CompetitionResult {
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	o.publish(req, "competition.started", map[string]interface{}{
		"providers": len(o.providers),
	})

	variants := make([]models.CandidateVariant, len(o.providers))
	var wg sync.WaitGroup
	for i, p := range o.providers {
		wg.Add(1)
		go func(i int, p provider.Client) {
			defer wg.Done()
			variants[i] = p.Invoke(ctx, req)
		}(i, p)
	}
	// All variants are collected before any scoring happens.
	wg.Wait()

	result := models.CompetitionResult{
		Request:   req,
		Variants:  variants,
		Scores:    make(map[string]models.ScoreVector),
		DecidedAt: time.Now().UTC(),
	}

	for _, v := range variants {
		if !v.Succeeded() {
			o.publish(req, "variant.failed", map[string]interface{}{
				"provider": v.ProviderID,
				"failure":  string(v.FailureKind),
				"cause":    v.FailureCause,
			})
			continue
		}
		result.Scores[v.ProviderID] = o.scorer.Score(v, req)
		o.publish(req, "variant.scored", map[string]interface{}{
			"provider": v.ProviderID,
			"total":    result.Scores[v.ProviderID].WeightedTotal,
		})
	}

	winner, ok := o.scorer.SelectWinner(result.Scores)
	if !ok {
		result.Status = models.CompetitionNoQuorum
		log.Printf("[competition] request %s: no quorum (%d providers all failed)", req.ID, len(o.providers))
		o.publish(req, "competition.no_quorum", nil)
		return result
	}

	result.Status = models.CompetitionDecided
	result.WinnerProvider = winner
	o.publish(req, "competition.decided", map[string]interface{}{
		"winner": winner,
		"score":  result.Scores[winner].WeightedTotal,
	})
	return result
}

// Override records a human-chosen winner on a decided result. It does not
// re-trigger generation; the chosen provider must have a successful variant.
func (o *Orchestrator) Override(result *models.CompetitionResult, providerID, actor string) error {
	if result.Status != models.CompetitionDecided {
		return fmt.Errorf("override: result for request %s has status %s", result.Request.ID, result.Status)
	}
	// Stored variants carry only their audit form, so judge success by the
	// absence of a failure, not by content presence.
	for _, v := range result.Variants {
		if v.ProviderID == providerID && v.FailureKind == "" {
			result.OverrideProvider = providerID
			result.OverriddenBy = actor
			o.publish(result.Request, "competition.overridden", map[string]interface{}{
				"winner": providerID,
				"actor":  actor,
			})
			return nil
		}
	}
	return fmt.Errorf("override: provider %q has no successful variant for request %s", providerID, result.Request.ID)
}

func (o *Orchestrator) publish(req models.GenerationRequest, kind string, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(models.ProgressEvent{
		Stage:     models.StageCompetition,
		BatchID:   req.BatchID,
		RequestID: req.ID,
		Kind:      kind,
		Payload:   payload,
	})
}
