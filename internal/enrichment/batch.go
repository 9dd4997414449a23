package enrichment

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/monitoring"
	"github.com/siteoptics/audit-worker/internal/resilience"
	"github.com/siteoptics/audit-worker/pkg/urlgen"
)

// BatchProcessor enriches one batch of prompt records through the URL
// generation service. A circuit breaker guards the service: once it
// trips, the remaining records in the batch are skipped without a
// network call and left for a later audit run.
type BatchProcessor struct {
	gen     urlgen.Client
	breaker *resilience.CircuitBreaker
}

// NewBatchProcessor creates a batch processor over the given client.
func NewBatchProcessor(gen urlgen.Client, breakerCfg resilience.CircuitBreakerConfig) *BatchProcessor {
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("enrichment: url generator breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &BatchProcessor{
		gen:     gen,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}
}

// Process generates a URL for prompts[i] for each i in indices,
// mutating the slice in place, and returns how many records changed.
// A failed or empty generation skips that record and moves on; one bad
// prompt must not sink the batch. Only context cancellation aborts.
func (p *BatchProcessor) Process(ctx context.Context, prompts []model.Prompt, indices []int, meta *model.JobMetadata) (int, error) {
	log := zap.L().With(
		zap.String("component", "enrichment.batch"),
		zap.String("audit_id", meta.AuditID),
	)

	enriched := 0
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return enriched, eris.Wrap(err, "enrichment: batch cancelled")
		}
		if idx < 0 || idx >= len(prompts) {
			log.Warn("enrichment: index out of range, skipping",
				zap.Int("index", idx),
				zap.Int("prompts", len(prompts)),
			)
			continue
		}

		rec := &prompts[idx]
		res, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*urlgen.Result, error) {
			return p.gen.Generate(ctx, urlgen.Request{
				Prompt:       rec.Prompt,
				BaseURL:      meta.BaseURL,
				DeliveryType: meta.DeliveryType,
				Region:       rec.Region,
				Category:     rec.Category,
				Topic:        rec.Topic,
			})
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				log.Debug("enrichment: url generator breaker open, skipping record", zap.Int("index", idx))
			} else {
				log.Warn("enrichment: url generation failed, skipping record",
					zap.Int("index", idx),
					zap.Error(err),
				)
			}
			continue
		}
		if res.URL == "" {
			log.Debug("enrichment: no url generated for prompt", zap.Int("index", idx))
			continue
		}

		rec.URL = res.URL
		rec.Source = res.Source
		if res.RelatedURL != "" {
			rec.RelatedURL = res.RelatedURL
		}
		enriched++
		monitoring.PromptsEnriched.Inc()
	}
	return enriched, nil
}
