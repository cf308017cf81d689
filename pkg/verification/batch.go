package verification

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cellguard/cellguard/pkg/logger"
)

// BatchResult collects the passes of one batch. States whose pass failed or
// was cut off by the timeout stay pending for a later run.
type BatchResult struct {
	Results []PassResult
	Failed  int
	Err     error
}

// VerifyBatch runs one pass over up to n eligible states concurrently and
// waits for all of them, bounded by the configured batch timeout. Results
// committed before the timeout are kept.
func (p *Pipeline) VerifyBatch(ctx context.Context, n int) (BatchResult, error) {
	if n <= 0 {
		return BatchResult{}, nil
	}
	now := p.now().UTC()
	work, err := p.store.FetchEligibleAfter(ctx, p.cfg.ID, p.cfg.After, now, n)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch eligible: %w", err)
	}
	if len(work) == 0 {
		return BatchResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	results := make([]PassResult, len(work))
	errs := make([]error, len(work))

	var g errgroup.Group
	g.SetLimit(len(work))
	for i := range work {
		g.Go(func() error {
			results[i], errs[i] = p.process(ctx, work[i], now)
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Results: make([]PassResult, 0, len(work))}
	for i, err := range errs {
		if err != nil {
			batch.Failed++
			p.logger.Debug("Batch pass failed", logger.Uint("state", work[i].State.ID), logger.Error(err))
			continue
		}
		batch.Results = append(batch.Results, results[i])
	}
	batch.Err = errors.Join(errs...)
	if ctx.Err() != nil {
		p.logger.Info("Batch verification timed out",
			logger.Int("completed", len(batch.Results)),
			logger.Int("pending", batch.Failed))
	}
	return batch, nil
}
