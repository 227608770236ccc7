package engine

import (
	"context"
	"fmt"
	"sync"
)

const defaultClaimConcurrency = 4

// ClaimFunc processes a single claim and returns its enriched form.
type ClaimFunc func(ctx context.Context, claim map[string]any) (map[string]any, error)

// ProcessClaimsParallel fans a claim list out over a bounded worker pool and
// joins all results. One failing claim does not abort the batch: successful
// results are returned in input order together with the per-claim errors, so
// stages operating on claims degrade to partial output instead of losing the
// whole item.
func ProcessClaimsParallel(ctx context.Context, claims []map[string]any, concurrency int, fn ClaimFunc) ([]map[string]any, []error) {
	if len(claims) == 0 {
		return nil, nil
	}

	if concurrency <= 0 {
		concurrency = defaultClaimConcurrency
	}

	var (
		wg      sync.WaitGroup
		results = make([]map[string]any, len(claims))
		errs    = make([]error, len(claims))
		sem     = make(chan struct{}, concurrency)
	)

	for i, claim := range claims {
		wg.Add(1)

		go func(i int, claim map[string]any) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = ctx.Err()

				return
			}

			result, err := fn(ctx, claim)
			if err != nil {
				errs[i] = fmt.Errorf("claim %d: %w", i, err)

				return
			}

			results[i] = result
		}(i, claim)
	}

	wg.Wait()

	processed := make([]map[string]any, 0, len(claims))

	for _, result := range results {
		if result != nil {
			processed = append(processed, result)
		}
	}

	failures := make([]error, 0)

	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) == 0 {
		return processed, nil
	}

	return processed, failures
}
