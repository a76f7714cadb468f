package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// broadcast runs fn for every target with at most limit in flight. A failing
// target never stops the others; failures are logged and aggregated.
func broadcast[T any](ctx context.Context, logger zerolog.Logger, limit int, what string, targets []T, fn func(context.Context, T) error) error {
	if len(targets) == 0 {
		return nil
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
		errs   error
	)
	g.SetLimit(limit)
	for _, target := range targets {
		g.Go(func() error {
			err := fn(ctx, target)
			if err == nil {
				return nil
			}
			logger.Error().Err(err).Msgf("%s failed for %v", what, target)
			mu.Lock()
			defer mu.Unlock()
			failed++
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return fmt.Errorf("%s failed for %d of %d instances: %w", what, failed, len(targets), errs)
	}
	return nil
}
