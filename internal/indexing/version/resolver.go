// Package version maps block heights to the registry's key-set version.
package version

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

// NonceReader is the registry surface the resolver needs.
type NonceReader interface {
	Nonce(ctx context.Context, height uint64) (domain.Version, error)
}

// Resolved pairs a block number with the version observed at it.
type Resolved struct {
	Number  uint64
	Version domain.Version
}

// Resolver reads the registry nonce at block heights.
type Resolver struct {
	registry    NonceReader
	concurrency int
	log         *slog.Logger
}

func NewResolver(registry NonceReader, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry:    registry,
		concurrency: concurrency,
		log:         logger.With("component", "version_resolver"),
	}
}

func (r *Resolver) ResolveVersion(ctx context.Context, number uint64) (domain.Version, error) {
	v, err := r.registry.Nonce(ctx, number)
	if err != nil {
		return 0, fmt.Errorf("resolve version at %d: %w", number, err)
	}
	return v, nil
}

// ResolveVersions resolves every number concurrently. The result has the same
// order as numbers. A single failure fails the whole batch.
func (r *Resolver) ResolveVersions(ctx context.Context, numbers []uint64) ([]Resolved, error) {
	out := make([]Resolved, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, n := range numbers {
		g.Go(func() error {
			v, err := r.ResolveVersion(gctx, n)
			if err != nil {
				return err
			}
			out[i] = Resolved{Number: n, Version: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.log.Debug("resolved versions", "count", len(numbers), "first", numbers[0], "last", numbers[len(numbers)-1])
	return out, nil
}
