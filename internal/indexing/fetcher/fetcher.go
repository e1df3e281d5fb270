// Package fetcher reads complete signing-key sets from the registry contract.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

// Upper bounds on counts reported by the registry.
const (
	MaxOperators       = 10_000
	MaxKeysPerOperator = 1_000_000
)

var (
	// ErrNoOperatorKeys is returned when operators exist but none could be read completely.
	ErrNoOperatorKeys = errors.New("no operator key set could be fetched")

	// ErrCountTooLarge is returned when the registry reports more operators or keys than allowed.
	ErrCountTooLarge = errors.New("registry count exceeds limit")
)

// KeyReader is the registry surface the fetcher needs.
type KeyReader interface {
	OperatorsCount(ctx context.Context, height uint64) (uint64, error)
	TotalSigningKeyCount(ctx context.Context, height, operatorID uint64) (uint64, error)
	SigningKeys(ctx context.Context, height, operatorID, offset, limit uint64) ([]domain.SigningKey, error)
}

type Config struct {
	MaxRetries  int
	Concurrency int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Fetcher pages through every operator's keys at a pinned block height.
type Fetcher struct {
	registry KeyReader
	cfg      Config
	log      *slog.Logger
}

func New(registry KeyReader, cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		registry: registry,
		cfg:      cfg.withDefaults(),
		log:      logger.With("component", "key_fetcher"),
	}
}

// FetchKeySet returns one entry per operator, ordered by operator id.
// An operator whose pages keep failing is returned with Complete=false.
func (f *Fetcher) FetchKeySet(ctx context.Context, height, pageSize uint64) (domain.KeySet, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("page size must be positive")
	}

	count, err := retry(ctx, f.cfg, func() (uint64, error) {
		return f.registry.OperatorsCount(ctx, height)
	})
	if err != nil {
		return nil, fmt.Errorf("read operators count at %d: %w", height, err)
	}
	if count > MaxOperators {
		return nil, fmt.Errorf("operators count %d at %d: %w", count, height, ErrCountTooLarge)
	}

	set := make(domain.KeySet, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for id := uint64(0); id < count; id++ {
		g.Go(func() error {
			set[id] = f.fetchOperator(gctx, height, id, pageSize)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	complete := 0
	for _, op := range set {
		if op.Complete {
			complete++
		}
	}
	if count > 0 && complete == 0 {
		return nil, fmt.Errorf("height %d: %w", height, ErrNoOperatorKeys)
	}
	if complete < len(set) {
		f.log.Warn("key set is partial", "height", height, "operators", count, "complete", complete)
	}

	f.log.Debug("fetched key set", "height", height, "operators", count, "keys", set.TotalKeys())
	return set, nil
}

func (f *Fetcher) fetchOperator(ctx context.Context, height, operatorID, pageSize uint64) domain.OperatorKeys {
	result := domain.OperatorKeys{OperatorID: operatorID}

	total, err := retry(ctx, f.cfg, func() (uint64, error) {
		return f.registry.TotalSigningKeyCount(ctx, height, operatorID)
	})
	if err != nil {
		f.log.Error("read total signing key count failed", "operator", operatorID, "height", height, "error", err)
		return result
	}
	if total > MaxKeysPerOperator {
		f.log.Error("signing key count out of range",
			"operator", operatorID,
			"height", height,
			"total", total,
			"error", ErrCountTooLarge,
		)
		return result
	}

	pages := (total + pageSize - 1) / pageSize
	result.Keys = make([]domain.SigningKey, 0, min(total, pageSize))
	for i := uint64(0); i < pages; i++ {
		offset := i * pageSize
		limit := min(pageSize, total-offset)

		keys, err := retry(ctx, f.cfg, func() ([]domain.SigningKey, error) {
			return f.registry.SigningKeys(ctx, height, operatorID, offset, limit)
		})
		if err != nil {
			f.log.Error("fetch signing keys page failed",
				"operator", operatorID,
				"height", height,
				"offset", offset,
				"limit", limit,
				"attempts", f.cfg.MaxRetries,
				"error", err,
			)
			return result
		}
		result.Keys = append(result.Keys, keys...)
	}

	result.Complete = true
	return result
}

// retry runs fn up to cfg.MaxRetries times, sleeping RetryDelay between attempts.
func retry[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", cfg.MaxRetries, lastErr)
}
