package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// SizeCache persists a probed batch size per contract.
type SizeCache interface {
	GetBatchSize(ctx context.Context, contract string) (uint64, bool, error)
	SetBatchSize(ctx context.Context, contract string, size uint64) error
}

// Prober finds the largest getSigningKeys page the node will serve.
type Prober struct {
	registry KeyReader
	contract string
	cache    SizeCache
	low      uint64
	high     uint64
	log      *slog.Logger

	mu     sync.Mutex
	cached uint64
}

// NewProber searches [low, high]. cache may be nil.
func NewProber(registry KeyReader, contract string, cache SizeCache, low, high uint64, logger *slog.Logger) *Prober {
	if low == 0 {
		low = 1
	}
	if high < low {
		high = low
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		registry: registry,
		contract: contract,
		cache:    cache,
		low:      low,
		high:     high,
		log:      logger.With("component", "batch_prober"),
	}
}

// MaxBatchSize returns the cached size or runs the search at height.
func (p *Prober) MaxBatchSize(ctx context.Context, height uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached > 0 {
		return p.cached, nil
	}

	if p.cache != nil {
		size, ok, err := p.cache.GetBatchSize(ctx, p.contract)
		if err != nil {
			p.log.Warn("read cached batch size failed", "error", err)
		} else if ok && size > 0 {
			p.cached = size
			return size, nil
		}
	}

	size, err := p.search(ctx, height)
	if err != nil {
		return 0, err
	}
	p.cached = size

	if p.cache != nil {
		if err := p.cache.SetBatchSize(ctx, p.contract, size); err != nil {
			p.log.Warn("cache batch size failed", "error", err)
		}
	}
	p.log.Info("found max batch size", "size", size)
	return size, nil
}

// search binary-searches each operator in turn. The lower bound carries over
// between operators since only a larger passing size can improve the result.
// It stops at the first operator whose key count the best size does not cover.
func (p *Prober) search(ctx context.Context, height uint64) (uint64, error) {
	count, err := p.registry.OperatorsCount(ctx, height)
	if err != nil {
		return 0, fmt.Errorf("read operators count: %w", err)
	}
	if count > MaxOperators {
		return 0, fmt.Errorf("operators count %d: %w", count, ErrCountTooLarge)
	}

	var result uint64
	low := p.low
	for id := uint64(0); id < count; id++ {
		total, err := p.registry.TotalSigningKeyCount(ctx, height, id)
		if err != nil {
			return 0, fmt.Errorf("read total signing key count for %d: %w", id, err)
		}

		high := p.high
		for low <= high {
			mid := low + (high-low)/2
			if p.probe(ctx, height, id, mid) {
				low = mid + 1
			} else {
				high = mid - 1
			}
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		result = max(result, high)
		if result < total {
			break
		}
	}

	if result == 0 {
		return 0, errors.New("no batch size in range passed the probe")
	}
	return result, nil
}

func (p *Prober) probe(ctx context.Context, height, operatorID, limit uint64) bool {
	_, err := p.registry.SigningKeys(ctx, height, operatorID, 0, limit)
	return err == nil
}
