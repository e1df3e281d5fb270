package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/chain"
	"github.com/vietddude/keywatcher/internal/infra/rpc"
)

// maxCatchUp bounds how many skipped heads a single poll backfills.
const maxCatchUp = 64

// Source implements chain.BlockSource over eth_getBlockByNumber.
// New heads are discovered by polling the latest tag.
type Source struct {
	client       rpc.Caller
	pollInterval time.Duration
	log          *slog.Logger
}

var _ chain.BlockSource = (*Source)(nil)

// NewSource creates a polling block source.
func NewSource(client rpc.Caller, pollInterval time.Duration, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &Source{
		client:       client,
		pollInterval: pollInterval,
		log:          logger.With("component", "block_source"),
	}
}

type rpcHeader struct {
	Number     *hexutil.Uint64 `json:"number"`
	Hash       common.Hash     `json:"hash"`
	ParentHash common.Hash     `json:"parentHash"`
	Timestamp  hexutil.Uint64  `json:"timestamp"`
}

func (s *Source) GetBlock(ctx context.Context, number uint64) (*domain.Block, error) {
	return s.getBlock(ctx, hexutil.EncodeUint64(number))
}

func (s *Source) GetBlockByTag(ctx context.Context, tag string) (*domain.Block, error) {
	return s.getBlock(ctx, tag)
}

func (s *Source) getBlock(ctx context.Context, ref string) (*domain.Block, error) {
	result, err := s.client.Call(ctx, "eth_getBlockByNumber", []any{ref, false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%s) failed: %w", ref, err)
	}
	return parseBlock(ref, result)
}

func parseBlock(ref string, raw json.RawMessage) (*domain.Block, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%s: %w", ref, chain.ErrBlockNotFound)
	}

	var h rpcHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("invalid block format for %s: %w", ref, err)
	}
	if h.Number == nil {
		return nil, fmt.Errorf("block %s has no number", ref)
	}

	return &domain.Block{
		Number:     uint64(*h.Number),
		Hash:       h.Hash.Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  uint64(h.Timestamp),
		Raw:        append(json.RawMessage(nil), raw...),
	}, nil
}

// Subscribe polls the latest tag every poll interval. Heads skipped between
// two polls are fetched and delivered in ascending order before the new head.
func (s *Source) Subscribe(ctx context.Context, onBlock func(context.Context, *domain.Block)) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		last = s.poll(ctx, last, onBlock)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll delivers everything above last and returns the new highest delivered number.
func (s *Source) poll(ctx context.Context, last uint64, onBlock func(context.Context, *domain.Block)) uint64 {
	head, err := s.GetBlockByTag(ctx, chain.TagLatest)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("poll latest block failed", "error", err)
		}
		return last
	}
	if head.Number <= last {
		return last
	}

	if last > 0 && head.Number-last > 1 {
		from := last + 1
		if head.Number-from > maxCatchUp {
			s.log.Warn("head moved too far between polls, skipping",
				"last", last, "head", head.Number, "skipped", head.Number-from-maxCatchUp)
			from = head.Number - maxCatchUp
		}
		for n := from; n < head.Number; n++ {
			b, err := s.GetBlock(ctx, n)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("fetch skipped head failed", "block", n, "error", err)
				}
				return last
			}
			onBlock(ctx, b)
			last = n
		}
	}

	onBlock(ctx, head)
	return head.Number
}
