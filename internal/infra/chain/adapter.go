package chain

import (
	"context"
	"errors"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

// Block tags understood by BlockSource.GetBlockByTag.
const (
	TagLatest    = "latest"
	TagFinalized = "finalized"
)

// ErrBlockNotFound is returned when the node has no block for the requested number or tag.
var ErrBlockNotFound = errors.New("block not found")

// BlockSource is the chain-level boundary the block window reads from.
type BlockSource interface {
	// GetBlock fetches a block by number
	GetBlock(ctx context.Context, number uint64) (*domain.Block, error)

	// GetBlockByTag fetches the block currently labeled by tag ("latest", "finalized")
	GetBlockByTag(ctx context.Context, tag string) (*domain.Block, error)

	// Subscribe delivers new heads to onBlock in ascending order until ctx is done.
	// onBlock is invoked from a single goroutine.
	Subscribe(ctx context.Context, onBlock func(context.Context, *domain.Block)) error
}

// Registry reads the node operator registry contract at a given block height.
type Registry interface {
	// Nonce returns the registry's key-set version counter
	Nonce(ctx context.Context, height uint64) (domain.Version, error)

	// OperatorsCount returns the number of node operators
	OperatorsCount(ctx context.Context, height uint64) (uint64, error)

	// TotalSigningKeyCount returns how many signing keys an operator has
	TotalSigningKeyCount(ctx context.Context, height, operatorID uint64) (uint64, error)

	// SigningKeys returns up to limit keys of an operator starting at offset
	SigningKeys(ctx context.Context, height, operatorID, offset, limit uint64) ([]domain.SigningKey, error)

	// Address returns the contract address as a hex string
	Address() string
}
