package domain

import "encoding/json"

// Block is an immutable snapshot of a chain block.
// Two blocks are the same block iff they share Number; Hash may change across a reorg.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	Raw        json.RawMessage // opaque payload as returned by the node
}

// BlockRecord is the persisted form of a block linked to the version it was observed under.
type BlockRecord struct {
	Number     uint64          `db:"block_number"`
	Hash       string          `db:"block_hash"`
	ParentHash string          `db:"parent_hash"`
	Version    Version         `db:"version"`
	Raw        json.RawMessage `db:"payload"`
}

// NewBlockRecord links a block to its resolved version.
func NewBlockRecord(b *Block, v Version) *BlockRecord {
	return &BlockRecord{
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Version:    v,
		Raw:        b.Raw,
	}
}
