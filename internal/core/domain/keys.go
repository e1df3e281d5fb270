package domain

import "encoding/json"

// Version is the registry contract nonce. It marks a logical state generation
// which may span several consecutive blocks.
type Version uint64

// SigningKey is a single validator signing key registered for an operator.
type SigningKey struct {
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
	Used      bool   `json:"used"`
}

// OperatorKeys holds every key fetched for one node operator.
// Complete is false when at least one page could not be fetched.
type OperatorKeys struct {
	OperatorID uint64       `json:"operator_id"`
	Keys       []SigningKey `json:"keys"`
	Complete   bool         `json:"complete"`
}

// KeySet is the full operator/key data set as of a block height.
type KeySet []OperatorKeys

// TotalKeys counts keys across all operators.
func (s KeySet) TotalKeys() int {
	n := 0
	for _, op := range s {
		n += len(op.Keys)
	}
	return n
}

// KeyRecord is the persisted association version -> serialized key set.
type KeyRecord struct {
	Version     Version         `db:"version"`
	BlockNumber uint64          `db:"block_number"`
	Keys        json.RawMessage `db:"keys"`
}

// NewKeyRecord serializes a key set fetched at blockNumber for version v.
func NewKeyRecord(v Version, blockNumber uint64, set KeySet) (*KeyRecord, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	return &KeyRecord{Version: v, BlockNumber: blockNumber, Keys: data}, nil
}
