package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/chain"
	"github.com/vietddude/keywatcher/internal/infra/rpc"
)

const (
	PubkeyLength    = 48
	SignatureLength = 96
)

// registryABI covers the read-only subset of the node operators registry.
const registryABI = `[
	{"name":"getNonce","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"getNodeOperatorsCount","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"getTotalSigningKeyCount","type":"function","stateMutability":"view",
	 "inputs":[{"name":"_nodeOperatorId","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"getSigningKeys","type":"function","stateMutability":"view",
	 "inputs":[{"name":"_nodeOperatorId","type":"uint256"},{"name":"_offset","type":"uint256"},{"name":"_limit","type":"uint256"}],
	 "outputs":[{"name":"pubkeys","type":"bytes"},{"name":"signatures","type":"bytes"},{"name":"used","type":"bool[]"}]}
]`

// RegistryABI is the parsed contract interface, shared with tests.
var RegistryABI = mustParseABI(registryABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse registry abi: %v", err))
	}
	return parsed
}

// Registry implements chain.Registry with eth_call at a pinned block height.
type Registry struct {
	client  rpc.Caller
	address common.Address
}

var _ chain.Registry = (*Registry)(nil)

func NewRegistry(client rpc.Caller, address string) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid registry address %q", address)
	}
	return &Registry{client: client, address: common.HexToAddress(address)}, nil
}

func (r *Registry) Address() string {
	return r.address.Hex()
}

func (r *Registry) Nonce(ctx context.Context, height uint64) (domain.Version, error) {
	n, err := r.callUint(ctx, height, "getNonce")
	return domain.Version(n), err
}

func (r *Registry) OperatorsCount(ctx context.Context, height uint64) (uint64, error) {
	return r.callUint(ctx, height, "getNodeOperatorsCount")
}

func (r *Registry) TotalSigningKeyCount(ctx context.Context, height, operatorID uint64) (uint64, error) {
	return r.callUint(ctx, height, "getTotalSigningKeyCount", new(big.Int).SetUint64(operatorID))
}

func (r *Registry) SigningKeys(
	ctx context.Context,
	height, operatorID, offset, limit uint64,
) ([]domain.SigningKey, error) {
	out, err := r.call(ctx, height, "getSigningKeys",
		new(big.Int).SetUint64(operatorID),
		new(big.Int).SetUint64(offset),
		new(big.Int).SetUint64(limit),
	)
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("getSigningKeys: unexpected output arity %d", len(out))
	}
	pubkeys, ok1 := out[0].([]byte)
	signatures, ok2 := out[1].([]byte)
	used, ok3 := out[2].([]bool)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("getSigningKeys: unexpected output types")
	}
	return SplitSigningKeys(pubkeys, signatures, used)
}

// SplitSigningKeys cuts the packed pubkey and signature blobs into individual keys.
func SplitSigningKeys(pubkeys, signatures []byte, used []bool) ([]domain.SigningKey, error) {
	if len(pubkeys)%PubkeyLength != 0 {
		return nil, fmt.Errorf("pubkeys length %d not a multiple of %d", len(pubkeys), PubkeyLength)
	}
	count := len(pubkeys) / PubkeyLength
	if len(signatures) != count*SignatureLength {
		return nil, fmt.Errorf("signatures length %d does not match %d keys", len(signatures), count)
	}
	if len(used) != count {
		return nil, fmt.Errorf("used flags %d do not match %d keys", len(used), count)
	}

	keys := make([]domain.SigningKey, count)
	for i := range keys {
		keys[i] = domain.SigningKey{
			Pubkey:    hexutil.Encode(pubkeys[i*PubkeyLength : (i+1)*PubkeyLength]),
			Signature: hexutil.Encode(signatures[i*SignatureLength : (i+1)*SignatureLength]),
			Used:      used[i],
		}
	}
	return keys, nil
}

func (r *Registry) callUint(ctx context.Context, height uint64, method string, args ...any) (uint64, error) {
	out, err := r.call(ctx, height, method, args...)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%s: unexpected output arity %d", method, len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("%s: value %s overflows uint64", method, n)
	}
	return n.Uint64(), nil
}

func (r *Registry) call(ctx context.Context, height uint64, method string, args ...any) ([]any, error) {
	data, err := RegistryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := map[string]string{
		"to":   r.address.Hex(),
		"data": hexutil.Encode(data),
	}
	result, err := r.client.Call(ctx, "eth_call", []any{msg, hexutil.EncodeUint64(height)})
	if err != nil {
		return nil, fmt.Errorf("eth_call %s at %d: %w", method, height, err)
	}

	var ret hexutil.Bytes
	if err := json.Unmarshal(result, &ret); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	out, err := RegistryABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}
