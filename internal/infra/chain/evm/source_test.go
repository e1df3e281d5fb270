package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/chain"
)

// MockCaller implements rpc.Caller for testing
type MockCaller struct {
	CallFunc func(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

func (m *MockCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if m.CallFunc != nil {
		return m.CallFunc(ctx, method, params)
	}
	return json.RawMessage("null"), nil
}

func hashOf(n uint64) string {
	return common.BigToHash(new(big.Int).SetUint64(n + 1000)).Hex()
}

func blockJSON(n uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"number":"0x%x","hash":"%s","parentHash":"%s","timestamp":"0x65678900","miner":"0x0000000000000000000000000000000000000000"}`,
		n, hashOf(n), hashOf(n-1),
	))
}

func TestSource_GetBlock(t *testing.T) {
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			if method != "eth_getBlockByNumber" {
				t.Errorf("unexpected method %s", method)
			}
			if params[0] != "0x12d687" {
				t.Errorf("block param = %v, want 0x12d687", params[0])
			}
			if params[1] != false {
				t.Errorf("full tx flag = %v, want false", params[1])
			}
			return blockJSON(1234567), nil
		},
	}

	src := NewSource(mock, time.Second, nil)
	block, err := src.GetBlock(context.Background(), 1234567)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block.Number != 1234567 {
		t.Errorf("expected number 1234567, got %d", block.Number)
	}
	if block.Hash != hashOf(1234567) || block.ParentHash != hashOf(1234566) {
		t.Errorf("unexpected hashes %s / %s", block.Hash, block.ParentHash)
	}
	if block.Timestamp != 0x65678900 {
		t.Errorf("unexpected timestamp %d", block.Timestamp)
	}
	if len(block.Raw) == 0 {
		t.Error("expected raw payload to be kept")
	}
}

func TestSource_GetBlockByTagNotFound(t *testing.T) {
	mock := &MockCaller{}
	src := NewSource(mock, time.Second, nil)

	_, err := src.GetBlockByTag(context.Background(), chain.TagFinalized)
	if !errors.Is(err, chain.ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestSource_GetBlockRPCError(t *testing.T) {
	boom := errors.New("connection refused")
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			return nil, boom
		},
	}
	src := NewSource(mock, time.Second, nil)

	if _, err := src.GetBlock(context.Background(), 1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped rpc error, got %v", err)
	}
}

func TestSource_SubscribeDeliversSkippedHeads(t *testing.T) {
	heads := []uint64{10, 10, 13}
	polls := 0
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			if params[0] == chain.TagLatest {
				h := heads[len(heads)-1]
				if polls < len(heads) {
					h = heads[polls]
				}
				polls++
				return blockJSON(h), nil
			}
			var n uint64
			fmt.Sscanf(params[0].(string), "0x%x", &n)
			return blockJSON(n), nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []uint64
	src := NewSource(mock, time.Millisecond, nil)
	err := src.Subscribe(ctx, func(ctx context.Context, b *domain.Block) {
		got = append(got, b.Number)
		if b.Number == 13 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	want := []uint64{10, 11, 12, 13}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
}
