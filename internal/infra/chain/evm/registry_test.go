package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

const testRegistry = "0x595F64Ddc3856a3b5Ff4f4CC1d1fb4B46cFd2bAC"

func encodeOutput(t *testing.T, method string, values ...any) json.RawMessage {
	t.Helper()
	data, err := RegistryABI.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s output: %v", method, err)
	}
	out, _ := json.Marshal(hexutil.Encode(data))
	return out
}

func TestRegistry_Nonce(t *testing.T) {
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			if method != "eth_call" {
				t.Errorf("unexpected method %s", method)
			}
			msg := params[0].(map[string]string)
			if !strings.EqualFold(msg["to"], testRegistry) {
				t.Errorf("to = %s", msg["to"])
			}
			wantSelector := hexutil.Encode(RegistryABI.Methods["getNonce"].ID)
			if msg["data"] != wantSelector {
				t.Errorf("data = %s, want %s", msg["data"], wantSelector)
			}
			if params[1] != "0x32" {
				t.Errorf("block = %v, want 0x32", params[1])
			}
			return encodeOutput(t, "getNonce", big.NewInt(7)), nil
		},
	}

	reg, err := NewRegistry(mock, testRegistry)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v, err := reg.Nonce(context.Background(), 50)
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	if v != domain.Version(7) {
		t.Errorf("nonce = %d, want 7", v)
	}
}

func TestRegistry_SigningKeys(t *testing.T) {
	pubkeys := append(bytes.Repeat([]byte{0xaa}, PubkeyLength), bytes.Repeat([]byte{0xbb}, PubkeyLength)...)
	sigs := append(bytes.Repeat([]byte{0x01}, SignatureLength), bytes.Repeat([]byte{0x02}, SignatureLength)...)

	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			data, err := hexutil.Decode(params[0].(map[string]string)["data"])
			if err != nil {
				t.Fatalf("decode calldata: %v", err)
			}
			args, err := RegistryABI.Methods["getSigningKeys"].Inputs.Unpack(data[4:])
			if err != nil {
				t.Fatalf("unpack inputs: %v", err)
			}
			if args[0].(*big.Int).Uint64() != 3 || args[1].(*big.Int).Uint64() != 100 || args[2].(*big.Int).Uint64() != 2 {
				t.Errorf("unexpected args %v", args)
			}
			return encodeOutput(t, "getSigningKeys", pubkeys, sigs, []bool{true, false}), nil
		},
	}

	reg, _ := NewRegistry(mock, testRegistry)
	keys, err := reg.SigningKeys(context.Background(), 50, 3, 100, 2)
	if err != nil {
		t.Fatalf("SigningKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Pubkey != hexutil.Encode(pubkeys[:PubkeyLength]) || !keys[0].Used {
		t.Errorf("unexpected first key %+v", keys[0])
	}
	if keys[1].Signature != hexutil.Encode(sigs[SignatureLength:]) || keys[1].Used {
		t.Errorf("unexpected second key %+v", keys[1])
	}
}

func TestSplitSigningKeys_RejectsMisalignedInput(t *testing.T) {
	tests := []struct {
		name       string
		pubkeys    []byte
		signatures []byte
		used       []bool
	}{
		{"short pubkey", make([]byte, PubkeyLength-1), nil, nil},
		{"signature count", make([]byte, PubkeyLength), make([]byte, SignatureLength*2), []bool{false}},
		{"used count", make([]byte, PubkeyLength), make([]byte, SignatureLength), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := SplitSigningKeys(tt.pubkeys, tt.signatures, tt.used); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewRegistry_InvalidAddress(t *testing.T) {
	if _, err := NewRegistry(&MockCaller{}, "not-an-address"); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
