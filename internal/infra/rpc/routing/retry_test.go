package routing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
)

type fakeProvider struct {
	name  string
	calls int
	errs  []error
}

func (f *fakeProvider) GetName() string { return f.name }
func (f *fakeProvider) GetHealth() provider.HealthStatus { return provider.HealthStatus{Available: true} }
func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`"` + f.name + `"`), nil
}

func (f *fakeProvider) BatchCall(ctx context.Context, requests []provider.BatchRequest) ([]provider.BatchResponse, error) {
	return nil, errors.New("not implemented")
}

var fastRetry = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    time.Millisecond,
	MaxDelay:        5 * time.Millisecond,
	BackoffMultiple: 2.0,
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errors.New("429 Too Many Requests"), ActionFailover},
		{errors.New("project rate limit exceeded"), ActionFailover},
		{errors.New("quota exceeded"), ActionFailover},
		{errors.New("daily request count exceeded"), ActionFailover},
		{errors.New("403 Forbidden"), ActionFailover},
		{errors.New("Invalid JSON-RPC request -32600"), ActionFatal},
		{errors.New("Method not found -32601"), ActionFatal},
		{errors.New("Parse error -32700"), ActionFatal},
		{&provider.Error{Code: 3, Message: "execution reverted"}, ActionFatal},
		{context.Canceled, ActionFatal},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("timeout"), ActionRetry},
		{errors.New("500 Internal Server Error"), ActionRetry},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestCallWithRetry_RecoversFromTransientError(t *testing.T) {
	p := &fakeProvider{name: "a", errs: []error{errors.New("connection reset"), nil}}

	got, err := CallWithRetry(context.Background(), p, "eth_blockNumber", nil, fastRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `"a"` {
		t.Errorf("result = %s, want \"a\"", got)
	}
	if p.calls != 2 {
		t.Errorf("calls = %d, want 2", p.calls)
	}
}

func TestCallWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("connection reset")
	p := &fakeProvider{name: "a", errs: []error{boom, boom, boom, boom}}

	_, err := CallWithRetry(context.Background(), p, "eth_blockNumber", nil, fastRetry)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped %v, got %v", boom, err)
	}
	if p.calls != fastRetry.MaxAttempts {
		t.Errorf("calls = %d, want %d", p.calls, fastRetry.MaxAttempts)
	}
}

func TestCallWithRetry_FatalStopsImmediately(t *testing.T) {
	p := &fakeProvider{name: "a", errs: []error{errors.New("Method not found -32601")}}

	if _, err := CallWithRetry(context.Background(), p, "bogus", nil, fastRetry); err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestCallWithRetryAndFailover(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{errors.New("429 Too Many Requests")}}
	backup := &fakeProvider{name: "backup"}
	router := NewRouter(primary, backup)

	got, err := CallWithRetryAndFailover(context.Background(), router, "eth_blockNumber", nil, fastRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `"backup"` {
		t.Errorf("result = %s, want \"backup\"", got)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
}

func TestCallWithRetryAndFailover_FatalDoesNotFailover(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{errors.New("Invalid params -32602")}}
	backup := &fakeProvider{name: "backup"}
	router := NewRouter(primary, backup)

	if _, err := CallWithRetryAndFailover(context.Background(), router, "eth_call", nil, fastRetry); err == nil {
		t.Fatal("expected error")
	}
	if backup.calls != 0 {
		t.Errorf("backup calls = %d, want 0", backup.calls)
	}
}

func TestRouter_CircuitBreakerDeprioritizes(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	router := NewRouter(a, b)

	for i := 0; i < circuitThreshold; i++ {
		router.RecordFailure("a", errors.New("boom"))
	}
	if !router.CircuitOpen("a") {
		t.Fatal("expected circuit for a to be open")
	}
	if got := router.Providers(); got[0].GetName() != "b" || got[1].GetName() != "a" {
		t.Errorf("order = [%s %s], want [b a]", got[0].GetName(), got[1].GetName())
	}

	router.RecordSuccess("a", time.Millisecond)
	if router.CircuitOpen("a") {
		t.Error("expected circuit for a to close after success")
	}
	if got := router.Providers(); got[0].GetName() != "a" {
		t.Errorf("first provider = %s, want a", got[0].GetName())
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiple: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := calculateBackoff(attempt, cfg); got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}
}
