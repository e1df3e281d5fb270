// Package rpc provides a resilient JSON-RPC client with retry and failover.
//
//	router := routing.NewRouter(
//	    provider.NewHTTPProvider("primary", primaryURL, 30*time.Second),
//	    provider.NewHTTPProvider("backup", backupURL, 30*time.Second),
//	)
//	client := rpc.NewClient(router, routing.DefaultRetryConfig, slog.Default())
//	result, err := client.Call(ctx, "eth_blockNumber", nil)
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
	"github.com/vietddude/keywatcher/internal/infra/rpc/routing"
)

// Caller is the minimal surface chain adapters depend on.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Client is the high-level interface for making RPC calls.
// This is what application layers should use.
type Client struct {
	router *routing.Router
	retry  routing.RetryConfig
	log    *slog.Logger
}

// NewClient creates a new RPC client.
func NewClient(router *routing.Router, retry routing.RetryConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxAttempts <= 0 {
		retry = routing.DefaultRetryConfig
	}
	return &Client{
		router: router,
		retry:  retry,
		log:    logger.With("component", "rpc"),
	}
}

// Call makes an RPC call with automatic failover and retry.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	result, err := routing.CallWithRetryAndFailover(ctx, c.router, method, params, c.retry)
	if err != nil {
		c.log.Debug("rpc call failed", "method", method, "error", err)
		return nil, err
	}
	return result, nil
}

// BatchCall sends requests as one batch, failing over to the next provider
// when the whole batch cannot be delivered. Per-request errors are returned
// inside the responses and do not trigger failover.
func (c *Client) BatchCall(ctx context.Context, requests []provider.BatchRequest) ([]provider.BatchResponse, error) {
	providers := c.router.Providers()
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	var lastErr error
	for _, p := range providers {
		start := time.Now()
		responses, err := p.BatchCall(ctx, requests)
		if err == nil {
			c.router.RecordSuccess(p.GetName(), time.Since(start))
			return responses, nil
		}
		lastErr = err
		c.router.RecordFailure(p.GetName(), err)
		if routing.ClassifyError(err) == routing.ActionFatal {
			return nil, fmt.Errorf("fatal error from provider %s: %w", p.GetName(), err)
		}
		c.log.Warn("batch call failed, trying next provider", "provider", p.GetName(), "error", err)
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// ProviderStats returns health for every configured provider keyed by name.
func (c *Client) ProviderStats() map[string]provider.HealthStatus {
	stats := make(map[string]provider.HealthStatus)
	for _, p := range c.router.Providers() {
		h := p.GetHealth()
		if c.router.CircuitOpen(p.GetName()) {
			h.Available = false
		}
		stats[p.GetName()] = h
	}
	return stats
}

// Close releases every provider.
func (c *Client) Close() error {
	var firstErr error
	for _, p := range c.router.Providers() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
