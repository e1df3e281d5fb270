package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/indexing/keys"
	"github.com/vietddude/keywatcher/internal/indexing/metrics"
	"github.com/vietddude/keywatcher/internal/infra/storage"
)

// Retrier restarts the key job of a version.
type Retrier func(ctx context.Context, v domain.Version) error

// Handler processes the failed key job queue.
type Handler struct {
	repo     storage.FailedJobRepository
	retry    Retrier
	strategy RetryStrategy
	log      *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new failed job handler.
func NewHandler(
	repo storage.FailedJobRepository,
	retry Retrier,
	strategy RetryStrategy,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		retry:    retry,
		strategy: strategy,
		log:      logger.With("component", "recovery"),
		now:      time.Now,
	}
}

// ProcessNext picks the next failed job and retries it if backoff allows.
// Jobs past the retry ceiling are dropped from the queue and stay failed.
func (h *Handler) ProcessNext(ctx context.Context) error {
	job, err := h.repo.GetNext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get next failed job: %w", err)
	}
	if job == nil {
		return nil
	}

	if !h.strategy.ShouldRetry(errors.New(job.Error), job.RetryCount) {
		metrics.JobsFailed.WithLabelValues("abandoned").Inc()
		h.log.Error("giving up on key job",
			"version", job.Version,
			"block", job.BlockNumber,
			"retries", job.RetryCount,
			"error", job.Error,
		)
		if err := h.repo.MarkResolved(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to drop job %s: %w", job.ID, err)
		}
		return nil
	}

	delay := h.strategy.GetDelay(job.RetryCount)
	lastAttempt := time.Unix(job.LastAttempt, 0)
	if h.now().Before(lastAttempt.Add(delay)) {
		return nil
	}

	err = h.retry(ctx, job.Version)
	if err == nil || errors.Is(err, keys.ErrUnknownVersion) {
		// A relaunched job that fails again queues a new entry.
		if err := h.repo.MarkResolved(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to resolve job %s: %w", job.ID, err)
		}
		if err != nil {
			h.log.Debug("dropping failed job of untracked version", "version", job.Version)
		}
		return nil
	}

	if err := h.repo.IncrementRetry(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return nil
}

// Run drains the queue every interval until ctx is done.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.ProcessNext(ctx); err != nil && ctx.Err() == nil {
				h.log.Warn("recovery pass failed", "error", err)
			}
		}
	}
}
