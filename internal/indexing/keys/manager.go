// Package keys schedules signing-key extraction per registry version.
//
// Each version gets at most one live job, identified by a token minted when
// the job starts. Fetch results and block writes commit only while their token
// is still current, so work superseded by a reorg or by pruning is dropped
// instead of persisted. Block records are written only after the key set of
// their version has been stored.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/core/lock"
	"github.com/vietddude/keywatcher/internal/indexing/metrics"
	"github.com/vietddude/keywatcher/internal/indexing/version"
	"github.com/vietddude/keywatcher/internal/indexing/window"
	"github.com/vietddude/keywatcher/internal/infra/storage"
)

// ErrUnknownVersion is returned by Retry when no job or block references the version.
var ErrUnknownVersion = errors.New("version is not tracked")

// Resolver maps block numbers to versions.
type Resolver interface {
	ResolveVersions(ctx context.Context, numbers []uint64) ([]version.Resolved, error)
}

// Fetcher reads the full key set at a block height.
type Fetcher interface {
	FetchKeySet(ctx context.Context, height, pageSize uint64) (domain.KeySet, error)
}

type Config struct {
	PageSize      uint64
	AwaitInterval time.Duration
}

type indexEntry struct {
	hash    string
	version domain.Version
	block   *domain.Block
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending       int            `json:"pending"`
	Loaded        int            `json:"loaded"`
	Failed        int            `json:"failed"`
	TrackedBlocks int            `json:"tracked_blocks"`
	LatestVersion domain.Version `json:"latest_version"`
}

// Manager is the version-scoped work scheduler. It implements window.ChangeSink.
type Manager struct {
	cfg      Config
	resolver Resolver
	fetcher  Fetcher
	blocks   storage.BlockRecordRepository
	keys     storage.KeyRecordRepository
	failed   storage.FailedJobRepository
	log      *slog.Logger

	pageSize atomic.Uint64

	mu    lock.Mutex
	jobs  map[domain.Version]*domain.Job
	index map[uint64]indexEntry

	wg sync.WaitGroup
}

var _ window.ChangeSink = (*Manager)(nil)

func New(
	cfg Config,
	resolver Resolver,
	fetcher Fetcher,
	blocks storage.BlockRecordRepository,
	keys storage.KeyRecordRepository,
	failed storage.FailedJobRepository,
	logger *slog.Logger,
) *Manager {
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	if cfg.AwaitInterval <= 0 {
		cfg.AwaitInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		resolver: resolver,
		fetcher:  fetcher,
		blocks:   blocks,
		keys:     keys,
		failed:   failed,
		log:      logger.With("component", "keys_manager"),
		jobs:     make(map[domain.Version]*domain.Job),
		index:    make(map[uint64]indexEntry),
	}
	m.pageSize.Store(cfg.PageSize)
	return m
}

// SetPageSize changes the page size used by fetches started afterwards.
func (m *Manager) SetPageSize(size uint64) {
	if size > 0 {
		m.pageSize.Store(size)
	}
}

// HandleChange processes changed blocks, invalidating stale versions first when isReorg is set.
func (m *Manager) HandleChange(ctx context.Context, blocks []*domain.Block, isReorg bool) {
	m.OnChange(ctx, window.Change{Blocks: blocks, IsReorg: isReorg})
}

// OnChange schedules key jobs and block writes for the changed blocks.
func (m *Manager) OnChange(ctx context.Context, change window.Change) {
	blocks := make([]*domain.Block, 0, len(change.Blocks))
	for _, b := range change.Blocks {
		if b != nil {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) == 0 {
		return
	}

	if change.IsReorg {
		if err := m.invalidate(ctx, blocks); err != nil {
			m.log.Error("reorg invalidation failed", "error", err)
		}
	}

	if err := m.schedule(ctx, blocks); err != nil {
		m.log.Error("schedule blocks failed",
			"from", blocks[0].Number,
			"to", blocks[len(blocks)-1].Number,
			"error", err,
		)
	}
}

// invalidate drops every version above the last version known before the
// reorg, along with tracked and persisted blocks at or above the lowest
// reorged number. The reorg change carries every retained block from there,
// so schedule tracks them again.
func (m *Manager) invalidate(ctx context.Context, blocks []*domain.Block) error {
	numbers := blockNumbers(blocks)
	lowest := slices.Min(numbers)

	resolved, resolveErr := m.resolver.ResolveVersions(ctx, numbers)
	if resolveErr != nil {
		m.log.Warn("resolve reorged versions failed, invalidating tracked versions only", "error", resolveErr)
	}

	if err := m.mu.Lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	knownGood, haveKnownGood := m.knownGoodVersion(lowest)

	// Writers still holding a replaced block find no index entry and skip it.
	for n := range m.index {
		if n >= lowest {
			delete(m.index, n)
		}
	}

	stale := make(map[domain.Version]struct{})
	for _, r := range resolved {
		if !haveKnownGood || r.Version > knownGood {
			stale[r.Version] = struct{}{}
		}
	}
	for v := range m.jobs {
		if !haveKnownGood || v > knownGood {
			stale[v] = struct{}{}
		}
	}

	versions := make([]domain.Version, 0, len(stale))
	for v := range stale {
		if job, ok := m.jobs[v]; ok {
			job.Status = domain.JobStatusCanceled
			delete(m.jobs, v)
		}
		versions = append(versions, v)
	}
	slices.Sort(versions)
	m.updateJobGauge()

	m.log.Info("invalidating reorged state",
		"lowest_block", lowest,
		"known_good", knownGood,
		"has_known_good", haveKnownGood,
		"stale_versions", versions,
	)

	if len(versions) > 0 {
		if _, err := m.keys.DeleteVersions(ctx, versions); err != nil {
			metrics.PersistErrors.WithLabelValues("key_records").Inc()
			m.log.Error("delete stale key records failed", "versions", versions, "error", err)
		}
	}
	if _, err := m.blocks.DeleteFrom(ctx, lowest); err != nil {
		metrics.PersistErrors.WithLabelValues("block_records").Inc()
		m.log.Error("delete reorged block records failed", "from", lowest, "error", err)
	}

	if resolveErr != nil {
		return fmt.Errorf("resolve reorged versions: %w", resolveErr)
	}
	return nil
}

// knownGoodVersion returns the version of the closest tracked block below number. Caller holds mu.
func (m *Manager) knownGoodVersion(number uint64) (domain.Version, bool) {
	if number > 0 {
		if e, ok := m.index[number-1]; ok {
			return e.version, true
		}
	}
	var (
		best  uint64
		v     domain.Version
		found bool
	)
	for n, e := range m.index {
		if n < number && (!found || n > best) {
			best, v, found = n, e.version, true
		}
	}
	return v, found
}

func (m *Manager) schedule(ctx context.Context, blocks []*domain.Block) error {
	if err := m.mu.Lock(ctx); err != nil {
		return err
	}
	fresh := make([]*domain.Block, 0, len(blocks))
	for _, b := range blocks {
		if e, ok := m.index[b.Number]; ok && e.hash == b.Hash {
			continue
		}
		fresh = append(fresh, b)
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	resolved, err := m.resolver.ResolveVersions(ctx, blockNumbers(fresh))
	if err != nil {
		return fmt.Errorf("resolve versions: %w", err)
	}

	lowest := make(map[domain.Version]uint64)
	for _, r := range resolved {
		if n, ok := lowest[r.Version]; !ok || r.Number < n {
			lowest[r.Version] = r.Number
		}
	}

	if err := m.mu.Lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	for v, height := range lowest {
		if _, ok := m.jobs[v]; ok {
			continue
		}
		job := &domain.Job{Version: v, Token: uuid.NewString(), Status: domain.JobStatusPending}
		m.jobs[v] = job
		m.startFetch(ctx, v, height, job.Token)
	}

	for i, r := range resolved {
		b := fresh[i]
		job := m.jobs[r.Version]
		m.index[b.Number] = indexEntry{hash: b.Hash, version: r.Version, block: b}
		m.startAwait(ctx, b, r.Version, job.Token)
	}
	m.updateJobGauge()
	return nil
}

// startFetch launches the key fetch for a job. Caller holds mu.
func (m *Manager) startFetch(ctx context.Context, v domain.Version, height uint64, token string) {
	metrics.JobsStarted.Inc()
	m.log.Debug("starting key job", "version", v, "block", height, "token", token)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.fetch(ctx, v, height, token)
	}()
}

// startAwait launches the block writer for b. Caller holds mu.
func (m *Manager) startAwait(ctx context.Context, b *domain.Block, v domain.Version, token string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.awaitPersist(ctx, b, v, token)
	}()
}

func (m *Manager) fetch(ctx context.Context, v domain.Version, height uint64, token string) {
	start := time.Now()
	set, err := m.fetcher.FetchKeySet(ctx, height, m.pageSize.Load())
	metrics.JobFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(ctx, v, height, token, "fetch", err)
		return
	}

	if err := m.mu.Lock(ctx); err != nil {
		return
	}
	job, ok := m.jobs[v]
	if !ok || job.Token != token {
		m.mu.Unlock()
		metrics.JobsDiscarded.Inc()
		m.log.Debug("discarding superseded key set", "version", v, "token", token)
		return
	}

	record, err := domain.NewKeyRecord(v, height, set)
	if err == nil {
		err = m.keys.Upsert(ctx, record)
	}
	if err != nil {
		m.mu.Unlock()
		metrics.PersistErrors.WithLabelValues("key_records").Inc()
		m.fail(ctx, v, height, token, "persist", err)
		return
	}

	job.Status = domain.JobStatusLoaded
	m.updateJobGauge()
	m.mu.Unlock()

	metrics.RecordsPersisted.WithLabelValues("key_records").Inc()
	m.log.Info("stored key set",
		"version", v,
		"block", height,
		"operators", len(set),
		"keys", set.TotalKeys(),
	)
}

// fail marks the job failed if token is still current and queues it for recovery.
func (m *Manager) fail(ctx context.Context, v domain.Version, height uint64, token, reason string, cause error) {
	if err := m.mu.Lock(ctx); err != nil {
		return
	}
	job, ok := m.jobs[v]
	if !ok || job.Token != token {
		m.mu.Unlock()
		metrics.JobsDiscarded.Inc()
		return
	}
	job.Status = domain.JobStatusFailed
	attempts := job.Attempts
	m.updateJobGauge()
	m.mu.Unlock()

	metrics.JobsFailed.WithLabelValues(reason).Inc()
	m.log.Error("key job failed",
		"version", v,
		"block", height,
		"reason", reason,
		"attempts", attempts,
		"error", cause,
	)

	if m.failed == nil {
		return
	}
	now := time.Now().Unix()
	if err := m.failed.Add(ctx, &domain.FailedJob{
		ID:          uuid.NewString(),
		Version:     v,
		BlockNumber: height,
		Error:       cause.Error(),
		RetryCount:  attempts,
		LastAttempt: now,
		CreatedAt:   now,
	}); err != nil {
		m.log.Error("queue failed key job", "version", v, "error", err)
	}
}

// awaitPersist polls until the job for v settles, writing b only if the job
// loaded under the same token and b is still the tracked block at its height.
func (m *Manager) awaitPersist(ctx context.Context, b *domain.Block, v domain.Version, token string) {
	ticker := time.NewTicker(m.cfg.AwaitInterval)
	defer ticker.Stop()

	for {
		done, err := m.tryPersist(ctx, b, v, token)
		if err != nil {
			metrics.PersistErrors.WithLabelValues("block_records").Inc()
			m.log.Error("store block record failed", "block", b.Number, "version", v, "error", err)
			return
		}
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tryPersist reports done once the block was written or can never be.
func (m *Manager) tryPersist(ctx context.Context, b *domain.Block, v domain.Version, token string) (bool, error) {
	if err := m.mu.Lock(ctx); err != nil {
		return true, nil
	}
	defer m.mu.Unlock()

	job, ok := m.jobs[v]
	if !ok || job.Token != token {
		m.log.Debug("skipping block of superseded job", "block", b.Number, "version", v)
		return true, nil
	}
	switch job.Status {
	case domain.JobStatusPending:
		return false, nil
	case domain.JobStatusLoaded:
	default:
		m.log.Debug("skipping block of unloaded job", "block", b.Number, "version", v, "status", job.Status)
		return true, nil
	}

	if e, ok := m.index[b.Number]; !ok || e.hash != b.Hash {
		m.log.Debug("skipping replaced block", "block", b.Number, "hash", b.Hash)
		return true, nil
	}

	if err := m.blocks.Upsert(ctx, domain.NewBlockRecord(b, v)); err != nil {
		return true, err
	}
	metrics.RecordsPersisted.WithLabelValues("block_records").Inc()
	m.log.Debug("stored block", "block", b.Number, "version", v)
	return true, nil
}

// OnRemoval forgets blocks below the prune cutoff and every version no
// retained block refers to.
func (m *Manager) OnRemoval(ctx context.Context, removal window.Removal) {
	if err := m.mu.Lock(ctx); err != nil {
		return
	}
	defer m.mu.Unlock()

	for n := range m.index {
		if n < removal.Boundary {
			delete(m.index, n)
		}
	}

	referenced := make(map[domain.Version]struct{}, len(m.jobs))
	for _, e := range m.index {
		referenced[e.version] = struct{}{}
	}
	var unreferenced []domain.Version
	for v, job := range m.jobs {
		if _, ok := referenced[v]; !ok {
			job.Status = domain.JobStatusCanceled
			delete(m.jobs, v)
			unreferenced = append(unreferenced, v)
		}
	}
	slices.Sort(unreferenced)
	m.updateJobGauge()

	if _, err := m.blocks.DeleteBelow(ctx, removal.Boundary); err != nil {
		metrics.PersistErrors.WithLabelValues("block_records").Inc()
		m.log.Error("delete finalized block records failed", "boundary", removal.Boundary, "error", err)
	}
	if len(unreferenced) > 0 {
		if _, err := m.keys.DeleteVersions(ctx, unreferenced); err != nil {
			metrics.PersistErrors.WithLabelValues("key_records").Inc()
			m.log.Error("delete unreferenced key records failed", "versions", unreferenced, "error", err)
		}
		m.log.Debug("dropped unreferenced versions", "versions", unreferenced, "boundary", removal.Boundary)
	}
}

// Retry restarts a failed job under a fresh token, relaunching the fetch and
// a writer for every tracked block of the version. Jobs that are not failed
// are left alone.
func (m *Manager) Retry(ctx context.Context, v domain.Version) error {
	if err := m.mu.Lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	job, ok := m.jobs[v]
	if !ok {
		return fmt.Errorf("retry version %d: %w", v, ErrUnknownVersion)
	}
	if job.Status != domain.JobStatusFailed {
		return nil
	}

	var blocks []*domain.Block
	for _, e := range m.index {
		if e.version == v {
			blocks = append(blocks, e.block)
		}
	}
	if len(blocks) == 0 {
		delete(m.jobs, v)
		m.updateJobGauge()
		return fmt.Errorf("retry version %d: %w", v, ErrUnknownVersion)
	}
	slices.SortFunc(blocks, func(a, b *domain.Block) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return 0
	})

	job.Token = uuid.NewString()
	job.Status = domain.JobStatusPending
	job.Attempts++
	m.log.Info("retrying key job", "version", v, "attempt", job.Attempts, "block", blocks[0].Number)

	m.startFetch(ctx, v, blocks[0].Number, job.Token)
	for _, b := range blocks {
		m.startAwait(ctx, b, v, job.Token)
	}
	m.updateJobGauge()
	return nil
}

// Job returns a copy of the job tracked for v.
func (m *Manager) Job(ctx context.Context, v domain.Version) (domain.Job, bool) {
	if err := m.mu.Lock(ctx); err != nil {
		return domain.Job{}, false
	}
	defer m.mu.Unlock()

	job, ok := m.jobs[v]
	if !ok {
		return domain.Job{}, false
	}
	return *job, true
}

// Stats returns job and index counts.
func (m *Manager) Stats(ctx context.Context) Stats {
	if err := m.mu.Lock(ctx); err != nil {
		return Stats{}
	}
	defer m.mu.Unlock()

	s := Stats{TrackedBlocks: len(m.index)}
	for v, job := range m.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			s.Pending++
		case domain.JobStatusLoaded:
			s.Loaded++
		case domain.JobStatusFailed:
			s.Failed++
		}
		if v > s.LatestVersion {
			s.LatestVersion = v
		}
	}
	return s
}

// Wait blocks until every fetch and writer goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// updateJobGauge publishes job counts by status. Caller holds mu.
func (m *Manager) updateJobGauge() {
	counts := map[domain.JobStatus]int{
		domain.JobStatusPending: 0,
		domain.JobStatusLoaded:  0,
		domain.JobStatusFailed:  0,
	}
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	for status, n := range counts {
		metrics.Jobs.WithLabelValues(string(status)).Set(float64(n))
	}
}

func blockNumbers(blocks []*domain.Block) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Number
	}
	return out
}
