// Package window maintains a reconciled rolling window of recent blocks.
//
// The window follows the chain head, repairs reorganizations by re-fetching
// blocks until it reaches a common ancestor, and drops blocks that fall more
// than KeepDepth below the finalized boundary. Every change is reported to a
// ChangeSink in the order it was applied.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/indexing/metrics"
	"github.com/vietddude/keywatcher/internal/infra/chain"
)

// DefaultKeepDepth is how many blocks below the finalized boundary are retained.
const DefaultKeepDepth = 11

// ErrReorgTooDeep is returned when a repair walks past the oldest retained
// block without finding a common ancestor.
var ErrReorgTooDeep = errors.New("reorg deeper than retained window")

// Change reports blocks that were added or replaced. A reorg change carries
// every retained block from the lowest replaced number up to below the tip.
type Change struct {
	Blocks  []*domain.Block
	IsReorg bool
}

// Removal reports blocks pruned below the finalized boundary.
// Boundary is the prune cutoff: every tracked number below it is gone.
type Removal struct {
	Numbers  []uint64
	Boundary uint64
}

// ChangeSink receives window changes. Calls are made from the window's goroutine.
type ChangeSink interface {
	OnChange(ctx context.Context, change Change)
	OnRemoval(ctx context.Context, removal Removal)
}

type Config struct {
	KeepDepth uint64
}

// State is a point-in-time view of the window for health reporting.
type State struct {
	Phase           Phase       `json:"phase"`
	Size            int         `json:"size"`
	Oldest          uint64      `json:"oldest"`
	Tip             uint64      `json:"tip"`
	TipHash         string      `json:"tip_hash"`
	Finalized       uint64      `json:"finalized"`
	ReorgInProgress bool        `json:"reorg_in_progress"`
	ReorgsRepaired  uint64      `json:"reorgs_repaired"`
	LastTransition  *Transition `json:"last_transition,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Window holds blocks in strictly ascending order without duplicates.
// Mutation happens only on the goroutine running Run; readers use the accessors.
type Window struct {
	source chain.BlockSource
	cfg    Config
	log    *slog.Logger

	mu              sync.RWMutex
	blocks          []*domain.Block
	finalized       uint64
	phase           Phase
	reorgInProgress bool
	reorgs          uint64
	lastTransition  *Transition
	lastErr         error
	updatedAt       time.Time

	// pendingFrom is the highest number an aborted repair could not verify.
	// The next repair keeps walking past matches until it is below it.
	pendingFrom uint64
}

func New(source chain.BlockSource, cfg Config, logger *slog.Logger) *Window {
	if cfg.KeepDepth == 0 {
		cfg.KeepDepth = DefaultKeepDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		source: source,
		cfg:    cfg,
		log:    logger.With("component", "block_window"),
		phase:  PhaseColdStart,
	}
}

// Run performs the cold start and then follows new heads until ctx is done.
func (w *Window) Run(ctx context.Context, sink ChangeSink) error {
	if w.Phase() == PhaseColdStart {
		w.coldStart(ctx, sink)
		w.transition(PhaseNormal, "cold start finished")
	}

	return w.source.Subscribe(ctx, func(ctx context.Context, b *domain.Block) {
		w.HandleHead(ctx, b, sink)
	})
}

func (w *Window) coldStart(ctx context.Context, sink ChangeSink) {
	finalized, err := w.source.GetBlockByTag(ctx, chain.TagFinalized)
	if err != nil || finalized.Number == 0 {
		w.log.Warn("finalized block unavailable, skipping cold start", "error", err)
		return
	}
	latest, err := w.source.GetBlockByTag(ctx, chain.TagLatest)
	if err != nil || latest.Number == 0 {
		w.log.Warn("latest block unavailable, skipping cold start", "error", err)
		return
	}

	w.mu.Lock()
	w.finalized = finalized.Number
	w.mu.Unlock()
	metrics.FinalizedBlock.Set(float64(finalized.Number))

	from := saturatingSub(finalized.Number, w.cfg.KeepDepth)
	if latest.Number <= from {
		return
	}

	w.log.Info("cold start backfill",
		"from", from,
		"to", latest.Number-1,
		"finalized", finalized.Number,
	)

	backfill := make([]*domain.Block, 0, latest.Number-from)
	for n := from; n < latest.Number; n++ {
		b, err := w.source.GetBlock(ctx, n)
		if err != nil {
			w.log.Warn("cold start backfill failed", "block", n, "error", err)
			return
		}
		backfill = append(backfill, b)
	}

	w.mu.Lock()
	w.blocks = backfill
	w.updatedAt = time.Now()
	w.mu.Unlock()
	w.updateGauges()

	sink.OnChange(ctx, Change{Blocks: slices.Clone(backfill)})
}

// HandleHead applies one new head: append, repair, prune, then notify.
// Heads at or below the current tip are dropped. Numbers skipped between the
// tip and the head are fetched and applied first, in ascending order.
func (w *Window) HandleHead(ctx context.Context, b *domain.Block, sink ChangeSink) {
	w.mu.RLock()
	n := len(w.blocks)
	var tip uint64
	if n > 0 {
		tip = w.blocks[n-1].Number
	}
	w.mu.RUnlock()

	if n > 0 && b.Number <= tip {
		metrics.HeadsRejected.Inc()
		w.log.Debug("rejecting head not above tip", "block", b.Number, "tip", tip)
		return
	}

	if n > 0 && b.Number > tip+1 {
		w.log.Debug("filling gap below head", "from", tip+1, "to", b.Number-1)
		for gap := tip + 1; gap < b.Number; gap++ {
			gb, err := w.source.GetBlock(ctx, gap)
			if err != nil {
				metrics.HeadsRejected.Inc()
				w.log.Warn("fetch gap block failed, dropping head", "block", gap, "head", b.Number, "error", err)
				return
			}
			w.accept(ctx, gb, sink)
		}
	}

	w.accept(ctx, b, sink)
}

func (w *Window) accept(ctx context.Context, b *domain.Block, sink ChangeSink) {
	w.mu.Lock()
	w.blocks = append(w.blocks, b)
	w.updatedAt = time.Now()
	w.mu.Unlock()

	err := w.repair(ctx, sink)
	w.setError(err)
	if err != nil {
		if errors.Is(err, ErrReorgTooDeep) {
			metrics.ReorgTooDeep.Inc()
			w.log.Error("reorg repair found no common ancestor", "tip", b.Number, "error", err)
		} else {
			w.log.Warn("reorg repair aborted", "tip", b.Number, "error", err)
		}
	}

	w.prune(ctx, sink)
	w.updateGauges()

	sink.OnChange(ctx, Change{Blocks: []*domain.Block{b}})
}

// repair walks backward from below the tip replacing blocks whose canonical
// hash changed, stopping at the first block that still matches.
func (w *Window) repair(ctx context.Context, sink ChangeSink) error {
	w.mu.RLock()
	n := len(w.blocks)
	if n < 2 {
		w.mu.RUnlock()
		return nil
	}
	tip, prev := w.blocks[n-1], w.blocks[n-2]
	pendingFrom := w.pendingFrom
	mismatch := tip.ParentHash != prev.Hash
	start := -1
	if mismatch {
		start = n - 2
	} else if pendingFrom > 0 {
		start = w.indexOf(pendingFrom)
	}
	w.mu.RUnlock()

	if start < 0 {
		if pendingFrom > 0 {
			w.clearPending()
		}
		return nil
	}

	reason := fmt.Sprintf("parent hash mismatch at %d", tip.Number)
	if mismatch {
		w.log.Warn("reorg detected",
			"tip", tip.Number,
			"parent_hash", tip.ParentHash,
			"stored_hash", prev.Hash,
		)
	} else {
		reason = fmt.Sprintf("resuming aborted repair from %d", pendingFrom)
		w.log.Warn("resuming aborted reorg repair", "from", pendingFrom, "tip", tip.Number)
	}
	w.setReorgInProgress(true, reason)
	defer w.setReorgInProgress(false, "repair finished")

	// replaced is in descending order.
	var replaced []*domain.Block
	emit := func() {
		if len(replaced) == 0 {
			return
		}
		lowest := replaced[len(replaced)-1].Number

		// Blocks between the replaced ones and the tip were repaired by an
		// earlier, aborted walk and are re-reported with them.
		w.mu.RLock()
		changed := slices.Clone(w.blocks[w.indexOf(lowest) : len(w.blocks)-1])
		w.mu.RUnlock()

		metrics.ReorgsDetected.Inc()
		metrics.ReorgDepth.Observe(float64(len(replaced)))
		w.log.Info("reorg repaired",
			"from", lowest,
			"to", replaced[0].Number,
			"depth", len(replaced),
			"reported", len(changed),
		)
		sink.OnChange(ctx, Change{Blocks: changed, IsReorg: true})
	}

	for i := start; i >= 0; i-- {
		w.mu.RLock()
		stored := w.blocks[i]
		w.mu.RUnlock()

		fresh, err := w.source.GetBlock(ctx, stored.Number)
		if err != nil {
			w.setPending(stored.Number)
			emit()
			return fmt.Errorf("refetch block %d during reorg repair: %w", stored.Number, err)
		}

		if fresh.Hash == stored.Hash {
			if pendingFrom > 0 && stored.Number > pendingFrom {
				continue
			}
			if pendingFrom > 0 {
				w.clearPending()
			}
			emit()
			return nil
		}

		w.mu.Lock()
		w.blocks[i] = fresh
		w.mu.Unlock()
		replaced = append(replaced, fresh)
	}

	w.clearPending()
	emit()
	return fmt.Errorf("tip %d: %w", tip.Number, ErrReorgTooDeep)
}

// prune drops blocks more than KeepDepth below a newly advanced finalized boundary.
func (w *Window) prune(ctx context.Context, sink ChangeSink) {
	fin, err := w.source.GetBlockByTag(ctx, chain.TagFinalized)
	if err != nil {
		w.log.Warn("poll finalized block failed, skipping prune", "error", err)
		return
	}

	w.mu.Lock()
	if fin.Number <= w.finalized {
		w.mu.Unlock()
		return
	}
	w.finalized = fin.Number
	cutoff := saturatingSub(fin.Number, w.cfg.KeepDepth)

	idx := sort.Search(len(w.blocks), func(i int) bool {
		return w.blocks[i].Number >= cutoff
	})
	removed := make([]uint64, idx)
	for i := 0; i < idx; i++ {
		removed[i] = w.blocks[i].Number
	}
	w.blocks = slices.Clone(w.blocks[idx:])
	w.updatedAt = time.Now()
	w.mu.Unlock()

	metrics.FinalizedBlock.Set(float64(fin.Number))
	metrics.BlocksPruned.Add(float64(len(removed)))
	if len(removed) > 0 {
		w.log.Debug("pruned finalized blocks", "count", len(removed), "cutoff", cutoff)
	}

	sink.OnRemoval(ctx, Removal{Numbers: removed, Boundary: cutoff})
}

// indexOf returns the position of number in the window or -1. Caller holds mu.
func (w *Window) indexOf(number uint64) int {
	i := sort.Search(len(w.blocks), func(i int) bool {
		return w.blocks[i].Number >= number
	})
	if i < len(w.blocks) && w.blocks[i].Number == number {
		return i
	}
	return -1
}

func (w *Window) setReorgInProgress(on bool, reason string) {
	to := PhaseNormal
	if on {
		to = PhaseReorgRepair
	}
	w.mu.Lock()
	w.reorgInProgress = on
	if on {
		w.reorgs++
	}
	w.mu.Unlock()
	w.transition(to, reason)
}

func (w *Window) transition(to Phase, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := NewTransition(w.phase, to, reason)
	if !t.IsValid() {
		w.log.Warn("ignoring invalid phase transition", "from", t.From, "to", t.To, "error", ErrInvalidTransition)
		return
	}
	w.phase = to
	w.lastTransition = &t
}

func (w *Window) setPending(number uint64) {
	w.mu.Lock()
	if number > w.pendingFrom {
		w.pendingFrom = number
	}
	w.mu.Unlock()
}

func (w *Window) clearPending() {
	w.mu.Lock()
	w.pendingFrom = 0
	w.mu.Unlock()
}

func (w *Window) setError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Window) updateGauges() {
	w.mu.RLock()
	defer w.mu.RUnlock()

	metrics.WindowSize.Set(float64(len(w.blocks)))
	if n := len(w.blocks); n > 0 {
		metrics.ChainLatestBlock.Set(float64(w.blocks[n-1].Number))
	}
}

// Blocks returns a copy of the retained blocks in ascending order.
func (w *Window) Blocks() []*domain.Block {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.blocks)
}

// FinalizedNumber returns the last observed finalized boundary.
func (w *Window) FinalizedNumber() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.finalized
}

// ReorgInProgress reports whether a repair walk is running.
func (w *Window) ReorgInProgress() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reorgInProgress
}

func (w *Window) Phase() Phase {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase
}

// Snapshot returns the current window state.
func (w *Window) Snapshot() State {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := State{
		Phase:           w.phase,
		Size:            len(w.blocks),
		Finalized:       w.finalized,
		ReorgInProgress: w.reorgInProgress,
		ReorgsRepaired:  w.reorgs,
		LastTransition:  w.lastTransition,
		UpdatedAt:       w.updatedAt,
	}
	if n := len(w.blocks); n > 0 {
		s.Oldest = w.blocks[0].Number
		s.Tip = w.blocks[n-1].Number
		s.TipHash = w.blocks[n-1].Hash
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
