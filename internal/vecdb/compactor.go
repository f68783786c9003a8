package vecdb

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// Compact releases tombstones no reader can still reach and, when the
// index holds too many deleted nodes or force is set, rebuilds it from the
// live slots. Runs under exclusive admission.
func (c *Collection) Compact(ctx context.Context, force bool) (CompactResult, error) {
	var res CompactResult
	if err := c.checkOpen(); err != nil {
		return res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return res, err
	}

	c.setState(StateCompacting)
	defer c.settle()

	res.Reclaimed = c.store.Reclaim(c.epochs.minActive())

	st := c.index.Stats()
	rebuild := force || c.dirty.Load() ||
		(st.Nodes > 0 && float64(st.Deleted)/float64(st.Nodes) > c.opts.CompactionThreshold)
	if rebuild {
		if pending := c.pendingLinks(); pending > 0 {
			c.logger.Debug("Deferring index rebuild while links are pending", "pending", pending)
		} else {
			start := time.Now()
			if err := c.index.Rebuild(ctx, c.store.Scan()); err != nil {
				return res, err
			}
			c.dirty.Store(false)
			res.Rebuilt = true
			c.logger.Info("Index rebuilt", "nodes", c.store.Len(), "deleted", st.Deleted, "elapsed", time.Since(start))
		}
	}

	// a slot with a pending link must not be handed to a new id before
	// that link finishes
	free := lo.Filter(c.store.Reclaimed(), func(slot uint32, _ int) bool {
		return !c.index.Retains(slot) && !c.linking(slot)
	})
	c.store.Free(free)
	res.Freed = len(free)
	return res, nil
}

func (c *Collection) needsCompaction() bool {
	return c.dirty.Load() || c.tombstoneRatio() > 0
}

func (c *Collection) tombstoneRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slots := c.store.Slots()
	if slots == 0 {
		return 0
	}
	return float64(c.store.Tombstones()) / float64(slots)
}

// runCompactor compacts collections on every tick and whenever a delete
// pushes a collection past the compaction threshold.
func (r *Registry) runCompactor(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.compactNow:
		}
		r.compactAll(ctx)
	}
}

func (r *Registry) compactAll(ctx context.Context) {
	for _, c := range r.collections() {
		if ctx.Err() != nil {
			return
		}
		if !c.needsCompaction() {
			continue
		}
		if err := r.pool.Acquire(ctx, 1); err != nil {
			return
		}
		res, err := c.Compact(ctx, false)
		r.pool.Release(1)
		if err != nil {
			c.logger.Warn("Compaction failed", "error", err)
			continue
		}
		if res.Reclaimed > 0 || res.Rebuilt {
			c.logger.Info("Compaction finished", "reclaimed", res.Reclaimed, "freed", res.Freed, "rebuilt", res.Rebuilt)
		}
	}
}

func (r *Registry) triggerCompaction(ratio float64) {
	if ratio <= r.opts.CompactionThreshold {
		return
	}
	select {
	case r.compactNow <- struct{}{}:
	default:
	}
}
