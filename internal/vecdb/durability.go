package vecdb

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"vectordb/internal/common"
	"vectordb/internal/errs"
	"vectordb/internal/persistence"
)

func walPath(dataDir, db, coll string) string {
	return filepath.Join(dataDir, "wal", db, coll+".wal")
}

func snapshotPath(dataDir, db, coll string) string {
	return filepath.Join(dataDir, "snapshots", db, coll+".snap")
}

func (c *Collection) snapshotHeader() persistence.SnapshotHeader {
	return persistence.SnapshotHeader{
		Database:    c.database,
		Collection:  c.name,
		Dimension:   c.dimension,
		Metric:      c.metric,
		IndexConfig: c.cfg,
		Count:       uint64(c.store.Len()),
	}
}

// Snapshot writes every live point to w.
func (c *Collection) Snapshot(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	return persistence.WriteSnapshot(w, c.snapshotHeader(), c.store.Points())
}

// LoadSnapshot upserts the points of a snapshot taken from a collection of
// the same dimension and metric, then rebuilds the index.
func (c *Collection) LoadSnapshot(ctx context.Context, r io.Reader) (int, error) {
	if err := c.checkWritable(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingLinks() > 0 {
		return 0, errs.FailedPrecondition("collection %q has writes in progress", c.name)
	}

	n := 0
	_, err := persistence.ReadSnapshot(r, func(p common.Point) error {
		if _, err := c.store.Restore(p); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, errs.Wrap(err, errs.KindInvalidArgument, "failed to load snapshot", errs.FieldCollection(c.name))
	}
	return n, c.rebuildLocked(ctx)
}

// rebuildLocked rebuilds the index from live slots and releases every
// tombstone. Requires exclusive admission and no pending links.
func (c *Collection) rebuildLocked(ctx context.Context) error {
	if err := c.index.Rebuild(ctx, c.store.Scan()); err != nil {
		return err
	}
	c.store.Reclaim(c.epochs.advance() + 1)
	c.store.Free(c.store.Reclaimed())
	c.count.Store(int64(c.store.Len()))
	c.dirty.Store(false)
	c.settle()
	return nil
}

// restore loads the collection's snapshot, replays its log on top and
// opens the log for appending.
func (c *Collection) restore(ctx context.Context) error {
	dir := c.opts.DataDir
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr, found, err := persistence.ReadSnapshotFile(snapshotPath(dir, c.database, c.name), func(p common.Point) error {
		_, err := c.store.Restore(p)
		return err
	})
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to read snapshot", errs.FieldCollection(c.name))
	}
	if found && (hdr.Dimension != c.dimension || hdr.Metric != c.metric) {
		return errs.Internal("snapshot of %s/%s does not match the catalog definition", c.database, c.name)
	}

	wal, err := persistence.OpenWAL(walPath(dir, c.database, c.name), persistence.WALOptions{Fsync: c.opts.WALFsync})
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to open write-ahead log", errs.FieldCollection(c.name))
	}

	var skipped int
	replayed, err := wal.Replay(func(r *persistence.WALRecord) error {
		switch r.Operation {
		case persistence.Upsert:
			if _, err := c.store.Upsert(r.PointID, r.Vector, r.Metadata); err != nil {
				skipped++
			}
		case persistence.Delete:
			c.store.Delete(r.PointID, 0)
		default:
			skipped++
		}
		return nil
	})
	if err != nil {
		wal.Close()
		return errs.Wrap(err, errs.KindInternal, "failed to replay write-ahead log", errs.FieldCollection(c.name))
	}
	c.wal = wal

	if err := c.rebuildLocked(ctx); err != nil {
		return err
	}
	c.logger.Info("Collection recovered",
		"snapshot", found, "points", c.store.Len(), "wal_records", replayed, "wal_skipped", skipped)
	return nil
}

// checkpoint snapshots the collection to disk and empties its log.
// Requires exclusive admission.
func (c *Collection) checkpoint() error {
	dir := c.opts.DataDir
	if dir == "" {
		return nil
	}
	if err := persistence.WriteSnapshotFile(snapshotPath(dir, c.database, c.name), c.snapshotHeader(), c.store.Points()); err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to write snapshot", errs.FieldCollection(c.name))
	}
	if c.wal != nil {
		if err := c.wal.Truncate(); err != nil {
			return errs.Wrap(err, errs.KindInternal, "failed to truncate write-ahead log", errs.FieldCollection(c.name))
		}
	}
	return nil
}

// openLog creates the log of a new collection.
func (c *Collection) openLog() error {
	if c.opts.DataDir == "" {
		return nil
	}
	wal, err := persistence.OpenWAL(walPath(c.opts.DataDir, c.database, c.name), persistence.WALOptions{Fsync: c.opts.WALFsync})
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to open write-ahead log", errs.FieldCollection(c.name))
	}
	// files of a dropped instance must not leak into this one
	if err := wal.Truncate(); err != nil {
		wal.Close()
		return errs.Wrap(err, errs.KindInternal, "failed to reset write-ahead log", errs.FieldCollection(c.name))
	}
	if err := os.Remove(snapshotPath(c.opts.DataDir, c.database, c.name)); err != nil && !os.IsNotExist(err) {
		wal.Close()
		return errs.Wrap(err, errs.KindInternal, "failed to remove stale snapshot", errs.FieldCollection(c.name))
	}
	c.wal = wal
	return nil
}

// close checkpoints and releases the collection on shutdown.
func (c *Collection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	err := c.checkpoint()
	if c.wal != nil {
		if cerr := c.wal.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// release closes the log without checkpointing. Used when startup fails
// part way and the on-disk state must stay untouched.
func (c *Collection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) || c.wal == nil {
		return
	}
	c.wal.Close()
}

// destroy quiesces the collection and removes its files.
func (c *Collection) destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	if c.wal != nil {
		if err := c.wal.Remove(); err != nil {
			return err
		}
	}
	if c.opts.DataDir != "" {
		if err := os.Remove(snapshotPath(c.opts.DataDir, c.database, c.name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	c.logger.Info("Collection dropped")
	return nil
}
