package vecdb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"vectordb/internal/common"
	vmath "vectordb/internal/common/math"
	"vectordb/internal/errs"
	"vectordb/internal/filter"
	"vectordb/internal/index"
	"vectordb/internal/persistence"
	"vectordb/internal/store"
)

// Collection is one store+index pair.
//
// mu is the admission lock. Structural mutations (store writes, index
// Prepare/Delete/Rebuild) hold it exclusively; searches and the linking
// phase of upserts hold it shared.
type Collection struct {
	mu sync.RWMutex

	id        string
	name      string
	database  string
	dimension int
	metric    common.Metric
	cfg       common.IndexConfig
	createdAt time.Time

	store  *store.Store
	index  index.Index
	epochs *epochs
	wal    *persistence.WAL

	pool   *semaphore.Weighted
	opts   Options
	logger *slog.Logger

	metaMu    sync.Mutex
	status    CollectionStatus
	state     CollectionState
	updatedAt time.Time

	// slots prepared but not linked yet
	linkMu   sync.Mutex
	inflight map[uint32]struct{}

	count  atomic.Int64
	dirty  atomic.Bool
	closed atomic.Bool

	// onTombstones is called after deletes with the new tombstone ratio.
	onTombstones func(ratio float64)
}

type collectionDef struct {
	id        string
	name      string
	database  string
	dimension int
	metric    common.Metric
	cfg       common.IndexConfig
	createdAt time.Time
}

func newCollection(def collectionDef, opts Options, pool *semaphore.Weighted) (*Collection, error) {
	c := &Collection{
		id:        def.id,
		name:      def.name,
		database:  def.database,
		dimension: def.dimension,
		metric:    def.metric,
		cfg:       def.cfg,
		createdAt: def.createdAt,
		epochs:    newEpochs(),
		pool:      pool,
		opts:      opts,
		logger:    opts.Logger.With("database", def.database, "collection", def.name),
		status:    StatusCreating,
		state:     StateEmpty,
		updatedAt: def.createdAt,
		inflight:  make(map[uint32]struct{}),
	}
	c.store = store.New(store.Options{
		Dimension: def.dimension,
		Metric:    def.metric,
		MaxPoints: opts.MaxPointsPerCollection,
	})

	idx, err := index.NewIndex(def.cfg, c.store, index.Options{
		LockShards: opts.LockShards,
		Seed:       opts.Seed,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.index = idx
	c.setStatus(StatusReady)
	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Database returns the name of the owning database.
func (c *Collection) Database() string {
	return c.database
}

// Dimension returns the fixed vector length.
func (c *Collection) Dimension() int {
	return c.dimension
}

// Metric returns the distance metric used for search.
func (c *Collection) Metric() common.Metric {
	return c.metric
}

// Info returns a point-in-time description of the collection.
func (c *Collection) Info() CollectionInfo {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return CollectionInfo{
		ID:           c.id,
		Name:         c.name,
		Database:     c.database,
		Dimension:    c.dimension,
		Metric:       c.metric,
		IndexConfig:  c.cfg,
		Status:       c.status,
		VectorsCount: int(c.count.Load()),
		CreatedAt:    c.createdAt,
		UpdatedAt:    c.updatedAt,
	}
}

// Status returns the externally visible status.
func (c *Collection) Status() CollectionStatus {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.status
}

// State returns the internal lifecycle state.
func (c *Collection) State() CollectionState {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.state
}

func (c *Collection) setStatus(status CollectionStatus) {
	c.metaMu.Lock()
	c.status = status
	c.metaMu.Unlock()
}

func (c *Collection) setState(state CollectionState) {
	c.metaMu.Lock()
	c.state = state
	c.metaMu.Unlock()
}

func (c *Collection) touch() {
	c.metaMu.Lock()
	c.updatedAt = time.Now()
	c.metaMu.Unlock()
}

// settle moves the state out of Building or Compacting once no link is
// pending. Requires admission.
func (c *Collection) settle() {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	switch {
	case c.pendingLinks() > 0:
		c.state = StateBuilding
	case c.store.Slots() == 0:
		c.state = StateEmpty
	default:
		c.state = StateReady
	}
}

func (c *Collection) pendingLinks() int {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	return len(c.inflight)
}

// linking reports whether slot was prepared by a batch that has not
// finished linking it.
func (c *Collection) linking(slot uint32) bool {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	_, ok := c.inflight[slot]
	return ok
}

func (c *Collection) notFound() error {
	return errs.New(errs.KindNotFound, fmt.Sprintf("collection %q not found", c.name),
		errs.FieldDatabase(c.database), errs.FieldCollection(c.name))
}

func (c *Collection) checkOpen() error {
	if c.closed.Load() {
		return c.notFound()
	}
	return nil
}

func (c *Collection) checkWritable() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.Status() == StatusError {
		return errs.New(errs.KindFailedPrecondition,
			fmt.Sprintf("collection %q is in error state and rejects writes", c.name),
			errs.FieldDatabase(c.database), errs.FieldCollection(c.name))
	}
	return nil
}

// fail moves the collection to the error state after a broken graph
// invariant. The process keeps serving other collections.
func (c *Collection) fail(err error, slot uint32) {
	c.setStatus(StatusError)
	c.logger.Error("Index invariant violated, collection now rejects writes", "slot", slot, "error", err)
}

func (c *Collection) acquire(ctx context.Context) error {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return errs.FromContext(err)
	}
	return nil
}

type validItem struct {
	index    int
	id       string
	vector   []float32
	metadata common.Metadata
}

type pendingLink struct {
	slot      uint32
	gen       uint64
	overwrite bool
	id        string
	items     []int
}

func (c *Collection) validateItem(item UpsertItem) (common.Metadata, error) {
	if item.ID == "" {
		return nil, errs.InvalidArgument("point id must be non-empty")
	}
	if err := c.store.ValidateVector(item.Vector); err != nil {
		return nil, err
	}
	return common.NormalizeMetadata(item.Metadata)
}

// Upsert inserts or overwrites points. Each item succeeds or fails on its
// own; the returned error is reserved for failures of the whole batch.
func (c *Collection) Upsert(ctx context.Context, items []UpsertItem) (*UpsertResult, error) {
	if err := c.checkWritable(); err != nil {
		return nil, err
	}

	res := &UpsertResult{}
	valid := make([]validItem, 0, len(items))
	for i, item := range items {
		md, err := c.validateItem(item)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{Index: i, Err: errs.Wrap(err, errs.KindInvalidArgument, "invalid point", errs.FieldID(item.ID))})
			continue
		}
		valid = append(valid, validItem{index: i, id: item.ID, vector: item.Vector, metadata: md})
	}
	if len(valid) == 0 {
		return res, nil
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.pool.Release(1)

	links, err := c.commit(valid, res)
	if err != nil {
		return nil, err
	}
	c.finishLinks(ctx, links, c.link(ctx, links), res)

	slices.SortFunc(res.Errors, func(a, b ItemError) int { return a.Index - b.Index })
	res.Upserted = len(items) - len(res.Errors)
	return res, nil
}

// commit writes the batch to the log, the store and the index under
// exclusive admission. Items that hit the same slot are linked once.
func (c *Collection) commit(valid []validItem, res *UpsertResult) ([]pendingLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return nil, err
	}

	var links []pendingLink
	bySlot := make(map[uint32]int, len(valid))
	for _, item := range valid {
		if c.wal != nil {
			if err := c.wal.AppendUpsert(item.id, item.vector, item.metadata); err != nil {
				res.Errors = append(res.Errors, ItemError{Index: item.index, Err: errs.Wrap(err, errs.KindInternal, "write-ahead log append failed", errs.FieldID(item.id))})
				continue
			}
		}

		r, err := c.store.Upsert(item.id, item.vector, item.metadata)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{Index: item.index, Err: err})
			continue
		}

		if j, ok := bySlot[r.Slot]; ok {
			links[j].gen = r.Generation
			links[j].items = append(links[j].items, item.index)
			continue
		}

		c.linkMu.Lock()
		_, busy := c.inflight[r.Slot]
		if !busy {
			c.inflight[r.Slot] = struct{}{}
		}
		c.linkMu.Unlock()
		if busy {
			// another batch is linking this slot against the live vector;
			// the next compaction repairs its neighborhood. Compact never
			// frees an inflight slot, so only overwrites get here.
			c.dirty.Store(true)
			continue
		}

		c.index.Prepare(r.Slot, r.Overwrite)
		bySlot[r.Slot] = len(links)
		links = append(links, pendingLink{
			slot:      r.Slot,
			gen:       r.Generation,
			overwrite: r.Overwrite,
			id:        item.id,
			items:     []int{item.index},
		})
	}

	c.count.Store(int64(c.store.Len()))
	if len(links) > 0 {
		c.setState(StateBuilding)
	}
	c.touch()
	return links, nil
}

// link connects prepared slots under shared admission, in parallel.
func (c *Collection) link(ctx context.Context, links []pendingLink) []error {
	if len(links) == 0 {
		return nil
	}
	results := make([]error, len(links))

	c.mu.RLock()
	var g errgroup.Group
	g.SetLimit(int(c.opts.WorkerSlots))
	for i := range links {
		g.Go(func() error {
			results[i] = c.linkOne(ctx, links[i])
			return nil
		})
	}
	_ = g.Wait()
	c.mu.RUnlock()

	c.linkMu.Lock()
	for _, l := range links {
		delete(c.inflight, l.slot)
	}
	c.linkMu.Unlock()
	return results
}

func (c *Collection) linkOne(ctx context.Context, l pendingLink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.KindInternal, fmt.Sprintf("panic while linking slot %d: %v", l.slot, r), errs.FieldID(l.id))
		}
	}()
	return c.index.Link(ctx, l.slot, l.overwrite)
}

func (c *Collection) finishLinks(ctx context.Context, links []pendingLink, results []error, res *UpsertResult) {
	var compensate []pendingLink
	for i, err := range results {
		if err == nil {
			continue
		}
		l := links[i]
		switch errs.KindOrInternal(err) {
		case errs.KindCancelled, errs.KindDeadlineExceeded:
			if l.overwrite {
				// the new value is committed; its neighborhood is stale
				c.dirty.Store(true)
				continue
			}
			compensate = append(compensate, l)
		default:
			c.fail(err, l.slot)
		}
		for _, item := range l.items {
			res.Errors = append(res.Errors, ItemError{Index: item, Err: err})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(compensate) > 0 {
		ep := c.epochs.advance()
		for _, l := range compensate {
			if !c.store.DeleteSlot(l.slot, l.gen, ep) {
				continue
			}
			c.index.Delete(l.slot)
			if c.wal != nil {
				if err := c.wal.AppendDelete(l.id); err != nil {
					c.logger.Warn("Failed to log compensating delete", "id", l.id, "error", err)
				}
			}
		}
		c.count.Store(int64(c.store.Len()))
		c.logger.Debug("Tombstoned points whose linking was cancelled", "count", len(compensate), "cause", ctx.Err())
	}
	c.settle()
}

// Get returns the live points among ids, in request order. Unknown ids are
// skipped.
func (c *Collection) Get(ctx context.Context, ids []string, opts ReadOptions) ([]common.Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	points := make([]common.Point, 0, len(ids))
	for i, id := range ids {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err())
		}
		p, ok := c.store.Get(id)
		if !ok {
			continue
		}
		if !opts.IncludeValues {
			p.Vector = nil
		}
		if !opts.IncludeMetadata {
			p.Metadata = nil
		}
		points = append(points, p)
	}
	return points, nil
}

// Delete tombstones ids and returns how many were live.
func (c *Collection) Delete(ctx context.Context, ids []string) (int, error) {
	if err := c.checkWritable(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkWritable(); err != nil {
		return 0, err
	}

	ep := c.epochs.advance()
	deleted := 0
	for _, id := range ids {
		slot, ok := c.store.Lookup(id)
		if !ok {
			continue
		}
		if err := c.logDelete(id); err != nil {
			c.afterDelete(deleted)
			return deleted, err
		}
		c.store.DeleteSlot(slot, c.store.Generation(slot), ep)
		c.index.Delete(slot)
		deleted++
	}
	c.afterDelete(deleted)
	return deleted, nil
}

// DeleteByFilter tombstones every live point matching p.
func (c *Collection) DeleteByFilter(ctx context.Context, p *filter.Predicate) (int, error) {
	if p == nil {
		return 0, errs.InvalidArgument("delete requires ids or a filter")
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if err := c.checkWritable(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkWritable(); err != nil {
		return 0, err
	}

	matched := slices.Collect(c.store.Matching(p))
	ep := c.epochs.advance()
	deleted := 0
	for _, slot := range matched {
		if err := c.logDelete(c.store.ID(slot)); err != nil {
			c.afterDelete(deleted)
			return deleted, err
		}
		c.store.DeleteSlot(slot, c.store.Generation(slot), ep)
		c.index.Delete(slot)
		deleted++
	}
	c.afterDelete(deleted)
	return deleted, nil
}

func (c *Collection) logDelete(id string) error {
	if c.wal == nil {
		return nil
	}
	if err := c.wal.AppendDelete(id); err != nil {
		return errs.Wrap(err, errs.KindInternal, "write-ahead log append failed", errs.FieldID(id))
	}
	return nil
}

func (c *Collection) afterDelete(deleted int) {
	if deleted == 0 {
		return
	}
	c.count.Store(int64(c.store.Len()))
	c.touch()
	if c.onTombstones != nil {
		slots := c.store.Slots()
		c.onTombstones(float64(c.store.Tombstones()) / float64(max(slots, 1)))
	}
}

func (c *Collection) validateSearch(req *SearchRequest) error {
	if len(req.Vector) != c.dimension {
		return errs.InvalidArgument("query dimension mismatch: expected %d, got %d", c.dimension, len(req.Vector))
	}
	if !vmath.IsFinite(req.Vector) {
		return errs.InvalidArgument("query components must be finite")
	}
	if req.K < 1 {
		return errs.InvalidArgument("top_k must be at least 1, got %d", req.K)
	}
	if req.Ef < 0 {
		return errs.InvalidArgument("ef must be positive, got %d", req.Ef)
	}
	if req.Filter != nil {
		return req.Filter.Validate()
	}
	return nil
}

// Search returns the k best matches, best first.
func (c *Collection) Search(ctx context.Context, req *SearchRequest) ([]common.SearchMatch, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.validateSearch(req); err != nil {
		return nil, err
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.pool.Release(1)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	ep := c.epochs.enter()
	defer c.epochs.exit(ep)

	res, err := c.search(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.hydrate(res.Candidates, req.K, req.ReadOptions), nil
}

func (c *Collection) search(ctx context.Context, req *SearchRequest) (*index.SearchResult, error) {
	query := index.NewSearchQuery(req.Vector, req.K)
	if req.Ef > 0 {
		query.With(&index.HnswSearchOption{EfSearch: max(req.Ef, req.K)})
	}
	if req.Filter == nil {
		return c.index.Search(ctx, query)
	}

	p := req.Filter
	accept := func(slot uint32) bool {
		return c.store.Evaluate(slot, p)
	}
	live := float64(c.store.Len())
	threshold := c.opts.BruteForceThreshold

	cands, bounded := c.store.Candidates(p)
	if bounded && float64(cands.GetCardinality()) <= threshold*live {
		query.WithFilter(accept)
		return index.BruteForce(ctx, c.store, cands.Iterate, query)
	}

	opt := &index.FilterOption{Accept: accept, Overshoot: c.opts.FilterOvershoot}
	if bounded {
		opt.Candidates = cands
	}
	res, err := c.index.Search(ctx, query.With(opt))
	if err != nil {
		return nil, err
	}
	if len(res.Candidates) >= req.K || res.Visited == 0 {
		return res, nil
	}
	if float64(res.Matched)/float64(res.Visited) >= threshold {
		return res, nil
	}

	c.logger.Debug("Filtered graph search fell short, scanning store",
		"k", req.K, "found", len(res.Candidates), "visited", res.Visited, "matched", res.Matched)
	return index.BruteForce(ctx, c.store, c.store.Matching(p), index.NewSearchQuery(req.Vector, req.K))
}

// hydrate resolves candidates to matches, skipping slots tombstoned since
// the index produced them.
func (c *Collection) hydrate(cands []index.Candidate, k int, opts ReadOptions) []common.SearchMatch {
	matches := make([]common.SearchMatch, 0, min(len(cands), k))
	for _, cand := range cands {
		if len(matches) == k {
			break
		}
		if !c.store.IsLive(cand.Slot) {
			continue
		}
		m := common.SearchMatch{
			ID:    c.store.ID(cand.Slot),
			Score: c.metric.Score(cand.Dist),
		}
		if opts.IncludeValues {
			m.Vector = append([]float32(nil), c.store.Vector(cand.Slot)...)
		}
		if opts.IncludeMetadata {
			m.Metadata = c.store.Metadata(cand.Slot).Clone()
		}
		matches = append(matches, m)
	}
	return matches
}

// BatchSearch runs reqs in order. A failing query reports its own error;
// cancellation of ctx fails the whole batch.
func (c *Collection) BatchSearch(ctx context.Context, reqs []*SearchRequest) ([]BatchSearchResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]BatchSearchResult, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, errs.FromContext(err)
		}
		matches, err := c.Search(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.FromContext(ctx.Err())
			}
			if errs.IsNotFound(err) && c.closed.Load() {
				return nil, err
			}
			out[i].Err = err
			continue
		}
		out[i].Matches = matches
	}
	return out, nil
}

// Stats reports point, slot and index counters under shared admission.
func (c *Collection) Stats() (CollectionStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return CollectionStats{}, err
	}
	return CollectionStats{
		Points:     c.store.Len(),
		Tombstones: c.store.Tombstones(),
		Slots:      c.store.Slots(),
		State:      c.State(),
		Status:     c.Status(),
		Epoch:      c.epochs.load(),
		Index:      c.index.Stats(),
	}, nil
}
