package index

import (
	"context"
	"iter"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"vectordb/internal/common"
	vmath "vectordb/internal/common/math"
	"vectordb/internal/errs"
)

const maxLevelCap = 16

// ErrGraphCorrupted is returned when a graph invariant no longer holds.
var ErrGraphCorrupted = errs.New(errs.KindInternal, "hnsw graph invariant violated")

type node struct {
	level     int
	neighbors [][]uint32
}

// graph is one generation of the HNSW structure. Rebuild swaps in a fresh
// graph; all other mutation happens in place.
type graph struct {
	nodes   []*node
	count   int
	deleted *roaring.Bitmap

	// guarded by HNSWIndex.epMu
	entry    int64
	maxLevel int
}

func newGraph() *graph {
	return &graph{
		deleted: roaring.New(),
		entry:   -1,
	}
}

func (g *graph) node(slot uint32) *node {
	if int(slot) >= len(g.nodes) {
		return nil
	}
	return g.nodes[slot]
}

// HNSWIndex is a hierarchical navigable small world graph over store slots.
type HNSWIndex struct {
	src         VectorSource
	metric      common.Metric
	m           int
	m0          int
	efConstruct int
	efSearch    int
	levelMult   float64

	g     *graph
	epMu  sync.RWMutex
	locks []sync.RWMutex

	rngMu sync.Mutex
	rng   *rand.Rand

	visited sync.Pool
	logger  *slog.Logger
}

var _ Index = (*HNSWIndex)(nil)

// NewHNSWIndex creates an empty HNSW graph over src.
func NewHNSWIndex(cfg common.IndexConfig, src VectorSource, opts Options) (*HNSWIndex, error) {
	cfg = cfg.WithDefaults()
	if cfg.M < 2 {
		return nil, errs.InvalidArgument("hnsw m must be at least 2, got %d", cfg.M)
	}
	shards := opts.LockShards
	if shards <= 0 {
		shards = DefaultLockShards
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := uint64(opts.Seed)
	if opts.Seed == 0 {
		seed = rand.Uint64()
	}

	h := &HNSWIndex{
		src:         src,
		metric:      src.Metric(),
		m:           cfg.M,
		m0:          2 * cfg.M,
		efConstruct: max(cfg.EfConstruct, cfg.M),
		efSearch:    cfg.EfSearchDefault,
		levelMult:   1 / math.Log(float64(cfg.M)),
		g:           newGraph(),
		locks:       make([]sync.RWMutex, shards),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:      logger,
	}
	h.visited.New = func() any {
		return bitset.New(1024)
	}
	return h, nil
}

func (h *HNSWIndex) lockFor(slot uint32) *sync.RWMutex {
	return &h.locks[slot%uint32(len(h.locks))]
}

func (h *HNSWIndex) maxNeighbors(layer int) int {
	if layer == 0 {
		return h.m0
	}
	return h.m
}

func (h *HNSWIndex) randomLevel() int {
	h.rngMu.Lock()
	u := 1 - h.rng.Float64()
	h.rngMu.Unlock()
	level := int(math.Floor(-math.Log(u) * h.levelMult))
	return min(level, maxLevelCap)
}

func (h *HNSWIndex) entryPoint(g *graph) (int64, int) {
	h.epMu.RLock()
	defer h.epMu.RUnlock()
	return g.entry, g.maxLevel
}

func (h *HNSWIndex) queryNorm(v []float32) float32 {
	if h.metric.NeedsNorm() {
		return vmath.Norm(v)
	}
	return 0
}

func (h *HNSWIndex) distance(q []float32, qNorm float32, slot uint32) float32 {
	return h.metric.Distance(q, h.src.Vector(slot), qNorm, h.src.Norm(slot))
}

func (h *HNSWIndex) pairDistance(a, b uint32) float32 {
	return h.metric.Distance(h.src.Vector(a), h.src.Vector(b), h.src.Norm(a), h.src.Norm(b))
}

// Prepare allocates the node of slot so it can be linked later.
func (h *HNSWIndex) Prepare(slot uint32, overwrite bool) {
	h.prepare(h.g, slot, overwrite)
}

func (h *HNSWIndex) prepare(g *graph, slot uint32, overwrite bool) {
	if overwrite && g.node(slot) != nil {
		return
	}
	if int(slot) >= len(g.nodes) {
		g.nodes = append(g.nodes, make([]*node, int(slot)+1-len(g.nodes))...)
	}
	if g.nodes[slot] == nil {
		g.count++
	}
	level := h.randomLevel()
	n := &node{level: level, neighbors: make([][]uint32, level+1)}
	for l := range n.neighbors {
		n.neighbors[l] = make([]uint32, 0, h.maxNeighbors(l))
	}
	g.nodes[slot] = n
	g.deleted.Remove(slot)
}

// Link connects a prepared slot into the graph, or repairs the
// neighborhood of an overwritten one.
func (h *HNSWIndex) Link(ctx context.Context, slot uint32, overwrite bool) error {
	g := h.g
	n := g.node(slot)
	if n == nil {
		return errs.Wrapf(ErrGraphCorrupted, errs.KindInternal, "slot %d linked before prepare", slot)
	}
	if overwrite {
		return h.repair(ctx, g, slot, n)
	}
	return h.insert(ctx, g, slot, n)
}

func (h *HNSWIndex) insert(ctx context.Context, g *graph, slot uint32, n *node) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	ep, maxLevel := h.entryPoint(g)
	if ep < 0 {
		h.epMu.Lock()
		if g.entry < 0 {
			g.entry = int64(slot)
			g.maxLevel = n.level
			h.epMu.Unlock()
			return nil
		}
		ep, maxLevel = g.entry, g.maxLevel
		h.epMu.Unlock()
	}
	if ep == int64(slot) {
		return nil
	}

	q := h.src.Vector(slot)
	qNorm := h.src.Norm(slot)
	cur := Candidate{Slot: uint32(ep), Dist: h.distance(q, qNorm, uint32(ep))}

	for l := maxLevel; l > n.level; l-- {
		var err error
		if cur, err = h.greedy(g, q, qNorm, cur, l); err != nil {
			return err
		}
	}

	notSelf := func(s uint32) bool { return s != slot }
	for l := min(n.level, maxLevel); l >= 0; l-- {
		if err := checkContext(ctx); err != nil {
			return err
		}
		found, err := h.searchLayer(ctx, g, q, qNorm, []Candidate{cur}, h.efConstruct, l, notSelf)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			continue
		}
		selected := h.selectNeighbors(found, h.maxNeighbors(l))
		h.setNeighbors(g, slot, l, selected)
		for _, nb := range selected {
			if err := h.addConnection(g, nb.Slot, slot, l, nb.Dist); err != nil {
				return err
			}
		}
		cur = found[0]
	}

	if n.level > maxLevel {
		h.epMu.Lock()
		if n.level > g.maxLevel {
			g.entry = int64(slot)
			g.maxLevel = n.level
		}
		h.epMu.Unlock()
	}
	return nil
}

// repair relinks an overwritten slot. The node keeps its level; each layer's
// neighbor list is rebuilt from a fresh beam search merged with the old
// two-hop neighborhood, and the old neighbors re-run the heuristic.
func (h *HNSWIndex) repair(ctx context.Context, g *graph, slot uint32, n *node) error {
	ep, maxLevel := h.entryPoint(g)
	if ep < 0 {
		return h.insert(ctx, g, slot, n)
	}

	q := h.src.Vector(slot)
	qNorm := h.src.Norm(slot)
	cur := Candidate{Slot: uint32(ep), Dist: h.distance(q, qNorm, uint32(ep))}
	for l := maxLevel; l > n.level; l-- {
		var err error
		if cur, err = h.greedy(g, q, qNorm, cur, l); err != nil {
			return err
		}
	}

	notSelf := func(s uint32) bool { return s != slot }
	for l := min(n.level, maxLevel); l >= 0; l-- {
		if err := checkContext(ctx); err != nil {
			return err
		}

		old := h.neighborsCopy(g, slot, l)
		pool := make(map[uint32]struct{}, len(old)*4)
		for _, o := range old {
			pool[o] = struct{}{}
			for _, oo := range h.neighborsCopy(g, o, l) {
				pool[oo] = struct{}{}
			}
		}
		found, err := h.searchLayer(ctx, g, q, qNorm, []Candidate{cur}, h.efConstruct, l, notSelf)
		if err != nil {
			return err
		}
		for _, c := range found {
			pool[c.Slot] = struct{}{}
		}
		delete(pool, slot)
		if len(pool) == 0 {
			continue
		}

		cands := make([]Candidate, 0, len(pool))
		for s := range pool {
			cands = append(cands, Candidate{Slot: s, Dist: h.distance(q, qNorm, s)})
		}
		slices.SortFunc(cands, compareCandidates)

		selected := h.selectNeighbors(cands, h.maxNeighbors(l))
		h.setNeighbors(g, slot, l, selected)
		for _, nb := range selected {
			if err := h.addConnection(g, nb.Slot, slot, l, nb.Dist); err != nil {
				return err
			}
		}
		for _, o := range old {
			h.reprune(g, o, l, selected)
		}
		cur = cands[0]
	}
	return nil
}

// reprune re-runs the heuristic for target over its own neighbors plus extra.
func (h *HNSWIndex) reprune(g *graph, target uint32, layer int, extra []Candidate) {
	lock := h.lockFor(target)
	lock.Lock()
	defer lock.Unlock()

	tn := g.node(target)
	if tn == nil || layer > tn.level {
		return
	}
	seen := make(map[uint32]struct{}, len(tn.neighbors[layer])+len(extra))
	cands := make([]Candidate, 0, len(tn.neighbors[layer])+len(extra))
	add := func(s uint32) {
		if s == target {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		cands = append(cands, Candidate{Slot: s, Dist: h.pairDistance(target, s)})
	}
	for _, s := range tn.neighbors[layer] {
		add(s)
	}
	for _, c := range extra {
		add(c.Slot)
	}
	slices.SortFunc(cands, compareCandidates)
	tn.neighbors[layer] = toSlots(h.selectNeighbors(cands, h.maxNeighbors(layer)), h.maxNeighbors(layer))
}

func (h *HNSWIndex) neighborsCopy(g *graph, slot uint32, layer int) []uint32 {
	lock := h.lockFor(slot)
	lock.RLock()
	defer lock.RUnlock()
	n := g.node(slot)
	if n == nil || layer > n.level {
		return nil
	}
	return slices.Clone(n.neighbors[layer])
}

func (h *HNSWIndex) setNeighbors(g *graph, slot uint32, layer int, selected []Candidate) {
	lock := h.lockFor(slot)
	lock.Lock()
	defer lock.Unlock()
	g.nodes[slot].neighbors[layer] = toSlots(selected, h.maxNeighbors(layer))
}

// addConnection adds the edge target -> slot, pruning target with the
// heuristic when it exceeds its degree cap.
func (h *HNSWIndex) addConnection(g *graph, target, slot uint32, layer int, dist float32) error {
	lock := h.lockFor(target)
	lock.Lock()
	defer lock.Unlock()

	tn := g.node(target)
	if tn == nil {
		return errs.Wrapf(ErrGraphCorrupted, errs.KindInternal, "edge to missing node %d", target)
	}
	if layer > tn.level {
		return errs.Wrapf(ErrGraphCorrupted, errs.KindInternal, "node %d has no layer %d", target, layer)
	}

	nbs := tn.neighbors[layer]
	if slices.Contains(nbs, slot) {
		return nil
	}
	limit := h.maxNeighbors(layer)
	if len(nbs) < limit {
		tn.neighbors[layer] = append(nbs, slot)
		return nil
	}

	cands := make([]Candidate, 0, len(nbs)+1)
	for _, s := range nbs {
		cands = append(cands, Candidate{Slot: s, Dist: h.pairDistance(target, s)})
	}
	cands = append(cands, Candidate{Slot: slot, Dist: dist})
	slices.SortFunc(cands, compareCandidates)
	tn.neighbors[layer] = toSlots(h.selectNeighbors(cands, limit), limit)
	return nil
}

// selectNeighbors applies the diversity heuristic to candidates sorted
// nearest first: a candidate is kept only if it is nearer to the base than
// to every neighbor already kept. When fewer than m/2 survive, the list is
// filled up with the nearest remaining candidates.
func (h *HNSWIndex) selectNeighbors(cands []Candidate, m int) []Candidate {
	if len(cands) <= m {
		return cands
	}

	selected := make([]Candidate, 0, m)
	taken := make([]bool, len(cands))
	for i, c := range cands {
		if len(selected) >= m {
			break
		}
		diverse := true
		for _, s := range selected {
			if h.pairDistance(c.Slot, s.Slot) <= c.Dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
			taken[i] = true
		}
	}

	if len(selected) < m/2 {
		for i, c := range cands {
			if len(selected) >= m {
				break
			}
			if !taken[i] {
				selected = append(selected, c)
			}
		}
		slices.SortFunc(selected, compareCandidates)
	}
	return selected
}

// greedy walks layer from cur to a local minimum.
func (h *HNSWIndex) greedy(g *graph, q []float32, qNorm float32, cur Candidate, layer int) (Candidate, error) {
	for changed := true; changed; {
		changed = false
		lock := h.lockFor(cur.Slot)
		lock.RLock()
		n := g.node(cur.Slot)
		if n == nil {
			lock.RUnlock()
			return cur, errs.Wrapf(ErrGraphCorrupted, errs.KindInternal, "traversed missing node %d", cur.Slot)
		}
		next := cur
		if layer <= n.level {
			for _, nb := range n.neighbors[layer] {
				if d := h.distance(q, qNorm, nb); d < next.Dist {
					next = Candidate{Slot: nb, Dist: d}
				}
			}
		}
		lock.RUnlock()
		if next.Slot != cur.Slot {
			cur = next
			changed = true
		}
	}
	return cur, nil
}

// searchLayer is the beam search of width ef on one layer. Every reached
// node is expanded; only nodes passing accept enter the results.
func (h *HNSWIndex) searchLayer(
	ctx context.Context,
	g *graph,
	q []float32,
	qNorm float32,
	entries []Candidate,
	ef int,
	layer int,
	accept func(uint32) bool,
) ([]Candidate, error) {
	visited := h.visited.Get().(*bitset.BitSet)
	visited.ClearAll()
	defer h.visited.Put(visited)

	frontier := newMinQueue(ef * 2)
	results := newMaxQueue(ef + 1)
	for _, e := range entries {
		visited.Set(uint(e.Slot))
		frontier.Push(e)
		if accept == nil || accept(e.Slot) {
			results.PushBounded(e, ef)
		}
	}

	for i := 0; frontier.Len() > 0; i++ {
		if i%pollInterval == 0 {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}
		}

		c, _ := frontier.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && c.Dist > worst.Dist {
			break
		}

		lock := h.lockFor(c.Slot)
		lock.RLock()
		n := g.node(c.Slot)
		if n == nil {
			lock.RUnlock()
			return nil, errs.Wrapf(ErrGraphCorrupted, errs.KindInternal, "traversed missing node %d", c.Slot)
		}
		if layer <= n.level {
			for _, nb := range n.neighbors[layer] {
				if visited.Test(uint(nb)) {
					continue
				}
				visited.Set(uint(nb))

				d := h.distance(q, qNorm, nb)
				worst, ok := results.Top()
				if results.Len() < ef || !ok || d < worst.Dist {
					cand := Candidate{Slot: nb, Dist: d}
					frontier.Push(cand)
					if accept == nil || accept(nb) {
						results.PushBounded(cand, ef)
					}
				}
			}
		}
		lock.RUnlock()
	}
	return results.Sorted(), nil
}

// Delete marks slot deleted. The node stays in the graph until the next rebuild.
func (h *HNSWIndex) Delete(slot uint32) {
	g := h.g
	if g.node(slot) == nil {
		return
	}
	g.deleted.Add(slot)

	h.epMu.Lock()
	defer h.epMu.Unlock()
	if g.entry != int64(slot) {
		return
	}
	best, bestLevel := int64(-1), -1
	for s, n := range g.nodes {
		if n == nil || g.deleted.Contains(uint32(s)) {
			continue
		}
		if n.level > bestLevel {
			best, bestLevel = int64(s), n.level
		}
	}
	if best >= 0 {
		g.entry, g.maxLevel = best, bestLevel
	}
}

// Search returns the nearest live slots that pass the query filter.
func (h *HNSWIndex) Search(ctx context.Context, query *SearchQuery) (*SearchResult, error) {
	g := h.g
	res := &SearchResult{}
	ep, maxLevel := h.entryPoint(g)
	if ep < 0 || query.K <= 0 {
		return res, nil
	}

	q := query.Vector
	qNorm := h.queryNorm(q)
	cur := Candidate{Slot: uint32(ep), Dist: h.distance(q, qNorm, uint32(ep))}
	for l := maxLevel; l > 0; l-- {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		var err error
		if cur, err = h.greedy(g, q, qNorm, cur, l); err != nil {
			return nil, err
		}
	}

	accept := func(slot uint32) bool {
		if g.deleted.Contains(slot) {
			return false
		}
		res.Visited++
		if !query.accepts(slot) {
			return false
		}
		res.Matched++
		return true
	}

	found, err := h.searchLayer(ctx, g, q, qNorm, []Candidate{cur}, query.ef(h.efSearch), 0, accept)
	if err != nil {
		return nil, err
	}
	if len(found) > query.K {
		found = found[:query.K]
	}
	res.Candidates = found
	return res, nil
}

// Rebuild builds a fresh graph from slots and swaps it in. The old graph
// stays in place if ctx is cancelled.
func (h *HNSWIndex) Rebuild(ctx context.Context, slots iter.Seq[uint32]) error {
	g := newGraph()
	var order []uint32
	for slot := range slots {
		h.prepare(g, slot, false)
		order = append(order, slot)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, slot := range order {
		eg.Go(func() error {
			return h.insert(egCtx, g, slot, g.nodes[slot])
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	h.g = g
	h.logger.Debug("hnsw graph rebuilt", "nodes", g.count)
	return nil
}

// Retains reports whether the graph still holds a node for slot.
func (h *HNSWIndex) Retains(slot uint32) bool {
	return h.g.node(slot) != nil
}

func (h *HNSWIndex) Stats() Stats {
	g := h.g
	ep, maxLevel := h.entryPoint(g)
	levels := 0
	if ep >= 0 {
		levels = maxLevel + 1
	}
	return Stats{
		Type:       common.IndexTypeHnsw,
		Nodes:      g.count,
		Deleted:    int(g.deleted.GetCardinality()),
		Levels:     levels,
		EntryPoint: ep,
	}
}

func compareCandidates(a, b Candidate) int {
	switch {
	case nearer(a, b):
		return -1
	case nearer(b, a):
		return 1
	}
	return 0
}

func toSlots(cands []Candidate, capacity int) []uint32 {
	out := make([]uint32, len(cands), max(capacity, len(cands)))
	for i, c := range cands {
		out[i] = c.Slot
	}
	return out
}
