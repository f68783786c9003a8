package index

import (
	"context"
	"iter"

	"github.com/RoaringBitmap/roaring"

	"vectordb/internal/common"
	vmath "vectordb/internal/common/math"
)

// FlatIndex scans every live slot. It is exact.
type FlatIndex struct {
	src  VectorSource
	live *roaring.Bitmap
}

var _ Index = (*FlatIndex)(nil)

// NewFlatIndex creates a brute-force index over src.
func NewFlatIndex(src VectorSource) *FlatIndex {
	return &FlatIndex{
		src:  src,
		live: roaring.New(),
	}
}

func (f *FlatIndex) Prepare(slot uint32, _ bool) {
	f.live.Add(slot)
}

func (f *FlatIndex) Link(ctx context.Context, _ uint32, _ bool) error {
	return checkContext(ctx)
}

func (f *FlatIndex) Delete(slot uint32) {
	f.live.Remove(slot)
}

// Search scans every live slot.
func (f *FlatIndex) Search(ctx context.Context, query *SearchQuery) (*SearchResult, error) {
	slots := f.live
	if query.Filter != nil && query.Filter.Candidates != nil {
		slots = roaring.And(f.live, query.Filter.Candidates)
	}
	return BruteForce(ctx, f.src, bitmapSeq(slots), query)
}

func (f *FlatIndex) Rebuild(ctx context.Context, slots iter.Seq[uint32]) error {
	live := roaring.New()
	for slot := range slots {
		live.Add(slot)
	}
	f.live = live
	return checkContext(ctx)
}

// Retains is always false: the flat index keeps no per-slot state past Delete.
func (f *FlatIndex) Retains(uint32) bool {
	return false
}

func (f *FlatIndex) Stats() Stats {
	return Stats{
		Type:       common.IndexTypeFlat,
		Nodes:      int(f.live.GetCardinality()),
		EntryPoint: -1,
	}
}

// BruteForce scores every slot and keeps the k nearest accepted ones.
func BruteForce(ctx context.Context, src VectorSource, slots iter.Seq[uint32], query *SearchQuery) (*SearchResult, error) {
	var queryNorm float32
	if src.Metric().NeedsNorm() {
		queryNorm = vmath.Norm(query.Vector)
	}

	k := max(query.K, 1)
	best := newMaxQueue(k + 1)
	res := &SearchResult{}
	n := 0
	for slot := range slots {
		if n%pollInterval == 0 {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}
		}
		n++
		res.Visited++
		if !query.accepts(slot) {
			continue
		}
		res.Matched++
		best.PushBounded(Candidate{Slot: slot, Dist: distanceTo(src, query.Vector, queryNorm, slot)}, k)
	}
	res.Candidates = best.Sorted()
	return res, nil
}

func bitmapSeq(bm *roaring.Bitmap) iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		it := bm.Iterator()
		for it.HasNext() {
			if !yield(it.Next()) {
				return
			}
		}
	}
}
