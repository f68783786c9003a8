// Package store holds the per-collection point table: the id index, the
// slot-addressed vector arena and the per-slot payload.
//
// A Store performs no locking of its own. Mutating methods require the
// owning collection's exclusive admission; read methods require at least
// shared admission.
package store

import (
	"iter"
	"time"

	"github.com/RoaringBitmap/roaring"

	"vectordb/internal/common"
	vmath "vectordb/internal/common/math"
	"vectordb/internal/errs"
	"vectordb/internal/filter"
)

const initialCapacity = 16

// Options configures a Store.
type Options struct {
	Dimension int
	Metric    common.Metric
	// MaxPoints bounds the number of live points; zero means unbounded.
	MaxPoints int
}

// UpsertResult tells the index layer whether a slot is new or overwritten.
type UpsertResult struct {
	Slot            uint32
	Generation      uint64
	PriorGeneration uint64
	Overwrite       bool
}

type Store struct {
	dim       int
	metric    common.Metric
	maxPoints int

	ids         map[string]uint32
	vectors     *vmath.Matrix32
	norms       []float32
	slotIDs     []string
	metadata    []common.Metadata
	generations []uint64
	createdAt   []time.Time
	updatedAt   []time.Time

	live      *roaring.Bitmap
	tombstone *roaring.Bitmap
	// delete epoch of tombstoned slots whose payload is still held
	pending map[uint32]uint64
	// tombstoned slots whose payload is released but which an index may
	// still reference
	reclaimed *roaring.Bitmap
	free      []uint32

	mdIndex *filter.MetadataIndex
	now     func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{
		dim:       opts.Dimension,
		metric:    opts.Metric,
		maxPoints: opts.MaxPoints,
		ids:       make(map[string]uint32),
		vectors:   vmath.NewMatrix32(opts.Dimension, initialCapacity),
		live:      roaring.New(),
		tombstone: roaring.New(),
		pending:   make(map[uint32]uint64),
		reclaimed: roaring.New(),
		mdIndex:   filter.NewMetadataIndex(),
		now:       time.Now,
	}
}

// Dimension returns the fixed vector length.
func (s *Store) Dimension() int {
	return s.dim
}

// Metric returns the distance metric vectors are stored for.
func (s *Store) Metric() common.Metric {
	return s.metric
}

// Len returns the number of live points.
func (s *Store) Len() int {
	return int(s.live.GetCardinality())
}

// Slots returns the number of allocated slots, live or not.
func (s *Store) Slots() int {
	return s.vectors.Rows
}

// Tombstones returns the number of deleted slots not yet freed.
func (s *Store) Tombstones() int {
	return int(s.tombstone.GetCardinality())
}

// ValidateVector checks length and finiteness.
func (s *Store) ValidateVector(v []float32) error {
	if len(v) != s.dim {
		return errs.InvalidArgument("vector dimension mismatch: expected %d, got %d", s.dim, len(v))
	}
	if !vmath.IsFinite(v) {
		return errs.InvalidArgument("vector components must be finite")
	}
	return nil
}

// Upsert inserts a new point or overwrites an existing one in place.
func (s *Store) Upsert(id string, vector []float32, md common.Metadata) (UpsertResult, error) {
	if id == "" {
		return UpsertResult{}, errs.InvalidArgument("point id must be non-empty")
	}
	if err := s.ValidateVector(vector); err != nil {
		return UpsertResult{}, errs.Wrap(err, errs.KindInvalidArgument, "invalid vector", errs.FieldID(id))
	}

	now := s.now()
	if slot, ok := s.ids[id]; ok {
		prior := s.generations[slot]
		s.mdIndex.Remove(slot, s.metadata[slot])
		s.writeRow(slot, vector)
		s.metadata[slot] = md.Clone()
		s.mdIndex.Add(slot, s.metadata[slot])
		s.generations[slot] = prior + 1
		s.updatedAt[slot] = now
		return UpsertResult{Slot: slot, Generation: prior + 1, PriorGeneration: prior, Overwrite: true}, nil
	}

	if s.maxPoints > 0 && s.Len() >= s.maxPoints {
		return UpsertResult{}, errs.ResourceExhausted("collection capacity of %d points reached", s.maxPoints)
	}

	slot := s.allocate()
	s.ids[id] = slot
	s.slotIDs[slot] = id
	s.writeRow(slot, vector)
	s.metadata[slot] = md.Clone()
	s.mdIndex.Add(slot, s.metadata[slot])
	s.generations[slot] = 1
	s.createdAt[slot] = now
	s.updatedAt[slot] = now
	s.live.Add(slot)
	return UpsertResult{Slot: slot, Generation: 1}, nil
}

// Restore inserts p with its stored generation and timestamps. Used when
// loading snapshots.
func (s *Store) Restore(p common.Point) (uint32, error) {
	res, err := s.Upsert(p.ID, p.Vector, p.Metadata)
	if err != nil {
		return 0, err
	}
	// generations never move backwards for an id already present
	if p.Generation > res.Generation || (p.Generation > 0 && !res.Overwrite) {
		s.generations[res.Slot] = p.Generation
	}
	if !p.CreatedAt.IsZero() {
		s.createdAt[res.Slot] = p.CreatedAt
	}
	if !p.UpdatedAt.IsZero() {
		s.updatedAt[res.Slot] = p.UpdatedAt
	}
	return res.Slot, nil
}

func (s *Store) writeRow(slot uint32, v []float32) {
	copy(s.vectors.Row(int(slot)), v)
	if s.metric.NeedsNorm() {
		s.norms[slot] = vmath.Norm(v)
	}
}

// allocate pops the freelist or bumps, doubling capacity when full.
func (s *Store) allocate() uint32 {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}

	slot := uint32(s.vectors.Rows)
	s.vectors.Grow(int(slot) + 1)
	s.norms = append(s.norms, 0)
	s.slotIDs = append(s.slotIDs, "")
	s.metadata = append(s.metadata, nil)
	s.generations = append(s.generations, 0)
	s.createdAt = append(s.createdAt, time.Time{})
	s.updatedAt = append(s.updatedAt, time.Time{})
	return slot
}

// Get returns a copy of the live point id.
func (s *Store) Get(id string) (common.Point, bool) {
	slot, ok := s.ids[id]
	if !ok {
		return common.Point{}, false
	}
	return s.Point(slot), true
}

// Lookup returns the slot of a live id.
func (s *Store) Lookup(id string) (uint32, bool) {
	slot, ok := s.ids[id]
	return slot, ok
}

// Point copies the payload of slot.
func (s *Store) Point(slot uint32) common.Point {
	return common.Point{
		ID:         s.slotIDs[slot],
		Vector:     append([]float32(nil), s.vectors.Row(int(slot))...),
		Metadata:   s.metadata[slot].Clone(),
		Generation: s.generations[slot],
		CreatedAt:  s.createdAt[slot],
		UpdatedAt:  s.updatedAt[slot],
	}
}

// ID returns the id stored at slot.
func (s *Store) ID(slot uint32) string {
	return s.slotIDs[slot]
}

// Metadata returns the stored metadata of slot without copying.
func (s *Store) Metadata(slot uint32) common.Metadata {
	return s.metadata[slot]
}

// Generation returns the current generation of slot.
func (s *Store) Generation(slot uint32) uint64 {
	return s.generations[slot]
}

// Vector returns a view of the stored row. Callers must not retain it past
// their admission.
func (s *Store) Vector(slot uint32) []float32 {
	return s.vectors.Row(int(slot))
}

// Norm returns the cached norm of slot, or 0 when norms are not kept.
func (s *Store) Norm(slot uint32) float32 {
	if int(slot) >= len(s.norms) {
		return 0
	}
	return s.norms[slot]
}

// IsLive reports whether slot holds a point that is not tombstoned.
func (s *Store) IsLive(slot uint32) bool {
	return s.live.Contains(slot)
}

// Delete tombstones id, stamping it with the delete epoch.
func (s *Store) Delete(id string, epoch uint64) (uint32, bool) {
	slot, ok := s.ids[id]
	if !ok {
		return 0, false
	}
	s.deleteSlot(slot, epoch)
	return slot, true
}

// DeleteSlot tombstones slot if its generation still equals gen.
func (s *Store) DeleteSlot(slot uint32, gen uint64, epoch uint64) bool {
	if !s.live.Contains(slot) || s.generations[slot] != gen {
		return false
	}
	s.deleteSlot(slot, epoch)
	return true
}

func (s *Store) deleteSlot(slot uint32, epoch uint64) {
	delete(s.ids, s.slotIDs[slot])
	s.mdIndex.Remove(slot, s.metadata[slot])
	s.generations[slot]++
	s.live.Remove(slot)
	s.tombstone.Add(slot)
	s.pending[slot] = epoch
}

// Scan enumerates live slots in ascending order.
func (s *Store) Scan() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		it := s.live.Iterator()
		for it.HasNext() {
			if !yield(it.Next()) {
				return
			}
		}
	}
}

// Matching enumerates live slots satisfying p, narrowed by the metadata
// index when it can bound p.
func (s *Store) Matching(p *filter.Predicate) iter.Seq[uint32] {
	if p == nil {
		return s.Scan()
	}
	cands, ok := s.Candidates(p)
	return func(yield func(uint32) bool) {
		var it roaring.IntPeekable
		if ok {
			it = cands.Iterator()
		} else {
			it = s.live.Iterator()
		}
		for it.HasNext() {
			slot := it.Next()
			if s.Evaluate(slot, p) && !yield(slot) {
				return
			}
		}
	}
}

// Points enumerates copies of the live points.
func (s *Store) Points() common.PointIterator {
	return func(yield func(common.Point) bool) {
		for slot := range s.Scan() {
			if !yield(s.Point(slot)) {
				return
			}
		}
	}
}

// Evaluate applies p to the metadata of a live slot.
func (s *Store) Evaluate(slot uint32, p *filter.Predicate) bool {
	if !s.live.Contains(slot) {
		return false
	}
	return p.Evaluate(s.metadata[slot])
}

// Candidates returns live slots that may satisfy p, or ok=false when the
// metadata index cannot bound p.
func (s *Store) Candidates(p *filter.Predicate) (*roaring.Bitmap, bool) {
	bm, ok := s.mdIndex.Candidates(p)
	if !ok {
		return nil, false
	}
	bm.And(s.live)
	return bm, true
}

// Reclaim releases the payload of tombstones whose delete epoch is older
// than minEpoch. The slots stay allocated until Free.
func (s *Store) Reclaim(minEpoch uint64) int {
	n := 0
	for slot, epoch := range s.pending {
		if epoch >= minEpoch {
			continue
		}
		s.metadata[slot] = nil
		s.slotIDs[slot] = ""
		delete(s.pending, slot)
		s.reclaimed.Add(slot)
		n++
	}
	return n
}

// Reclaimed lists slots whose payload has been released.
func (s *Store) Reclaimed() []uint32 {
	return s.reclaimed.ToArray()
}

// Free returns reclaimed slots to the freelist.
func (s *Store) Free(slots []uint32) {
	for _, slot := range slots {
		if !s.reclaimed.Contains(slot) {
			continue
		}
		s.reclaimed.Remove(slot)
		s.tombstone.Remove(slot)
		s.vectors.ZeroRow(int(slot))
		s.norms[slot] = 0
		s.generations[slot] = 0
		s.createdAt[slot] = time.Time{}
		s.updatedAt[slot] = time.Time{}
		s.free = append(s.free, slot)
	}
}
