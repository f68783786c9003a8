package store

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectordb/internal/common"
	"vectordb/internal/errs"
	"vectordb/internal/filter"
)

func newTestStore(dim int) *Store {
	return New(Options{Dimension: dim, Metric: common.MetricCosine})
}

func TestStoreUpsertValidation(t *testing.T) {
	s := newTestStore(3)

	tests := []struct {
		name   string
		id     string
		vector []float32
		ok     bool
	}{
		{"valid", "a", []float32{1, 2, 3}, true},
		{"short", "b", []float32{1, 2}, false},
		{"long", "c", []float32{1, 2, 3, 4}, false},
		{"nan", "d", []float32{1, float32(math.NaN()), 3}, false},
		{"inf", "e", []float32{1, float32(math.Inf(-1)), 3}, false},
		{"empty id", "", []float32{1, 2, 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(tt.id, tt.vector, nil)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.True(t, errs.IsInvalidArgument(err))
		})
	}
	assert.Equal(t, 1, s.Len())
}

func TestStoreRoundTripAndGeneration(t *testing.T) {
	s := newTestStore(4)
	md := common.Metadata{"category": "book", "year": int64(2020)}

	res, err := s.Upsert("p1", []float32{0.1, 0.2, 0.3, 0.4}, md)
	require.NoError(t, err)
	assert.False(t, res.Overwrite)
	assert.Equal(t, uint64(1), res.Generation)

	p, ok := s.Get("p1")
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, p.Vector)
	assert.Equal(t, md, p.Metadata)

	res2, err := s.Upsert("p1", []float32{0.5, 0.6, 0.7, 0.8}, nil)
	require.NoError(t, err)
	assert.True(t, res2.Overwrite)
	assert.Equal(t, res.Slot, res2.Slot)
	assert.Equal(t, uint64(1), res2.PriorGeneration)
	assert.Equal(t, uint64(2), res2.Generation)

	p, _ = s.Get("p1")
	assert.Equal(t, []float32{0.5, 0.6, 0.7, 0.8}, p.Vector)
	assert.Nil(t, p.Metadata)
	assert.InDelta(t, math.Sqrt(0.25+0.36+0.49+0.64), s.Norm(res.Slot), 1e-5)

	// callers cannot mutate stored rows through returned copies
	p.Vector[0] = 99
	again, _ := s.Get("p1")
	assert.Equal(t, float32(0.5), again.Vector[0])
}

func TestStoreDeleteAndReuse(t *testing.T) {
	s := newTestStore(2)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Upsert(id, []float32{1, 1}, common.Metadata{"id": id})
		require.NoError(t, err)
	}

	slot, ok := s.Delete("b", 5)
	require.True(t, ok)
	_, ok = s.Get("b")
	assert.False(t, ok)
	assert.False(t, s.IsLive(slot))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Tombstones())

	_, ok = s.Delete("b", 6)
	assert.False(t, ok)

	// epoch 5 is still observable by readers that started at or before it
	assert.Equal(t, 0, s.Reclaim(5))
	assert.Equal(t, 1, s.Reclaim(6))
	assert.Equal(t, []uint32{slot}, s.Reclaimed())

	s.Free(s.Reclaimed())
	assert.Equal(t, 0, s.Tombstones())

	res, err := s.Upsert("d", []float32{2, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, slot, res.Slot)
	assert.Equal(t, uint64(1), res.Generation)
	assert.Equal(t, 3, s.Slots())
}

func TestStoreReupsertAfterDeleteStartsFresh(t *testing.T) {
	s := newTestStore(2)
	first, err := s.Upsert("a", []float32{1, 0}, nil)
	require.NoError(t, err)
	_, _ = s.Upsert("a", []float32{0, 1}, nil)
	s.Delete("a", 1)

	res, err := s.Upsert("a", []float32{1, 1}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Slot, res.Slot)
	assert.False(t, res.Overwrite)
	assert.Equal(t, uint64(1), res.Generation)
}

func TestStoreMatchingAndDelete(t *testing.T) {
	s := newTestStore(2)
	for i, cat := range []string{"book", "film", "book", "music"} {
		_, err := s.Upsert(string(rune('a'+i)), []float32{float32(i + 1), 1}, common.Metadata{"category": cat})
		require.NoError(t, err)
	}

	books := filter.Eq("category", "book")
	var matched []string
	for slot := range s.Matching(books) {
		matched = append(matched, s.ID(slot))
	}
	assert.Equal(t, []string{"a", "c"}, matched)

	notBook := filter.Not(books)
	var deleted int
	for _, slot := range slices.Collect(s.Matching(notBook)) {
		assert.True(t, s.DeleteSlot(slot, s.Generation(slot), 1))
		deleted++
	}
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 2, s.Len())

	for slot := range s.Scan() {
		assert.True(t, s.Evaluate(slot, books))
	}
}

func TestStoreDeleteSlotChecksGeneration(t *testing.T) {
	s := newTestStore(2)
	res, err := s.Upsert("a", []float32{1, 0}, nil)
	require.NoError(t, err)
	_, err = s.Upsert("a", []float32{0, 1}, nil)
	require.NoError(t, err)

	assert.False(t, s.DeleteSlot(res.Slot, res.Generation, 1))
	assert.True(t, s.DeleteSlot(res.Slot, res.Generation+1, 1))
	assert.Equal(t, 0, s.Len())
}

func TestStoreCapacity(t *testing.T) {
	s := New(Options{Dimension: 1, Metric: common.MetricEuclidean, MaxPoints: 2})
	_, err := s.Upsert("a", []float32{1}, nil)
	require.NoError(t, err)
	_, err = s.Upsert("b", []float32{1}, nil)
	require.NoError(t, err)

	_, err = s.Upsert("c", []float32{1}, nil)
	assert.Equal(t, errs.KindResourceExhausted, errs.KindOf(err))

	// overwrites are not capacity-bound
	_, err = s.Upsert("a", []float32{2}, nil)
	assert.NoError(t, err)
}

func TestStoreGrowthKeepsVectors(t *testing.T) {
	s := newTestStore(3)
	for i := range 100 {
		_, err := s.Upsert(string(rune(0x100+i)), []float32{float32(i), 1, 2}, nil)
		require.NoError(t, err)
	}
	for i := range 100 {
		p, ok := s.Get(string(rune(0x100 + i)))
		require.True(t, ok)
		assert.Equal(t, float32(i), p.Vector[0])
	}

	var restored []common.Point
	for p := range s.Points() {
		restored = append(restored, p)
	}
	assert.Len(t, restored, 100)
}

func TestStoreRestoreKeepsGeneration(t *testing.T) {
	s := newTestStore(2)
	slot, err := s.Restore(common.Point{ID: "x", Vector: []float32{1, 2}, Generation: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.Generation(slot))

	res, err := s.Upsert("x", []float32{3, 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), res.Generation)
}

func TestStoreRestoreOverExistingID(t *testing.T) {
	tests := []struct {
		name     string
		restored uint64
		want     uint64
	}{
		{"older snapshot generation", 1, 5},
		{"newer snapshot generation", 9, 9},
		{"no snapshot generation", 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(2)
			for range 4 {
				_, err := s.Upsert("x", []float32{1, 2}, nil)
				require.NoError(t, err)
			}
			slot, ok := s.Lookup("x")
			require.True(t, ok)
			require.Equal(t, uint64(4), s.Generation(slot))

			slot, err := s.Restore(common.Point{ID: "x", Vector: []float32{3, 4}, Generation: tt.restored})
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Generation(slot))
		})
	}
}
