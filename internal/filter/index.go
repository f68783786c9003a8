package filter

import (
	"math"
	"strconv"

	"github.com/RoaringBitmap/roaring"

	"vectordb/internal/common"
)

// MetadataIndex maps field -> canonical value -> bitmap of slots. It answers
// eq, in and exists leaves exactly and is used to narrow filtered searches.
// It is not safe for concurrent mutation.
type MetadataIndex struct {
	values map[string]map[string]*roaring.Bitmap
	exists map[string]*roaring.Bitmap
}

// NewMetadataIndex creates an empty metadata index
func NewMetadataIndex() *MetadataIndex {
	return &MetadataIndex{
		values: make(map[string]map[string]*roaring.Bitmap),
		exists: make(map[string]*roaring.Bitmap),
	}
}

// canonicalKey returns the bitmap key for a scalar. Numbers that compare
// equal share a key.
func canonicalKey(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "z:", true
	case string:
		return "s:" + t, true
	case bool:
		if t {
			return "b:1", true
		}
		return "b:0", true
	case int64:
		return "n:" + strconv.FormatInt(t, 10), true
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt64 && t < math.MaxInt64 {
			return "n:" + strconv.FormatInt(int64(t), 10), true
		}
		return "n:" + strconv.FormatFloat(t, 'g', -1, 64), true
	}
	return "", false
}

// Add indexes every field of md under slot.
func (idx *MetadataIndex) Add(slot uint32, md common.Metadata) {
	for field, v := range md {
		if v != nil {
			bm, ok := idx.exists[field]
			if !ok {
				bm = roaring.New()
				idx.exists[field] = bm
			}
			bm.Add(slot)
		}
		if arr, ok := v.([]any); ok {
			for _, item := range arr {
				idx.upsert(field, item, slot)
			}
			continue
		}
		idx.upsert(field, v, slot)
	}
}

// Remove drops slot from every bitmap md would have populated.
func (idx *MetadataIndex) Remove(slot uint32, md common.Metadata) {
	for field, v := range md {
		if bm, ok := idx.exists[field]; ok {
			bm.Remove(slot)
			if bm.IsEmpty() {
				delete(idx.exists, field)
			}
		}
		if arr, ok := v.([]any); ok {
			for _, item := range arr {
				idx.remove(field, item, slot)
			}
			continue
		}
		idx.remove(field, v, slot)
	}
}

func (idx *MetadataIndex) upsert(field string, value any, slot uint32) {
	key, ok := canonicalKey(value)
	if !ok {
		return
	}
	byValue, exists := idx.values[field]
	if !exists {
		byValue = make(map[string]*roaring.Bitmap)
		idx.values[field] = byValue
	}
	bitmap, exists := byValue[key]
	if !exists {
		bitmap = roaring.New()
		byValue[key] = bitmap
	}
	bitmap.Add(slot)
}

func (idx *MetadataIndex) remove(field string, value any, slot uint32) {
	key, ok := canonicalKey(value)
	if !ok {
		return
	}
	byValue, exists := idx.values[field]
	if !exists {
		return
	}
	bitmap, exists := byValue[key]
	if !exists {
		return
	}
	bitmap.Remove(slot)
	if bitmap.IsEmpty() {
		delete(byValue, key)
		if len(byValue) == 0 {
			delete(idx.values, field)
		}
	}
}

// Candidates returns a superset of the slots satisfying p. ok is false when
// the index cannot bound p, in which case every slot is a candidate.
func (idx *MetadataIndex) Candidates(p *Predicate) (*roaring.Bitmap, bool) {
	switch {
	case p == nil:
		return nil, false
	case p.And != nil:
		var acc *roaring.Bitmap
		for _, c := range p.And {
			bm, ok := idx.Candidates(c)
			if !ok {
				continue
			}
			if acc == nil {
				acc = bm.Clone()
			} else {
				acc.And(bm)
			}
		}
		return acc, acc != nil
	case p.Or != nil:
		acc := roaring.New()
		for _, c := range p.Or {
			bm, ok := idx.Candidates(c)
			if !ok {
				return nil, false
			}
			acc.Or(bm)
		}
		return acc, true
	case p.Not != nil:
		return nil, false
	}

	switch p.Op {
	case OpEq:
		return idx.lookup(p.Field, p.Value), true
	case OpIn:
		acc := roaring.New()
		list, _ := p.Value.([]any)
		for _, item := range list {
			acc.Or(idx.lookup(p.Field, item))
		}
		return acc, true
	case OpExists:
		if bm, ok := idx.exists[p.Field]; ok {
			return bm.Clone(), true
		}
		return roaring.New(), true
	}
	return nil, false
}

func (idx *MetadataIndex) lookup(field string, value any) *roaring.Bitmap {
	key, ok := canonicalKey(value)
	if !ok {
		return roaring.New()
	}
	if bm, ok := idx.values[field][key]; ok {
		return bm.Clone()
	}
	return roaring.New()
}
