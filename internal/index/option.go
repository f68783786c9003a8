package index

import "github.com/RoaringBitmap/roaring"

// SearchQuery describes one top-k request against an index.
type SearchQuery struct {
	Vector []float32
	K      int
	Hnsw   *HnswSearchOption
	Filter *FilterOption
}

type SearchOption interface {
	SetQuery(query *SearchQuery)
}

type HnswSearchOption struct {
	EfSearch int
}

func (o *HnswSearchOption) SetQuery(query *SearchQuery) {
	query.Hnsw = o
}

// FilterOption restricts which slots may enter the results. Slots that fail
// Accept are still traversed by graph indexes.
type FilterOption struct {
	Accept func(slot uint32) bool
	// Candidates, when set, is a superset of the accepted slots.
	Candidates *roaring.Bitmap
	// Overshoot widens ef to K*Overshoot for filtered graph searches.
	Overshoot int
}

func (o *FilterOption) SetQuery(query *SearchQuery) {
	query.Filter = o
}

// NewSearchQuery creates a query for the k nearest neighbors of vector.
func NewSearchQuery(vector []float32, k int) *SearchQuery {
	return &SearchQuery{
		Vector: vector,
		K:      k,
	}
}

func (q *SearchQuery) With(option SearchOption) *SearchQuery {
	option.SetQuery(q)
	return q
}

// WithFilter restricts results to slots accepted by accept.
func (q *SearchQuery) WithFilter(accept func(slot uint32) bool) *SearchQuery {
	q.Filter = &FilterOption{Accept: accept}
	return q
}

func (q *SearchQuery) accepts(slot uint32) bool {
	if q.Filter == nil || q.Filter.Accept == nil {
		return true
	}
	if q.Filter.Candidates != nil && !q.Filter.Candidates.Contains(slot) {
		return false
	}
	return q.Filter.Accept(slot)
}

// ef returns the beam width for a graph search of this query.
func (q *SearchQuery) ef(defaultEf int) int {
	ef := defaultEf
	if q.Hnsw != nil && q.Hnsw.EfSearch > 0 {
		ef = q.Hnsw.EfSearch
	}
	ef = max(ef, q.K)
	if q.Filter != nil && q.Filter.Accept != nil {
		overshoot := q.Filter.Overshoot
		if overshoot < 1 {
			overshoot = DefaultFilterOvershoot
		}
		ef = max(ef, q.K*overshoot)
	}
	return ef
}
