// Package index implements the approximate nearest neighbor indexes of a
// collection. Indexes address points by store slot and read vectors through
// a VectorSource; they never own payload.
//
// Locking contract: Prepare, Delete and Rebuild run under the collection's
// exclusive admission. Link and Search run under shared admission and may
// run concurrently with each other.
package index

import (
	"context"
	"iter"
	"log/slog"

	"vectordb/internal/common"
	"vectordb/internal/errs"
)

const (
	DefaultFilterOvershoot = 4
	DefaultLockShards      = 256
	// cancellation is polled once per this many loop iterations
	pollInterval = 64
)

// VectorSource gives an index read access to stored vectors.
type VectorSource interface {
	Dimension() int
	Metric() common.Metric
	Vector(slot uint32) []float32
	Norm(slot uint32) float32
}

type Index interface {
	// Prepare reserves graph state for slot. overwrite reports that the slot
	// already holds a linked point whose vector changed.
	Prepare(slot uint32, overwrite bool)
	// Link connects a prepared slot into the index.
	Link(ctx context.Context, slot uint32, overwrite bool) error
	// Delete hides slot from results.
	Delete(slot uint32)
	Search(ctx context.Context, query *SearchQuery) (*SearchResult, error)
	// Rebuild replaces the index contents with slots.
	Rebuild(ctx context.Context, slots iter.Seq[uint32]) error
	// Retains reports whether a deleted slot is still referenced and so
	// cannot be reused yet.
	Retains(slot uint32) bool
	Stats() Stats
}

// SearchResult holds candidates nearest first.
type SearchResult struct {
	Candidates []Candidate
	// Visited counts live nodes scored during the search; Matched counts
	// those accepted by the filter.
	Visited int
	Matched int
}

type Stats struct {
	Type       common.IndexType `json:"type"`
	Nodes      int              `json:"nodes"`
	Deleted    int              `json:"deleted"`
	Levels     int              `json:"levels"`
	EntryPoint int64            `json:"entry_point"`
}

// Options carries engine-level tuning that is not part of IndexConfig.
type Options struct {
	LockShards int
	Seed       int64
	Logger     *slog.Logger
}

// NewIndex creates the index named by cfg.IndexType.
func NewIndex(cfg common.IndexConfig, src VectorSource, opts Options) (Index, error) {
	switch cfg.IndexType {
	case common.IndexTypeFlat:
		return NewFlatIndex(src), nil
	case common.IndexTypeHnsw:
		return NewHNSWIndex(cfg, src, opts)
	default:
		return nil, errs.InvalidArgument("unsupported index type %q", cfg.IndexType)
	}
}

func distanceTo(src VectorSource, query []float32, queryNorm float32, slot uint32) float32 {
	return src.Metric().Distance(query, src.Vector(slot), queryNorm, src.Norm(slot))
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	return nil
}
