package vecdb

import (
	"log/slog"
	"runtime"
	"time"

	"vectordb/internal/common"
	"vectordb/internal/index"
)

const (
	DefaultDatabase            = "default"
	DefaultBruteForceThreshold = 0.1
	DefaultCompactionThreshold = 0.2
	DefaultCompactionInterval  = 30 * time.Second
)

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	// DataDir enables persistence when non-empty.
	DataDir string
	// WorkerSlots bounds concurrent CPU-bound index work across collections.
	WorkerSlots int64
	// MaxPointsPerCollection caps live points per collection; zero is unbounded.
	MaxPointsPerCollection int
	HnswMMin               int
	HnswMMax               int
	FilterOvershoot        int
	// BruteForceThreshold is the matching fraction below which a filtered
	// search scans candidates exactly instead of walking the graph.
	BruteForceThreshold float64
	// CompactionThreshold is the deleted/nodes ratio that triggers a rebuild.
	CompactionThreshold float64
	// CompactionInterval is the background compactor period; negative disables it.
	CompactionInterval time.Duration
	LockShards         int
	WALFsync           bool
	DefaultDatabase    string
	// Seed fixes HNSW level assignment when non-zero.
	Seed   int64
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WorkerSlots <= 0 {
		o.WorkerSlots = int64(runtime.GOMAXPROCS(0))
	}
	if o.HnswMMin <= 0 {
		o.HnswMMin = common.MinM
	}
	if o.HnswMMax <= 0 {
		o.HnswMMax = common.MaxM
	}
	if o.FilterOvershoot <= 0 {
		o.FilterOvershoot = index.DefaultFilterOvershoot
	}
	if o.BruteForceThreshold <= 0 {
		o.BruteForceThreshold = DefaultBruteForceThreshold
	}
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = DefaultCompactionThreshold
	}
	if o.CompactionInterval == 0 {
		o.CompactionInterval = DefaultCompactionInterval
	}
	if o.LockShards <= 0 {
		o.LockShards = index.DefaultLockShards
	}
	if o.DefaultDatabase == "" {
		o.DefaultDatabase = DefaultDatabase
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
