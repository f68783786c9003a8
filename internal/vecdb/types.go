package vecdb

import (
	"time"

	"vectordb/internal/common"
	"vectordb/internal/filter"
	"vectordb/internal/index"
)

type CollectionStatus string

const (
	StatusCreating CollectionStatus = "creating"
	StatusReady    CollectionStatus = "ready"
	StatusError    CollectionStatus = "error"
)

// CollectionState tracks the index lifecycle of a collection.
type CollectionState string

const (
	StateEmpty      CollectionState = "empty"
	StateBuilding   CollectionState = "building"
	StateReady      CollectionState = "ready"
	StateCompacting CollectionState = "compacting"
)

type DatabaseInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Metadata    common.Metadata `json:"metadata,omitempty"`
	Collections int             `json:"collections_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CollectionInfo struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Database     string             `json:"database_name"`
	Dimension    int                `json:"dimension"`
	Metric       common.Metric      `json:"metric"`
	IndexConfig  common.IndexConfig `json:"index_config"`
	Status       CollectionStatus   `json:"status"`
	VectorsCount int                `json:"vectors_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type CreateCollectionParams struct {
	Name        string
	Dimension   int
	Metric      common.Metric
	IndexConfig common.IndexConfig
}

type UpsertItem struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// ItemError reports the failure of one batch entry.
type ItemError struct {
	Index int
	Err   error
}

type UpsertResult struct {
	Upserted int
	Errors   []ItemError
}

type ReadOptions struct {
	IncludeValues   bool
	IncludeMetadata bool
}

type SearchRequest struct {
	Vector []float32
	K      int
	// Ef overrides the collection's ef_search_default when positive.
	Ef     int
	Filter *filter.Predicate
	ReadOptions
}

// BatchSearchResult is the outcome of one query of a batch.
type BatchSearchResult struct {
	Matches []common.SearchMatch
	Err     error
}

type CollectionStats struct {
	Points     int              `json:"points"`
	Tombstones int              `json:"tombstones"`
	Slots      int              `json:"slots"`
	State      CollectionState  `json:"state"`
	Status     CollectionStatus `json:"status"`
	Epoch      uint64           `json:"epoch"`
	Index      index.Stats      `json:"index"`
}

type CompactResult struct {
	Reclaimed int  `json:"reclaimed"`
	Freed     int  `json:"freed"`
	Rebuilt   bool `json:"rebuilt"`
}
