package api

import (
	"vectordb/internal/common"
	"vectordb/internal/filter"
	"vectordb/internal/vecdb"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Databases   int    `json:"databases"`
	Collections int    `json:"collections"`
}

type CreateDatabaseRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type DatabaseListResponse struct {
	Databases []vecdb.DatabaseInfo `json:"databases"`
}

type CreateCollectionRequest struct {
	Name        string             `json:"name"`
	Dimension   int                `json:"dimension"`
	Metric      common.Metric      `json:"metric"`
	IndexConfig common.IndexConfig `json:"index_config"`
}

type CollectionListResponse struct {
	Collections []vecdb.CollectionInfo `json:"collections"`
}

type PointInput struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type UpsertRequest struct {
	Vectors []PointInput `json:"vectors"`
}

type UpsertError struct {
	Index   int    `json:"index"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type UpsertResponse struct {
	UpsertedCount int           `json:"upserted_count"`
	FailedCount   int           `json:"failed_count"`
	Errors        []UpsertError `json:"errors,omitempty"`
}

type GetPointsResponse struct {
	Points []common.Point `json:"points"`
}

// DeleteRequest selects points by ids or by filter, never both.
type DeleteRequest struct {
	IDs    []string          `json:"ids,omitempty"`
	Filter *filter.Predicate `json:"filter,omitempty"`
}

type DeleteResponse struct {
	DeletedCount int `json:"deleted_count"`
}

// SearchRequest accepts "query" as an alias of "vector" and "k" as an alias
// of "top_k".
type SearchRequest struct {
	Vector          []float32         `json:"vector"`
	Query           []float32         `json:"query,omitempty"`
	TopK            int               `json:"top_k"`
	K               int               `json:"k,omitempty"`
	Ef              int               `json:"ef,omitempty"`
	Filter          *filter.Predicate `json:"filter,omitempty"`
	IncludeValues   *bool             `json:"include_values,omitempty"`
	IncludeMetadata *bool             `json:"include_metadata,omitempty"`
}

type SearchResponse struct {
	Matches []common.SearchMatch `json:"matches"`
}

type BatchSearchRequest struct {
	Queries []SearchRequest `json:"queries"`
}

// BatchSearchEntry carries either the matches or the error of one query.
type BatchSearchEntry struct {
	Matches []common.SearchMatch `json:"matches"`
	Error   string               `json:"error,omitempty"`
	Message string               `json:"message,omitempty"`
}

type BatchSearchResponse struct {
	Results []BatchSearchEntry `json:"results"`
}
