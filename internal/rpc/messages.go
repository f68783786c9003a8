package rpc

import (
	"vectordb/internal/common"
	"vectordb/internal/filter"
	"vectordb/internal/vecdb"
)

// Messages travel as JSON. An empty Database field addresses the default
// database.

type Empty struct{}

type CreateDatabaseRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type DatabaseRequest struct {
	Name    string `json:"name"`
	Cascade bool   `json:"cascade,omitempty"`
}

type DatabaseList struct {
	Databases []vecdb.DatabaseInfo `json:"databases"`
}

type CreateCollectionRequest struct {
	Database    string             `json:"database_name,omitempty"`
	Name        string             `json:"name"`
	Dimension   int                `json:"dimension"`
	Metric      common.Metric      `json:"metric"`
	IndexConfig common.IndexConfig `json:"index_config"`
}

type CollectionRequest struct {
	Database string `json:"database_name,omitempty"`
	Name     string `json:"name"`
}

type ListCollectionsRequest struct {
	Database string `json:"database_name,omitempty"`
}

type CollectionList struct {
	Collections []vecdb.CollectionInfo `json:"collections"`
}

type PointInput struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type UpsertRequest struct {
	Database   string       `json:"database_name,omitempty"`
	Collection string       `json:"collection_name"`
	Points     []PointInput `json:"points"`
}

type ItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type UpsertResponse struct {
	UpsertedCount int         `json:"upserted_count"`
	FailedCount   int         `json:"failed_count"`
	Errors        []ItemError `json:"errors,omitempty"`
}

type GetRequest struct {
	Database        string   `json:"database_name,omitempty"`
	Collection      string   `json:"collection_name"`
	IDs             []string `json:"ids"`
	IncludeValues   bool     `json:"include_values,omitempty"`
	IncludeMetadata *bool    `json:"include_metadata,omitempty"`
}

type GetResponse struct {
	Points []common.Point `json:"points"`
}

type DeleteRequest struct {
	Database   string            `json:"database_name,omitempty"`
	Collection string            `json:"collection_name"`
	IDs        []string          `json:"ids,omitempty"`
	Filter     *filter.Predicate `json:"filter,omitempty"`
}

type DeleteResponse struct {
	DeletedCount int `json:"deleted_count"`
}

type Query struct {
	Vector          []float32         `json:"vector"`
	TopK            int               `json:"top_k"`
	Ef              int               `json:"ef,omitempty"`
	Filter          *filter.Predicate `json:"filter,omitempty"`
	IncludeValues   bool              `json:"include_values,omitempty"`
	IncludeMetadata *bool             `json:"include_metadata,omitempty"`
}

type SearchRequest struct {
	Database   string `json:"database_name,omitempty"`
	Collection string `json:"collection_name"`
	Query
}

type SearchResponse struct {
	Matches []common.SearchMatch `json:"matches"`
}

type BatchSearchRequest struct {
	Database   string  `json:"database_name,omitempty"`
	Collection string  `json:"collection_name"`
	Queries    []Query `json:"queries"`
}

type BatchSearchEntry struct {
	Matches []common.SearchMatch `json:"matches"`
	Code    string               `json:"code,omitempty"`
	Message string               `json:"message,omitempty"`
}

type BatchSearchResponse struct {
	Results []BatchSearchEntry `json:"results"`
}
