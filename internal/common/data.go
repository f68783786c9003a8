package common

import (
	"iter"
	"time"
)

// Metadata holds normalized point attributes. Values are string, int64,
// float64, bool, nil or []any of those.
type Metadata map[string]any

// Point is a stored vector with its attributes.
type Point struct {
	ID         string    `json:"id"`
	Vector     []float32 `json:"values,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SearchMatch is one hit of a search, ordered best first.
type SearchMatch struct {
	ID       string    `json:"id"`
	Score    float32   `json:"score"`
	Vector   []float32 `json:"values,omitempty"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

// PointIterator yields points in slot order.
type PointIterator iter.Seq[Point]
