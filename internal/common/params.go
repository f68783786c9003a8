package common

import (
	"encoding/json"
	"strings"

	"vectordb/internal/errs"
)

// IndexType represents the type of vector index
type IndexType string

const (
	IndexTypeFlat IndexType = "flat"
	IndexTypeHnsw IndexType = "hnsw"
)

// ParseIndexType accepts the canonical lowercase names and the capitalized
// variants used by older clients.
func ParseIndexType(s string) (IndexType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hnsw":
		return IndexTypeHnsw, nil
	case "flat":
		return IndexTypeFlat, nil
	default:
		return "", errs.InvalidArgument("unsupported index type %q", s)
	}
}

func (t *IndexType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errs.InvalidArgument("index_type must be a string")
	}
	parsed, err := ParseIndexType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Metric is the distance metric of a collection
type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricEuclidean  Metric = "euclidean"
	MetricDotProduct Metric = "dot_product"
)

// ParseMetric accepts metric names case-insensitively, plus the l2, dot and ip aliases.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cosine":
		return MetricCosine, nil
	case "euclidean", "l2":
		return MetricEuclidean, nil
	case "dot_product", "dotproduct", "dot", "ip":
		return MetricDotProduct, nil
	default:
		return "", errs.InvalidArgument("unsupported metric %q", s)
	}
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errs.InvalidArgument("metric must be a string")
	}
	parsed, err := ParseMetric(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// HigherIsBetter reports the ordering of scores returned to clients.
func (m Metric) HigherIsBetter() bool {
	return m != MetricEuclidean
}

const (
	DefaultM               = 16
	DefaultEfConstruct     = 200
	DefaultEfSearchDefault = 64
	MinM                   = 4
	MaxM                   = 64
	MinDimension           = 1
	MaxDimension           = 65536
)

// IndexConfig contains index construction and search defaults
type IndexConfig struct {
	IndexType       IndexType `json:"index_type" toml:"index_type"`
	M               int       `json:"m" toml:"m"`
	EfConstruct     int       `json:"ef_construct" toml:"ef_construct"`
	EfSearchDefault int       `json:"ef_search_default" toml:"ef_search_default"`
}

// DefaultIndexConfig returns the HNSW settings used when a request omits them.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		IndexType:       IndexTypeHnsw,
		M:               DefaultM,
		EfConstruct:     DefaultEfConstruct,
		EfSearchDefault: DefaultEfSearchDefault,
	}
}

// WithDefaults fills zero fields from DefaultIndexConfig.
func (c IndexConfig) WithDefaults() IndexConfig {
	def := DefaultIndexConfig()
	if c.IndexType == "" {
		c.IndexType = def.IndexType
	}
	if c.M == 0 {
		c.M = def.M
	}
	if c.EfConstruct == 0 {
		c.EfConstruct = max(def.EfConstruct, c.M)
	}
	if c.EfSearchDefault == 0 {
		c.EfSearchDefault = def.EfSearchDefault
	}
	return c
}

// Validate checks the config against the configured bounds on m.
func (c IndexConfig) Validate(mMin, mMax int) error {
	if c.IndexType != IndexTypeHnsw && c.IndexType != IndexTypeFlat {
		return errs.InvalidArgument("unsupported index type %q", c.IndexType)
	}
	if c.M < mMin || c.M > mMax {
		return errs.InvalidArgument("m must be within [%d, %d], got %d", mMin, mMax, c.M)
	}
	if c.EfConstruct < c.M {
		return errs.InvalidArgument("ef_construct (%d) must be >= m (%d)", c.EfConstruct, c.M)
	}
	if c.EfSearchDefault < 1 {
		return errs.InvalidArgument("ef_search_default must be >= 1, got %d", c.EfSearchDefault)
	}
	return nil
}

func ValidateDimension(dim int) error {
	if dim < MinDimension || dim > MaxDimension {
		return errs.InvalidArgument("dimension must be within [%d, %d], got %d", MinDimension, MaxDimension, dim)
	}
	return nil
}
