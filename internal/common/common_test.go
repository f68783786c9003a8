package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectordb/internal/errs"
)

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"cosine", MetricCosine, false},
		{"Cosine", MetricCosine, false},
		{"Euclidean", MetricEuclidean, false},
		{"l2", MetricEuclidean, false},
		{"DotProduct", MetricDotProduct, false},
		{"dot_product", MetricDotProduct, false},
		{"manhattan", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMetric(tt.in)
			if tt.wantErr {
				assert.True(t, errs.IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndexConfigDefaultsAndValidate(t *testing.T) {
	cfg := IndexConfig{}.WithDefaults()
	assert.Equal(t, DefaultIndexConfig(), cfg)
	require.NoError(t, cfg.Validate(MinM, MaxM))

	tests := []struct {
		name string
		cfg  IndexConfig
	}{
		{"m too small", IndexConfig{IndexType: IndexTypeHnsw, M: 2, EfConstruct: 10, EfSearchDefault: 10}},
		{"m too large", IndexConfig{IndexType: IndexTypeHnsw, M: 65, EfConstruct: 100, EfSearchDefault: 10}},
		{"ef_construct below m", IndexConfig{IndexType: IndexTypeHnsw, M: 16, EfConstruct: 8, EfSearchDefault: 10}},
		{"ef_search zero", IndexConfig{IndexType: IndexTypeFlat, M: 16, EfConstruct: 16, EfSearchDefault: 0}},
		{"unknown type", IndexConfig{IndexType: "ivf", M: 16, EfConstruct: 16, EfSearchDefault: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errs.IsInvalidArgument(tt.cfg.Validate(MinM, MaxM)))
		})
	}
}

func TestIndexConfigUnmarshal(t *testing.T) {
	var cfg IndexConfig
	require.NoError(t, json.Unmarshal([]byte(`{"index_type":"Flat","m":8}`), &cfg))
	assert.Equal(t, IndexTypeFlat, cfg.IndexType)
	assert.Equal(t, 8, cfg.M)

	assert.Error(t, json.Unmarshal([]byte(`{"index_type":"ivf"}`), &cfg))
}

func TestNormalizeMetadata(t *testing.T) {
	in := map[string]any{
		"count":    json.Number("42"),
		"price":    json.Number("9.5"),
		"small":    int32(7),
		"name":     "book",
		"tags":     []any{"a", json.Number("1")},
		"optional": nil,
		"flag":     true,
	}

	out, err := NormalizeMetadata(in)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["count"])
	assert.Equal(t, 9.5, out["price"])
	assert.Equal(t, int64(7), out["small"])
	assert.Equal(t, "book", out["name"])
	assert.Equal(t, []any{"a", int64(1)}, out["tags"])
	assert.Nil(t, out["optional"])
	assert.Equal(t, true, out["flag"])
}

func TestNormalizeMetadataRejects(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"nested object", map[string]any{"a": map[string]any{"b": 1}}},
		{"nested array", map[string]any{"a": []any{[]any{1}}}},
		{"empty key", map[string]any{"": "x"}},
		{"unsupported type", map[string]any{"a": struct{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeMetadata(tt.in)
			assert.True(t, errs.IsInvalidArgument(err))
		})
	}
}

func TestMetricScore(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0.6, 0.8, 0, 0}

	d := MetricEuclidean.Distance(a, b, 0, 0)
	assert.InDelta(t, 0.8944, MetricEuclidean.Score(d), 1e-3)

	d = MetricDotProduct.Distance(a, b, 0, 0)
	assert.InDelta(t, 0.6, MetricDotProduct.Score(d), 1e-6)

	d = MetricCosine.Distance(a, b, 1, 1)
	assert.InDelta(t, 0.4, d, 1e-6)
	assert.InDelta(t, 0.6, MetricCosine.Score(d), 1e-6)
}

func TestJSONUnmarshalKeepsNumbers(t *testing.T) {
	type doc struct {
		Metadata map[string]any `json:"metadata"`
	}
	d, err := JSONUnmarshal[doc]([]byte(`{"metadata": {"stock": 4, "price": 9.5}}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("4"), d.Metadata["stock"])

	md, err := NormalizeMetadata(d.Metadata)
	require.NoError(t, err)
	assert.Equal(t, int64(4), md["stock"])
	assert.Equal(t, 9.5, md["price"])

	_, err = JSONUnmarshal[doc]([]byte(`{"metadata":`))
	assert.Error(t, err)
}
