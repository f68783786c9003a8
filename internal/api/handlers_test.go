package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"vectordb/internal/vecdb"
)

func setupRouter(t *testing.T, opts Options) (*gin.Engine, *vecdb.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := vecdb.Open(context.Background(), vecdb.Options{CompactionInterval: -1, Seed: 1})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return NewRouter(reg, opts), reg
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func seedProducts(t *testing.T, h http.Handler, prefix string) {
	t.Helper()
	w := do(t, h, http.MethodPost, prefix+"/collections", `{
		"name": "products",
		"dimension": 4,
		"metric": "Euclidean",
		"index_config": {"index_type": "hnsw", "m": 16}
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, prefix+"/collections/products/vectors/upsert", `{
		"vectors": [
			{"id": "p1", "values": [0.1, 0.2, 0.3, 0.4], "metadata": {"category": "book", "stock": 3}},
			{"id": "p2", "values": [0.15, 0.25, 0.35, 0.45], "metadata": {"category": "toy"}},
			{"id": "p3", "values": [0.9, 0.8, 0.7, 0.6], "metadata": {"category": "book"}}
		]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[UpsertResponse](t, w)
	require.Equal(t, 3, resp.UpsertedCount)
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t, Options{})
	w := do(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Databases: 1, Collections: 0}, decode[HealthResponse](t, w))
}

func TestCollectionLifecycle(t *testing.T) {
	router, _ := setupRouter(t, Options{})
	seedProducts(t, router, "")

	w := do(t, router, http.MethodGet, "/collections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[CollectionListResponse](t, w)
	require.Len(t, list.Collections, 1)
	assert.Equal(t, "default", list.Collections[0].Database)
	assert.Equal(t, 3, list.Collections[0].VectorsCount)

	w = do(t, router, http.MethodGet, "/databases/default/collections/products", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "euclidean", string(decode[vecdb.CollectionInfo](t, w).Metric))

	w = do(t, router, http.MethodPost, "/collections", `{"name": "products", "dimension": 4, "metric": "cosine"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_exists", decode[ErrorResponse](t, w).Error)

	w = do(t, router, http.MethodDelete, "/collections/products", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodGet, "/collections/products", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, w).Error)
}

func TestCreateCollectionErrors(t *testing.T) {
	router, _ := setupRouter(t, Options{})

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"malformed json", "/collections", `{"name":`, http.StatusBadRequest, "invalid_argument"},
		{"empty body", "/collections", "", http.StatusBadRequest, "invalid_argument"},
		{"unknown metric", "/collections", `{"name": "x", "dimension": 2, "metric": "hamming"}`, http.StatusBadRequest, "invalid_argument"},
		{"zero dimension", "/collections", `{"name": "x", "dimension": 0, "metric": "cosine"}`, http.StatusBadRequest, "invalid_argument"},
		{"ef below m", "/collections", `{"name": "x", "dimension": 2, "metric": "cosine", "index_config": {"m": 32, "ef_construct": 8}}`, http.StatusBadRequest, "invalid_argument"},
		{"unknown database", "/databases/nope/collections", `{"name": "x", "dimension": 2, "metric": "cosine"}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestSearch(t *testing.T) {
	router, _ := setupRouter(t, Options{})
	seedProducts(t, router, "")

	w := do(t, router, http.MethodPost, "/collections/products/search", `{"vector": [0.1, 0.2, 0.3, 0.4], "top_k": 2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SearchResponse](t, w)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "p1", resp.Matches[0].ID)
	assert.Equal(t, "p2", resp.Matches[1].ID)
	assert.InDelta(t, 0.1, resp.Matches[1].Score, 1e-5)
	assert.Nil(t, resp.Matches[0].Vector)
	assert.Equal(t, "book", resp.Matches[0].Metadata["category"])

	// aliases, include flags and the shorthand filter
	w = do(t, router, http.MethodPost, "/collections/products/search", `{
		"query": [0.15, 0.25, 0.35, 0.45],
		"k": 5,
		"filter": {"category": "book"},
		"include_values": true,
		"include_metadata": false
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[SearchResponse](t, w)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "p1", resp.Matches[0].ID)
	assert.Equal(t, "p3", resp.Matches[1].ID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, resp.Matches[0].Vector)
	assert.Nil(t, resp.Matches[0].Metadata)

	w = do(t, router, http.MethodPost, "/collections/products/search", `{"vector": [1, 2], "top_k": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/collections/products/search", `{"vector": [1, 2, 3, 4], "top_k": 1, "filter": {"field": "x", "op": "like", "value": 1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchSearch(t *testing.T) {
	router, _ := setupRouter(t, Options{})
	seedProducts(t, router, "")

	w := do(t, router, http.MethodPost, "/collections/products/search/batch", `{"queries": [
		{"vector": [0.9, 0.8, 0.7, 0.6], "top_k": 1},
		{"vector": [0.9], "top_k": 1},
		{"vector": [0.1, 0.2, 0.3, 0.4], "top_k": 1}
	]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[BatchSearchResponse](t, w)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "p3", resp.Results[0].Matches[0].ID)
	assert.Equal(t, "invalid_argument", resp.Results[1].Error)
	assert.Empty(t, resp.Results[1].Matches)
	assert.Equal(t, "p1", resp.Results[2].Matches[0].ID)
}

func TestPointsEndpoints(t *testing.T) {
	router, _ := setupRouter(t, Options{})
	seedProducts(t, router, "")

	w := do(t, router, http.MethodPost, "/collections/products/vectors/upsert", `{"vectors": [
		{"id": "p1", "values": [0.5, 0.5, 0.5, 0.5], "metadata": {"category": "book", "stock": 2}},
		{"id": "bad", "values": [0.5]},
		{"id": "", "values": [1, 1, 1, 1]}
	]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	up := decode[UpsertResponse](t, w)
	assert.Equal(t, 1, up.UpsertedCount)
	assert.Equal(t, 2, up.FailedCount)
	require.Len(t, up.Errors, 2)
	assert.Equal(t, 1, up.Errors[0].Index)
	assert.Equal(t, "invalid_argument", up.Errors[0].Error)
	assert.Equal(t, 2, up.Errors[1].Index)

	w = do(t, router, http.MethodGet, "/collections/products/vectors?ids=p1,missing&ids=p3&include_values=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[GetPointsResponse](t, w)
	require.Len(t, got.Points, 2)
	assert.Equal(t, "p1", got.Points[0].ID)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, got.Points[0].Vector)
	assert.Equal(t, uint64(2), got.Points[0].Generation)
	assert.EqualValues(t, 2, got.Points[0].Metadata["stock"])

	w = do(t, router, http.MethodGet, "/collections/products/vectors", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, router, http.MethodGet, "/collections/products/vectors?ids=p1&include_values=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodDelete, "/collections/products/vectors", `{"ids": ["p2", "nope"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[DeleteResponse](t, w).DeletedCount)

	w = do(t, router, http.MethodDelete, "/collections/products/vectors", `{"filter": {"field": "category", "op": "eq", "value": "book"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[DeleteResponse](t, w).DeletedCount)

	w = do(t, router, http.MethodDelete, "/collections/products/vectors", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, router, http.MethodDelete, "/collections/products/vectors", `{"ids": ["a"], "filter": {"a": 1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/collections/products/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[vecdb.CollectionStats](t, w)
	assert.Equal(t, 0, stats.Points)
	assert.Equal(t, 3, stats.Tombstones)

	w = do(t, router, http.MethodPost, "/collections/products/compact?force=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[vecdb.CompactResult](t, w)
	assert.Equal(t, 3, res.Reclaimed)
	assert.True(t, res.Rebuilt)

	w = do(t, router, http.MethodPost, "/collections/missing/vectors/upsert", `{"vectors": [{"id": "a", "values": [1]}]}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDatabaseEndpoints(t *testing.T) {
	router, _ := setupRouter(t, Options{})

	w := do(t, router, http.MethodPost, "/databases", `{"name": "shop", "description": "store", "metadata": {"tier": "gold"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, router, http.MethodPost, "/databases", `{"name": "bad name"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	seedProducts(t, router, "/databases/shop")
	w = do(t, router, http.MethodPost, "/databases/shop/collections/products/search", `{"vector": [0.1, 0.2, 0.3, 0.4], "top_k": 1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", decode[SearchResponse](t, w).Matches[0].ID)

	// the bare routes address the default database only
	w = do(t, router, http.MethodGet, "/collections/products", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/databases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	dbs := decode[DatabaseListResponse](t, w)
	require.Len(t, dbs.Databases, 2)
	assert.Equal(t, "default", dbs.Databases[0].Name)
	assert.Equal(t, 1, dbs.Databases[1].Collections)

	w = do(t, router, http.MethodDelete, "/databases/shop", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "failed_precondition", decode[ErrorResponse](t, w).Error)
	w = do(t, router, http.MethodDelete, "/databases/shop?cascade=true", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodGet, "/databases/shop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConcurrencyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, nil)
	sem := semaphore.NewWeighted(1)
	router := gin.New()
	router.GET("/limited", h.limitConcurrency(sem), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	require.True(t, sem.TryAcquire(1))
	w := do(t, router, http.MethodGet, "/limited", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "resource_exhausted", decode[ErrorResponse](t, w).Error)

	sem.Release(1)
	w = do(t, router, http.MethodGet, "/limited", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(withTimeout(time.Millisecond))
	router.GET("/wait", func(c *gin.Context) {
		<-c.Request.Context().Done()
		c.Status(http.StatusGatewayTimeout)
	})
	w := do(t, router, http.MethodGet, "/wait", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestCORS(t *testing.T) {
	router, _ := setupRouter(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	WithCORS(router).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
