package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"vectordb/internal/errs"
	"vectordb/internal/vecdb"
)

// Handler adapts HTTP requests to registry calls. The URL path names the
// database and collection; request bodies never override it.
type Handler struct {
	registry *vecdb.Registry
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler set for registry.
func NewHandler(registry *vecdb.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   string(errs.KindOrInternal(err)),
		Message: errs.Message(err),
	})
}

// bindJSON decodes the body keeping integer metadata distinct from floats.
func bindJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return errs.InvalidArgument("request body is required")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errs.KindOf(err) != "" {
			return err
		}
		return errs.Wrap(err, errs.KindInvalidArgument, "invalid request body")
	}
	return nil
}

func (h *Handler) database(c *gin.Context) string {
	if db := c.Param("db"); db != "" {
		return db
	}
	return h.registry.DefaultDatabase()
}

func (h *Handler) collection(c *gin.Context) (*vecdb.Collection, bool) {
	coll, err := h.registry.Collection(h.database(c), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return coll, true
}

func queryBool(c *gin.Context, key string, def bool) (bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errs.InvalidArgument("query parameter %s must be a boolean, got %q", key, raw)
	}
	return v, nil
}

func (h *Handler) HandleHealth(c *gin.Context) {
	dbs, colls := h.registry.Counts()
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Databases: dbs, Collections: colls})
}

func (h *Handler) HandleCreateDatabase(c *gin.Context) {
	var req CreateDatabaseRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.registry.CreateDatabase(req.Name, req.Description, req.Metadata)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handler) HandleListDatabases(c *gin.Context) {
	c.JSON(http.StatusOK, DatabaseListResponse{Databases: h.registry.ListDatabases()})
}

func (h *Handler) HandleGetDatabase(c *gin.Context) {
	info, err := h.registry.GetDatabase(c.Param("db"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) HandleDeleteDatabase(c *gin.Context) {
	cascade, err := queryBool(c, "cascade", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.registry.DeleteDatabase(c.Param("db"), cascade); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) HandleCreateCollection(c *gin.Context) {
	var req CreateCollectionRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.registry.CreateCollection(h.database(c), vecdb.CreateCollectionParams{
		Name:        req.Name,
		Dimension:   req.Dimension,
		Metric:      req.Metric,
		IndexConfig: req.IndexConfig,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handler) HandleListCollections(c *gin.Context) {
	infos, err := h.registry.ListCollections(h.database(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CollectionListResponse{Collections: infos})
}

func (h *Handler) HandleGetCollection(c *gin.Context) {
	info, err := h.registry.GetCollection(h.database(c), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) HandleDeleteCollection(c *gin.Context) {
	if err := h.registry.DeleteCollection(h.database(c), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) HandleUpsert(c *gin.Context) {
	var req UpsertRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if len(req.Vectors) == 0 {
		h.fail(c, errs.InvalidArgument("vectors must not be empty"))
		return
	}
	coll, ok := h.collection(c)
	if !ok {
		return
	}

	items := lo.Map(req.Vectors, func(p PointInput, _ int) vecdb.UpsertItem {
		return vecdb.UpsertItem{ID: p.ID, Vector: p.Values, Metadata: p.Metadata}
	})
	res, err := coll.Upsert(c.Request.Context(), items)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := UpsertResponse{UpsertedCount: res.Upserted, FailedCount: len(res.Errors)}
	for _, ie := range res.Errors {
		resp.Errors = append(resp.Errors, UpsertError{
			Index:   ie.Index,
			Error:   string(errs.KindOrInternal(ie.Err)),
			Message: errs.Message(ie.Err),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) HandleGetPoints(c *gin.Context) {
	var ids []string
	for _, raw := range c.QueryArray("ids") {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		h.fail(c, errs.InvalidArgument("ids query parameter is required"))
		return
	}
	opts, err := readOptions(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	coll, ok := h.collection(c)
	if !ok {
		return
	}

	points, err := coll.Get(c.Request.Context(), ids, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GetPointsResponse{Points: points})
}

func readOptions(c *gin.Context) (vecdb.ReadOptions, error) {
	values, err := queryBool(c, "include_values", false)
	if err != nil {
		return vecdb.ReadOptions{}, err
	}
	metadata, err := queryBool(c, "include_metadata", true)
	if err != nil {
		return vecdb.ReadOptions{}, err
	}
	return vecdb.ReadOptions{IncludeValues: values, IncludeMetadata: metadata}, nil
}

func (h *Handler) HandleDeletePoints(c *gin.Context) {
	var req DeleteRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if (len(req.IDs) == 0) == (req.Filter == nil) {
		h.fail(c, errs.InvalidArgument("delete requires exactly one of ids or filter"))
		return
	}
	coll, ok := h.collection(c)
	if !ok {
		return
	}

	var (
		n   int
		err error
	)
	if req.Filter != nil {
		n, err = coll.DeleteByFilter(c.Request.Context(), req.Filter)
	} else {
		n, err = coll.Delete(c.Request.Context(), req.IDs)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DeleteResponse{DeletedCount: n})
}

// toSearchRequest resolves aliases and defaults: values are omitted and
// metadata included unless asked otherwise.
func toSearchRequest(req *SearchRequest) *vecdb.SearchRequest {
	out := &vecdb.SearchRequest{
		Vector: req.Vector,
		K:      req.TopK,
		Ef:     req.Ef,
		Filter: req.Filter,
		ReadOptions: vecdb.ReadOptions{
			IncludeValues:   lo.FromPtrOr(req.IncludeValues, false),
			IncludeMetadata: lo.FromPtrOr(req.IncludeMetadata, true),
		},
	}
	if len(out.Vector) == 0 {
		out.Vector = req.Query
	}
	if out.K == 0 {
		out.K = req.K
	}
	return out
}

func (h *Handler) HandleSearch(c *gin.Context) {
	var req SearchRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	coll, ok := h.collection(c)
	if !ok {
		return
	}

	matches, err := coll.Search(c.Request.Context(), toSearchRequest(&req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SearchResponse{Matches: matches})
}

func (h *Handler) HandleBatchSearch(c *gin.Context) {
	var req BatchSearchRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if len(req.Queries) == 0 {
		h.fail(c, errs.InvalidArgument("queries must not be empty"))
		return
	}
	coll, ok := h.collection(c)
	if !ok {
		return
	}

	reqs := make([]*vecdb.SearchRequest, len(req.Queries))
	for i := range req.Queries {
		reqs[i] = toSearchRequest(&req.Queries[i])
	}
	results, err := coll.BatchSearch(c.Request.Context(), reqs)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := BatchSearchResponse{Results: make([]BatchSearchEntry, len(results))}
	for i, r := range results {
		if r.Err != nil {
			resp.Results[i] = BatchSearchEntry{Error: string(errs.KindOrInternal(r.Err)), Message: errs.Message(r.Err)}
			continue
		}
		resp.Results[i] = BatchSearchEntry{Matches: r.Matches}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) HandleStats(c *gin.Context) {
	coll, ok := h.collection(c)
	if !ok {
		return
	}
	stats, err := coll.Stats()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) HandleCompact(c *gin.Context) {
	force, err := queryBool(c, "force", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	coll, ok := h.collection(c)
	if !ok {
		return
	}
	res, err := coll.Compact(c.Request.Context(), force)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
