package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"vectordb/internal/errs"
	"vectordb/internal/vecdb"
)

var kindCodes = map[errs.Kind]codes.Code{
	errs.KindInvalidArgument:    codes.InvalidArgument,
	errs.KindNotFound:           codes.NotFound,
	errs.KindAlreadyExists:      codes.AlreadyExists,
	errs.KindFailedPrecondition: codes.FailedPrecondition,
	errs.KindResourceExhausted:  codes.ResourceExhausted,
	errs.KindCancelled:          codes.Canceled,
	errs.KindDeadlineExceeded:   codes.DeadlineExceeded,
	errs.KindInternal:           codes.Internal,
}

// Code maps an engine error to its gRPC status code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if c, ok := kindCodes[errs.KindOrInternal(err)]; ok {
		return c
	}
	return codes.Internal
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && errs.KindOf(err) == "" {
		return err
	}
	return status.Error(Code(err), errs.Message(err))
}

// Server implements VectorDBServer on top of a registry.
type Server struct {
	registry *vecdb.Registry
}

// NewServer creates the VectorDB service implementation backed by registry.
func NewServer(registry *vecdb.Registry) *Server {
	return &Server{registry: registry}
}

// NewGRPCServer returns a grpc.Server with the service registered and the
// logging and recovery interceptors installed.
func NewGRPCServer(registry *vecdb.Registry, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(recoverInterceptor(logger), logInterceptor(logger)))
	s := grpc.NewServer(opts...)
	RegisterVectorDBServer(s, NewServer(registry))
	return s
}

func logInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)
		code := status.Code(err)
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("RPC failed", "method", info.FullMethod, "error", err)
		} else {
			logger.Debug("RPC", "method", info.FullMethod, "code", code.String(), "elapsed", time.Since(start))
		}
		return resp, err
	}
}

func recoverInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("RPC panicked", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, fmt.Sprintf("panic: %v", r))
			}
		}()
		return handler(ctx, req)
	}
}

func (s *Server) database(name string) string {
	if name == "" {
		return s.registry.DefaultDatabase()
	}
	return name
}

func (s *Server) collection(db, name string) (*vecdb.Collection, error) {
	return s.registry.Collection(s.database(db), name)
}

func (s *Server) CreateDatabase(_ context.Context, req *CreateDatabaseRequest) (*vecdb.DatabaseInfo, error) {
	info, err := s.registry.CreateDatabase(req.Name, req.Description, req.Metadata)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) GetDatabase(_ context.Context, req *DatabaseRequest) (*vecdb.DatabaseInfo, error) {
	info, err := s.registry.GetDatabase(req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) ListDatabases(context.Context, *Empty) (*DatabaseList, error) {
	return &DatabaseList{Databases: s.registry.ListDatabases()}, nil
}

func (s *Server) DeleteDatabase(_ context.Context, req *DatabaseRequest) (*Empty, error) {
	if err := s.registry.DeleteDatabase(req.Name, req.Cascade); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) CreateCollection(_ context.Context, req *CreateCollectionRequest) (*vecdb.CollectionInfo, error) {
	info, err := s.registry.CreateCollection(s.database(req.Database), vecdb.CreateCollectionParams{
		Name:        req.Name,
		Dimension:   req.Dimension,
		Metric:      req.Metric,
		IndexConfig: req.IndexConfig,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) GetCollection(_ context.Context, req *CollectionRequest) (*vecdb.CollectionInfo, error) {
	info, err := s.registry.GetCollection(s.database(req.Database), req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) ListCollections(_ context.Context, req *ListCollectionsRequest) (*CollectionList, error) {
	infos, err := s.registry.ListCollections(s.database(req.Database))
	if err != nil {
		return nil, toStatus(err)
	}
	return &CollectionList{Collections: infos}, nil
}

func (s *Server) DeleteCollection(_ context.Context, req *CollectionRequest) (*Empty, error) {
	if err := s.registry.DeleteCollection(s.database(req.Database), req.Name); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Upsert(ctx context.Context, req *UpsertRequest) (*UpsertResponse, error) {
	if len(req.Points) == 0 {
		return nil, status.Error(codes.InvalidArgument, "points must not be empty")
	}
	coll, err := s.collection(req.Database, req.Collection)
	if err != nil {
		return nil, toStatus(err)
	}

	items := make([]vecdb.UpsertItem, len(req.Points))
	for i, p := range req.Points {
		items[i] = vecdb.UpsertItem{ID: p.ID, Vector: p.Values, Metadata: p.Metadata}
	}
	res, err := coll.Upsert(ctx, items)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &UpsertResponse{UpsertedCount: res.Upserted, FailedCount: len(res.Errors)}
	for _, ie := range res.Errors {
		resp.Errors = append(resp.Errors, ItemError{
			Index:   ie.Index,
			Code:    Code(ie.Err).String(),
			Message: errs.Message(ie.Err),
		})
	}
	return resp, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if len(req.IDs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "ids must not be empty")
	}
	coll, err := s.collection(req.Database, req.Collection)
	if err != nil {
		return nil, toStatus(err)
	}
	points, err := coll.Get(ctx, req.IDs, vecdb.ReadOptions{
		IncludeValues:   req.IncludeValues,
		IncludeMetadata: includeMetadata(req.IncludeMetadata),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Points: points}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if (len(req.IDs) == 0) == (req.Filter == nil) {
		return nil, status.Error(codes.InvalidArgument, "delete requires exactly one of ids or filter")
	}
	coll, err := s.collection(req.Database, req.Collection)
	if err != nil {
		return nil, toStatus(err)
	}

	var n int
	if req.Filter != nil {
		n, err = coll.DeleteByFilter(ctx, req.Filter)
	} else {
		n, err = coll.Delete(ctx, req.IDs)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeleteResponse{DeletedCount: n}, nil
}

func includeMetadata(v *bool) bool {
	return v == nil || *v
}

func (q *Query) toSearchRequest() *vecdb.SearchRequest {
	return &vecdb.SearchRequest{
		Vector: q.Vector,
		K:      q.TopK,
		Ef:     q.Ef,
		Filter: q.Filter,
		ReadOptions: vecdb.ReadOptions{
			IncludeValues:   q.IncludeValues,
			IncludeMetadata: includeMetadata(q.IncludeMetadata),
		},
	}
}

func (s *Server) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	coll, err := s.collection(req.Database, req.Collection)
	if err != nil {
		return nil, toStatus(err)
	}
	matches, err := coll.Search(ctx, req.Query.toSearchRequest())
	if err != nil {
		return nil, toStatus(err)
	}
	return &SearchResponse{Matches: matches}, nil
}

func (s *Server) BatchSearch(ctx context.Context, req *BatchSearchRequest) (*BatchSearchResponse, error) {
	if len(req.Queries) == 0 {
		return nil, status.Error(codes.InvalidArgument, "queries must not be empty")
	}
	coll, err := s.collection(req.Database, req.Collection)
	if err != nil {
		return nil, toStatus(err)
	}

	reqs := make([]*vecdb.SearchRequest, len(req.Queries))
	for i := range req.Queries {
		reqs[i] = req.Queries[i].toSearchRequest()
	}
	results, err := coll.BatchSearch(ctx, reqs)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &BatchSearchResponse{Results: make([]BatchSearchEntry, len(results))}
	for i, r := range results {
		if r.Err != nil {
			resp.Results[i] = BatchSearchEntry{Code: Code(r.Err).String(), Message: errs.Message(r.Err)}
			continue
		}
		resp.Results[i] = BatchSearchEntry{Matches: r.Matches}
	}
	return resp, nil
}
