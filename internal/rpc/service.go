// Package rpc exposes the registry as the gRPC service vecdb.v1.VectorDB.
// The service is declared by hand and speaks JSON through the codec
// registered under CodecName.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"vectordb/internal/vecdb"
)

const ServiceName = "vecdb.v1.VectorDB"

type VectorDBServer interface {
	CreateDatabase(context.Context, *CreateDatabaseRequest) (*vecdb.DatabaseInfo, error)
	GetDatabase(context.Context, *DatabaseRequest) (*vecdb.DatabaseInfo, error)
	ListDatabases(context.Context, *Empty) (*DatabaseList, error)
	DeleteDatabase(context.Context, *DatabaseRequest) (*Empty, error)
	CreateCollection(context.Context, *CreateCollectionRequest) (*vecdb.CollectionInfo, error)
	GetCollection(context.Context, *CollectionRequest) (*vecdb.CollectionInfo, error)
	ListCollections(context.Context, *ListCollectionsRequest) (*CollectionList, error)
	DeleteCollection(context.Context, *CollectionRequest) (*Empty, error)
	Upsert(context.Context, *UpsertRequest) (*UpsertResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	BatchSearch(context.Context, *BatchSearchRequest) (*BatchSearchResponse, error)
}

func unary[Req, Resp any](name string, call func(VectorDBServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
			}
			if interceptor == nil {
				return call(srv.(VectorDBServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(VectorDBServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VectorDBServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateDatabase", VectorDBServer.CreateDatabase),
		unary("GetDatabase", VectorDBServer.GetDatabase),
		unary("ListDatabases", VectorDBServer.ListDatabases),
		unary("DeleteDatabase", VectorDBServer.DeleteDatabase),
		unary("CreateCollection", VectorDBServer.CreateCollection),
		unary("GetCollection", VectorDBServer.GetCollection),
		unary("ListCollections", VectorDBServer.ListCollections),
		unary("DeleteCollection", VectorDBServer.DeleteCollection),
		unary("Upsert", VectorDBServer.Upsert),
		unary("Get", VectorDBServer.Get),
		unary("Delete", VectorDBServer.Delete),
		unary("Search", VectorDBServer.Search),
		unary("BatchSearch", VectorDBServer.BatchSearch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vecdb/v1/vectordb.proto",
}

// RegisterVectorDBServer registers srv with s.
func RegisterVectorDBServer(s grpc.ServiceRegistrar, srv VectorDBServer) {
	s.RegisterService(&ServiceDesc, srv)
}
