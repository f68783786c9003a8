package rpc

import (
	"context"

	"google.golang.org/grpc"

	"vectordb/internal/vecdb"
)

// Client calls the VectorDB service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client for the VectorDB service on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateDatabase(ctx context.Context, in *CreateDatabaseRequest, opts ...grpc.CallOption) (*vecdb.DatabaseInfo, error) {
	return invoke[vecdb.DatabaseInfo](ctx, c, "CreateDatabase", in, opts...)
}

func (c *Client) GetDatabase(ctx context.Context, in *DatabaseRequest, opts ...grpc.CallOption) (*vecdb.DatabaseInfo, error) {
	return invoke[vecdb.DatabaseInfo](ctx, c, "GetDatabase", in, opts...)
}

func (c *Client) ListDatabases(ctx context.Context, opts ...grpc.CallOption) (*DatabaseList, error) {
	return invoke[DatabaseList](ctx, c, "ListDatabases", &Empty{}, opts...)
}

func (c *Client) DeleteDatabase(ctx context.Context, in *DatabaseRequest, opts ...grpc.CallOption) error {
	_, err := invoke[Empty](ctx, c, "DeleteDatabase", in, opts...)
	return err
}

func (c *Client) CreateCollection(ctx context.Context, in *CreateCollectionRequest, opts ...grpc.CallOption) (*vecdb.CollectionInfo, error) {
	return invoke[vecdb.CollectionInfo](ctx, c, "CreateCollection", in, opts...)
}

func (c *Client) GetCollection(ctx context.Context, in *CollectionRequest, opts ...grpc.CallOption) (*vecdb.CollectionInfo, error) {
	return invoke[vecdb.CollectionInfo](ctx, c, "GetCollection", in, opts...)
}

func (c *Client) ListCollections(ctx context.Context, in *ListCollectionsRequest, opts ...grpc.CallOption) (*CollectionList, error) {
	return invoke[CollectionList](ctx, c, "ListCollections", in, opts...)
}

func (c *Client) DeleteCollection(ctx context.Context, in *CollectionRequest, opts ...grpc.CallOption) error {
	_, err := invoke[Empty](ctx, c, "DeleteCollection", in, opts...)
	return err
}

func (c *Client) Upsert(ctx context.Context, in *UpsertRequest, opts ...grpc.CallOption) (*UpsertResponse, error) {
	return invoke[UpsertResponse](ctx, c, "Upsert", in, opts...)
}

func (c *Client) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	return invoke[GetResponse](ctx, c, "Get", in, opts...)
}

func (c *Client) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c, "Delete", in, opts...)
}

func (c *Client) Search(ctx context.Context, in *SearchRequest, opts ...grpc.CallOption) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, "Search", in, opts...)
}

func (c *Client) BatchSearch(ctx context.Context, in *BatchSearchRequest, opts ...grpc.CallOption) (*BatchSearchResponse, error) {
	return invoke[BatchSearchResponse](ctx, c, "BatchSearch", in, opts...)
}
