package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"vectordb/internal/common"
	"vectordb/internal/errs"
	"vectordb/internal/filter"
	"vectordb/internal/vecdb"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	reg, err := vecdb.Open(context.Background(), vecdb.Options{CompactionInterval: -1, Seed: 3})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(reg, nil)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.GracefulStop()
		reg.Close()
	})
	return NewClient(conn)
}

func seed(t *testing.T, c *Client, db string) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateCollection(ctx, &CreateCollectionRequest{
		Database:  db,
		Name:      "products",
		Dimension: 4,
		Metric:    common.MetricEuclidean,
	})
	require.NoError(t, err)

	resp, err := c.Upsert(ctx, &UpsertRequest{
		Database:   db,
		Collection: "products",
		Points: []PointInput{
			{ID: "p1", Values: []float32{0.1, 0.2, 0.3, 0.4}, Metadata: map[string]any{"category": "book", "stock": 4}},
			{ID: "p2", Values: []float32{0.15, 0.25, 0.35, 0.45}, Metadata: map[string]any{"category": "toy"}},
			{ID: "p3", Values: []float32{0.9, 0.8, 0.7, 0.6}, Metadata: map[string]any{"category": "book"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, resp.UpsertedCount)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{errs.InvalidArgument("bad"), codes.InvalidArgument},
		{errs.NotFound("gone"), codes.NotFound},
		{errs.AlreadyExists("dup"), codes.AlreadyExists},
		{errs.FailedPrecondition("busy"), codes.FailedPrecondition},
		{errs.ResourceExhausted("full"), codes.ResourceExhausted},
		{errs.FromContext(context.Canceled), codes.Canceled},
		{errs.FromContext(context.DeadlineExceeded), codes.DeadlineExceeded},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "%v", tt.err)
	}
}

func TestSearchOverRPC(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()
	seed(t, c, "")

	resp, err := c.Search(ctx, &SearchRequest{
		Collection: "products",
		Query:      Query{Vector: []float32{0.1, 0.2, 0.3, 0.4}, TopK: 2},
	})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "p1", resp.Matches[0].ID)
	assert.Equal(t, "p2", resp.Matches[1].ID)
	assert.InDelta(t, 0.1, resp.Matches[1].Score, 1e-5)

	resp, err = c.Search(ctx, &SearchRequest{
		Collection: "products",
		Query: Query{
			Vector:        []float32{0.15, 0.25, 0.35, 0.45},
			TopK:          3,
			Filter:        filter.Eq("category", "book"),
			IncludeValues: true,
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, resp.Matches[0].Vector)
	assert.Equal(t, json.Number("4"), resp.Matches[0].Metadata["stock"])

	_, err = c.Search(ctx, &SearchRequest{Collection: "products", Query: Query{Vector: []float32{1}, TopK: 1}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = c.Search(ctx, &SearchRequest{Collection: "missing", Query: Query{Vector: []float32{1}, TopK: 1}})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestBatchSearchOverRPC(t *testing.T) {
	c := setupClient(t)
	seed(t, c, "")

	resp, err := c.BatchSearch(context.Background(), &BatchSearchRequest{
		Collection: "products",
		Queries: []Query{
			{Vector: []float32{0.9, 0.8, 0.7, 0.6}, TopK: 1},
			{Vector: []float32{0.9, 0.8, 0.7, 0.6}, TopK: 0},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "p3", resp.Results[0].Matches[0].ID)
	assert.Equal(t, codes.InvalidArgument.String(), resp.Results[1].Code)
}

func TestPointsOverRPC(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()
	seed(t, c, "")

	up, err := c.Upsert(ctx, &UpsertRequest{
		Collection: "products",
		Points: []PointInput{
			{ID: "p1", Values: []float32{1, 1, 1, 1}},
			{ID: "p4", Values: []float32{1, 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, up.UpsertedCount)
	require.Len(t, up.Errors, 1)
	assert.Equal(t, 1, up.Errors[0].Index)
	assert.Equal(t, codes.InvalidArgument.String(), up.Errors[0].Code)

	got, err := c.Get(ctx, &GetRequest{Collection: "products", IDs: []string{"p1", "p9"}, IncludeValues: true})
	require.NoError(t, err)
	require.Len(t, got.Points, 1)
	assert.Equal(t, []float32{1, 1, 1, 1}, got.Points[0].Vector)
	assert.Equal(t, uint64(2), got.Points[0].Generation)

	del, err := c.Delete(ctx, &DeleteRequest{Collection: "products", Filter: filter.Eq("category", "toy")})
	require.NoError(t, err)
	assert.Equal(t, 1, del.DeletedCount)

	del, err = c.Delete(ctx, &DeleteRequest{Collection: "products", IDs: []string{"p1", "p3"}})
	require.NoError(t, err)
	assert.Equal(t, 2, del.DeletedCount)

	_, err = c.Delete(ctx, &DeleteRequest{Collection: "products"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = c.Get(ctx, &GetRequest{Collection: "products"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDatabasesOverRPC(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()

	db, err := c.CreateDatabase(ctx, &CreateDatabaseRequest{Name: "shop", Description: "store"})
	require.NoError(t, err)
	assert.Equal(t, "shop", db.Name)

	_, err = c.CreateDatabase(ctx, &CreateDatabaseRequest{Name: "shop"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	seed(t, c, "shop")
	coll, err := c.GetCollection(ctx, &CollectionRequest{Database: "shop", Name: "products"})
	require.NoError(t, err)
	assert.Equal(t, "shop", coll.Database)
	assert.Equal(t, 3, coll.VectorsCount)

	list, err := c.ListCollections(ctx, &ListCollectionsRequest{Database: "shop"})
	require.NoError(t, err)
	assert.Len(t, list.Collections, 1)
	list, err = c.ListCollections(ctx, &ListCollectionsRequest{})
	require.NoError(t, err)
	assert.Empty(t, list.Collections)

	err = c.DeleteDatabase(ctx, &DatabaseRequest{Name: "shop"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.NoError(t, c.DeleteDatabase(ctx, &DatabaseRequest{Name: "shop", Cascade: true}))

	dbs, err := c.ListDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, dbs.Databases, 1)
	assert.Equal(t, vecdb.DefaultDatabase, dbs.Databases[0].Name)

	_, err = c.GetDatabase(ctx, &DatabaseRequest{Name: "shop"})
	assert.Equal(t, codes.NotFound, status.Code(err))
	err = c.DeleteCollection(ctx, &CollectionRequest{Name: "nope"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
