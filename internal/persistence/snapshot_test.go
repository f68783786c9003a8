package persistence

import (
	"bytes"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectordb/internal/common"
)

func samplePoints() []common.Point {
	now := time.Unix(1700000000, 123)
	return []common.Point{
		{ID: "a", Vector: []float32{1, 0}, Metadata: common.Metadata{"k": "v"}, Generation: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Vector: []float32{0, 1}, Generation: 3, CreatedAt: now, UpdatedAt: now.Add(time.Second)},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	points := samplePoints()
	hdr := SnapshotHeader{
		Database:    "default",
		Collection:  "docs",
		Dimension:   2,
		Metric:      common.MetricEuclidean,
		IndexConfig: common.DefaultIndexConfig(),
		Count:       uint64(len(points)),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, hdr, common.PointIterator(slices.Values(points))))

	var got []common.Point
	gotHdr, err := ReadSnapshot(&buf, func(p common.Point) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, hdr.Dimension, gotHdr.Dimension)
	assert.Equal(t, hdr.Metric, gotHdr.Metric)
	assert.Equal(t, hdr.IndexConfig, gotHdr.IndexConfig)
	require.Len(t, got, 2)
	for i := range points {
		assert.Equal(t, points[i].ID, got[i].ID)
		assert.Equal(t, points[i].Vector, got[i].Vector)
		assert.Equal(t, points[i].Metadata, got[i].Metadata)
		assert.Equal(t, points[i].Generation, got[i].Generation)
		assert.True(t, points[i].UpdatedAt.Equal(got[i].UpdatedAt))
	}
}

func TestSnapshotCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	hdr := SnapshotHeader{Dimension: 2, Metric: common.MetricCosine, Count: 5}
	err := WriteSnapshot(&buf, hdr, common.PointIterator(slices.Values(samplePoints())))
	assert.ErrorContains(t, err, "promised 5")
}

func TestSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "default", "docs.snap")

	_, found, err := ReadSnapshotFile(path, func(common.Point) error { return nil })
	require.NoError(t, err)
	assert.False(t, found)

	hdr := SnapshotHeader{Dimension: 2, Metric: common.MetricDotProduct, Count: 2}
	require.NoError(t, WriteSnapshotFile(path, hdr, common.PointIterator(slices.Values(samplePoints()))))

	n := 0
	_, found, err = ReadSnapshotFile(path, func(common.Point) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, n)
}

func TestSnapshotRejectsGarbage(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewReader([]byte("not a snapshot")), func(common.Point) error { return nil })
	assert.Error(t, err)
}
