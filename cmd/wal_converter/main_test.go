package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectordb/internal/common"
	"vectordb/internal/persistence"
)

func writeBinaryWAL(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "products.wal")
	wal, err := persistence.OpenWAL(path, persistence.WALOptions{})
	require.NoError(t, err)
	require.NoError(t, wal.AppendUpsert("p1", []float32{0.1, 0.2}, common.Metadata{"category": "book"}))
	require.NoError(t, wal.AppendUpsert("p2", []float32{0.3, 0.4}, nil))
	require.NoError(t, wal.AppendDelete("p1"))
	require.NoError(t, wal.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConvertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	binPath := writeBinaryWAL(t, dir)
	textPath := filepath.Join(dir, "products.txt")
	backPath := filepath.Join(dir, "products.back.wal")

	out, err := execute(t, "--input", binPath, "--output", textPath, "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "Converted 3 records")

	text, err := os.ReadFile(textPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(text), "=== WAL RECORD ==="))
	assert.Contains(t, string(text), `"point_id": "p1"`)

	_, err = execute(t, "--input", textPath, "--output", backPath, "--format", "binary")
	require.NoError(t, err)

	want, err := persistence.ReadRecords(binPath, persistence.NewBinaryWALEncoder(persistence.WALVersion))
	require.NoError(t, err)
	got, err := persistence.ReadRecords(backPath, persistence.NewBinaryWALEncoder(persistence.WALVersion))
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].LogID, got[i].LogID)
		assert.Equal(t, want[i].Operation, got[i].Operation)
		assert.Equal(t, want[i].PointID, got[i].PointID)
		assert.Equal(t, want[i].Vector, got[i].Vector)
	}
	assert.Equal(t, "book", got[0].Metadata["category"])
}

func TestConvertErrors(t *testing.T) {
	dir := t.TempDir()
	binPath := writeBinaryWAL(t, dir)
	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a wal\n"), 0o644))

	tests := []struct {
		name string
		args []string
	}{
		{"missing input", []string{"--output", filepath.Join(dir, "o")}},
		{"bad format", []string{"--input", binPath, "--output", filepath.Join(dir, "o"), "--format", "yaml"}},
		{"bad input format", []string{"--input", binPath, "--output", filepath.Join(dir, "o"), "--input-format", "xml"}},
		{"absent input", []string{"--input", filepath.Join(dir, "absent"), "--output", filepath.Join(dir, "o")}},
		{"unreadable input", []string{"--input", garbage, "--output", filepath.Join(dir, "o")}},
		{"forced wrong input format", []string{"--input", binPath, "--output", filepath.Join(dir, "o"), "--input-format", "text"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
