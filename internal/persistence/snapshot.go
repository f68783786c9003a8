package persistence

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"vectordb/internal/common"
)

// Snapshot stream, zstd-compressed, little-endian:
// magic "VDBS" | version u16 | header length u32 | header JSON
// then Count points of
// id length u32 | id | generation u64 | created unix nanos i64 |
// updated unix nanos i64 | dimension float32s | metadata length u32 | msgpack

var snapshotMagic = [4]byte{'V', 'D', 'B', 'S'}

const snapshotVersion uint16 = 1

// SnapshotHeader describes the collection a snapshot was taken from.
type SnapshotHeader struct {
	Database    string             `json:"database"`
	Collection  string             `json:"collection"`
	Dimension   int                `json:"dimension"`
	Metric      common.Metric      `json:"metric"`
	IndexConfig common.IndexConfig `json:"index_config"`
	Count       uint64             `json:"count"`
	TakenAt     time.Time          `json:"taken_at"`
}

// WriteSnapshot streams hdr.Count points to w.
func WriteSnapshot(w io.Writer, hdr SnapshotHeader, points common.PointIterator) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)

	if err := writeSnapshotBody(bw, hdr, points); err != nil {
		enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func writeSnapshotBody(w *bufio.Writer, hdr SnapshotHeader, points common.PointIterator) error {
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot header: %w", err)
	}

	w.Write(snapshotMagic[:])
	le := binary.LittleEndian
	var scratch [8]byte
	le.PutUint16(scratch[:2], snapshotVersion)
	w.Write(scratch[:2])
	le.PutUint32(scratch[:4], uint32(len(hdrBytes)))
	w.Write(scratch[:4])
	w.Write(hdrBytes)

	var written uint64
	for p := range points {
		if len(p.Vector) != hdr.Dimension {
			return fmt.Errorf("point %q has dimension %d, want %d", p.ID, len(p.Vector), hdr.Dimension)
		}
		mdBytes, err := encodeMetadata(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of %q: %w", p.ID, err)
		}

		le.PutUint32(scratch[:4], uint32(len(p.ID)))
		w.Write(scratch[:4])
		w.WriteString(p.ID)
		le.PutUint64(scratch[:], p.Generation)
		w.Write(scratch[:])
		le.PutUint64(scratch[:], uint64(p.CreatedAt.UnixNano()))
		w.Write(scratch[:])
		le.PutUint64(scratch[:], uint64(p.UpdatedAt.UnixNano()))
		w.Write(scratch[:])
		for _, v := range p.Vector {
			le.PutUint32(scratch[:4], math.Float32bits(v))
			w.Write(scratch[:4])
		}
		le.PutUint32(scratch[:4], uint32(len(mdBytes)))
		w.Write(scratch[:4])
		if _, err := w.Write(mdBytes); err != nil {
			return err
		}
		written++
	}
	if written != hdr.Count {
		return fmt.Errorf("snapshot header promised %d points, wrote %d", hdr.Count, written)
	}
	return nil
}

// ReadSnapshot decodes a snapshot, calling fn for every point.
func ReadSnapshot(r io.Reader, fn func(common.Point) error) (SnapshotHeader, error) {
	var hdr SnapshotHeader

	dec, err := zstd.NewReader(r)
	if err != nil {
		return hdr, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return hdr, fmt.Errorf("failed to read snapshot magic: %w", err)
	}
	if magic != snapshotMagic {
		return hdr, fmt.Errorf("not a snapshot file")
	}

	le := binary.LittleEndian
	var version uint16
	if err := binary.Read(br, le, &version); err != nil {
		return hdr, err
	}
	if version != snapshotVersion {
		return hdr, fmt.Errorf("unsupported snapshot version %d", version)
	}

	hdrBytes, err := readChunk(br)
	if err != nil {
		return hdr, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return hdr, fmt.Errorf("failed to decode snapshot header: %w", err)
	}

	var scratch [8]byte
	for i := uint64(0); i < hdr.Count; i++ {
		id, err := readChunk(br)
		if err != nil {
			return hdr, fmt.Errorf("point %d: %w", i, err)
		}
		p := common.Point{ID: string(id)}

		if _, err := io.ReadFull(br, scratch[:]); err != nil {
			return hdr, err
		}
		p.Generation = le.Uint64(scratch[:])
		if _, err := io.ReadFull(br, scratch[:]); err != nil {
			return hdr, err
		}
		p.CreatedAt = time.Unix(0, int64(le.Uint64(scratch[:])))
		if _, err := io.ReadFull(br, scratch[:]); err != nil {
			return hdr, err
		}
		p.UpdatedAt = time.Unix(0, int64(le.Uint64(scratch[:])))

		p.Vector = make([]float32, hdr.Dimension)
		for j := range p.Vector {
			if _, err := io.ReadFull(br, scratch[:4]); err != nil {
				return hdr, err
			}
			p.Vector[j] = math.Float32frombits(le.Uint32(scratch[:4]))
		}

		mdBytes, err := readChunk(br)
		if err != nil {
			return hdr, err
		}
		if p.Metadata, err = decodeMetadata(mdBytes); err != nil {
			return hdr, fmt.Errorf("point %q metadata: %w", p.ID, err)
		}
		if err := fn(p); err != nil {
			return hdr, err
		}
	}
	return hdr, nil
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteSnapshotFile writes the snapshot to a temporary file and renames it
// over path.
func WriteSnapshotFile(path string, hdr SnapshotHeader, points common.PointIterator) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteSnapshot(tmp, hdr, points); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSnapshotFile loads the snapshot at path. found is false when no
// snapshot exists.
func ReadSnapshotFile(path string, fn func(common.Point) error) (hdr SnapshotHeader, found bool, err error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return hdr, false, nil
	}
	if err != nil {
		return hdr, false, err
	}
	defer file.Close()

	hdr, err = ReadSnapshot(bufio.NewReader(file), fn)
	return hdr, true, err
}
