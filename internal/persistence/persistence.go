package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"vectordb/internal/common"
)

const (
	WALVersion = "v2"
)

type WALOperation uint8

const (
	Upsert WALOperation = iota + 1
	Delete
)

type WALRecord struct {
	LogID     uint64
	Version   string
	Operation WALOperation
	PointID   string
	Vector    []float32
	Metadata  common.Metadata
}

type WALOptions struct {
	// Encoder defaults to the binary encoder.
	Encoder WALEncoder
	// Fsync syncs the file after every append.
	Fsync bool
}

// WAL is an append-only log of point mutations for one collection.
type WAL struct {
	filePath  string
	file      *os.File
	mu        sync.Mutex
	encoder   WALEncoder
	fsync     bool
	counter   atomic.Uint64
	bufWriter *bufio.Writer
}

// OpenWAL opens or creates the log at filePath, positioning the log ID
// counter after the last readable record.
func OpenWAL(filePath string, opts WALOptions) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	encoder := opts.Encoder
	if encoder == nil {
		encoder = NewBinaryWALEncoder(WALVersion)
	}
	w := &WAL{
		filePath:  filePath,
		file:      file,
		encoder:   encoder,
		fsync:     opts.Fsync,
		bufWriter: bufio.NewWriter(file),
	}

	var maxLogID uint64
	if _, err := w.replay(func(r *WALRecord) error {
		maxLogID = max(maxLogID, r.LogID)
		return nil
	}); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to initialize counter: %w", err)
	}
	w.counter.Store(maxLogID)
	return w, nil
}

func (w *WAL) Path() string {
	return w.filePath
}

func (w *WAL) AppendUpsert(id string, vector []float32, md common.Metadata) error {
	return w.Append(&WALRecord{Operation: Upsert, PointID: id, Vector: vector, Metadata: md})
}

func (w *WAL) AppendDelete(id string) error {
	return w.Append(&WALRecord{Operation: Delete, PointID: id})
}

// Append assigns the next log ID to record and writes it through to the file.
func (w *WAL) Append(record *WALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("wal %s is closed", w.filePath)
	}

	record.LogID = w.counter.Add(1)
	record.Version = WALVersion
	if err := w.encoder.EncodeRecord(w.bufWriter, record); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}
	if w.fsync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL file: %w", err)
		}
	}
	return nil
}

// Replay calls fn for every intact record in order. A corrupted or
// truncated tail ends the replay without error.
func (w *WAL) Replay(fn func(*WALRecord) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bufWriter.Flush(); err != nil {
		return 0, err
	}
	return w.replay(fn)
}

func (w *WAL) replay(fn func(*WALRecord) error) (int, error) {
	reader, err := os.Open(w.filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer reader.Close()

	bufReader := bufio.NewReader(reader)
	count := 0
	for {
		record, err := w.encoder.DecodeRecord(bufReader)
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			slog.Warn("Stopping WAL replay at corrupted record", "file", w.filePath, "position", count, "error", err)
			return count, nil
		}
		if err := fn(record); err != nil {
			return count, err
		}
		count++
	}
}

// Truncate discards every record. Log IDs keep increasing.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bufWriter.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	return err
}

// Close flushes buffered records and closes the file. Appends fail afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.bufWriter.Flush(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Remove closes the log and deletes its file.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadRecords decodes every record of the file at path with encoder.
func ReadRecords(path string, encoder WALEncoder) ([]*WALRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var records []*WALRecord
	for {
		record, err := encoder.DecodeRecord(reader)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
