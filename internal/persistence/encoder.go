package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"strings"

	"vectordb/internal/common"
)

// Binary record layout, big-endian:
// [4 bytes: record length, excluding this field]
// [8 bytes: log ID]
// [1 byte: operation]
// [4 bytes: point ID length][point ID]
// [4 bytes: dimension][dimension * 4 bytes: vector]
// [4 bytes: metadata length][msgpack metadata]
// [4 bytes: CRC32 of everything after the length field]

// WALEncoder defines the interface for encoding and decoding WAL records
type WALEncoder interface {
	// EncodeRecord writes a WAL record to the writer
	EncodeRecord(writer io.Writer, record *WALRecord) error

	// DecodeRecord reads a WAL record from the reader
	DecodeRecord(reader *bufio.Reader) (*WALRecord, error)

	// Name returns the encoder name for identification
	Name() string
}

// EncoderFactory returns the text encoder for "text" and the binary one otherwise.
func EncoderFactory(encoderType, version string) WALEncoder {
	if encoderType == "text" {
		return NewTextWALEncoder(version)
	}
	return NewBinaryWALEncoder(version)
}

// maxRecordLen bounds a binary record; the largest vector is 256KiB.
const maxRecordLen = 64 << 20

// BinaryWALEncoder implements binary encoding with CRC32 checksum
type BinaryWALEncoder struct {
	version string
}

// NewBinaryWALEncoder creates a new binary WAL encoder
func NewBinaryWALEncoder(version string) *BinaryWALEncoder {
	return &BinaryWALEncoder{version: version}
}

func (e *BinaryWALEncoder) Name() string {
	return "binary"
}

func (e *BinaryWALEncoder) EncodeRecord(writer io.Writer, record *WALRecord) error {
	mdBytes, err := encodeMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var body bytes.Buffer
	body.Grow(8 + 1 + 4 + len(record.PointID) + 4 + 4*len(record.Vector) + 4 + len(mdBytes))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], record.LogID)
	body.Write(scratch[:8])
	body.WriteByte(byte(record.Operation))
	writeBytes(&body, []byte(record.PointID))

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(record.Vector)))
	body.Write(scratch[:4])
	for _, val := range record.Vector {
		binary.BigEndian.PutUint32(scratch[:4], math.Float32bits(val))
		body.Write(scratch[:4])
	}
	writeBytes(&body, mdBytes)

	checksum := crc32.ChecksumIEEE(body.Bytes())
	binary.BigEndian.PutUint32(scratch[:4], checksum)
	body.Write(scratch[:4])

	if err := binary.Write(writer, binary.BigEndian, uint32(body.Len())); err != nil {
		return err
	}
	_, err = writer.Write(body.Bytes())
	return err
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func (e *BinaryWALEncoder) DecodeRecord(reader *bufio.Reader) (*WALRecord, error) {
	var recordLen uint32
	if err := binary.Read(reader, binary.BigEndian, &recordLen); err != nil {
		return nil, err
	}
	if recordLen < 4 {
		return nil, fmt.Errorf("record too short")
	}
	if recordLen > maxRecordLen {
		return nil, fmt.Errorf("record length %d exceeds %d", recordLen, maxRecordLen)
	}

	recordData := make([]byte, recordLen)
	if _, err := io.ReadFull(reader, recordData); err != nil {
		return nil, fmt.Errorf("failed to read record data: %w", err)
	}

	dataBytes := recordData[:len(recordData)-4]
	expectedChecksum := binary.BigEndian.Uint32(recordData[len(recordData)-4:])
	if actual := crc32.ChecksumIEEE(dataBytes); expectedChecksum != actual {
		return nil, fmt.Errorf("checksum mismatch: expected %d, got %d", expectedChecksum, actual)
	}

	r := &byteReader{data: dataBytes}
	record := &WALRecord{Version: e.version}
	record.LogID = r.uint64()
	record.Operation = WALOperation(r.byte())
	record.PointID = string(r.bytes())

	dim := r.uint32()
	if r.err == nil && int(dim)*4 > len(r.data)-r.off {
		return nil, fmt.Errorf("vector dimension %d exceeds record size", dim)
	}
	record.Vector = make([]float32, dim)
	for i := range record.Vector {
		record.Vector[i] = math.Float32frombits(r.uint32())
	}
	mdBytes := r.bytes()
	if r.err != nil {
		return nil, r.err
	}

	md, err := decodeMetadata(mdBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	record.Metadata = md
	return record, nil
}

// byteReader reads big-endian fields and remembers the first overrun.
type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("record truncated at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *byteReader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *byteReader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *byteReader) bytes() []byte {
	return r.take(int(r.uint32()))
}

// TextWALEncoder implements human-readable text encoding for debugging
type TextWALEncoder struct {
	version string
}

// NewTextWALEncoder creates a new text WAL encoder
func NewTextWALEncoder(version string) *TextWALEncoder {
	return &TextWALEncoder{version: version}
}

func (e *TextWALEncoder) Name() string {
	return "text"
}

const textRecordSeparator = "=== WAL RECORD ==="

type textRecord struct {
	LogID     uint64         `json:"log_id"`
	Version   string         `json:"version"`
	Operation string         `json:"operation"`
	PointID   string         `json:"point_id"`
	Vector    []float32      `json:"vector"`
	Metadata  map[string]any `json:"metadata"`
}

func (e *TextWALEncoder) EncodeRecord(writer io.Writer, record *WALRecord) error {
	jsonBytes, err := json.MarshalIndent(textRecord{
		LogID:     record.LogID,
		Version:   record.Version,
		Operation: record.Operation.String(),
		PointID:   record.PointID,
		Vector:    record.Vector,
		Metadata:  record.Metadata,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = fmt.Fprintf(writer, "%s\n%s\n", textRecordSeparator, jsonBytes)
	return err
}

func (e *TextWALEncoder) DecodeRecord(reader *bufio.Reader) (*WALRecord, error) {
	line, err := reader.ReadString('\n')
	for err == nil && strings.TrimSpace(line) == "" {
		line, err = reader.ReadString('\n')
	}
	// a trailing partial line is not a clean end of log
	if err != nil && (err != io.EOF || strings.TrimSpace(line) == "") {
		return nil, err
	}
	if !strings.HasPrefix(line, textRecordSeparator) {
		return nil, fmt.Errorf("invalid record format: expected separator")
	}

	// the JSON body ends when its top-level braces balance
	var jsonContent strings.Builder
	depth := 0
	started := false
	inString := false
	escaped := false
	for !started || depth > 0 {
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		jsonContent.WriteString(line)
		for _, ch := range line {
			switch {
			case escaped:
				escaped = false
			case inString && ch == '\\':
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == '{':
				depth++
				started = true
			case ch == '}':
				depth--
			}
		}
	}

	dec := json.NewDecoder(strings.NewReader(jsonContent.String()))
	dec.UseNumber()
	var tr textRecord
	if err := dec.Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	op, err := ParseWALOperation(tr.Operation)
	if err != nil {
		return nil, err
	}
	md, err := common.NormalizeMetadata(tr.Metadata)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata in record %d: %w", tr.LogID, err)
	}

	version := tr.Version
	if version == "" {
		version = e.version
	}
	return &WALRecord{
		LogID:     tr.LogID,
		Version:   version,
		Operation: op,
		PointID:   tr.PointID,
		Vector:    tr.Vector,
		Metadata:  md,
	}, nil
}

// String returns a string representation of the operation
func (op WALOperation) String() string {
	switch op {
	case Upsert:
		return "Upsert"
	case Delete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", op)
	}
}

// ParseWALOperation parses the operation names of the text encoding.
func ParseWALOperation(s string) (WALOperation, error) {
	switch strings.ToLower(s) {
	case "upsert", "insert":
		return Upsert, nil
	case "delete":
		return Delete, nil
	}
	return 0, fmt.Errorf("unknown wal operation %q", s)
}
