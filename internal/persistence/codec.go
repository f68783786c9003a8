package persistence

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"vectordb/internal/common"
)

// encodeMetadata serializes metadata with msgpack so that int64 and float64
// values survive a round trip without the JSON number ambiguity.
func encodeMetadata(md common.Metadata) ([]byte, error) {
	if md == nil {
		return msgpack.Marshal(nil)
	}
	return msgpack.Marshal(map[string]any(md))
}

func decodeMetadata(data []byte) (common.Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return common.NormalizeMetadata(raw)
}
