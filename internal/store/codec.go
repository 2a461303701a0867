// ABOUTME: Encodes persisted snapshots as JSON, zstd-compressed when that makes them smaller
// ABOUTME: The encoding name is stored beside each row so either form decodes

package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Snapshot row encodings.
const (
	EncodingJSON     = "json"
	EncodingJSONZstd = "json+zstd"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeSnapshot marshals v and compresses it unless compression does not
// shrink it. Small snapshots stay plain JSON.
func encodeSnapshot(v any) ([]byte, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingJSON, nil
	}
	return compressed, EncodingJSONZstd, nil
}

// decodeSnapshot reverses encodeSnapshot into target.
func decodeSnapshot(data []byte, encoding string, target any) error {
	switch encoding {
	case EncodingJSON:
	case EncodingJSONZstd:
		var err error
		data, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return fmt.Errorf("unknown snapshot encoding %q", encoding)
	}
	return json.Unmarshal(data, target)
}
