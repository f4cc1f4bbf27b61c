// Package msgcodec compresses SDK message payloads before they are
// persisted. Conversations routinely carry megabytes of streamed
// assistant output; zstd keeps the sdk_messages table small.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm applied to a stored payload.
type Compression string

const (
	// None means the payload is stored as-is.
	None Compression = "none"
	// Zstd means the payload is zstd-compressed.
	Zstd Compression = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data and returns the compressed bytes
// along with the compression marker to store beside them.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, Zstd
}

// Decompress reverses Compress according to the stored marker.
// Returns an error for unknown markers.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Zstd:
		return decoder.DecodeAll(data, nil)
	case None, "":
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %q", compression)
	}
}
