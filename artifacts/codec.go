package artifacts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block codec of stored blobs.
type Compression uint8

const (
	None Compression = iota
	LZ4
	Zstd
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression converts a configuration string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

// MarshalText lets Compression appear in YAML and JSON as its name.
func (c Compression) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Compression) UnmarshalText(b []byte) error {
	v, err := ParseCompression(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ErrCorrupt is returned when an encoded blob cannot be decoded.
var ErrCorrupt = errors.New("corrupt artifact")

// Encoded blobs start with a header [codec uint8][size uint32] where size is
// the decoded length. A payload that does not shrink is stored raw with the
// None codec.
const headerSize = 5

var (
	zstdEncoders sync.Pool
	zstdDecoders sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoders.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoders.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Encode compresses data with c and prepends the header.
func Encode(c Compression, data []byte) ([]byte, error) {
	var payload []byte
	switch c {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compress with lz4: %w", err)
		}
		payload = buf[:n]
	case Zstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(data, nil)
		zstdEncoders.Put(enc)
	default:
		return nil, fmt.Errorf("unknown compression %d", uint8(c))
	}
	if c == None || len(payload) == 0 || len(payload) >= len(data) {
		c, payload = None, data
	}
	out := make([]byte, headerSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode reverses Encode. The codec is read from the header.
func Decode(blob []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(blob))
	}
	size := int(binary.LittleEndian.Uint32(blob[1:]))
	payload := blob[headerSize:]
	switch Compression(blob[0]) {
	case None:
		if len(payload) != size {
			return nil, fmt.Errorf("%w: raw payload of %d bytes, header says %d", ErrCorrupt, len(payload), size)
		}
		return append([]byte(nil), payload...), nil
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorrupt, n, size)
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoders.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorrupt, len(out), size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, blob[0])
}
