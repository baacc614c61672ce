package drive

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the algorithm applied to a payload before encryption.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression accepts the configuration spelling of a compression mode.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case CompressionNone, "":
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("drive: unknown compression %q", name)
	}
}

var errIncompressible = errors.New("drive: data is incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("drive: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("drive: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress applies c to data and returns the output together with the
// algorithm actually used: output that would not shrink is stored as-is and
// reported as CompressionNone.
func Compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)

	switch c {
	case CompressionNone, "":
		return data, CompressionNone, nil
	case CompressionZstd:
		out, err = compressZstd(data)
	case CompressionLZ4:
		out, err = compressLZ4(data)
	default:
		return nil, "", fmt.Errorf("drive: unsupported compression %q", c)
	}

	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}

	if err != nil {
		return nil, "", err
	}

	return out, c, nil
}

// Decompress reverses Compress. size is the original plaintext length and
// must match exactly.
func Decompress(data []byte, c Compression, size int64) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		if int64(len(data)) != size {
			return nil, fmt.Errorf("drive: uncompressed payload is %d bytes, expected %d", len(data), size)
		}

		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("drive: zstd decompress: %w", err)
		}

		if int64(len(out)) != size {
			return nil, fmt.Errorf("drive: zstd decompress: got %d bytes, expected %d", len(out), size)
		}

		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)

		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("drive: lz4 decompress: %w", err)
		}

		if int64(n) != size {
			return nil, fmt.Errorf("drive: lz4 decompress: got %d bytes, expected %d", n, size)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("drive: unsupported compression %q", c)
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}

	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("drive: lz4 compress: %w", err)
	}

	// CompressBlock reports 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}

	return dst[:n], nil
}
