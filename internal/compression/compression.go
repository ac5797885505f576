package compression

import (
	"errors"
	"io"
)

type CompressionType byte

const (
	Compress_zlib   CompressionType = iota //0
	Compress_snappy                        //1
	Compress_zstd                          //2
	Compress_lz4                           //3

	Compress_none CompressionType = 0xff
)

var (
	ErrInvalidCompressionType = errors.New("invalid compression type")
	// ErrTooLarge is returned when decompressed data would exceed the caller's limit.
	ErrTooLarge = errors.New("decompressed data exceeds limit")
)

var (
	CompressionMethods = map[string]CompressionType{
		"none":   Compress_none,
		"zlib":   Compress_zlib,
		"snappy": Compress_snappy,
		"zstd":   Compress_zstd,
		"lz4":    Compress_lz4,
	}
)

// Compressor defines the interface for data compression and decompression algorithms.
type Compressor interface {
	// Compress takes a byte slice and returns the compressed data.
	Compress(data []byte) ([]byte, error)

	// Decompress takes a compressed byte slice and returns the original data.
	Decompress(data []byte) ([]byte, error)

	// Type returns the type of compression, e.g., "zlib", "snappy".
	TypeString() string
	Type() CompressionType
}

// GetCompressorViaString returns a nil Compressor for "none".
func GetCompressorViaString(compressionStr string) (Compressor, error) {
	compressionType, ok := CompressionMethods[compressionStr]
	if !ok {
		return nil, ErrInvalidCompressionType
	}
	return GetCompressorViaType(compressionType)
}

func GetCompressorViaType(compressionType CompressionType) (Compressor, error) {
	switch compressionType {
	case Compress_none:
		return nil, nil
	case Compress_zlib:
		return NewZlib(), nil
	case Compress_snappy:
		return NewSnappy(), nil
	case Compress_zstd:
		return NewZstd(), nil
	case Compress_lz4:
		return NewLZ4(), nil
	default:
		return nil, ErrInvalidCompressionType
	}
}

// Compress applies c, or returns data unchanged when c is nil.
func Compress(c Compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	return c.Compress(data)
}

// Decompress is the inverse of Compress.
func Decompress(c Compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	return c.Decompress(data)
}

// limitedDecompressor stops decoding once the output passes a limit.
type limitedDecompressor interface {
	DecompressLimit(data []byte, limit int64) ([]byte, error)
}

// DecompressLimit is Decompress for untrusted input: it fails with
// ErrTooLarge instead of producing more than limit bytes.
func DecompressLimit(c Compressor, data []byte, limit int64) ([]byte, error) {
	if c == nil {
		if int64(len(data)) > limit {
			return nil, ErrTooLarge
		}
		return data, nil
	}
	if l, ok := c.(limitedDecompressor); ok {
		return l.DecompressLimit(data, limit)
	}
	out, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// readLimited reads r to the end, reading at most one byte past limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}
