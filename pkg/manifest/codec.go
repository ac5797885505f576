package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"slices"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/internal/compression"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

// Encoded layout, all integers little endian:
//
//	header  [magic 4][version 4][compression 1][body length 8]
//	body    chunking | catalog sorted by fingerprint | files
//	trailer [crc32 of the stored body 4]
//
// Variable-size fields in the body are uvarints. Chunk references are indexes
// into the sorted catalog; offsets are not stored.
const (
	FormatVersion uint32 = 1

	headerLen  = 4 + 4 + 1 + 8
	trailerLen = 4

	// A decompressed body may be at most maxExpansion times the stored one.
	// Bodies up to minBodyLimit are always accepted.
	maxExpansion = 256
	minBodyLimit = 16 << 20
)

var magic = [4]byte{'B', 'S', 'M', 'F'}

type encodeOptions struct {
	compression compression.CompressionType
}

type EncodeOption func(*encodeOptions)

// WithCompression compresses the body. Compress_none stores it as is.
func WithCompression(t compression.CompressionType) EncodeOption {
	return func(o *encodeOptions) {
		o.compression = t
	}
}

// Marshal serializes m.
func Marshal(m *Manifest, opts ...EncodeOption) ([]byte, error) {
	o := encodeOptions{compression: compression.Compress_none}
	for _, opt := range opts {
		opt(&o)
	}
	compressor, err := compression.GetCompressorViaType(o.compression)
	if err != nil {
		return nil, err
	}

	fps := make([]chunk.Fingerprint, 0, len(m.Catalog))
	for fp := range m.Catalog {
		fps = append(fps, fp)
	}
	slices.SortFunc(fps, func(a, b chunk.Fingerprint) int { return bytes.Compare(a[:], b[:]) })
	index := make(map[chunk.Fingerprint]uint64, len(fps))

	var body []byte
	body = binary.AppendUvarint(body, uint64(m.Chunking.MinSize))
	body = binary.AppendUvarint(body, uint64(m.Chunking.AvgSize))
	body = binary.AppendUvarint(body, uint64(m.Chunking.MaxSize))
	body = appendString(body, string(m.Chunking.Digest))

	body = binary.AppendUvarint(body, uint64(len(fps)))
	for i, fp := range fps {
		index[fp] = uint64(i)
		body = append(body, fp[:]...)
		body = binary.AppendUvarint(body, uint64(m.Catalog[fp]))
	}

	body = binary.AppendUvarint(body, uint64(len(m.Files)))
	for _, f := range m.Files {
		body = appendString(body, f.Path)
		body = binary.AppendUvarint(body, uint64(f.Mode))
		body = binary.AppendUvarint(body, uint64(f.Size))
		body = binary.AppendUvarint(body, uint64(len(f.Chunks)))
		for _, c := range f.Chunks {
			idx, ok := index[c.FP]
			if !ok {
				return nil, fmt.Errorf("%w: %s references %s outside the catalog", ErrCorruptManifest, f.Path, c.FP.Short())
			}
			body = binary.AppendUvarint(body, idx)
		}
	}

	stored, err := compression.Compress(compressor, body)
	if err != nil {
		return nil, fmt.Errorf("compress manifest: %w", err)
	}

	out := make([]byte, 0, headerLen+len(stored)+trailerLen)
	out = append(out, magic[:]...)
	version := internal.UInt32ToBytesLittleEndian(FormatVersion)
	out = append(out, version[:]...)
	out = append(out, byte(o.compression))
	bodyLen := internal.UInt64ToBytesLittleEndian(uint64(len(stored)))
	out = append(out, bodyLen[:]...)
	out = append(out, stored...)
	crc := internal.UInt32ToBytesLittleEndian(internal.CalculateCRC32(stored))
	out = append(out, crc[:]...)
	logger.Debugf("marshalled manifest: %d files, %d bytes body, %d bytes stored", len(m.Files), len(body), len(stored))
	return out, nil
}

// Unmarshal parses and validates a serialized manifest. Every failure wraps
// ErrCorruptManifest.
func Unmarshal(data []byte) (*Manifest, error) {
	if len(data) < headerLen+trailerLen {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptManifest, len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %x", ErrCorruptManifest, data[:4])
	}
	version := internal.BytesToUInt32LittleEndian([4]byte(data[4:8]))
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptManifest, version)
	}
	ctype := compression.CompressionType(data[8])
	bodyLen := internal.BytesToUInt64LittleEndian([8]byte(data[9:17]))
	if bodyLen != uint64(len(data)-headerLen-trailerLen) {
		return nil, fmt.Errorf("%w: body length %d does not match %d available bytes", ErrCorruptManifest, bodyLen, len(data)-headerLen-trailerLen)
	}
	stored := data[headerLen : len(data)-trailerLen]
	crc := internal.BytesToUInt32LittleEndian([4]byte(data[len(data)-trailerLen:]))
	if !internal.VerifyCRC32(stored, crc) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptManifest)
	}
	compressor, err := compression.GetCompressorViaType(ctype)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	body, err := compression.DecompressLimit(compressor, stored, bodyLimit(len(stored)))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptManifest, err)
	}

	m, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	m.Version = version
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func bodyLimit(stored int) int64 {
	return max(int64(stored)*maxExpansion, minBodyLimit)
}

func decodeBody(body []byte) (*Manifest, error) {
	d := &decoder{buf: body}
	m := &Manifest{}
	m.Chunking.MinSize = d.int()
	m.Chunking.AvgSize = d.int()
	m.Chunking.MaxSize = d.int()
	m.Chunking.Digest = chunk.Algorithm(d.string())

	// each catalog entry takes at least FingerprintSize+1 bytes
	n := d.count(chunk.FingerprintSize + 1)
	fps := make([]chunk.Fingerprint, n)
	m.Catalog = make(map[chunk.Fingerprint]uint32, n)
	for i := range fps {
		copy(fps[i][:], d.bytes(chunk.FingerprintSize))
		l := d.uvarint()
		if l == 0 || l > math.MaxUint32 {
			d.fail("chunk length %d", l)
		}
		m.Catalog[fps[i]] = uint32(l)
	}
	if d.err == nil && len(m.Catalog) != len(fps) {
		d.fail("duplicate catalog entries")
	}

	nfiles := d.count(4)
	if nfiles > 0 {
		m.Files = make([]FileEntry, 0, nfiles)
	}
	for i := 0; i < nfiles && d.err == nil; i++ {
		f := FileEntry{
			Path: d.string(),
			Mode: fs.FileMode(d.uvarint()),
			Size: int64(d.uvarint()),
		}
		nchunks := d.count(1)
		if nchunks > 0 {
			f.Chunks = make([]ChunkInManifest, 0, nchunks)
		}
		var off int64
		for j := 0; j < nchunks && d.err == nil; j++ {
			idx := d.uvarint()
			if idx >= uint64(len(fps)) {
				d.fail("%s chunk %d: catalog index %d out of range", f.Path, j, idx)
				break
			}
			fp := fps[idx]
			l := m.Catalog[fp]
			f.Chunks = append(f.Chunks, ChunkInManifest{FP: fp, Offset: off, Len: l})
			off += int64(l)
		}
		m.Files = append(m.Files, f)
	}
	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// decoder consumes a body and records the first error.
type decoder struct {
	buf []byte
	err error
}

var errTruncated = errors.New("truncated body")

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrCorruptManifest, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("%w: %v", ErrCorruptManifest, errTruncated)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) int() int {
	v := d.uvarint()
	if v > math.MaxInt32 {
		d.fail("value %d out of range", v)
		return 0
	}
	return int(v)
}

// count reads an element count and rejects counts that cannot fit in the
// remaining bytes when every element needs at least min bytes.
func (d *decoder) count(min int) int {
	v := d.uvarint()
	if d.err == nil && v > uint64(len(d.buf)/min) {
		d.fail("count %d exceeds remaining %d bytes", v, len(d.buf))
		return 0
	}
	return int(v)
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("%w: %v", ErrCorruptManifest, errTruncated)
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: %v", ErrCorruptManifest, errTruncated)
	}
	return string(d.bytes(int(n)))
}
