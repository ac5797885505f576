package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("binsync manifest body "), 500)
	for _, name := range []string{"zlib", "snappy", "zstd", "lz4"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressorViaString(name)
			assert.NoError(t, err)
			assert.Equal(t, name, c.TypeString())

			compressed, err := c.Compress(payload)
			assert.NoError(t, err)
			assert.Less(t, len(compressed), len(payload))

			out, err := c.Decompress(compressed)
			assert.NoError(t, err)
			assert.Equal(t, payload, out)

			byType, err := GetCompressorViaType(c.Type())
			assert.NoError(t, err)
			assert.IsType(t, c, byType)
		})
	}
}

func TestZstdCompressor_DecompressInvalidData(t *testing.T) {
	_, err := NewZstd().Decompress([]byte("this is not valid zstd data"))
	assert.Error(t, err)
}

func TestNilCompressor(t *testing.T) {
	data := []byte("as is")
	out, err := Compress(nil, data)
	assert.NoError(t, err)
	assert.Equal(t, data, out)
	out, err = Decompress(nil, data)
	assert.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompressLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 1<<20)
	for _, name := range []string{"none", "zlib", "snappy", "zstd", "lz4"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressorViaString(name)
			assert.NoError(t, err)
			compressed, err := Compress(c, payload)
			assert.NoError(t, err)

			out, err := DecompressLimit(c, compressed, int64(len(payload)))
			assert.NoError(t, err)
			assert.Equal(t, payload, out)

			_, err = DecompressLimit(c, compressed, int64(len(payload))-1)
			assert.ErrorIs(t, err, ErrTooLarge)
		})
	}
}
