package provider

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
)

func testConfig() chunk.Config {
	return chunk.Config{MinSize: 256, AvgSize: 1024, MaxSize: 4096, Digest: chunk.DigestSHA256}
}

func randomBytes(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// buildSource writes files under a temp root and returns the root and its manifest.
func buildSource(t *testing.T, files map[string][]byte) (string, *manifest.Manifest) {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	m, err := manifest.Build(context.Background(), manifest.DirSource{Root: root}, testConfig())
	require.NoError(t, err)
	return root, m
}

// chunkBytes maps every fingerprint of m to its bytes, read from files.
func chunkBytes(m *manifest.Manifest, files map[string][]byte) map[chunk.Fingerprint][]byte {
	out := map[chunk.Fingerprint][]byte{}
	for _, f := range m.Files {
		for _, c := range f.Chunks {
			out[c.FP] = files[f.Path][c.Offset : c.Offset+int64(c.Len)]
		}
	}
	return out
}

func TestCachingFetch(t *testing.T) {
	files := map[string][]byte{
		"a.bin":     randomBytes(1, 20000),
		"dir/b.bin": randomBytes(2, 7000),
		"dir/c.bin": append(randomBytes(1, 20000), randomBytes(3, 3000)...),
	}
	root, m := buildSource(t, files)
	want := chunkBytes(m, files)

	p, err := NewCaching(root, m, WithOpenFiles(1), WithMaxInFlight(4))
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for fp, data := range want {
		wg.Add(1)
		go func(fp chunk.Fingerprint, data []byte) {
			defer wg.Done()
			got, err := p.Fetch(context.Background(), fp)
			assert.NoError(t, err)
			assert.Equal(t, data, got)
		}(fp, data)
	}
	wg.Wait()
	assert.Equal(t, int64(len(want)), p.Stats().Fetches)
}

func TestCachingUnknownFingerprint(t *testing.T) {
	root, m := buildSource(t, map[string][]byte{"a": randomBytes(1, 3000)})
	p, err := NewCaching(root, m)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Fetch(context.Background(), fpOf("nope"))
	assert.ErrorIs(t, err, ErrChunkUnavailable)
}

func TestCachingSourceChanged(t *testing.T) {
	files := map[string][]byte{"a": randomBytes(1, 3000)}
	root, m := buildSource(t, files)
	p, err := NewCaching(root, m)
	require.NoError(t, err)
	defer p.Close()

	changed := append([]byte(nil), files["a"]...)
	changed[0] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), changed, 0o644))
	_, err = p.Fetch(context.Background(), m.Files[0].Chunks[0].FP)
	assert.ErrorIs(t, err, ErrChunkUnavailable)

	require.NoError(t, os.Remove(filepath.Join(root, "a")))
	p2, err := NewCaching(root, m)
	require.NoError(t, err)
	defer p2.Close()
	_, err = p2.Fetch(context.Background(), m.Files[0].Chunks[0].FP)
	assert.ErrorIs(t, err, ErrChunkUnavailable)
}

func TestNewCachingBadRoot(t *testing.T) {
	_, m := buildSource(t, map[string][]byte{"a": randomBytes(1, 100)})
	_, err := NewCaching(filepath.Join(t.TempDir(), "missing"), m)
	assert.Error(t, err)
}
