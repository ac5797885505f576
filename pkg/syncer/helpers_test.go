package syncer

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhengshuai-xiao/binsync/internal"
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

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
}

func buildManifest(t *testing.T, root string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Build(context.Background(), manifest.DirSource{Root: root}, testConfig())
	require.NoError(t, err)
	return m
}

// readTree returns every regular file below root except the destination
// lock file. Temp files are included.
func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if rel == internal.LockFileName {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	return out
}

func tempFiles(t *testing.T, root string) []string {
	t.Helper()
	var tmps []string
	for p := range readTree(t, root) {
		if internal.IsTempPath(p) {
			tmps = append(tmps, p)
		}
	}
	return tmps
}

// mapProvider serves chunks from memory and counts every call. It only
// implements Fetch, like a user supplied provider would.
type mapProvider struct {
	mu     sync.Mutex
	chunks map[chunk.Fingerprint][]byte
	calls  map[chunk.Fingerprint]int
	total  int
	onCall func()
}

func newMapProvider(m *manifest.Manifest, files map[string][]byte) *mapProvider {
	p := &mapProvider{chunks: map[chunk.Fingerprint][]byte{}, calls: map[chunk.Fingerprint]int{}}
	for _, f := range m.Files {
		for _, c := range f.Chunks {
			p.chunks[c.FP] = files[f.Path][c.Offset : c.Offset+int64(c.Len)]
		}
	}
	return p
}

func (p *mapProvider) Fetch(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
	p.mu.Lock()
	p.calls[fp]++
	p.total++
	data, ok := p.chunks[fp]
	onCall := p.onCall
	p.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if !ok {
		return nil, errors.New("404 not found")
	}
	return data, nil
}

func (p *mapProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *mapProvider) callsFor(fp chunk.Fingerprint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[fp]
}

func (p *mapProvider) drop(fp chunk.Fingerprint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.chunks, fp)
}
