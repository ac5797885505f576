package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
)

type sourceRange struct {
	path   string
	offset int64
	length int
}

// handle is an open source file shared by concurrent readers. It is closed
// once it has left the LRU and the last reader is done.
type handle struct {
	f       *os.File
	refs    int
	evicted bool
}

// Caching reads chunks straight from the source tree the manifest was built
// from. Every chunk is read from the first file and offset the manifest
// lists it at and verified against its fingerprint, so a source that changed
// since the manifest was built yields ErrChunkUnavailable rather than wrong
// bytes.
type Caching struct {
	*ReadAhead
	root   string
	id     chunk.Identity
	ranges map[chunk.Fingerprint]sourceRange

	mu    sync.Mutex
	files *lru.Cache[string, *handle]
}

func NewCaching(root string, m *manifest.Manifest, opts ...Option) (*Caching, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", root)
	}
	id, err := chunk.NewIdentity(m.Chunking.Digest)
	if err != nil {
		return nil, err
	}

	c := &Caching{
		root:   root,
		id:     id,
		ranges: make(map[chunk.Fingerprint]sourceRange, len(m.Catalog)),
	}
	for _, f := range m.Files {
		for _, ch := range f.Chunks {
			if _, ok := c.ranges[ch.FP]; !ok {
				c.ranges[ch.FP] = sourceRange{path: f.Path, offset: ch.Offset, length: int(ch.Len)}
			}
		}
	}
	c.files, err = lru.NewWithEvict(o.openFiles, func(_ string, h *handle) {
		h.evicted = true
		if h.refs == 0 {
			h.f.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	c.ReadAhead = newReadAhead(c.read, o)
	logger.Debugf("caching provider over %s: %d chunks", root, len(c.ranges))
	return c, nil
}

func (c *Caching) open(rel string) (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.files.Get(rel); ok {
		h.refs++
		return h, nil
	}
	f, err := os.Open(filepath.Join(c.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	h := &handle{f: f, refs: 1}
	c.files.Add(rel, h)
	return h, nil
}

func (c *Caching) done(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.evicted && h.refs == 0 {
		h.f.Close()
	}
}

func (c *Caching) read(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng, ok := c.ranges[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in the manifest", ErrChunkUnavailable, fp.Short())
	}
	h, err := c.open(rng.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChunkUnavailable, fp.Short(), err)
	}
	defer c.done(h)

	buf := make([]byte, rng.length)
	if _, err := h.f.ReadAt(buf, rng.offset); err != nil {
		return nil, fmt.Errorf("%w: %s at %s+%d: %w", ErrChunkUnavailable, fp.Short(), rng.path, rng.offset, err)
	}
	if !c.id.Verify(fp, buf) {
		return nil, fmt.Errorf("%w: %s at %s+%d: source changed since the manifest was built",
			ErrChunkUnavailable, fp.Short(), rng.path, rng.offset)
	}
	return buf, nil
}

// Close stops read-ahead and closes the source files.
func (c *Caching) Close() error {
	err := c.ReadAhead.Close()
	c.mu.Lock()
	c.files.Purge()
	c.mu.Unlock()
	return err
}
