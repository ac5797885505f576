package manifest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

// SourceFile is one file yielded by a Source.
type SourceFile struct {
	Path string // slash separated, relative
	Size int64
	Mode fs.FileMode
	Open func() (io.ReadCloser, error)
}

// Source enumerates the files of a tree in a stable order.
type Source interface {
	Files(ctx context.Context) ([]SourceFile, error)
}

// DirSource enumerates the regular files below a directory, sorted by path.
type DirSource struct {
	Root string
}

func (d DirSource) Files(ctx context.Context) ([]SourceFile, error) {
	var files []SourceFile
	err := filepath.WalkDir(d.Root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			if !de.IsDir() {
				logger.Debugf("skip non-regular file %s", p)
			}
			return nil
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		full := p
		files = append(files, SourceFile{
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
			Mode: info.Mode().Perm(),
			Open: func() (io.ReadCloser, error) { return os.Open(full) },
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.Root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

type buildOptions struct {
	workers int
}

type BuildOption func(*buildOptions)

// WithWorkers sets how many files are chunked concurrently.
func WithWorkers(n int) BuildOption {
	return func(o *buildOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Build chunks every file of src. Files are processed in parallel but the
// result keeps the order of src, so the manifest is deterministic.
func Build(ctx context.Context, src Source, cfg chunk.Config, opts ...BuildOption) (*Manifest, error) {
	o := buildOptions{workers: 4}
	for _, opt := range opts {
		opt(&o)
	}
	cdc, err := chunk.NewFastCDC(cfg)
	if err != nil {
		return nil, err
	}
	files, err := src.Files(ctx)
	if err != nil {
		return nil, err
	}
	for _, sf := range files {
		if !ValidPath(sf.Path) {
			return nil, fmt.Errorf("%w: source path %q", internal.ErrInvalidConfig, sf.Path)
		}
	}
	start := time.Now()

	entries := make([]FileEntry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, sf := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := ChunkFile(cdc, sf)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:  FormatVersion,
		Chunking: cfg,
		Files:    entries,
		Catalog:  make(map[chunk.Fingerprint]uint32),
	}
	if m.Chunking.Digest == "" {
		m.Chunking.Digest = chunk.DigestSHA256
	}
	for _, f := range entries {
		for _, c := range f.Chunks {
			m.Catalog[c.FP] = c.Len
		}
	}
	st := m.Stats()
	logger.Infof("built manifest: %d files, %d chunks (%d distinct), %s in %s",
		st.Files, st.Chunks, st.DistinctChunks, internal.FormatBytes(uint64(st.TotalBytes)), time.Since(start))
	return m, nil
}

// ChunkFile reads sf to the end and records its chunks.
func ChunkFile(cdc *chunk.FastCDC, sf SourceFile) (FileEntry, error) {
	rc, err := sf.Open()
	if err != nil {
		return FileEntry{}, internal.IOError("open "+sf.Path, err)
	}
	defer rc.Close()

	entry := FileEntry{Path: sf.Path, Mode: sf.Mode}
	err = chunk.ForEach(cdc, rc, func(c chunk.Chunk) error {
		entry.Chunks = append(entry.Chunks, ChunkInManifest{FP: c.FP, Offset: c.Offset, Len: uint32(c.Len)})
		entry.Size += int64(c.Len)
		return nil
	})
	if err != nil {
		return FileEntry{}, internal.IOError("chunk "+sf.Path, err)
	}
	if entry.Size != sf.Size {
		logger.Warnf("%s changed while reading: expected %d bytes, read %d", sf.Path, sf.Size, entry.Size)
	}
	logger.Debugf("chunked %s: %d chunks, %d bytes", sf.Path, len(entry.Chunks), entry.Size)
	return entry, nil
}
