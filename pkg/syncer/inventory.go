package syncer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
)

// Location is where a chunk already sits in the destination.
type Location struct {
	Path   string
	Offset int64
	Len    int
}

// inventory is what the destination holds at the start of a run. It is
// read-only once built.
type inventory struct {
	chunks map[chunk.Fingerprint]Location
	files  map[string]*manifest.FileEntry
	paths  []string
}

func emptyInventory() *inventory {
	return &inventory{
		chunks: map[chunk.Fingerprint]Location{},
		files:  map[string]*manifest.FileEntry{},
	}
}

// at returns the fingerprint of the chunk starting at off in the existing
// file rel.
func (inv *inventory) at(rel string, off int64) (chunk.Fingerprint, int, bool) {
	f, ok := inv.files[rel]
	if !ok {
		return chunk.Fingerprint{}, 0, false
	}
	// chunks are sorted by offset
	lo, hi := 0, len(f.Chunks)
	for lo < hi {
		mid := (lo + hi) / 2
		if f.Chunks[mid].Offset < off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(f.Chunks) && f.Chunks[lo].Offset == off {
		return f.Chunks[lo].FP, int(f.Chunks[lo].Len), true
	}
	return chunk.Fingerprint{}, 0, false
}

// destSource lists the destination's regular files. Entries that cannot be
// walked or stat'ed are logged and left out; only an unreadable root fails.
// The lock file at the root and temp files of earlier runs are not content.
type destSource struct {
	root string
}

func (d destSource) Files(ctx context.Context) ([]manifest.SourceFile, error) {
	var files []manifest.SourceFile
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if p == d.root {
				return err
			}
			logger.Warnf("inventory skips %s: %v", p, err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == internal.LockFileName || internal.IsTempPath(rel) {
			return nil
		}
		if !manifest.ValidPath(rel) {
			logger.Debugf("inventory skips %q", rel)
			return nil
		}
		info, err := de.Info()
		if err != nil {
			logger.Warnf("inventory skips %s: %v", rel, err)
			return nil
		}
		full := p
		files = append(files, manifest.SourceFile{
			Path: rel,
			Size: info.Size(),
			Mode: info.Mode().Perm(),
			Open: func() (io.ReadCloser, error) { return os.Open(full) },
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// takeInventory chunks every regular file in the destination with the
// manifest's chunking, so equal bytes get equal fingerprints. The first
// occurrence of a fingerprint wins. A file that cannot be read is left out:
// its chunks are not reused, and if the manifest names it, it is rewritten.
func (s *Syncer) takeInventory(ctx context.Context) (*inventory, error) {
	cdc, err := chunk.NewFastCDC(s.manifest.Chunking)
	if err != nil {
		return nil, err
	}
	files, err := destSource{root: s.dest}.Files(ctx)
	if err != nil {
		return nil, internal.IOError("inventory of "+s.dest, err)
	}

	entries := make([]*manifest.FileEntry, len(files))
	var g errgroup.Group
	g.SetLimit(s.inventoryWorkers)
	for i, sf := range files {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			entry, err := manifest.ChunkFile(cdc, sf)
			if err != nil {
				logger.Warnf("inventory skips %s: %v", sf.Path, err)
				return nil
			}
			entries[i] = &entry
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inv := emptyInventory()
	for _, f := range entries {
		if f == nil {
			continue
		}
		inv.files[f.Path] = f
		inv.paths = append(inv.paths, f.Path)
		for _, c := range f.Chunks {
			if _, ok := inv.chunks[c.FP]; !ok {
				inv.chunks[c.FP] = Location{Path: f.Path, Offset: c.Offset, Len: int(c.Len)}
			}
		}
	}
	logger.Debugf("inventory of %s: %d of %d files, %d distinct chunks", s.dest, len(inv.files), len(files), len(inv.chunks))
	return inv, nil
}
