package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/provider"
)

// reconcile runs every file plan on a bounded pool of workers. A failing
// file never stops the others; cancellation stops new files from starting.
func (s *Syncer) reconcile(ctx context.Context, p provider.ChunkProvider, plan *Plan) *Report {
	id, _ := chunk.NewIdentity(s.manifest.Chunking.Digest)
	results := make([]FileResult, len(plan.Files))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range plan.Files {
		fp := &plan.Files[i]
		res := &results[i]
		res.Path, res.Size = fp.Path, fp.Size
		if ctx.Err() != nil {
			res.Status = StatusSkipped
			res.Kind = internal.FailureKind(ctx.Err())
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				res.Status = StatusSkipped
				res.Kind = internal.FailureKind(err)
				return nil
			}
			err := s.syncFile(ctx, p, id, fp, res)
			switch {
			case err != nil:
				res.Status = StatusFailed
				res.Err = err
				res.Kind = internal.FailureKind(err)
				logger.Warnf("sync %s failed (%s): %v", fp.Path, res.Kind, err)
				s.emit(Event{Kind: EventFileFailed, Path: fp.Path, Err: err})
			case fp.Unchanged:
				res.Status = StatusUnchanged
				s.emit(Event{Kind: EventFileDone, Path: fp.Path, Bytes: fp.Size})
			default:
				res.Status = StatusSynced
				s.emit(Event{Kind: EventFileDone, Path: fp.Path, Bytes: fp.Size})
			}
			internal.FilesSynced.WithLabelValues(string(res.Status)).Inc()
			return nil
		})
	}
	g.Wait()
	return newReport(results)
}

// syncFile writes the file into a temp file beside its destination and
// renames it into place. Local chunks are written first, then the fetched
// ones in manifest order; every chunk lands at its own offset.
func (s *Syncer) syncFile(ctx context.Context, p provider.ChunkProvider, id chunk.Identity, fp *FilePlan, res *FileResult) (err error) {
	if fp.Path == internal.LockFileName {
		return fmt.Errorf("%w: %s is the destination lock file", ErrIoFailure, fp.Path)
	}
	dest := filepath.Join(s.dest, filepath.FromSlash(fp.Path))
	if fp.Unchanged {
		res.BytesReused = fp.Size
		res.ChunksReused = len(fp.Ops)
		internal.BytesReused.Add(float64(fp.Size))
		if fp.CurrentMode != fp.Mode {
			if err := os.Chmod(dest, fp.Mode); err != nil {
				return internal.IOError("chmod "+fp.Path, err)
			}
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return internal.IOError("mkdir for "+fp.Path, err)
	}
	tmp := internal.TempPath(dest)
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return internal.IOError("create temp for "+fp.Path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	local := newLocalReader(s.dest, id)
	defer local.close()

	// indexes of the ops the provider serves, in manifest order
	var fetch []int
	for i, op := range fp.Ops {
		if op.Kind == OpFetch {
			fetch = append(fetch, i)
			continue
		}
		data, ok := local.read(op)
		if !ok {
			// moved or rewritten since the inventory
			fetch = append(fetch, i)
			continue
		}
		if _, err := f.WriteAt(data, op.Offset); err != nil {
			return internal.IOError("write "+fp.Path, err)
		}
		res.BytesReused += int64(len(data))
		res.ChunksReused++
		internal.BytesReused.Add(float64(len(data)))
		s.emit(Event{Kind: EventChunkReused, Path: fp.Path, Bytes: int64(len(data))})
	}
	if len(fetch) > 0 {
		fps := make([]chunk.Fingerprint, len(fetch))
		for i, idx := range fetch {
			fps[i] = fp.Ops[idx].FP
		}
		it := provider.Sequence(ctx, p, fps)
		defer it.Close()
		for _, idx := range fetch {
			op := fp.Ops[idx]
			data, err := it.Next()
			if err != nil {
				if !errors.Is(err, ErrChunkUnavailable) && ctx.Err() == nil {
					err = fmt.Errorf("%w: %s: %w", ErrChunkUnavailable, op.FP.Short(), err)
				}
				return fmt.Errorf("%s at offset %d: %w", fp.Path, op.Offset, err)
			}
			if len(data) != op.Len {
				return fmt.Errorf("%w: %s: provider returned %d bytes for %s, want %d",
					ErrChunkUnavailable, fp.Path, len(data), op.FP.Short(), op.Len)
			}
			if _, err := f.WriteAt(data, op.Offset); err != nil {
				return internal.IOError("write "+fp.Path, err)
			}
			res.BytesFetched += int64(len(data))
			res.ChunksFetched++
			internal.BytesFetched.Add(float64(len(data)))
			s.emit(Event{Kind: EventChunkFetched, Path: fp.Path, Bytes: int64(len(data))})
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return finalize(f, tmp, dest, fp)
}

// finalize makes the temp file durable and swaps it into place. Once the
// size checks out nothing interrupts the rename.
func finalize(f *os.File, tmp, dest string, fp *FilePlan) error {
	if err := f.Sync(); err != nil {
		return internal.IOError("fsync "+fp.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return internal.IOError("stat "+fp.Path, err)
	}
	if info.Size() != fp.Size {
		return fmt.Errorf("%w: %s is %d bytes, manifest says %d", ErrSizeMismatch, fp.Path, info.Size(), fp.Size)
	}
	if err := f.Chmod(fp.Mode); err != nil {
		return internal.IOError("chmod "+fp.Path, err)
	}
	if err := f.Close(); err != nil {
		return internal.IOError("close "+fp.Path, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return internal.IOError("rename "+fp.Path, err)
	}
	logger.Debugf("wrote %s (%d bytes)", fp.Path, fp.Size)
	return nil
}

// localReader reads chunks out of the destination's existing files and
// checks them against their fingerprints.
type localReader struct {
	root  string
	id    chunk.Identity
	files map[string]*os.File
}

func newLocalReader(root string, id chunk.Identity) *localReader {
	return &localReader{root: root, id: id, files: map[string]*os.File{}}
}

func (l *localReader) read(op Op) ([]byte, bool) {
	f, ok := l.files[op.From.Path]
	if !ok {
		var err error
		f, err = os.Open(filepath.Join(l.root, filepath.FromSlash(op.From.Path)))
		if err != nil {
			logger.Debugf("local copy of %s from %s: %v", op.FP.Short(), op.From.Path, err)
			f = nil
		}
		l.files[op.From.Path] = f
	}
	if f == nil {
		return nil, false
	}
	buf := make([]byte, op.From.Len)
	if _, err := f.ReadAt(buf, op.From.Offset); err != nil {
		logger.Debugf("local copy of %s from %s+%d: %v", op.FP.Short(), op.From.Path, op.From.Offset, err)
		return nil, false
	}
	if !l.id.Verify(op.FP, buf) {
		logger.Debugf("local copy of %s from %s+%d changed, fetching instead", op.FP.Short(), op.From.Path, op.From.Offset)
		return nil, false
	}
	return buf, true
}

func (l *localReader) close() {
	for _, f := range l.files {
		if f != nil {
			f.Close()
		}
	}
}
