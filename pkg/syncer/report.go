package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the outcome for one file.
type Status string

const (
	StatusSynced    Status = "synced"
	StatusUnchanged Status = "unchanged"
	StatusFailed    Status = "failed"
	// StatusSkipped files were not started because the run was cancelled.
	StatusSkipped Status = "skipped"
)

// FileResult is the per-file line of a Report.
type FileResult struct {
	Path   string
	Status Status
	// Kind names the failure class, e.g. ChunkUnavailable or IoFailure.
	Kind          string
	Err           error
	Size          int64
	BytesFetched  int64
	BytesReused   int64
	ChunksFetched int
	ChunksReused  int
}

// Report summarises a run.
type Report struct {
	Files []FileResult
	// Succeeded counts synced and unchanged files.
	Succeeded     int
	Unchanged     int
	Failed        int
	Skipped       int
	BytesFetched  int64
	BytesReused   int64
	ChunksFetched int
	ChunksReused  int
	Deleted       []string
	DroppedEvents int64
	Duration      time.Duration
}

func newReport(results []FileResult) *Report {
	r := &Report{Files: results}
	for _, f := range results {
		switch f.Status {
		case StatusSynced:
			r.Succeeded++
		case StatusUnchanged:
			r.Succeeded++
			r.Unchanged++
		case StatusFailed:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
		r.BytesFetched += f.BytesFetched
		r.BytesReused += f.BytesReused
		r.ChunksFetched += f.ChunksFetched
		r.ChunksReused += f.ChunksReused
	}
	return r
}

// DedupRatio is the share of written bytes that came from the destination
// itself rather than the provider.
func (r *Report) DedupRatio() float64 {
	total := r.BytesFetched + r.BytesReused
	if total == 0 {
		return 0
	}
	return float64(r.BytesReused) / float64(total)
}

func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded (%d unchanged), %d failed", r.Succeeded, r.Unchanged, r.Failed)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", r.Skipped)
	}
	fmt.Fprintf(&b, "; fetched %s, reused %s (%.1f%% reused)",
		humanize.IBytes(uint64(r.BytesFetched)), humanize.IBytes(uint64(r.BytesReused)), 100*r.DedupRatio())
	if len(r.Deleted) > 0 {
		fmt.Fprintf(&b, "; deleted %d extra", len(r.Deleted))
	}
	if r.Duration > 0 {
		fmt.Fprintf(&b, " in %s", r.Duration.Round(time.Millisecond))
	}
	return b.String()
}

// Err joins the file failures under ErrFilesFailed, or returns nil.
func (r *Report) Err() error {
	if r.Failed == 0 {
		return nil
	}
	errs := make([]error, 0, r.Failed)
	for _, f := range r.Files {
		if f.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %w", f.Path, f.Err))
		}
	}
	return fmt.Errorf("%w: %d of %d: %w", ErrFilesFailed, r.Failed, len(r.Files), errors.Join(errs...))
}
