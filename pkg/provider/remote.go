package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/storage"
)

// Remote fetches chunks as byte ranges of objects in a storage backend.
// Transient failures are retried with exponential backoff; a missing object
// is permanent.
type Remote struct {
	*ReadAhead
	backend  storage.Backend
	index    map[chunk.Fingerprint]Location
	id       chunk.Identity
	retries  int
	interval time.Duration
}

// NewRemote serves the chunks of m through index, which says where each
// fingerprint lives in backend.
func NewRemote(backend storage.Backend, m *manifest.Manifest, index map[chunk.Fingerprint]Location, opts ...Option) (*Remote, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id, err := chunk.NewIdentity(m.Chunking.Digest)
	if err != nil {
		return nil, err
	}
	missing := 0
	for fp := range m.Catalog {
		if _, ok := index[fp]; !ok {
			missing++
		}
	}
	if missing > 0 {
		logger.Warnf("%d of %d chunks have no location in %s", missing, len(m.Catalog), backend.Name())
	}
	r := &Remote{
		backend:  backend,
		index:    index,
		id:       id,
		retries:  o.retries,
		interval: o.retryInterval,
	}
	r.ReadAhead = newReadAhead(r.get, o)
	return r, nil
}

func (r *Remote) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	eb.MaxInterval = 30 * r.interval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.retries)), ctx)
}

func (r *Remote) get(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
	loc, ok := r.index[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no location", ErrChunkUnavailable, fp.Short())
	}
	var (
		data     []byte
		attempts int
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			internal.FetchRetries.Inc()
		}
		b, err := r.backend.GetRange(ctx, loc.Key, loc.Offset, loc.Len)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return backoff.Permanent(err)
			}
			logger.Debugf("get %s %s+%d attempt %d: %v", fp.Short(), loc.Key, loc.Offset, attempts, err)
			return err
		}
		// a corrupted transfer is worth another attempt
		if !r.id.Verify(fp, b) {
			return fmt.Errorf("digest mismatch for %s at %s+%d", fp.Short(), loc.Key, loc.Offset)
		}
		data = b
		return nil
	}
	if err := backoff.Retry(op, r.backOff(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrChunkUnavailable, fp.Short(), attempts, err)
	}
	return data, nil
}
