package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

// FetchFunc performs one underlying read of a chunk.
type FetchFunc func(ctx context.Context, fp chunk.Fingerprint) ([]byte, error)

// entry is a shared future for one fingerprint. data and err are set before
// done is closed. evict, guarded by ReadAhead.mu, marks an entry whose last
// use was released while its fetch was still running.
type entry struct {
	done  chan struct{}
	data  []byte
	err   error
	evict bool
}

// Stats counts what a ReadAhead did.
type Stats struct {
	Requests int64 // chunks handed to consumers
	Fetches  int64 // underlying fetches started
	Joined   int64 // requests served by an entry already cached or in flight
	Bytes    int64 // bytes returned by underlying fetches
}

// ReadAhead is the read-ahead and caching engine shared by every provider.
//
// Each fingerprint maps to at most one entry. A requester either starts the
// underlying fetch or attaches to the entry that is already there, so
// concurrent requests never duplicate I/O. Completed bytes stay cached until
// every planned use has been consumed; fingerprints without a plan are
// evicted as soon as they are consumed. Streams start fetching up to depth
// chunks past the one being consumed, and at most maxInFlight underlying
// fetches run at once.
type ReadAhead struct {
	fetch FetchFunc
	depth int
	sem   *semaphore.Weighted

	// fetches outlive the request that started them, so they run on the
	// provider's own context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[chunk.Fingerprint]*entry
	planned map[chunk.Fingerprint]int
	stats   Stats
}

// NewReadAhead wraps fetch with read-ahead, in-flight de-duplication and a
// consumption-bounded cache.
func NewReadAhead(fetch FetchFunc, opts ...Option) *ReadAhead {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newReadAhead(fetch, o)
}

func newReadAhead(fetch FetchFunc, o options) *ReadAhead {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadAhead{
		fetch:   fetch,
		depth:   o.readAhead,
		sem:     semaphore.NewWeighted(int64(o.maxInFlight)),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[chunk.Fingerprint]*entry),
		planned: make(map[chunk.Fingerprint]int),
	}
}

// Wrap gives any ChunkProvider the shared read-ahead discipline.
func Wrap(p ChunkProvider, opts ...Option) *ReadAhead {
	return NewReadAhead(p.Fetch, opts...)
}

// Plan replaces the expected use count of every fingerprint.
func (r *ReadAhead) Plan(uses map[chunk.Fingerprint]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planned = make(map[chunk.Fingerprint]int, len(uses))
	for fp, n := range uses {
		if n > 0 {
			r.planned[fp] = n
		}
	}
}

// Fetch returns one chunk and counts it as consumed.
func (r *ReadAhead) Fetch(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
	e := r.acquire(fp)
	data, err := r.wait(ctx, e)
	r.release(fp, e)
	return data, err
}

// Stream returns the chunks of fps in order while fetching ahead.
func (r *ReadAhead) Stream(ctx context.Context, fps []chunk.Fingerprint) Iterator {
	return &stream{r: r, ctx: ctx, fps: fps, entries: make([]*entry, len(fps))}
}

// Stats returns a snapshot of the counters.
func (r *ReadAhead) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Cached reports how many entries are held, in flight or completed.
func (r *ReadAhead) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close abandons in-flight fetches and drops the cache.
func (r *ReadAhead) Close() error {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	r.entries = make(map[chunk.Fingerprint]*entry)
	r.mu.Unlock()
	return nil
}

// acquire returns the entry for fp, starting the fetch if nobody has.
func (r *ReadAhead) acquire(fp chunk.Fingerprint) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Requests++
	if e, ok := r.entries[fp]; ok {
		r.stats.Joined++
		e.evict = false
		return e
	}
	e := &entry{done: make(chan struct{})}
	r.entries[fp] = e
	r.stats.Fetches++
	r.wg.Add(1)
	go r.run(fp, e)
	return e
}

func (r *ReadAhead) run(fp chunk.Fingerprint, e *entry) {
	defer r.wg.Done()

	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		r.finish(fp, e, nil, fmt.Errorf("%w: %s: %w", ErrChunkUnavailable, fp.Short(), err))
		return
	}
	start := time.Now()
	data, err := r.fetch(r.ctx, fp)
	r.sem.Release(1)
	internal.FetchLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, ErrChunkUnavailable) {
			err = fmt.Errorf("%w: %s: %w", ErrChunkUnavailable, fp.Short(), err)
		}
		logger.Debugf("fetch %s failed: %v", fp.Short(), err)
	} else {
		logger.Tracef("fetched %s (%d bytes)", fp.Short(), len(data))
	}
	r.finish(fp, e, data, err)
}

// finish completes e. A failed entry is dropped so a later request may try
// again, and so is one whose uses were all released while it ran.
func (r *ReadAhead) finish(fp chunk.Fingerprint, e *entry, data []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.data, e.err = data, err
	close(e.done)
	if err == nil {
		r.stats.Bytes += int64(len(data))
	}
	if (err != nil || e.evict) && r.entries[fp] == e {
		delete(r.entries, fp)
	}
}

func (r *ReadAhead) wait(ctx context.Context, e *entry) ([]byte, error) {
	select {
	case <-e.done:
		return e.data, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release accounts for one use of fp, consumed or abandoned. e is nil when
// the use never started a request.
func (r *ReadAhead) release(fp chunk.Fingerprint, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.planned[fp]; ok {
		if n > 1 {
			r.planned[fp] = n - 1
			return
		}
		delete(r.planned, fp)
		r.evict(fp, r.entries[fp])
		return
	}
	r.evict(fp, e)
}

// evict drops e from the cache. An entry still fetching stays so later
// requests join it; finish drops it. Called with r.mu held.
func (r *ReadAhead) evict(fp chunk.Fingerprint, e *entry) {
	if e == nil || r.entries[fp] != e {
		return
	}
	select {
	case <-e.done:
		delete(r.entries, fp)
	default:
		e.evict = true
	}
}

// stream keeps positions [next, started) requested and consumes them in order.
type stream struct {
	r       *ReadAhead
	ctx     context.Context
	fps     []chunk.Fingerprint
	entries []*entry
	next    int
	started int
	closed  bool
}

func (s *stream) fill() {
	for s.started < len(s.fps) && s.started <= s.next+s.r.depth {
		s.entries[s.started] = s.r.acquire(s.fps[s.started])
		s.started++
	}
}

func (s *stream) Next() ([]byte, error) {
	if s.closed || s.next >= len(s.fps) {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	s.fill()
	i := s.next
	data, err := s.r.wait(s.ctx, s.entries[i])
	if err == nil || !errors.Is(err, s.ctx.Err()) {
		s.r.release(s.fps[i], s.entries[i])
		s.entries[i] = nil
		s.next++
	}
	return data, err
}

// Close gives back every use the caller did not consume.
func (s *stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for i := s.next; i < len(s.fps); i++ {
		s.r.release(s.fps[i], s.entries[i])
		s.entries[i] = nil
	}
}
