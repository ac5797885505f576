package provider

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

func fpOf(s string) chunk.Fingerprint {
	return chunk.Fingerprint(sha256.Sum256([]byte(s)))
}

// fakeSource serves "data-<name>" for every fingerprint registered with add.
type fakeSource struct {
	mu     sync.Mutex
	names  map[chunk.Fingerprint]string
	calls  map[chunk.Fingerprint]int
	total  atomic.Int64
	gate   chan struct{}
	jitter bool
}

func newFakeSource(names ...string) *fakeSource {
	s := &fakeSource{names: map[chunk.Fingerprint]string{}, calls: map[chunk.Fingerprint]int{}}
	for _, n := range names {
		s.names[fpOf(n)] = n
	}
	return s
}

func (s *fakeSource) Fetch(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
	s.total.Add(1)
	s.mu.Lock()
	s.calls[fp]++
	name, ok := s.names[fp]
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown", ErrChunkUnavailable)
	}
	return []byte("data-" + name), nil
}

func (s *fakeSource) callsFor(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[fpOf(name)]
}

func TestReadAheadDeduplicatesConcurrentRequests(t *testing.T) {
	src := newFakeSource("x")
	src.gate = make(chan struct{})
	ra := Wrap(src)
	defer ra.Close()

	const n = 10
	ra.Plan(map[chunk.Fingerprint]int{fpOf("x"): n})

	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ra.Fetch(context.Background(), fpOf("x"))
		}(i)
	}
	require.Eventually(t, func() bool { return ra.Stats().Requests == n }, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("data-x"), results[i])
	}
	assert.Equal(t, int64(1), src.total.Load())
	st := ra.Stats()
	assert.Equal(t, int64(1), st.Fetches)
	assert.Equal(t, int64(n-1), st.Joined)
	assert.Equal(t, 0, ra.Cached(), "all planned uses consumed")
}

func TestReadAheadEviction(t *testing.T) {
	src := newFakeSource("x", "y")
	ra := Wrap(src)
	defer ra.Close()
	ctx := context.Background()

	ra.Plan(map[chunk.Fingerprint]int{fpOf("x"): 2})

	_, err := ra.Fetch(ctx, fpOf("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, ra.Cached(), "x still has a planned use")

	_, err = ra.Fetch(ctx, fpOf("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, ra.Cached())
	assert.Equal(t, 1, src.callsFor("x"))

	// unplanned chunks leave the cache once consumed
	_, err = ra.Fetch(ctx, fpOf("y"))
	require.NoError(t, err)
	assert.Equal(t, 0, ra.Cached())
	_, err = ra.Fetch(ctx, fpOf("y"))
	require.NoError(t, err)
	assert.Equal(t, 2, src.callsFor("y"))
}

func TestReadAheadFailureIsNotCached(t *testing.T) {
	var calls atomic.Int64
	ra := NewReadAhead(func(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return []byte("ok"), nil
	})
	defer ra.Close()
	ra.Plan(map[chunk.Fingerprint]int{fpOf("x"): 2})

	_, err := ra.Fetch(context.Background(), fpOf("x"))
	assert.ErrorIs(t, err, ErrChunkUnavailable)

	data, err := ra.Fetch(context.Background(), fpOf("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int64(2), calls.Load())
}

func TestStreamPreservesOrder(t *testing.T) {
	var names []string
	var fps []chunk.Fingerprint
	for i := 0; i < 50; i++ {
		n := fmt.Sprintf("c%d", i%20)
		names = append(names, n)
		fps = append(fps, fpOf(n))
	}
	src := newFakeSource(names...)
	src.jitter = true
	ra := Wrap(src, WithReadAhead(6), WithMaxInFlight(4))
	defer ra.Close()

	uses := map[chunk.Fingerprint]int{}
	for _, fp := range fps {
		uses[fp]++
	}
	ra.Plan(uses)

	it := ra.Stream(context.Background(), fps)
	defer it.Close()
	for i := range fps {
		data, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, "data-"+names[i], string(data), "position %d", i)
	}
	_, err := it.Next()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, int64(20), src.total.Load(), "each distinct chunk fetched once")
	assert.Equal(t, 0, ra.Cached())
}

func TestStreamReadsAhead(t *testing.T) {
	src := newFakeSource("a", "b", "c", "d", "e", "f")
	ra := Wrap(src, WithReadAhead(3))
	defer ra.Close()

	fps := []chunk.Fingerprint{fpOf("a"), fpOf("b"), fpOf("c"), fpOf("d"), fpOf("e"), fpOf("f")}
	it := ra.Stream(context.Background(), fps)
	defer it.Close()

	_, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(4), ra.Stats().Fetches, "current chunk plus three ahead")
}

func TestStreamCloseReleasesUnconsumed(t *testing.T) {
	src := newFakeSource("a", "b", "c")
	ra := Wrap(src, WithReadAhead(2))
	defer ra.Close()
	fps := []chunk.Fingerprint{fpOf("a"), fpOf("b"), fpOf("c")}
	ra.Plan(map[chunk.Fingerprint]int{fpOf("a"): 1, fpOf("b"): 1, fpOf("c"): 1})

	it := ra.Stream(context.Background(), fps)
	_, err := it.Next()
	require.NoError(t, err)
	it.Close()
	it.Close()

	// b and c may still be in flight; they leave the cache when they land
	assert.Eventually(t, func() bool { return ra.Cached() == 0 }, time.Second, time.Millisecond)
	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

// gatedFetch serves "data-a" at once and holds every fetch of b until
// unblock is closed.
func gatedFetch(bCalls *atomic.Int64, bStarted, unblock chan struct{}) FetchFunc {
	return func(ctx context.Context, fp chunk.Fingerprint) ([]byte, error) {
		if fp != fpOf("b") {
			return []byte("data-a"), nil
		}
		if bCalls.Add(1) == 1 {
			close(bStarted)
		}
		<-unblock
		return []byte("data-b"), nil
	}
}

func TestReleasedInFlightFetchIsJoined(t *testing.T) {
	var bCalls atomic.Int64
	bStarted, unblock := make(chan struct{}), make(chan struct{})
	ra := NewReadAhead(gatedFetch(&bCalls, bStarted, unblock), WithReadAhead(1))
	defer ra.Close()
	ctx := context.Background()

	it := ra.Stream(ctx, []chunk.Fingerprint{fpOf("a"), fpOf("b")})
	data, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "data-a", string(data))
	<-bStarted
	it.Close()
	assert.Equal(t, 1, ra.Cached(), "b keeps its entry while it is fetched")

	got := make(chan []byte)
	go func() {
		d, err := ra.Fetch(ctx, fpOf("b"))
		assert.NoError(t, err)
		got <- d
	}()
	assert.Eventually(t, func() bool { return ra.Stats().Joined == 1 }, time.Second, time.Millisecond)
	close(unblock)

	assert.Equal(t, "data-b", string(<-got))
	assert.Equal(t, int64(1), bCalls.Load())
	assert.Equal(t, 0, ra.Cached())
}

func TestReleasedInFlightFetchLeavesCacheWhenDone(t *testing.T) {
	var bCalls atomic.Int64
	bStarted, unblock := make(chan struct{}), make(chan struct{})
	ra := NewReadAhead(gatedFetch(&bCalls, bStarted, unblock), WithReadAhead(1))
	defer ra.Close()
	ra.Plan(map[chunk.Fingerprint]int{fpOf("a"): 1, fpOf("b"): 1})

	it := ra.Stream(context.Background(), []chunk.Fingerprint{fpOf("a"), fpOf("b")})
	_, err := it.Next()
	require.NoError(t, err)
	<-bStarted
	it.Close()
	assert.Equal(t, 1, ra.Cached())

	close(unblock)
	assert.Eventually(t, func() bool { return ra.Cached() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), bCalls.Load())
}

func TestFetchHonoursCallerContext(t *testing.T) {
	src := newFakeSource("x")
	src.gate = make(chan struct{})
	ra := Wrap(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ra.Fetch(ctx, fpOf("x"))
	assert.ErrorIs(t, err, context.Canceled)

	// Close unblocks the fetch still waiting on the gate.
	done := make(chan struct{})
	go func() {
		ra.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestSequenceWithPlainProvider(t *testing.T) {
	src := newFakeSource("a", "b")
	fps := []chunk.Fingerprint{fpOf("b"), fpOf("a"), fpOf("b")}
	it := Sequence(context.Background(), src, fps)
	defer it.Close()

	var got []string
	for {
		data, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(data))
	}
	assert.Equal(t, []string{"data-b", "data-a", "data-b"}, got)
	assert.Equal(t, int64(3), src.total.Load())
}
