// Copyright 2025 zhengshuai.xiao@outlook.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provider resolves chunk fingerprints to bytes.
package provider

import (
	"context"
	"io"
	"time"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

var logger = internal.GetLogger("binsync_provider")

// ErrChunkUnavailable is returned when a fingerprint cannot be resolved.
var ErrChunkUnavailable = internal.ErrChunkUnavailable

// ChunkProvider is the only capability a sync needs from a chunk source.
// Fetch must be safe for concurrent use.
type ChunkProvider interface {
	Fetch(ctx context.Context, fp chunk.Fingerprint) ([]byte, error)
}

// Planner is implemented by providers that want to know, before a run, how
// many times each fingerprint will be consumed. Cached bytes are kept until
// that many consumers have taken them.
type Planner interface {
	Plan(uses map[chunk.Fingerprint]int)
}

// Iterator yields chunk bytes in request order. Next returns io.EOF after
// the last chunk. Close must be called once the caller is done, whether or
// not every chunk was consumed.
type Iterator interface {
	Next() ([]byte, error)
	Close()
}

// Streamer is implemented by providers that pipeline an ordered request.
type Streamer interface {
	Stream(ctx context.Context, fps []chunk.Fingerprint) Iterator
}

// Sequence returns the chunks of fps in order. Providers without a Streamer
// are called one Fetch at a time.
func Sequence(ctx context.Context, p ChunkProvider, fps []chunk.Fingerprint) Iterator {
	if s, ok := p.(Streamer); ok {
		return s.Stream(ctx, fps)
	}
	return &fetchIterator{ctx: ctx, p: p, fps: fps}
}

type fetchIterator struct {
	ctx context.Context
	p   ChunkProvider
	fps []chunk.Fingerprint
	i   int
}

func (it *fetchIterator) Next() ([]byte, error) {
	if it.i >= len(it.fps) {
		return nil, io.EOF
	}
	fp := it.fps[it.i]
	it.i++
	return it.p.Fetch(it.ctx, fp)
}

func (it *fetchIterator) Close() {}

// Location is a byte range of a stored object holding one chunk.
type Location struct {
	Key    string
	Offset int64
	Len    int64
}

type options struct {
	readAhead     int
	maxInFlight   int
	openFiles     int
	retries       int
	retryInterval time.Duration
}

func defaultOptions() options {
	return options{
		readAhead:     8,
		maxInFlight:   16,
		openFiles:     64,
		retries:       3,
		retryInterval: 200 * time.Millisecond,
	}
}

// Option configures a provider.
type Option func(*options)

// WithReadAhead sets how many chunks past the one being consumed a stream
// starts fetching.
func WithReadAhead(k int) Option {
	return func(o *options) {
		if k >= 0 {
			o.readAhead = k
		}
	}
}

// WithMaxInFlight bounds the underlying fetches running at once.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithOpenFiles bounds the source file handles kept open by Caching.
func WithOpenFiles(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.openFiles = n
		}
	}
}

// WithRetries sets how often Remote retries a transient failure and the
// initial backoff between attempts.
func WithRetries(n int, interval time.Duration) Option {
	return func(o *options) {
		if n >= 0 {
			o.retries = n
		}
		if interval > 0 {
			o.retryInterval = interval
		}
	}
}

// FromConfig maps the provider section of the config file to options.
func FromConfig(conf internal.ProviderConfig) []Option {
	return []Option{
		WithReadAhead(conf.ReadAhead),
		WithMaxInFlight(conf.MaxInFlight),
		WithOpenFiles(conf.OpenFiles),
		WithRetries(conf.Retries, conf.RetryInterval),
	}
}
