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

// Package syncer reconciles a destination directory with a manifest,
// reusing the chunks the destination already holds and fetching the rest
// through a chunk provider.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/provider"
)

var logger = internal.GetLogger("binsync_syncer")

var (
	ErrChunkUnavailable  = internal.ErrChunkUnavailable
	ErrCorruptManifest   = internal.ErrCorruptManifest
	ErrIoFailure         = internal.ErrIoFailure
	ErrSizeMismatch      = internal.ErrSizeMismatch
	ErrFilesFailed       = internal.ErrFilesFailed
	ErrDestinationLocked = internal.ErrDestinationLocked
)

// State is the phase a run is in.
type State int

const (
	StateInit State = iota
	StateInventory
	StateReconcile
	StateFinalize
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateInventory:
		return "inventory"
	case StateReconcile:
		return "reconcile"
	case StateFinalize:
		return "finalize"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithConcurrency bounds how many files are reconciled at once.
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithInventoryWorkers bounds how many destination files are chunked at once.
func WithInventoryWorkers(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.inventoryWorkers = n
		}
	}
}

// WithEvents delivers progress events to ch. Sends never block; events
// that do not fit are dropped and counted in the Report.
func WithEvents(ch chan<- Event) Option {
	return func(s *Syncer) { s.events = ch }
}

// WithDeleteExtra removes destination files the manifest does not name once
// every file synced successfully.
func WithDeleteExtra(del bool) Option {
	return func(s *Syncer) { s.deleteExtra = del }
}

// WithProviderOptions tunes the read-ahead wrapper put around providers
// that do not plan for themselves.
func WithProviderOptions(opts ...provider.Option) Option {
	return func(s *Syncer) { s.providerOpts = append(s.providerOpts, opts...) }
}

// FromConfig maps the sync section of the config file to options.
func FromConfig(conf internal.SyncConfig) []Option {
	return []Option{
		WithConcurrency(conf.Concurrency),
		WithInventoryWorkers(conf.InventoryWorkers),
		WithDeleteExtra(conf.DeleteExtra),
	}
}

// Syncer makes one destination match one manifest. A Syncer runs once.
type Syncer struct {
	dest     string
	provider provider.ChunkProvider
	manifest *manifest.Manifest

	concurrency      int
	inventoryWorkers int
	events           chan<- Event
	deleteExtra      bool
	providerOpts     []provider.Option

	mu      sync.Mutex
	state   State
	dropped atomic.Int64
}

func New(dest string, p provider.ChunkProvider, m *manifest.Manifest, opts ...Option) *Syncer {
	s := &Syncer{
		dest:             dest,
		provider:         p,
		manifest:         m,
		concurrency:      4,
		inventoryWorkers: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Syncer) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	logger.Debugf("%s: %s -> %s", s.dest, prev, st)
}

// Plan computes what a sync would do without writing anything.
func (s *Syncer) Plan(ctx context.Context) (*Plan, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	var inv *inventory
	if _, err := os.Stat(s.dest); errors.Is(err, os.ErrNotExist) {
		inv = emptyInventory()
	} else {
		var err error
		if inv, err = s.takeInventory(ctx); err != nil {
			return nil, err
		}
	}
	return buildPlan(s.manifest, inv), nil
}

// Sync runs Init, Inventory, Reconcile and Finalize. Files fail
// independently; the returned error wraps ErrFilesFailed if any did, and
// the Report is returned either way. Errors that stop the run as a whole
// (bad manifest, unusable destination, lock held) return a nil Report.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	start := time.Now()
	s.setState(StateInit)
	lock, err := s.init()
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	defer lock.Unlock()

	s.setState(StateInventory)
	inv, err := s.takeInventory(ctx)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	plan := buildPlan(s.manifest, inv)
	logger.Infof("sync %s: %d files, %d unchanged, fetch %s, reuse %s",
		s.dest, len(plan.Files), plan.Unchanged, internal.FormatBytes(uint64(plan.FetchBytes)),
		internal.FormatBytes(uint64(plan.ReuseBytes)))

	p := s.provider
	if pl, ok := p.(provider.Planner); ok {
		pl.Plan(plan.Uses())
	} else {
		ra := provider.Wrap(p, s.providerOpts...)
		defer ra.Close()
		ra.Plan(plan.Uses())
		p = ra
	}

	s.setState(StateReconcile)
	report := s.reconcile(ctx, p, plan)

	s.setState(StateFinalize)
	if s.deleteExtra {
		if report.Failed == 0 && report.Skipped == 0 {
			report.Deleted = s.removeExtra(plan.Extra)
		} else {
			logger.Warnf("not deleting %d extra files after a partial sync", len(plan.Extra))
		}
	}
	report.DroppedEvents = s.dropped.Load()
	report.Duration = time.Since(start)

	err = report.Err()
	if ctx.Err() != nil && report.Skipped > 0 {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		s.setState(StateFailed)
		logger.Warnf("sync %s: %s", s.dest, report.Summary())
		return report, err
	}
	s.setState(StateDone)
	logger.Infof("sync %s: %s", s.dest, report.Summary())
	return report, nil
}

func (s *Syncer) validate() error {
	if s.manifest == nil {
		return fmt.Errorf("%w: no manifest", ErrCorruptManifest)
	}
	if s.provider == nil {
		return fmt.Errorf("%w: no chunk provider", internal.ErrInvalidConfig)
	}
	return s.manifest.Validate()
}

// init checks the inputs, prepares the destination root and locks it.
func (s *Syncer) init() (*internal.DirLock, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dest, 0o755); err != nil {
		return nil, internal.IOError("destination "+s.dest, err)
	}
	lock, err := internal.LockDir(s.dest)
	if err != nil {
		return nil, err
	}
	s.removeStaleTemps()
	return lock, nil
}

// removeStaleTemps deletes temp files left by an interrupted run.
func (s *Syncer) removeStaleTemps() {
	filepath.WalkDir(s.dest, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !internal.IsTempPath(d.Name()) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			logger.Warnf("failed to remove stale temp file %s: %v", p, err)
		} else {
			logger.Infof("removed stale temp file %s", p)
		}
		return nil
	})
}

func (s *Syncer) removeExtra(paths []string) []string {
	var deleted []string
	for _, rel := range paths {
		if err := os.Remove(filepath.Join(s.dest, filepath.FromSlash(rel))); err != nil {
			logger.Warnf("failed to delete extra file %s: %v", rel, err)
			continue
		}
		logger.Infof("deleted extra file %s", rel)
		deleted = append(deleted, rel)
	}
	return deleted
}
