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

// Package manifest describes a source tree as ordered chunk sequences per
// file plus the catalog of distinct chunks.
package manifest

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

var logger = internal.GetLogger("binsync_manifest")

// ErrCorruptManifest is returned for malformed or inconsistent manifests.
var ErrCorruptManifest = internal.ErrCorruptManifest

// ChunkInManifest references one chunk of a file.
type ChunkInManifest struct {
	FP     chunk.Fingerprint
	Offset int64
	Len    uint32
}

// FileEntry is one regular file of the source tree. The order of Chunks is
// the byte layout of the file.
type FileEntry struct {
	Path   string // slash separated, relative to the root
	Mode   fs.FileMode
	Size   int64
	Chunks []ChunkInManifest
}

// Manifest is immutable once built.
type Manifest struct {
	Version  uint32
	Chunking chunk.Config
	Files    []FileEntry
	// Catalog maps every distinct fingerprint to its length.
	Catalog map[chunk.Fingerprint]uint32
}

// Stats summarises a manifest.
type Stats struct {
	Files          int
	Chunks         int
	DistinctChunks int
	TotalBytes     int64
	UniqueBytes    int64
}

func (m *Manifest) Stats() Stats {
	s := Stats{Files: len(m.Files), DistinctChunks: len(m.Catalog)}
	for _, f := range m.Files {
		s.Chunks += len(f.Chunks)
		s.TotalBytes += f.Size
	}
	for _, l := range m.Catalog {
		s.UniqueBytes += int64(l)
	}
	return s
}

// Lookup returns the entry for a relative path.
func (m *Manifest) Lookup(p string) (*FileEntry, bool) {
	for i := range m.Files {
		if m.Files[i].Path == p {
			return &m.Files[i], true
		}
	}
	return nil, false
}

// Uses counts how many times each fingerprint is referenced.
func (m *Manifest) Uses() map[chunk.Fingerprint]int {
	uses := make(map[chunk.Fingerprint]int, len(m.Catalog))
	for _, f := range m.Files {
		for _, c := range f.Chunks {
			uses[c.FP]++
		}
	}
	return uses
}

// ValidPath reports whether p is a clean relative slash path inside the root.
func ValidPath(p string) bool {
	if p == "" || p == "." || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	if path.Clean(p) != p {
		return false
	}
	return p != ".." && !strings.HasPrefix(p, "../")
}

// Validate checks every invariant a consumer relies on.
func (m *Manifest) Validate() error {
	if err := m.Chunking.Validate(); err != nil {
		return fmt.Errorf("%w: chunking: %v", ErrCorruptManifest, err)
	}
	seen := internal.NewStringSet()
	for _, f := range m.Files {
		if !ValidPath(f.Path) {
			return fmt.Errorf("%w: invalid path %q", ErrCorruptManifest, f.Path)
		}
		if !seen.AddNew(f.Path) {
			return fmt.Errorf("%w: duplicate path %q", ErrCorruptManifest, f.Path)
		}
		var off int64
		for i, c := range f.Chunks {
			l, ok := m.Catalog[c.FP]
			if !ok {
				return fmt.Errorf("%w: %s chunk %d (%s) missing from catalog", ErrCorruptManifest, f.Path, i, c.FP.Short())
			}
			if l != c.Len || c.Len == 0 {
				return fmt.Errorf("%w: %s chunk %d length %d, catalog says %d", ErrCorruptManifest, f.Path, i, c.Len, l)
			}
			if c.Offset != off {
				return fmt.Errorf("%w: %s chunk %d at offset %d, expected %d", ErrCorruptManifest, f.Path, i, c.Offset, off)
			}
			off += int64(c.Len)
		}
		if off != f.Size {
			return fmt.Errorf("%w: %s chunks sum to %d, size is %d", ErrCorruptManifest, f.Path, off, f.Size)
		}
	}
	return nil
}
