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

// Package pack publishes a source tree to a storage backend so destinations
// can sync from it remotely. A published tree is the manifest, a layout
// index and the chunk bytes, either concatenated into packs or stored one
// object per chunk.
package pack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/provider"
	"github.com/zhengshuai-xiao/binsync/pkg/storage"
)

var logger = internal.GetLogger("binsync_pack")

const (
	ManifestKey   = "manifest.binsync"
	LayoutKey     = "layout.cbor"
	LayoutVersion = 1

	packPrefix  = "packs/"
	packSuffix  = ".binpack"
	loosePrefix = "chunks/"
)

// Kind selects how chunk bytes are stored.
type Kind string

const (
	KindPacks Kind = "packs"
	KindLoose Kind = "loose"
)

// ErrLayoutMismatch means the layout was published for another manifest,
// usually because a publish is in progress.
var ErrLayoutMismatch = errors.New("layout does not belong to manifest")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pack: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("pack: CBOR decoder initialization failed: " + err.Error())
	}
}

// Entry is one chunk stored in a pack or as a loose object.
type Entry struct {
	FP  chunk.Fingerprint `cbor:"1,keyasint"`
	Len uint32            `cbor:"2,keyasint"`
}

// Pack is an object holding Entries back to back.
type Pack struct {
	ID      string  `cbor:"1,keyasint"`
	Size    int64   `cbor:"2,keyasint"`
	Entries []Entry `cbor:"3,keyasint"`
}

func (p Pack) Key() string {
	return packPrefix + p.ID + packSuffix
}

// Layout records where every chunk of one manifest is stored.
type Layout struct {
	Version int  `cbor:"1,keyasint"`
	Kind    Kind `cbor:"2,keyasint"`
	// Manifest is the hex sha256 of the marshalled manifest.
	Manifest string  `cbor:"3,keyasint"`
	Packs    []Pack  `cbor:"4,keyasint,omitempty"`
	Loose    []Entry `cbor:"5,keyasint,omitempty"`
}

// LooseKey is the object key of a chunk in the loose layout.
func LooseKey(fp chunk.Fingerprint) string {
	h := fp.String()
	return loosePrefix + h[:2] + "/" + h
}

// Index maps every stored fingerprint to its byte range.
func (l *Layout) Index() map[chunk.Fingerprint]provider.Location {
	idx := make(map[chunk.Fingerprint]provider.Location)
	for _, p := range l.Packs {
		var off int64
		key := p.Key()
		for _, e := range p.Entries {
			if _, ok := idx[e.FP]; !ok {
				idx[e.FP] = provider.Location{Key: key, Offset: off, Len: int64(e.Len)}
			}
			off += int64(e.Len)
		}
	}
	for _, e := range l.Loose {
		idx[e.FP] = provider.Location{Key: LooseKey(e.FP), Len: int64(e.Len)}
	}
	return idx
}

// Keys lists every object the layout refers to.
func (l *Layout) Keys() []string {
	keys := make([]string, 0, len(l.Packs)+len(l.Loose))
	for _, p := range l.Packs {
		keys = append(keys, p.Key())
	}
	for _, e := range l.Loose {
		keys = append(keys, LooseKey(e.FP))
	}
	return keys
}

func (l *Layout) validate() error {
	if l.Version != LayoutVersion {
		return fmt.Errorf("unsupported layout version %d", l.Version)
	}
	switch l.Kind {
	case KindPacks, KindLoose:
	default:
		return fmt.Errorf("unknown layout kind %q", l.Kind)
	}
	for _, p := range l.Packs {
		var size int64
		for _, e := range p.Entries {
			size += int64(e.Len)
		}
		if size != p.Size {
			return fmt.Errorf("pack %s: entries sum to %d, size is %d", p.ID, size, p.Size)
		}
	}
	return nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MarshalLayout encodes l deterministically.
func MarshalLayout(l *Layout) ([]byte, error) {
	return encMode.Marshal(l)
}

func UnmarshalLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := decMode.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode layout: %w", err)
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// LoadLayout reads the published layout. A backend with nothing published
// yields storage.ErrNotFound.
func LoadLayout(ctx context.Context, backend storage.Backend) (*Layout, error) {
	data, err := storage.ReadAll(ctx, backend, LayoutKey)
	if err != nil {
		return nil, err
	}
	return UnmarshalLayout(data)
}

// LoadManifest reads and decodes the published manifest, returning its raw
// bytes as well.
func LoadManifest(ctx context.Context, backend storage.Backend) (*manifest.Manifest, []byte, error) {
	data, err := storage.ReadAll(ctx, backend, ManifestKey)
	if err != nil {
		return nil, nil, err
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

// OpenRemote loads a published tree and returns its manifest together with
// a Remote provider serving its chunks.
func OpenRemote(ctx context.Context, backend storage.Backend, opts ...provider.Option) (*manifest.Manifest, *provider.Remote, error) {
	m, raw, err := LoadManifest(ctx, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("load manifest from %s: %w", backend.Name(), err)
	}
	l, err := LoadLayout(ctx, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("load layout from %s: %w", backend.Name(), err)
	}
	if l.Manifest != digest(raw) {
		return nil, nil, fmt.Errorf("%w: %s", ErrLayoutMismatch, backend.Name())
	}
	r, err := provider.NewRemote(backend, m, l.Index(), opts...)
	if err != nil {
		return nil, nil, err
	}
	return m, r, nil
}
