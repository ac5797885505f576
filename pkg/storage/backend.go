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
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zhengshuai-xiao/binsync/internal"
)

var logger = internal.GetLogger("binsync_storage")

var (
	// ErrNotFound is permanent: retrying will not make the object appear.
	ErrNotFound = errors.New("object not found")
	ErrReadOnly = errors.New("backend is read-only")
)

// Backend stores published objects (manifest, layout, packs) addressed by
// slash separated keys.
type Backend interface {
	Name() string
	// Put stores size bytes from r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get streams the whole object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// GetRange returns exactly length bytes starting at offset.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// New creates the backend selected by conf.Type.
func New(ctx context.Context, conf internal.BackendConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(conf.Type) {
	case "", "posix", "file":
		b, err = NewPOSIX(conf.Endpoint)
	case "s3", "minio":
		b, err = NewS3(conf)
	case "aws":
		b, err = NewAWS(ctx, conf)
	case "http", "https":
		b, err = NewHTTP(conf)
	case "redis":
		b, err = NewRedis(ctx, conf)
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", internal.ErrInvalidConfig, conf.Type)
	}
	if err != nil {
		return nil, err
	}
	if conf.Prefix != "" {
		b = WithPrefix(b, conf.Prefix)
	}
	logger.Infof("using %s backend at %s", b.Name(), internal.RemovePassword(conf.Endpoint))
	return b, nil
}

// prefixed namespaces every key under a prefix.
type prefixed struct {
	Backend
	prefix string
}

// WithPrefix returns a view of b where every key lives below prefix.
func WithPrefix(b Backend, prefix string) Backend {
	return &prefixed{Backend: b, prefix: strings.Trim(prefix, "/") + "/"}
}

func (p *prefixed) Name() string {
	return p.Backend.Name() + ":" + strings.TrimSuffix(p.prefix, "/")
}

func (p *prefixed) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return p.Backend.Put(ctx, p.prefix+key, r, size)
}

func (p *prefixed) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return p.Backend.Get(ctx, p.prefix+key)
}

func (p *prefixed) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	return p.Backend.GetRange(ctx, p.prefix+key, offset, length)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.Backend.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Close() error {
	if c, ok := p.Backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func checkRange(key string, offset, length int64) error {
	if offset < 0 || length <= 0 {
		return fmt.Errorf("invalid range %d+%d for %s", offset, length, key)
	}
	return nil
}

// readExactly reads length bytes from r, reporting a short object as not found.
func readExactly(r io.Reader, key string, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("%w: %s is shorter than the requested range", ErrNotFound, key)
		}
		return nil, err
	}
	return buf, nil
}
