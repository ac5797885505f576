package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhengshuai-xiao/binsync/internal"
)

// POSIXBackend implements Backend on a local directory.
type POSIXBackend struct {
	root string
}

func NewPOSIX(root string) (*POSIXBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: posix backend needs a root directory", internal.ErrInvalidConfig)
	}
	root = strings.TrimPrefix(root, "file://")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backend directory %s: %w", root, err)
	}
	return &POSIXBackend{root: root}, nil
}

func (p *POSIXBackend) Name() string {
	return "posix"
}

func (p *POSIXBackend) getLocalPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the backend root", key)
	}
	return filepath.Join(p.root, clean), nil
}

// Put writes through a temp file so readers never see a partial object.
func (p *POSIXBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	localPath, err := p.getLocalPath(key)
	if err != nil {
		return err
	}
	return internal.WriteStreamAtomic(localPath, func(f *os.File) error {
		n, err := io.Copy(f, r)
		if err != nil {
			return err
		}
		if size >= 0 && n != size {
			return fmt.Errorf("short write for %s: %d of %d bytes", key, n, size)
		}
		return nil
	}, 0o644)
}

func (p *POSIXBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	localPath, err := p.getLocalPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(localPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (p *POSIXBackend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := checkRange(key, offset, length); err != nil {
		return nil, err
	}
	rc, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readExactly(io.NewSectionReader(rc.(*os.File), offset, length), key, length)
}

// Delete removes the object; a missing object is not an error.
func (p *POSIXBackend) Delete(ctx context.Context, key string) error {
	localPath, err := p.getLocalPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
