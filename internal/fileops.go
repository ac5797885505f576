package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TempSuffix marks in-progress files written next to their final path.
const TempSuffix = ".binsync.tmp"

// TempPath returns a unique hidden temp path in the directory of path.
func TempPath(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+"."+uuid.NewString()+TempSuffix)
}

// IsTempPath reports whether the base name of path has the exact shape
// TempPath produces: .<base>.<uuid>.binsync.tmp
func IsTempPath(path string) bool {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, TempSuffix) {
		return false
	}
	rest := strings.TrimSuffix(name[1:], TempSuffix)
	const idLen = 36
	if len(rest) < idLen+2 || rest[len(rest)-idLen-1] != '.' {
		return false
	}
	_, err := uuid.Parse(rest[len(rest)-idLen:])
	return err == nil
}

func WriteAll(file *os.File, buf []byte) (int, error) {
	total := 0
	remaining := len(buf)
	for remaining > 0 {
		n, err := file.Write(buf[total:])
		if err != nil {
			return total, fmt.Errorf("failed to write file: %w", err)
		}

		total += n
		remaining -= n
	}

	return total, nil
}

// WriteFileAtomic writes data to a temp file beside path, syncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteStreamAtomic(path, func(f *os.File) error {
		_, err := WriteAll(f, data)
		return err
	}, perm)
}

// WriteStreamAtomic is WriteFileAtomic for producers that write themselves.
// The temp file is removed if fill or any later step fails.
func WriteStreamAtomic(path string, fill func(*os.File) error, perm os.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp := TempPath(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if err = fill(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
