//go:build unix

package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFileName is created in the destination root while a sync runs.
const LockFileName = ".binsync.lock"

// DirLock is an exclusive advisory lock on a directory.
type DirLock struct {
	f *os.File
}

// LockDir takes the lock on dir without blocking. It fails with
// ErrDestinationLocked when another process holds it.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, IOError("open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", ErrDestinationLocked, dir)
		}
		return nil, IOError("flock "+path, err)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &DirLock{f: f}, nil
}

// Unlock releases the lock. The lock file is left in place so every
// contender locks the same inode.
func (l *DirLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
