//go:build !unix

package internal

// LockFileName is created in the destination root while a sync runs.
const LockFileName = ".binsync.lock"

// DirLock is a no-op where flock(2) is unavailable.
type DirLock struct{}

func LockDir(dir string) (*DirLock, error) {
	logger.Warnf("directory locking is not supported on this platform, %s is unprotected", dir)
	return &DirLock{}, nil
}

func (l *DirLock) Unlock() error {
	return nil
}
