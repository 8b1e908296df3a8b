package console

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Lock is an advisory cross-process lock on a named file.
type Lock struct {
	f *os.File
}

// LockPath maps a lock name to its file. Names without a path separator live in the
// temporary directory.
func LockPath(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	return filepath.Join(os.TempDir(), "tcpflow-"+name+".lock")
}

// OpenLock opens (creating if needed) the lock file for name.
func OpenLock(name string) (*Lock, error) {
	path := LockPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Lock blocks until the exclusive lock is held.
func (l *Lock) Lock() error {
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("lock %s: %w", l.f.Name(), err)
		}
		return nil
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

// Close releases the lock file.
func (l *Lock) Close() error { return l.f.Close() }
