//go:build unix

package shm

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// pathLocks serialises access to one segment path inside this process.
// fcntl record locks are owned by the process, so they cannot separate two
// goroutines; closing any descriptor of the file would also drop them.
// Entries are reference counted and dropped once nobody holds or waits on
// them.
var pathLocks = struct {
	sync.Mutex
	entries map[string]*pathLock
}{entries: make(map[string]*pathLock)}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// lockPath blocks until this goroutine owns path and returns the function
// that gives it up. The returned function must be called exactly once.
func lockPath(path string) func() {
	pathLocks.Lock()
	entry := pathLocks.entries[path]
	if entry == nil {
		entry = &pathLock{}
		pathLocks.entries[path] = entry
	}
	entry.refs++
	pathLocks.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		pathLocks.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(pathLocks.entries, path)
		}
		pathLocks.Unlock()
	}
}

// lockFile blocks until a shared or exclusive record lock covering the whole
// file is granted to this process.
func lockFile(f *os.File, exclusive bool) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	flock := unix.Flock_t{Type: typ, Whence: int16(io.SeekStart)}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// unlockFile releases the record lock held on f.
func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(io.SeekStart)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

// linked reports whether f still has a directory entry. A segment destroyed
// while we waited for its lock has a link count of zero.
func linked(f *os.File) (bool, int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return false, 0, err
	}
	return st.Nlink > 0, st.Size, nil
}
