//go:build linux

package shm

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// reserve sizes f and asks the kernel to back every page now, so a full
// tmpfs fails the create instead of faulting a later write.
func reserve(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return f.Truncate(size)
	}
	return err
}
