//go:build unix

package journal

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive blocks until f holds an exclusive flock(2) lock.
// The lock belongs to the open file description, so separate opens in one
// process contend exactly like separate processes do.
func lockExclusive(f *os.File) error {
	return flock(f, unix.LOCK_EX)
}

func unlock(f *os.File) error {
	return flock(f, unix.LOCK_UN)
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
