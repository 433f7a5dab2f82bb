//go:build !windows

package state

import (
	"os"

	"golang.org/x/sys/unix"
)

// acquireLock takes an exclusive advisory lock on the sidecar lock file,
// blocking until it is available. The returned func releases the lock.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
