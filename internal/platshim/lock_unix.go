//go:build unix

package platshim

import "golang.org/x/sys/unix"

// LockFile takes an advisory lock on fd: exclusive when exclusive is true,
// shared otherwise. It blocks until the lock is available.
func LockFile(fd uintptr, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(fd), how)
}

// UnlockFile releases a lock previously taken by LockFile.
func UnlockFile(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
