//go:build windows

package platshim

import "golang.org/x/sys/windows"

// LockFile takes an advisory lock on fd via LockFileEx, matching the
// blocking exclusive/shared semantics LockFile provides on Unix.
func LockFile(fd uintptr, exclusive bool) error {
	var flags uint32
	if exclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(fd), flags, 0, 1, 0, ol)
}

// UnlockFile releases a lock previously taken by LockFile.
func UnlockFile(fd uintptr) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, ol)
}

func init() {
	LongPathAware = func(p string) string {
		if len(p) >= 2 && p[1] == ':' {
			return `\\?\` + p
		}
		return p
	}
}
