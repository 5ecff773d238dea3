// Package cachelock implements the three-mode cooperative lock guarding a
// shared target/registry cache directory against concurrent forge
// invocations: readers (Shared), downloads landing new immutable sources
// (DownloadExclusive), and anything that mutates already-published cache
// entries (MutateExclusive).
package cachelock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/forgectl/forgecore/internal/platshim"
)

// Mode is the kind of access a Lock was acquired for.
type Mode int

const (
	// Shared allows any number of concurrent holders; used for reading
	// fingerprints and cached artifacts.
	Shared Mode = iota
	// DownloadExclusive is taken exclusively, like MutateExclusive: it
	// excludes every other holder of this lock file, Shared readers
	// included; used while fetching a new immutable source into the cache.
	DownloadExclusive
	// MutateExclusive excludes every other holder of this lock file;
	// used when rewriting already-published cache entries (e.g. garbage
	// collection).
	MutateExclusive
)

// Lock guards one cache directory against both other goroutines in this
// process (via an in-process RWMutex) and other forge processes sharing
// the same cache directory (via an advisory file lock). A read-only cache
// (e.g. a CI mirror mounted read-only) degrades every acquisition to a
// no-op: Acquire never blocks and its release func is harmless.
type Lock struct {
	path     string
	readonly bool

	mu   sync.RWMutex
	file *os.File
}

// New opens (creating if necessary) the lock file at filepath.Join(cacheDir,
// ".forge-lock"). If the cache directory is not writable, the returned Lock
// operates in readonly mode.
func New(cacheDir string) (*Lock, error) {
	path := filepath.Join(cacheDir, ".forge-lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return &Lock{path: path, readonly: true}, nil
		}
		return nil, errors.Wrapf(err, "open cache lock %s", path)
	}
	return &Lock{path: path, file: f}, nil
}

// Acquire blocks until the lock is held in mode. DownloadExclusive and
// MutateExclusive both take the file exclusively at the OS level (neither
// may coexist with any other holder); they are kept as distinct Mode
// values purely so callers and logs can distinguish the two reasons for
// exclusivity. Acquisition order across a single goroutine holding more
// than one cache Lock at once must always go Shared before
// DownloadExclusive before MutateExclusive, or two goroutines upgrading in
// opposite orders can deadlock each other.
func (l *Lock) Acquire(mode Mode) (func(), error) {
	if l.readonly {
		return func() {}, nil
	}

	exclusive := mode != Shared
	if exclusive {
		l.mu.Lock()
	} else {
		l.mu.RLock()
	}
	if err := platshim.LockFile(l.file.Fd(), exclusive); err != nil {
		if exclusive {
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return nil, errors.Wrapf(err, "acquire %v lock on %s", mode, l.path)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		_ = platshim.UnlockFile(l.file.Fd())
		if exclusive {
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
	}
	return release, nil
}

// Close releases the underlying file handle. It does not release any
// outstanding lock; callers must call the release func returned by Acquire
// first.
func (l *Lock) Close() error {
	if l.readonly || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (m Mode) String() string {
	switch m {
	case DownloadExclusive:
		return "download-exclusive"
	case MutateExclusive:
		return "mutate-exclusive"
	default:
		return "shared"
	}
}
