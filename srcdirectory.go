package forge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// DirectoryEntry is one package version held by a DirectorySource, along
// with the checksums recorded for every file it ships (used by Verify).
type DirectoryEntry struct {
	Package   Package
	Summary   Summary
	FileSHA256 map[string]string // path relative to Package.Root -> expected hex sha256
}

// DirectorySource serves packages out of an unpacked directory tree — the
// `directory(path)` SourceId kind. Unlike a registry it recomputes
// checksums from disk rather than trusting a transport-supplied checksum.
type DirectorySource struct {
	quietDescribable
	mu      sync.RWMutex
	id      SourceId
	entries map[string]*DirectoryEntry // key: PackageId.key()-shaped string
}

// NewDirectorySource builds an empty directory source rooted at path; the
// caller populates it via Add since loading the directory's manifest tree
// itself is outside the core's I/O boundary.
func NewDirectorySource(path string) *DirectorySource {
	return &DirectorySource{
		quietDescribable: quietDescribable{description: fmt.Sprintf("directory source at %s", path)},
		id:               NewDirectorySourceId(path),
		entries:          make(map[string]*DirectoryEntry),
	}
}

// Add registers a package version available from this directory.
func (s *DirectorySource) Add(e DirectoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Package.ID.key()] = &e
}

func (s *DirectorySource) Query(_ context.Context, dep Dependency, kind QueryKind, yield func(Summary) error) (bool, error) {
	s.mu.RLock()
	var candidates []Summary
	for _, e := range s.entries {
		candidates = append(candidates, e.Summary)
	}
	s.mu.RUnlock()

	matched, err := filterByRequirement(candidates, dep, kind)
	if err != nil {
		return false, err
	}
	for _, m := range matched {
		if err := yield(m); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *DirectorySource) BlockUntilReady(context.Context) error { return nil }

func (s *DirectorySource) lookup(id PackageId) (*DirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id.key()]
	if !ok {
		return nil, errors.Errorf("directory source has no entry for %s", id)
	}
	return e, nil
}

func (s *DirectorySource) Download(_ context.Context, id PackageId) (DownloadResult, error) {
	e, err := s.lookup(id)
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Ready: true, Package: e.Package}, nil
}

func (s *DirectorySource) FinishDownload(context.Context, PackageId, []byte) (Package, error) {
	return Package{}, errors.New("directory sources never produce a pending download")
}

func (s *DirectorySource) Fingerprint(_ context.Context, pkg Package) (string, error) {
	e, err := s.lookup(pkg.ID)
	if err != nil {
		return "", err
	}
	if e.Summary.Checksum != "" {
		return e.Summary.Checksum.String(), nil
	}
	return "", errors.Errorf("directory entry %s has no checksum recorded", pkg.ID)
}

// Verify recomputes SHA-256 for every file listed in the entry's
// FileSHA256 map and compares it against the recorded value: directory
// sources recompute SHA-256 per listed file rather than trusting a cached
// checksum.
func (s *DirectorySource) Verify(_ context.Context, id PackageId) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(e.FileSHA256))
	for p := range e.FileSHA256 {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		want := e.FileSHA256[rel]
		full := filepath.Join(e.Package.Root, rel)
		data, err := os.ReadFile(full)
		if err != nil {
			return errors.Wrapf(err, "verify %s", rel)
		}
		sum := sha256.Sum256(data)
		got := fmt.Sprintf("%x", sum)
		if got != want {
			return errors.Errorf("checksum mismatch for %s: have %s, want %s", rel, got, want)
		}
	}
	return nil
}

func (s *DirectorySource) IsYanked(_ context.Context, id PackageId) (bool, bool, error) {
	e, err := s.lookup(id)
	if err != nil {
		return false, false, err
	}
	return e.Summary.Yanked, false, nil
}

func (s *DirectorySource) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*DirectoryEntry)
}

var _ Source = (*DirectorySource)(nil)
