package forge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// PathSource is a single local path dependency: its package is always
// already materialized on disk, so Download is a no-op and Query yields at
// most one Summary (none when the name or version requirement does not
// match), synchronously.
type PathSource struct {
	quietDescribable
	id  PackageId
	pkg Package
}

// NewPathSource builds a Source over an already-materialized local package.
func NewPathSource(pkg Package) *PathSource {
	return &PathSource{
		quietDescribable: quietDescribable{description: fmt.Sprintf("path source at %s", pkg.Root)},
		id:               pkg.ID,
		pkg:              pkg,
	}
}

func (s *PathSource) summary() Summary {
	deps := make([]Dependency, 0)
	return Summary{ID: s.id, Dependencies: deps}
}

func (s *PathSource) Query(_ context.Context, dep Dependency, _ QueryKind, yield func(Summary) error) (bool, error) {
	if dep.Name != s.id.Name {
		return false, nil
	}
	req, err := parseVersionReq(dep.Req)
	if err != nil {
		return false, err
	}
	if !req.Check(s.id.Version) {
		return false, nil
	}
	return false, yield(s.summary())
}

func (s *PathSource) BlockUntilReady(context.Context) error { return nil }

func (s *PathSource) Download(_ context.Context, id PackageId) (DownloadResult, error) {
	if !id.Equal(s.id) {
		return DownloadResult{}, errors.Errorf("path source does not contain %s", id)
	}
	return DownloadResult{Ready: true, Package: s.pkg}, nil
}

func (s *PathSource) FinishDownload(context.Context, PackageId, []byte) (Package, error) {
	return Package{}, errors.New("path sources never produce a pending download")
}

// Fingerprint walks the package root and digests every regular file's path
// and mtime. It does not read file contents: mtime is authoritative for
// speed, exactly as the Fingerprint Engine assumes.
func (s *PathSource) Fingerprint(_ context.Context, pkg Package) (string, error) {
	type entry struct {
		path  string
		mtime int64
	}
	var entries []entry
	err := filepath.WalkDir(pkg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(pkg.Root, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: rel, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(err, "path source root %s", pkg.Root)
		}
		return "", err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%d\x00", e.path, e.mtime)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func (s *PathSource) Verify(context.Context, PackageId) error { return nil }

func (s *PathSource) IsYanked(context.Context, PackageId) (bool, bool, error) { return false, false, nil }

func (s *PathSource) InvalidateCache() {}

var _ Source = (*PathSource)(nil)
