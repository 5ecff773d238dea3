package forge

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// GitResolver resolves a GitReference against a remote to a precise commit.
// Real git transport is out of scope (Non-goal); tests and callers provide
// a fake or a thin wrapper around a real git client.
type GitResolver interface {
	ResolveCommit(ctx context.Context, url string, ref GitReference) (string, error)
}

// GitSource is a `git(url, reference)` source. It is metadata-only: it
// knows how to pin a reference to a commit and describe the resulting
// SourceId, but does not itself clone working trees.
type GitSource struct {
	quietDescribable
	id       SourceId
	resolver GitResolver
	pkg      Package
}

// NewGitSource builds a git source. pkg.ID.Source must already carry the
// un-pinned GitReference; Precise is filled in lazily by Query (Download
// uses the id it is given and does not pin).
func NewGitSource(pkg Package, resolver GitResolver) *GitSource {
	return &GitSource{
		quietDescribable: quietDescribable{description: fmt.Sprintf("git repository %s", pkg.ID.Source.URL)},
		id:               pkg.ID.Source,
		resolver:         resolver,
		pkg:              pkg,
	}
}

func (s *GitSource) pin(ctx context.Context) (SourceId, error) {
	if s.id.Git.Precise != "" {
		return s.id, nil
	}
	commit, err := s.resolver.ResolveCommit(ctx, s.id.URL, s.id.Git)
	if err != nil {
		return SourceId{}, errors.Wrapf(err, "resolve git reference for %s", s.id.URL)
	}
	pinned, err := s.id.WithPrecise(commit)
	if err != nil {
		return SourceId{}, err
	}
	s.id = pinned
	return pinned, nil
}

func (s *GitSource) Query(ctx context.Context, dep Dependency, _ QueryKind, yield func(Summary) error) (bool, error) {
	if dep.Name != s.pkg.ID.Name {
		return false, nil
	}
	pinned, err := s.pin(ctx)
	if err != nil {
		return false, err
	}
	summary := Summary{ID: PackageId{Name: s.pkg.ID.Name, Version: s.pkg.ID.Version, Source: pinned}}
	return false, yield(summary)
}

func (s *GitSource) BlockUntilReady(context.Context) error { return nil }

func (s *GitSource) Download(ctx context.Context, id PackageId) (DownloadResult, error) {
	if id.Name != s.pkg.ID.Name {
		return DownloadResult{}, errors.Errorf("git source does not contain %s", id.Name)
	}
	pkg := s.pkg
	pkg.ID = id
	return DownloadResult{Ready: true, Package: pkg}, nil
}

func (s *GitSource) FinishDownload(context.Context, PackageId, []byte) (Package, error) {
	return Package{}, errors.New("git sources never produce a pending download once pinned")
}

func (s *GitSource) Fingerprint(_ context.Context, pkg Package) (string, error) {
	if pkg.ID.Source.Git.Precise == "" {
		return "", errors.New("cannot fingerprint an unpinned git source")
	}
	return pkg.ID.Source.Git.Precise, nil
}

func (s *GitSource) Verify(context.Context, PackageId) error { return nil }

func (s *GitSource) IsYanked(context.Context, PackageId) (bool, bool, error) { return false, false, nil }

func (s *GitSource) InvalidateCache() {
	s.id.Git.Precise = ""
}

var _ Source = (*GitSource)(nil)
