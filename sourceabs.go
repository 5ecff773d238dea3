package forge

import (
	"context"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// QueryKind selects how a Source matches a Dependency against its
// candidates.
type QueryKind int

const (
	QueryExact QueryKind = iota
	QueryFuzzy
	QueryAlternatives
)

// DownloadDescriptor describes the bytes a caller must fetch and hand back
// via FinishDownload before a Source.Download can complete. The core never
// performs this I/O itself (Non-goal); it only describes what is needed.
type DownloadDescriptor struct {
	URL      string
	Checksum digest.Digest
}

// DownloadResult is the outcome of a Source.Download call: either the
// package was already on disk and is ready immediately, or the caller must
// fetch NeedsBytes and call FinishDownload.
type DownloadResult struct {
	Ready      bool
	Package    Package
	NeedsBytes *DownloadDescriptor
}

// ErrPending is returned when a Source operation has I/O in flight and
// cannot complete synchronously. BlockUntilReady drives such operations to
// completion.
var ErrPending = errors.New("operation is pending, call BlockUntilReady")

// Source is the uniform interface every source kind (registry, directory,
// git, path, overlay) implements.
type Source interface {
	// Query emits every Summary matching dep under the given QueryKind by
	// calling yield once per match. It returns pending=true when some
	// matches could not be produced synchronously (I/O in flight); the
	// caller must then call BlockUntilReady and re-invoke Query.
	Query(ctx context.Context, dep Dependency, kind QueryKind, yield func(Summary) error) (pending bool, err error)

	// BlockUntilReady drives any outstanding I/O for this source to
	// completion. Idempotent: calling it with nothing outstanding is a
	// cheap no-op.
	BlockUntilReady(ctx context.Context) error

	// Download begins materializing id. A source whose contents are
	// already local (path, directory) always returns Ready=true.
	Download(ctx context.Context, id PackageId) (DownloadResult, error)

	// FinishDownload supplies the bytes described by a prior Download's
	// NeedsBytes descriptor and returns the materialized Package.
	FinishDownload(ctx context.Context, id PackageId, data []byte) (Package, error)

	// Fingerprint returns a stability token for pkg: the recorded checksum
	// for directory sources, the version string for registry sources, the
	// pinned commit for git sources, an mtime digest for path sources.
	Fingerprint(ctx context.Context, pkg Package) (string, error)

	// Verify checks integrity where applicable.
	Verify(ctx context.Context, id PackageId) error

	// IsYanked reports whether id has been pulled from the source. pending
	// mirrors Query's convention.
	IsYanked(ctx context.Context, id PackageId) (yanked bool, pending bool, err error)

	InvalidateCache()
	SetQuiet(bool)
	Describe() string
}

// quietDescribable is embedded by every concrete source to provide
// SetQuiet/Describe plumbing without repeating the boilerplate.
type quietDescribable struct {
	isQuiet     bool
	description string
}

func (q *quietDescribable) SetQuiet(v bool)  { q.isQuiet = v }
func (q *quietDescribable) Describe() string { return q.description }

// InvalidSourceError is returned when a source's configuration cannot be
// used to resolve or build a package.
type InvalidSourceError struct {
	Name string
	Err  error
}

func (e *InvalidSourceError) Error() string {
	return errors.Wrapf(e.Err, "invalid source %s", e.Name).Error()
}

func (e *InvalidSourceError) Unwrap() error { return e.Err }

// filterByRequirement narrows a candidate list down to those satisfying
// dep's version requirement, honoring QueryKind: QueryExact requires an
// exact version match (dep.Req is itself a bare version string); QueryFuzzy
// and QueryAlternatives both apply the full requirement range and differ
// only in how the resolver subsequently orders what comes back.
func filterByRequirement(candidates []Summary, dep Dependency, kind QueryKind) ([]Summary, error) {
	req, err := parseVersionReq(dep.Req)
	if err != nil {
		return nil, errors.Wrapf(err, "dependency %s", dep.Name)
	}

	var out []Summary
	for _, c := range candidates {
		if c.ID.Name != dep.Name {
			continue
		}
		if kind == QueryExact {
			if c.ID.Version.String() == dep.Req {
				out = append(out, c)
			}
			continue
		}
		if req.Check(c.ID.Version) {
			out = append(out, c)
		}
	}
	return out, nil
}
