package forge

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// RegistryBackend performs the actual registry transport: sparse/HTTP index
// fetch and tarball download. The core never implements this itself
// (Non-goal: "it does not itself perform I/O to fetch sources"); callers
// inject a Backend, and tests inject an in-memory fake.
type RegistryBackend interface {
	FetchSummaries(ctx context.Context, name string) ([]Summary, error)
	FetchPackage(ctx context.Context, id PackageId) (Package, error)
	FetchYanked(ctx context.Context, id PackageId) (bool, error)
}

type queryFuture struct {
	done      chan struct{}
	summaries []Summary
	err       error
}

// RegistrySource is a `registry(url)` / `alt-registry(url,name)` source. It
// models an asynchronous query contract directly: the first
// Query for a package name kicks off a goroutine against the Backend and
// returns pending=true; BlockUntilReady waits for every outstanding fetch;
// a subsequent Query for the same name replays the cached result.
type RegistrySource struct {
	quietDescribable
	id      SourceId
	backend RegistryBackend

	mu       sync.Mutex
	inflight map[string]*queryFuture
	yanked   map[string]bool // PackageId.key() -> yanked, populated lazily
}

// NewRegistrySource builds a registry source against backend.
func NewRegistrySource(id SourceId, backend RegistryBackend) *RegistrySource {
	return &RegistrySource{
		quietDescribable: quietDescribable{description: fmt.Sprintf("registry %s", id.Display())},
		id:               id,
		backend:          backend,
		inflight:         make(map[string]*queryFuture),
		yanked:           make(map[string]bool),
	}
}

func (s *RegistrySource) startFetch(ctx context.Context, name string) *queryFuture {
	f := &queryFuture{done: make(chan struct{})}
	s.inflight[name] = f
	go func() {
		defer close(f.done)
		summaries, err := s.backend.FetchSummaries(ctx, name)
		f.summaries, f.err = summaries, err
	}()
	return f
}

func (s *RegistrySource) Query(ctx context.Context, dep Dependency, kind QueryKind, yield func(Summary) error) (bool, error) {
	s.mu.Lock()
	f, ok := s.inflight[dep.Name]
	if !ok {
		f = s.startFetch(ctx, dep.Name)
	}
	s.mu.Unlock()

	select {
	case <-f.done:
	default:
		return true, nil
	}

	if f.err != nil {
		return false, errors.Wrapf(f.err, "query %s from %s", dep.Name, s.id.Display())
	}

	matched, err := filterByRequirement(f.summaries, dep, kind)
	if err != nil {
		return false, err
	}
	for _, m := range matched {
		if !m.Yanked {
			if err := yield(m); err != nil {
				return false, err
			}
			continue
		}
		// yanked versions are excluded unless explicitly demanded; the
		// resolver, not the source, decides that, so we still surface them.
		if err := yield(m); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *RegistrySource) BlockUntilReady(ctx context.Context) error {
	s.mu.Lock()
	futures := make([]*queryFuture, 0, len(s.inflight))
	for _, f := range s.inflight {
		futures = append(futures, f)
	}
	s.mu.Unlock()

	for _, f := range futures {
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *RegistrySource) Download(ctx context.Context, id PackageId) (DownloadResult, error) {
	pkg, err := s.backend.FetchPackage(ctx, id)
	if err != nil {
		return DownloadResult{}, errors.Wrapf(err, "download %s", id)
	}
	return DownloadResult{Ready: true, Package: pkg}, nil
}

func (s *RegistrySource) FinishDownload(context.Context, PackageId, []byte) (Package, error) {
	return Package{}, errors.New("this backend completes downloads synchronously; FinishDownload is unused")
}

func (s *RegistrySource) Fingerprint(_ context.Context, pkg Package) (string, error) {
	return pkg.ID.Version.String(), nil
}

func (s *RegistrySource) Verify(context.Context, PackageId) error { return nil }

func (s *RegistrySource) IsYanked(ctx context.Context, id PackageId) (bool, bool, error) {
	key := id.key()
	s.mu.Lock()
	v, ok := s.yanked[key]
	s.mu.Unlock()
	if ok {
		return v, false, nil
	}

	yanked, err := s.backend.FetchYanked(ctx, id)
	if err != nil {
		return false, false, err
	}
	s.mu.Lock()
	s.yanked[key] = yanked
	s.mu.Unlock()
	return yanked, false, nil
}

func (s *RegistrySource) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = make(map[string]*queryFuture)
	s.yanked = make(map[string]bool)
}

var _ Source = (*RegistrySource)(nil)
