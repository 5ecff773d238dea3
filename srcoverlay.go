package forge

import (
	"context"
	"fmt"
	"sync"
)

// OverlaySource composites two sources for the same logical dependency: a
// primary and an overlay. For each version available from either side, the
// composite returns the greater by semver, preferring the overlay on ties,
// and materializes from whichever side the winning version was selected
// from.
type OverlaySource struct {
	quietDescribable
	primary Source
	overlay Source

	mu      sync.Mutex
	winners map[string]sourceSide // PackageId.key() -> which side produced it
}

type sourceSide int

const (
	sidePrimary sourceSide = iota
	sideOverlay
)

// NewOverlaySource builds a composite of primary and overlay.
func NewOverlaySource(primary, overlay Source) *OverlaySource {
	return &OverlaySource{
		quietDescribable: quietDescribable{description: fmt.Sprintf("overlay of (%s) over (%s)", overlay.Describe(), primary.Describe())},
		primary:          primary,
		overlay:          overlay,
		winners:          make(map[string]sourceSide),
	}
}

func (s *OverlaySource) Query(ctx context.Context, dep Dependency, kind QueryKind, yield func(Summary) error) (bool, error) {
	byVersion := make(map[string]Summary)
	sideOf := make(map[string]sourceSide)

	collect := func(src Source, side sourceSide) (bool, error) {
		pending, err := src.Query(ctx, dep, kind, func(sum Summary) error {
			v := sum.ID.Version.String()
			existing, ok := byVersion[v]
			if !ok {
				byVersion[v] = sum
				sideOf[v] = side
				return nil
			}
			// Overlay wins ties; a strictly greater version from either
			// side always wins regardless of which side it came from.
			cmp := sum.ID.Version.Compare(existing.ID.Version)
			if cmp > 0 || (cmp == 0 && side == sideOverlay) {
				byVersion[v] = sum
				sideOf[v] = side
			}
			return nil
		})
		return pending, err
	}

	pendingPrimary, err := collect(s.primary, sidePrimary)
	if err != nil {
		return false, err
	}
	pendingOverlay, err := collect(s.overlay, sideOverlay)
	if err != nil {
		return false, err
	}
	if pendingPrimary || pendingOverlay {
		return true, nil
	}

	s.mu.Lock()
	for v, side := range sideOf {
		s.winners[byVersion[v].ID.key()] = side
	}
	s.mu.Unlock()

	for _, sum := range byVersion {
		if err := yield(sum); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *OverlaySource) BlockUntilReady(ctx context.Context) error {
	if err := s.primary.BlockUntilReady(ctx); err != nil {
		return err
	}
	return s.overlay.BlockUntilReady(ctx)
}

func (s *OverlaySource) sideFor(id PackageId) sourceSide {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winners[id.key()]
}

func (s *OverlaySource) Download(ctx context.Context, id PackageId) (DownloadResult, error) {
	if s.sideFor(id) == sideOverlay {
		return s.overlay.Download(ctx, id)
	}
	return s.primary.Download(ctx, id)
}

func (s *OverlaySource) FinishDownload(ctx context.Context, id PackageId, data []byte) (Package, error) {
	if s.sideFor(id) == sideOverlay {
		return s.overlay.FinishDownload(ctx, id, data)
	}
	return s.primary.FinishDownload(ctx, id, data)
}

func (s *OverlaySource) Fingerprint(ctx context.Context, pkg Package) (string, error) {
	if s.sideFor(pkg.ID) == sideOverlay {
		return s.overlay.Fingerprint(ctx, pkg)
	}
	return s.primary.Fingerprint(ctx, pkg)
}

func (s *OverlaySource) Verify(ctx context.Context, id PackageId) error {
	if s.sideFor(id) == sideOverlay {
		return s.overlay.Verify(ctx, id)
	}
	return s.primary.Verify(ctx, id)
}

func (s *OverlaySource) IsYanked(ctx context.Context, id PackageId) (bool, bool, error) {
	if s.sideFor(id) == sideOverlay {
		return s.overlay.IsYanked(ctx, id)
	}
	return s.primary.IsYanked(ctx, id)
}

func (s *OverlaySource) InvalidateCache() {
	s.primary.InvalidateCache()
	s.overlay.InvalidateCache()
	s.mu.Lock()
	s.winners = make(map[string]sourceSide)
	s.mu.Unlock()
}

var _ Source = (*OverlaySource)(nil)
