package forge

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

// memSource is an in-memory Source backed by a fixed candidate table, used
// to drive the resolver in tests without any real registry I/O.
type memSource struct {
	quietDescribable
	byName map[string][]Summary
}

func newMemSource(byName map[string][]Summary) *memSource {
	return &memSource{byName: byName}
}

func (m *memSource) Query(_ context.Context, dep Dependency, kind QueryKind, yield func(Summary) error) (bool, error) {
	filtered, err := filterByRequirement(m.byName[dep.Name], dep, kind)
	if err != nil {
		return false, err
	}
	for _, s := range filtered {
		if err := yield(s); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (m *memSource) BlockUntilReady(context.Context) error { return nil }

func (m *memSource) Download(context.Context, PackageId) (DownloadResult, error) {
	return DownloadResult{}, errors.New("memSource does not support Download")
}

func (m *memSource) FinishDownload(context.Context, PackageId, []byte) (Package, error) {
	return Package{}, errors.New("memSource does not support FinishDownload")
}

func (m *memSource) Fingerprint(context.Context, Package) (string, error) { return "", nil }
func (m *memSource) Verify(context.Context, PackageId) error              { return nil }
func (m *memSource) IsYanked(context.Context, PackageId) (bool, bool, error) {
	return false, false, nil
}
func (m *memSource) InvalidateCache() {}

var _ Source = (*memSource)(nil)

type singleSourceProvider struct{ src Source }

func (p singleSourceProvider) SourceFor(Dependency) (Source, error) { return p.src, nil }

func TestResolveDiamondReusesSharedDependency(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")

	common1 := mustIntern(t, in, "common", "1.2.0", reg)
	left := mustIntern(t, in, "left", "1.0.0", reg)
	right := mustIntern(t, in, "right", "1.0.0", reg)
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))

	byName := map[string][]Summary{
		"common": {{ID: common1}},
		"left":   {{ID: left, Dependencies: []Dependency{{Name: "common", Req: "^1.0"}}}},
		"right":  {{ID: right, Dependencies: []Dependency{{Name: "common", Req: "^1.0"}}}},
	}

	r := NewResolver(in, singleSourceProvider{src: newMemSource(byName)})
	out, err := r.Resolve(context.Background(), ResolverInput{
		Roots: []RootPackage{{
			ID: app,
			Dependencies: []Dependency{
				{Name: "left", Req: "^1.0"},
				{Name: "right", Req: "^1.0"},
			},
		}},
		Features: FeatureRequest{IncludeDefaultFeatures: true, IncludeDevDeps: true},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	commonCount := 0
	for _, id := range out.Packages {
		if id.Name == "common" {
			commonCount++
		}
	}
	if commonCount != 1 {
		t.Fatalf("expected exactly one selected version of common, got %d", commonCount)
	}
}

func TestResolveIncompatibleMajorsCoexist(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")

	common1 := mustIntern(t, in, "common", "1.0.0", reg)
	common2 := mustIntern(t, in, "common", "2.0.0", reg)
	left := mustIntern(t, in, "left", "1.0.0", reg)
	right := mustIntern(t, in, "right", "1.0.0", reg)
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))

	byName := map[string][]Summary{
		"common": {{ID: common1}, {ID: common2}},
		"left":   {{ID: left, Dependencies: []Dependency{{Name: "common", Req: "^1.0"}}}},
		"right":  {{ID: right, Dependencies: []Dependency{{Name: "common", Req: "^2.0"}}}},
	}

	r := NewResolver(in, singleSourceProvider{src: newMemSource(byName)})
	out, err := r.Resolve(context.Background(), ResolverInput{
		Roots: []RootPackage{{
			ID: app,
			Dependencies: []Dependency{
				{Name: "left", Req: "^1.0"},
				{Name: "right", Req: "^1.0"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var versions []string
	for _, id := range out.Packages {
		if id.Name == "common" {
			versions = append(versions, id.Version.String())
		}
	}
	if len(versions) != 2 {
		t.Fatalf("expected both semver-incompatible versions of common to coexist, got %v", versions)
	}
}

func TestResolveUnsatisfiableDependency(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))

	r := NewResolver(in, singleSourceProvider{src: newMemSource(map[string][]Summary{})})
	_, err := r.Resolve(context.Background(), ResolverInput{
		Roots: []RootPackage{{
			ID:           app,
			Dependencies: []Dependency{{Name: "missing", Req: "^1.0"}},
		}},
	})
	var rerr *ResolveError
	if !errors.As(err, &rerr) || rerr.Kind != ErrUnsatisfiable {
		t.Fatalf("expected ErrUnsatisfiable, got %v", err)
	}
	_ = reg
}

func TestResolveLockedWithMatchingPreferenceSucceeds(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	v1 := mustIntern(t, in, "widget", "1.0.0", reg)
	v2 := mustIntern(t, in, "widget", "1.1.0", reg)
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))

	byName := map[string][]Summary{"widget": {{ID: v1}, {ID: v2}}}
	r := NewResolver(in, singleSourceProvider{src: newMemSource(byName)})

	_, err := r.Resolve(context.Background(), ResolverInput{
		Roots: []RootPackage{{
			ID:           app,
			Dependencies: []Dependency{{Name: "widget", Req: "^1.0"}},
		}},
		LockedExact: true,
		LockPrefs:   map[string]PackageId{"widget": v1},
	})
	if err != nil {
		t.Fatalf("expected the preferred lockfile version to satisfy --locked, got %v", err)
	}
}

func TestResolveLockedViolationWithoutPreference(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	v1 := mustIntern(t, in, "widget", "1.0.0", reg)
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))

	byName := map[string][]Summary{"widget": {{ID: v1}}}
	r := NewResolver(in, singleSourceProvider{src: newMemSource(byName)})

	_, err := r.Resolve(context.Background(), ResolverInput{
		Roots: []RootPackage{{
			ID:           app,
			Dependencies: []Dependency{{Name: "widget", Req: "^1.0"}},
		}},
		LockedExact: true,
	})
	var rerr *ResolveError
	if !errors.As(err, &rerr) || rerr.Kind != ErrLockedViolation {
		t.Fatalf("expected ErrLockedViolation, got %v", err)
	}
}

func TestValidatePatchesRejectsSameSourceAmbiguity(t *testing.T) {
	reg := NewRegistrySourceId("https://example.test/index")
	patches := []Patch{
		{Source: reg, Name: "widget", Replacement: Dependency{Name: "widget", Source: reg}},
	}
	if err := validatePatches(patches); err == nil {
		t.Fatal("expected a patch targeting its own original source to be rejected")
	}
}

func TestUnifyFeaturesWorklistForwardsDepSlash(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))
	lib := mustIntern(t, in, "lib", "1.0.0", reg)

	resolve := &Resolve{
		Packages: map[string]PackageId{app.key(): app, lib.key(): lib},
		Edges: map[string][]ResolvedDependency{
			app.key(): {{DepName: "lib", ExternName: "lib", Target: lib, Kind: DepNormal}},
		},
	}
	summaries := map[string]Summary{
		app.key(): {
			ID:       app,
			Features: map[string][]string{"default": {"lib/fancy"}},
		},
		lib.key(): {
			ID:       lib,
			Features: map[string][]string{"fancy": {"extra"}},
		},
	}

	in2 := ResolverInput{
		Roots:    []RootPackage{{ID: app}},
		Features: FeatureRequest{IncludeDefaultFeatures: true},
	}
	if err := unifyFeatures(resolve, summaries, in2); err != nil {
		t.Fatalf("unify: %v", err)
	}
	if !resolve.Features[lib.key()]["fancy"] {
		t.Fatalf("expected lib/fancy to activate fancy on lib, got %v", resolve.Features[lib.key()])
	}
}

func TestUnifyFeaturesSeedsFromEveryRequesterEdge(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	a := mustIntern(t, in, "a", "0.1.0", NewPathSourceId("/ws/a"))
	b := mustIntern(t, in, "b", "0.1.0", NewPathSourceId("/ws/b"))
	c := mustIntern(t, in, "c", "1.0.0", reg)

	resolve := &Resolve{
		Packages: map[string]PackageId{a.key(): a, b.key(): b, c.key(): c},
		Edges: map[string][]ResolvedDependency{
			a.key(): {{DepName: "c", ExternName: "c", Target: c, Kind: DepNormal, DepFeatures: []string{"f1"}}},
			b.key(): {{DepName: "c", ExternName: "c", Target: c, Kind: DepNormal, DepFeatures: []string{"f2"}}},
		},
	}
	summaries := map[string]Summary{
		a.key(): {ID: a},
		b.key(): {ID: b},
		c.key(): {ID: c, Features: map[string][]string{"f1": nil, "f2": nil}},
	}

	in2 := ResolverInput{Roots: []RootPackage{{ID: a}, {ID: b}}}
	if err := unifyFeatures(resolve, summaries, in2); err != nil {
		t.Fatalf("unify: %v", err)
	}
	got := resolve.Features[c.key()]
	if !got["f1"] || !got["f2"] {
		t.Fatalf("expected c to activate both f1 (from a) and f2 (from b), got %v", got)
	}
}
