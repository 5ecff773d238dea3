package forge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

func mustIntern(t *testing.T, in *Interner, name, version string, src SourceId) PackageId {
	t.Helper()
	id, err := in.Intern(name, version, src)
	if err != nil {
		t.Fatalf("intern %s@%s: %v", name, version, err)
	}
	return id
}

func TestPathSourceQueryAndFingerprint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lib.rs"), []byte("fn main() {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := NewInterner()
	id := mustIntern(t, in, "widget", "0.1.0", NewPathSourceId(dir))
	pkg := Package{ID: id, Root: dir}
	src := NewPathSource(pkg)

	var got []Summary
	pending, err := src.Query(context.Background(), Dependency{Name: "widget", Req: "^0.1"}, QueryFuzzy, func(s Summary) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if pending {
		t.Fatal("path source should never be pending")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(got))
	}

	fp1, err := src.Fingerprint(context.Background(), pkg)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := src.Fingerprint(context.Background(), pkg)
	if err != nil {
		t.Fatalf("fingerprint again: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprint not stable across calls with no changes: %s != %s", fp1, fp2)
	}
}

func TestDirectorySourceVerify(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "src.tar")
	if err := os.WriteFile(filePath, []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := NewInterner()
	id := mustIntern(t, in, "gadget", "2.0.0", NewDirectorySourceId(dir))
	src := NewDirectorySource(dir)
	src.Add(DirectoryEntry{
		Package: Package{ID: id, Root: dir},
		Summary: Summary{ID: id, Checksum: digest.FromString("gadget-2.0.0")},
		FileSHA256: map[string]string{
			"src.tar": "d1b2a59fbea7e20077af9f91b27e95e865061b270be03ff539ab3b73587882e8",
		},
	})

	if err := src.Verify(context.Background(), id); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// tamper with the file; verify must now fail.
	if err := os.WriteFile(filePath, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := src.Verify(context.Background(), id); err == nil {
		t.Fatal("expected verify to fail after tampering")
	}
}

type fakeRegistryBackend struct {
	summaries map[string][]Summary
}

func (f *fakeRegistryBackend) FetchSummaries(_ context.Context, name string) ([]Summary, error) {
	return f.summaries[name], nil
}

func (f *fakeRegistryBackend) FetchPackage(_ context.Context, id PackageId) (Package, error) {
	return Package{ID: id}, nil
}

func (f *fakeRegistryBackend) FetchYanked(context.Context, PackageId) (bool, error) { return false, nil }

func TestRegistrySourcePendingThenReady(t *testing.T) {
	in := NewInterner()
	srcID := NewRegistrySourceId("https://example.test/index")
	v1 := mustIntern(t, in, "widget", "1.0.0", srcID)

	backend := &fakeRegistryBackend{summaries: map[string][]Summary{
		"widget": {{ID: v1}},
	}}
	src := NewRegistrySource(srcID, backend)

	pending, err := src.Query(context.Background(), Dependency{Name: "widget", Req: "^1"}, QueryFuzzy, func(Summary) error { return nil })
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !pending {
		t.Fatal("expected first query to be pending")
	}

	if err := src.BlockUntilReady(context.Background()); err != nil {
		t.Fatalf("block until ready: %v", err)
	}

	var got []Summary
	pending, err = src.Query(context.Background(), Dependency{Name: "widget", Req: "^1"}, QueryFuzzy, func(s Summary) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("query after ready: %v", err)
	}
	if pending {
		t.Fatal("expected second query to be ready")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(got))
	}
}

func TestOverlaySourcePrefersOverlayOnTie(t *testing.T) {
	in := NewInterner()
	primaryID := NewRegistrySourceId("https://primary.test")
	overlayID := NewRegistrySourceId("https://overlay.test")

	pv := mustIntern(t, in, "widget", "1.0.0", primaryID)
	ov := mustIntern(t, in, "widget", "1.0.0", overlayID)

	primary := NewRegistrySource(primaryID, &fakeRegistryBackend{summaries: map[string][]Summary{"widget": {{ID: pv}}}})
	overlay := NewRegistrySource(overlayID, &fakeRegistryBackend{summaries: map[string][]Summary{"widget": {{ID: ov}}}})
	composite := NewOverlaySource(primary, overlay)

	ctx := context.Background()
	dep := Dependency{Name: "widget", Req: "^1"}
	if _, err := composite.Query(ctx, dep, QueryFuzzy, func(Summary) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := composite.BlockUntilReady(ctx); err != nil {
		t.Fatal(err)
	}

	var got Summary
	if _, err := composite.Query(ctx, dep, QueryFuzzy, func(s Summary) error { got = s; return nil }); err != nil {
		t.Fatal(err)
	}
	if !got.ID.Source.Equal(overlayID) {
		t.Fatalf("expected overlay to win the tie, got source %s", got.ID.Source.Display())
	}
}

func TestReplacementMapCycleDetection(t *testing.T) {
	a := NewRegistrySourceId("https://a.test")
	b := NewRegistrySourceId("https://b.test")

	m := NewReplacementMap()
	m.Add(a, b)
	m.Add(b, a)

	if err := m.Validate(); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestEndpointSourceIdRefusesReplacement(t *testing.T) {
	logical := NewRegistrySourceId("https://crates.example/index")
	physical := NewLocalRegistrySourceId("/mirror").AsReplacementFor(logical)

	if _, err := EndpointSourceId(physical, nil); err != ErrReplacedEndpoint {
		t.Fatalf("expected ErrReplacedEndpoint, got %v", err)
	}

	got, err := EndpointSourceId(logical, nil)
	if err != nil {
		t.Fatalf("unexpected error for logical source: %v", err)
	}
	if !got.Equal(logical) {
		t.Fatalf("expected logical source back, got %s", got.Display())
	}
}
