package forge

import (
	"strings"
	"testing"
)

func TestLockfileEncodeDecodeRoundTrip(t *testing.T) {
	lf := &Lockfile{
		Version: CurrentLockVersion,
		Packages: []LockPackage{
			{Name: "zeta", Version: "1.0.0", Source: "registry+https://example.test", Checksum: "sha256:abc"},
			{Name: "alpha", Version: "2.0.0", Dependencies: []string{"zeta 1.0.0 (registry+https://example.test)"}},
		},
	}

	data, err := EncodeLockfile(lf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeLockfile(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(got.Packages))
	}
	if got.Packages[0].Name != "alpha" {
		t.Fatalf("expected canonical ordering to put alpha first, got %s", got.Packages[0].Name)
	}
}

func TestLockfileEncodeIsByteStableAcrossInputOrder(t *testing.T) {
	a := &Lockfile{Version: 1, Packages: []LockPackage{
		{Name: "b", Version: "1.0.0"},
		{Name: "a", Version: "1.0.0"},
	}}
	b := &Lockfile{Version: 1, Packages: []LockPackage{
		{Name: "a", Version: "1.0.0"},
		{Name: "b", Version: "1.0.0"},
	}}

	encA, err := EncodeLockfile(a)
	if err != nil {
		t.Fatal(err)
	}
	encB, err := EncodeLockfile(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(encA) != string(encB) {
		t.Fatalf("expected byte-stable encoding regardless of input order:\n%s\n---\n%s", encA, encB)
	}
}

func TestDecodeLegacyLockfileMigratesChecksums(t *testing.T) {
	legacy := `
[root]
name = "app"
version = "0.1.0"

[[package]]
name = "widget"
version = "1.0.0"
source = "registry+https://example.test"

[metadata]
"checksum widget 1.0.0 (registry+https://example.test)" = "sha256:deadbeef"
`
	lf, err := DecodeLockfile([]byte(legacy))
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if lf.Version != 1 {
		t.Fatalf("expected migrated version 1, got %d", lf.Version)
	}

	var found bool
	for _, p := range lf.Packages {
		if p.Name == "widget" {
			found = true
			if p.Checksum != "sha256:deadbeef" {
				t.Fatalf("expected checksum migrated onto package, got %q", p.Checksum)
			}
		}
	}
	if !found {
		t.Fatal("expected widget package from legacy [[package]] table")
	}
	var sawRoot bool
	for _, p := range lf.Packages {
		if p.Name == "app" {
			sawRoot = true
		}
	}
	if !sawRoot {
		t.Fatal("expected legacy [root] entry to be folded into Packages")
	}
}

func TestParsePackageRef(t *testing.T) {
	name, version, source, err := ParsePackageRef("widget 1.0.0 (registry+https://example.test)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "widget" || version != "1.0.0" || source != "registry+https://example.test" {
		t.Fatalf("unexpected parse: %s %s %s", name, version, source)
	}

	name2, version2, source2, err := ParsePackageRef("pathdep 0.1.0")
	if err != nil {
		t.Fatalf("parse bare ref: %v", err)
	}
	if name2 != "pathdep" || version2 != "0.1.0" || source2 != "" {
		t.Fatalf("unexpected bare parse: %s %s %q", name2, version2, source2)
	}
}

func TestFromResolveProducesDependencyLines(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))
	lib := mustIntern(t, in, "lib", "1.0.0", reg)

	lf := FromResolve(&Resolve{
		Packages: map[string]PackageId{app.key(): app, lib.key(): lib},
		Edges: map[string][]ResolvedDependency{
			app.key(): {{DepName: "lib", ExternName: "lib", Target: lib, Kind: DepNormal}},
		},
	})

	var appPkg *LockPackage
	for i := range lf.Packages {
		if lf.Packages[i].Name == "app" {
			appPkg = &lf.Packages[i]
		}
	}
	if appPkg == nil {
		t.Fatal("expected app package in lockfile")
	}
	if len(appPkg.Dependencies) != 1 || !strings.Contains(appPkg.Dependencies[0], "lib 1.0.0") {
		t.Fatalf("expected app to depend on lib 1.0.0, got %v", appPkg.Dependencies)
	}
	if appPkg.Source != "" {
		t.Fatalf("expected path-source app to omit a lockfile source, got %q", appPkg.Source)
	}
}
