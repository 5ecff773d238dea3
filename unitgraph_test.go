package forge

import (
	"testing"
)

func TestBuildUnitGraphSimpleBinaryWithLibDep(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))
	lib := mustIntern(t, in, "lib", "1.0.0", reg)

	packages := map[string]Package{
		app.key(): {ID: app, Targets: []Target{{Kind: TargetBinary, Name: "app"}}},
		lib.key(): {ID: lib, Targets: []Target{{Kind: TargetLibrary, Name: "lib"}}},
	}
	resolve := &Resolve{
		Packages: map[string]PackageId{app.key(): app, lib.key(): lib},
		Edges: map[string][]ResolvedDependency{
			app.key(): {{DepName: "lib", ExternName: "lib", Target: lib, Kind: DepNormal}},
		},
		Features: map[string]map[string]bool{},
	}

	profileFor := func(PackageId, CompileMode) Profile { return DefaultDevProfile() }
	g, err := BuildUnitGraph(resolve, packages, "x86_64-unknown-linux-gnu", []PackageId{app}, TargetFilter{AllBins: true}, profileFor, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(g.Roots) != 1 {
		t.Fatalf("expected 1 root unit, got %d", len(g.Roots))
	}
	deps := g.DepsOf(g.Roots[0])
	if len(deps) != 1 || deps[0].Unit.Pkg.Name != "lib" {
		t.Fatalf("expected app to depend on lib, got %+v", deps)
	}
}

func TestBuildUnitGraphProcMacroForcesHostKind(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))
	macro := mustIntern(t, in, "macro", "1.0.0", reg)

	packages := map[string]Package{
		app.key():   {ID: app, Targets: []Target{{Kind: TargetBinary, Name: "app"}}},
		macro.key(): {ID: macro, Targets: []Target{{Kind: TargetLibrary, Name: "macro", CrateTypes: []CrateType{CrateProcMacro}}}},
	}
	resolve := &Resolve{
		Packages: map[string]PackageId{app.key(): app, macro.key(): macro},
		Edges: map[string][]ResolvedDependency{
			app.key(): {{DepName: "macro", ExternName: "macro", Target: macro, Kind: DepNormal}},
		},
		Features: map[string]map[string]bool{},
	}

	profileFor := func(PackageId, CompileMode) Profile { return DefaultDevProfile() }
	g, err := BuildUnitGraph(resolve, packages, "x86_64-pc-windows-msvc", []PackageId{app}, TargetFilter{AllBins: true}, profileFor, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	deps := g.DepsOf(g.Roots[0])
	if len(deps) != 1 {
		t.Fatalf("expected 1 dep, got %d", len(deps))
	}
	if !deps[0].Unit.Kind.IsHost {
		t.Fatalf("expected proc-macro dependency to be compiled for the host, got kind %v", deps[0].Unit.Kind)
	}
}

func TestBuildUnitGraphRejectsCycle(t *testing.T) {
	in := NewInterner()
	reg := NewRegistrySourceId("https://example.test/index")
	a := mustIntern(t, in, "a", "1.0.0", reg)
	b := mustIntern(t, in, "b", "1.0.0", reg)

	packages := map[string]Package{
		a.key(): {ID: a, Targets: []Target{{Kind: TargetLibrary, Name: "a"}}},
		b.key(): {ID: b, Targets: []Target{{Kind: TargetLibrary, Name: "b"}}},
	}
	resolve := &Resolve{
		Packages: map[string]PackageId{a.key(): a, b.key(): b},
		Edges: map[string][]ResolvedDependency{
			a.key(): {{DepName: "b", ExternName: "b", Target: b, Kind: DepNormal}},
			b.key(): {{DepName: "a", ExternName: "a", Target: a, Kind: DepNormal}},
		},
		Features: map[string]map[string]bool{},
	}

	profileFor := func(PackageId, CompileMode) Profile { return DefaultDevProfile() }
	_, err := BuildUnitGraph(resolve, packages, "x86_64-unknown-linux-gnu", []PackageId{a}, TargetFilter{Lib: true}, profileFor, nil)
	if err == nil {
		t.Fatal("expected a dependency cycle to be rejected")
	}
}

func TestBuildUnitGraphStandardLibraryRoots(t *testing.T) {
	in := NewInterner()
	app := mustIntern(t, in, "app", "0.1.0", NewPathSourceId("/ws/app"))
	core := mustIntern(t, in, "core", "0.0.0", NewPathSourceId("/sysroot/core"))

	packages := map[string]Package{
		app.key(): {ID: app, Targets: []Target{{Kind: TargetBinary, Name: "app"}}},
	}
	resolve := &Resolve{
		Packages: map[string]PackageId{app.key(): app},
		Edges:    map[string][]ResolvedDependency{},
		Features: map[string]map[string]bool{},
	}
	profileFor := func(PackageId, CompileMode) Profile { return DefaultDevProfile() }
	g, err := BuildUnitGraph(resolve, packages, "x86_64-unknown-linux-gnu", []PackageId{app}, TargetFilter{AllBins: true}, profileFor, []PackageId{core})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var sawCore bool
	for _, u := range g.Units() {
		if u.Pkg.Name == "core" && u.IsStd {
			sawCore = true
		}
	}
	if !sawCore {
		t.Fatal("expected synthetic std root to appear as a Unit")
	}
}
