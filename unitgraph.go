package forge

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// TargetFilter selects which targets of the root packages become unit-graph
// roots, handling its target-filter edge cases (glob matching, all-targets).
type TargetFilter struct {
	Lib         bool
	Bins        []string // glob patterns; nil+AllBins selects every bin
	AllBins     bool
	AllTargets  bool // overrides everything else: every target except the custom-build script
	WantTests   bool
	WantBenches bool
	WantDoc     bool
}

func (f TargetFilter) selects(t Target) bool {
	if f.AllTargets {
		return t.Kind != TargetCustomBuild
	}
	switch t.Kind {
	case TargetLibrary:
		return f.Lib
	case TargetBinary, TargetExampleBin:
		if f.AllBins {
			return true
		}
		for _, pat := range f.Bins {
			if ok, _ := filepath.Match(pat, t.Name); ok {
				return true
			}
		}
		return false
	case TargetTest:
		return f.WantTests
	case TargetBench:
		return f.WantBenches
	default:
		return false
	}
}

// ProfileFor computes the Profile for a (package, mode) pair. Callers
// inject this rather than the builder hardcoding profile lookup, since
// profile selection depends on layered config the builder itself doesn't
// own.
type ProfileFor func(pkg PackageId, mode CompileMode) Profile

// UnitGraph is the closed set of compiler-driver invocations needed to
// satisfy a build request.
type UnitGraph struct {
	units map[string]*Unit
	deps  map[string][]UnitDep
	Roots []*Unit
}

// Units returns every distinct Unit in the graph, in a stable order.
func (g *UnitGraph) Units() []*Unit {
	out := make([]*Unit, 0, len(g.units))
	for _, u := range g.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dedupKey() < out[j].dedupKey() })
	return out
}

// DepsOf returns u's dependency edges.
func (g *UnitGraph) DepsOf(u *Unit) []UnitDep {
	return g.deps[u.dedupKey()]
}

// unitGraphBuilder accumulates units while walking a Resolve.
type unitGraphBuilder struct {
	resolve    *Resolve
	packages   map[string]Package // PackageId.key() -> Package
	profileFor ProfileFor
	hostKind   CompileKind

	units map[string]*Unit
	deps  map[string][]UnitDep
}

// BuildUnitGraph walks resolve starting from rootIDs' selected targets
// (filtered by filter), materializing a Unit per (package, target, profile,
// kind, mode, feature-set, is-std) tuple and wiring UnitDep edges for
// normal/build dependencies, proc-macro host-forcing, and custom-build
// script units.
//
// stdRoots lets a caller add synthetic standard-library crate units: each
// is added as a leaf Unit with IsStd set, with no further
// dependency walk, since this module does not model the standard library's
// own internal dependency graph.
func BuildUnitGraph(resolve *Resolve, packages map[string]Package, hostTriple string, rootIDs []PackageId, filter TargetFilter, profileFor ProfileFor, stdRoots []PackageId) (*UnitGraph, error) {
	b := &unitGraphBuilder{
		resolve:    resolve,
		packages:   packages,
		profileFor: profileFor,
		hostKind:   HostKind(),
		units:      make(map[string]*Unit),
		deps:       make(map[string][]UnitDep),
	}

	kind := CompileKind{Target: hostTriple}

	for _, rootID := range rootIDs {
		pkg, ok := packages[rootID.key()]
		if !ok {
			return nil, errors.Errorf("no loaded package for root %s", rootID)
		}
		for _, t := range pkg.Targets {
			if !filter.selects(t) {
				continue
			}
			mode := ModeBuild
			if t.Kind == TargetTest {
				mode = ModeTest
			} else if t.Kind == TargetBench {
				mode = ModeBench
			}
			u := b.unitFor(rootID, t, kind, mode, nil)
			if err := b.walk(u); err != nil {
				return nil, err
			}
			b.units[u.dedupKey()] = u
		}
	}

	g := &UnitGraph{units: b.units, deps: b.deps}
	for _, id := range rootIDs {
		for _, u := range g.units {
			if u.Pkg.Equal(id) {
				g.Roots = append(g.Roots, u)
			}
		}
	}

	for _, id := range stdRoots {
		pkg, ok := packages[id.key()]
		var targets []Target
		if ok {
			targets = pkg.Targets
		} else {
			targets = []Target{{Kind: TargetLibrary, Name: id.Name}}
		}
		for _, t := range targets {
			u := &Unit{Pkg: id, Target: t, Profile: profileFor(id, ModeBuild), Kind: b.hostKind, Mode: ModeBuild, IsStd: true}
			g.units[u.dedupKey()] = u
		}
	}

	if err := checkAcyclic(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (b *unitGraphBuilder) unitFor(pkg PackageId, t Target, kind CompileKind, mode CompileMode, features []string) *Unit {
	sorted := append([]string(nil), features...)
	sort.Strings(sorted)
	profile := b.profileFor(pkg, mode).ForMode(mode)
	return &Unit{Pkg: pkg, Target: t, Profile: profile, Kind: kind, Mode: mode, Features: sorted}
}

// walk expands u's dependency edges by consulting the Resolve's edges for
// u.Pkg, recursing into freshly discovered units and deduplicating ones
// already built.
func (b *unitGraphBuilder) walk(u *Unit) error {
	key := u.dedupKey()
	if _, ok := b.units[key]; ok {
		return nil // already expanded
	}
	b.units[key] = u

	if u.IsStd {
		return nil
	}
	if u.Mode == ModeRunCustomBuild {
		// The build-script binary itself has no further unit-graph
		// dependencies modeled here beyond its own crate's normal deps,
		// which were already attached when the owning library's build was
		// requested.
		return nil
	}

	// A test/bench unit, or a unit whose configured panic=abort was already
	// forced to unwind, passes the unwind force on to its normal deps.
	forceUnwind := u.Mode == ModeTest || u.Mode == ModeBench ||
		(u.Profile.Panic == PanicUnwind && b.profileFor(u.Pkg, u.Mode).Panic == PanicAbort)

	for _, e := range b.resolve.Edges[u.Pkg.key()] {
		depPkg, ok := b.packages[e.Target.key()]
		if !ok {
			continue
		}
		activated := b.resolve.Features[e.Target.key()]

		switch e.Kind {
		case DepNormal, DepDev:
			lib, ok := depPkg.LibTarget()
			if !ok {
				continue
			}
			depKind := u.Kind
			if lib.IsProcMacro() {
				depKind = b.hostKind
			}
			depUnit := b.unitFor(e.Target, lib, depKind, ModeBuild, sortedKeys(activated))
			if forceUnwind {
				depUnit.Profile.Panic = PanicUnwind
			}
			if err := b.walk(depUnit); err != nil {
				return err
			}
			b.addDep(u, depUnit, e.ExternName, lib.IsProcMacro())

		case DepBuild:
			if cb, ok := depPkg.CustomBuildTarget(); ok {
				buildUnit := b.unitFor(e.Target, cb, b.hostKind, ModeRunCustomBuild, sortedKeys(activated))
				if err := b.walk(buildUnit); err != nil {
					return err
				}
				b.addDep(u, buildUnit, e.ExternName, false)
			}
			if lib, ok := depPkg.LibTarget(); ok {
				libUnit := b.unitFor(e.Target, lib, b.hostKind, ModeBuild, sortedKeys(activated))
				if err := b.walk(libUnit); err != nil {
					return err
				}
				b.addDep(u, libUnit, e.ExternName, false)
			}
		}
	}

	if cb, ok := b.packages[u.Pkg.key()].CustomBuildTarget(); ok && u.Target.Kind != TargetCustomBuild {
		buildUnit := b.unitFor(u.Pkg, cb, b.hostKind, ModeRunCustomBuild, u.Features)
		if err := b.walk(buildUnit); err != nil {
			return err
		}
		b.addDep(u, buildUnit, "build-script", false)
	}

	return nil
}

func (b *unitGraphBuilder) addDep(from, to *Unit, extern string, noProcMacro bool) {
	key := from.dedupKey()
	b.deps[key] = append(b.deps[key], UnitDep{Unit: to, Extern: extern, NoProcMacro: noProcMacro})
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// checkAcyclic validates the unit graph is a DAG using Tarjan's strongly
// connected components algorithm: any component with more than one member
// is a dependency cycle.
func checkAcyclic(g *UnitGraph) error {
	units := g.Units()
	index := make(map[string]int, len(units))
	for i, u := range units {
		index[u.dedupKey()] = i
	}

	adj := make([][]int, len(units))
	for i, u := range units {
		for _, d := range g.deps[u.dedupKey()] {
			if j, ok := index[d.Unit.dedupKey()]; ok {
				adj[i] = append(adj[i], j)
			}
		}
	}

	t := &tarjan{adj: adj, indices: make([]int, len(units)), lowlink: make([]int, len(units)), onStack: make([]bool, len(units))}
	for i := range t.indices {
		t.indices[i] = -1
	}
	for i := range units {
		if t.indices[i] == -1 {
			t.strongConnect(i)
		}
	}

	for _, comp := range t.components {
		if len(comp) > 1 {
			names := make([]string, len(comp))
			for i, idx := range comp {
				names[i] = units[idx].Pkg.String()
			}
			return errors.Errorf("dependency cycle in unit graph: %v", names)
		}
	}
	return nil
}

// tarjan implements Tarjan's SCC algorithm over plain adjacency-list
// indices, iteratively-callable via recursion (the graphs here are small
// enough that call-stack depth is not a concern), adapted from the
// teacher's vertex-based Tarjan walk into a stdlib-only index-based form.
type tarjan struct {
	adj        [][]int
	indices    []int
	lowlink    []int
	onStack    []bool
	stack      []int
	next       int
	components [][]int
}

func (t *tarjan) strongConnect(v int) {
	t.indices[v] = t.next
	t.lowlink[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.adj[v] {
		if t.indices[w] == -1 {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.indices[w] < t.lowlink[v] {
				t.lowlink[v] = t.indices[w]
			}
		}
	}

	if t.lowlink[v] == t.indices[v] {
		var comp []int
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, comp)
	}
}
