package forge

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// ResolvedDependency is one edge in a closed Resolve graph: which dependency
// declaration it satisfies, and the concrete package it points at.
type ResolvedDependency struct {
	DepName    string
	ExternName string
	Target     PackageId
	Kind       DependencyKind
	Matches    bool

	// DepDefaultFeatures and DepFeatures are the declaring dependency's own
	// `default-features`/`features = [...]` request on Target, carried
	// through from the manifest edge so feature unification can seed
	// Target's activation set from every requester, not just the roots.
	DepDefaultFeatures bool
	DepFeatures        []string
}

// Resolve is the fully closed output of Resolver.Resolve: every selected
// package, the feature set activated for each, the dependency edges between
// them, and any checksums known for immutable sources. This is the in-memory
// counterpart of a lockfile.
type Resolve struct {
	Packages  map[string]PackageId // PackageId.key() -> PackageId
	Features  map[string]map[string]bool
	Edges     map[string][]ResolvedDependency // requester PackageId.key() -> edges
	Checksums map[string]digest.Digest
}

// unifyFeatures runs the feature-activation worklist to a fixpoint. It is
// implemented as an explicit worklist rather than recursion since cycles
// through optional dependencies are legal and must simply stop growing the
// activation set rather than overflow a call stack.
//
// This implements cargo's classic (pre "itarget"/"host-dep" split) feature
// resolution: one feature set per package across the whole graph, not one
// per (package, host-or-target) pair. Per-target feature unification is a
// documented simplification (DESIGN.md).
func unifyFeatures(resolve *Resolve, summaries map[string]Summary, in ResolverInput) error {
	activated := map[string]map[string]bool{}

	var worklist []featureActivation
	activate := func(pkgKey, feat string) {
		if activated[pkgKey] == nil {
			activated[pkgKey] = map[string]bool{}
		}
		if activated[pkgKey][feat] {
			return
		}
		activated[pkgKey][feat] = true
		worklist = append(worklist, featureActivation{pkg: pkgKey, feature: feat})
	}

	for _, root := range in.Roots {
		rk := root.ID.key()
		if activated[rk] == nil {
			activated[rk] = map[string]bool{}
		}
		if in.Features.IncludeDefaultFeatures {
			activate(rk, "default")
		}
		for _, f := range in.Features.Features {
			activate(rk, f)
		}
		if in.Features.AllFeatures {
			if sum, ok := summaries[rk]; ok {
				for f := range sum.Features {
					activate(rk, f)
				}
			}
		}
	}

	// Seed every resolved dependency edge's own requested features onto its
	// target, e.g. `A -> C { features = ["f1"] }` activates "f1" on C even
	// though nothing in C's own feature table names it. This is what lets
	// two requesters with disjoint feature requests on the same dependency
	// (A wants C/f1, B wants C/f2) unify onto one C with {f1, f2} activated.
	for _, edges := range resolve.Edges {
		for _, e := range edges {
			if e.DepDefaultFeatures {
				activate(e.Target.key(), "default")
			}
			for _, f := range e.DepFeatures {
				activate(e.Target.key(), f)
			}
		}
	}

	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]

		sum, ok := summaries[cur.pkg]
		if !ok {
			continue
		}
		defs, ok := sum.Features[cur.feature]
		if !ok {
			// Either a leaf feature with no further expansion, or the
			// implicit feature of an optional dependency sharing its name.
			continue
		}
		for _, item := range defs {
			switch {
			case strings.HasPrefix(item, "dep:"):
				// Strong optional-dependency activation: the dependency
				// edge already exists unconditionally in this resolver's
				// simplified dependency model, so there is nothing further
				// to unify here beyond the dependency's own default
				// features, already seeded from its edge above.
			case strings.Contains(item, "/"):
				dep, feat, _ := strings.Cut(item, "/")
				weak := strings.HasSuffix(dep, "?")
				dep = strings.TrimSuffix(dep, "?")
				for _, e := range resolve.Edges[cur.pkg] {
					if e.DepName == dep || e.ExternName == dep {
						activate(e.Target.key(), feat)
					}
				}
				_ = weak // weak (`dep?/feat`) vs strong (`dep/feat`) activation differ only in
				// whether the edge itself is optional; both forward the feature once the
				// dependency is already part of the graph.
			default:
				activate(cur.pkg, item)
			}
		}
	}

	resolve.Features = activated
	return nil
}

type featureActivation struct {
	pkg     string
	feature string
}
