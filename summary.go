package forge

import "github.com/opencontainers/go-digest"

// DependencyKind classifies a Dependency edge.
type DependencyKind int

const (
	DepNormal DependencyKind = iota
	DepBuild
	DepDev
)

func (k DependencyKind) String() string {
	switch k {
	case DepBuild:
		return "build"
	case DepDev:
		return "dev"
	default:
		return "normal"
	}
}

// Dependency is a constraint on some other package, as declared by a
// manifest. Manifest deserialization itself is out of scope; these values
// are assumed already parsed by the caller.
type Dependency struct {
	Name    string
	Rename  string // extern name override, empty if none
	Req     string // semver requirement string, e.g. ">=1.0, <2.0"
	Source  SourceId
	Kind    DependencyKind
	Cfg     *CfgExpr // platform predicate gating this dependency, nil if unconditional
	Target  string   // explicit target triple gate, mutually exclusive with Cfg

	DefaultFeatures bool
	Features        []string
	Optional        bool
}

// ExternName is the name this dependency is imported under: Rename if set,
// else Name.
func (d Dependency) ExternName() string {
	if d.Rename != "" {
		return d.Rename
	}
	return d.Name
}

// Matches reports whether this dependency's platform gate is satisfied for
// the given cfg set and target triple. A dependency with neither a Cfg nor a
// Target gate always matches.
func (d Dependency) Matches(set []Cfg, targetTriple string) bool {
	if d.Cfg != nil {
		return d.Cfg.Matches(set)
	}
	if d.Target != "" {
		return d.Target == targetTriple
	}
	return true
}

// Summary is the lightweight metadata a Source returns while querying for
// candidates: just enough to drive version/feature selection without
// materializing the full package.
type Summary struct {
	ID           PackageId
	Dependencies []Dependency
	Features     map[string][]string // feature name -> list of `dep/feat`-shaped requirements
	Checksum     digest.Digest        // empty if unknown (e.g. path sources)
	Yanked       bool
}

// Clone returns a deep-enough copy of the Summary for a caller that wants to
// mutate the dependency/feature lists without aliasing the original: the
// Dependencies slice, the Features map and each feature list are copied;
// each Dependency's own Cfg pointer and Features slice stay shared.
func (s Summary) Clone() Summary {
	out := s
	out.Dependencies = append([]Dependency(nil), s.Dependencies...)
	out.Features = make(map[string][]string, len(s.Features))
	for k, v := range s.Features {
		out.Features[k] = append([]string(nil), v...)
	}
	return out
}

// TargetKind enumerates the buildable-artifact kinds within a Package.
type TargetKind int

const (
	TargetLibrary TargetKind = iota
	TargetBinary
	TargetExampleBin
	TargetExampleLib
	TargetTest
	TargetBench
	TargetCustomBuild
)

func (k TargetKind) String() string {
	switch k {
	case TargetLibrary:
		return "lib"
	case TargetBinary:
		return "bin"
	case TargetExampleBin:
		return "example-bin"
	case TargetExampleLib:
		return "example-lib"
	case TargetTest:
		return "test"
	case TargetBench:
		return "bench"
	case TargetCustomBuild:
		return "custom-build"
	default:
		return "unknown"
	}
}

// CrateType enumerates the library artifact shapes a library Target can be
// compiled as.
type CrateType int

const (
	CrateRlib CrateType = iota
	CrateDylib
	CrateCdylib
	CrateStaticlib
	CrateProcMacro
)

func (c CrateType) String() string {
	switch c {
	case CrateDylib:
		return "dylib"
	case CrateCdylib:
		return "cdylib"
	case CrateStaticlib:
		return "staticlib"
	case CrateProcMacro:
		return "proc-macro"
	default:
		return "rlib"
	}
}

// Target is a single buildable artifact within a Package.
type Target struct {
	Kind       TargetKind
	Name       string
	SourcePath string // path to the entrypoint source file, relative to the package root
	CrateTypes []CrateType

	DocScrape       bool
	RequiredFeatures []string
}

// IsProcMacro reports whether this library target is compiled as a
// proc-macro, which forces host-kind compilation regardless of the
// consuming unit's own kind.
func (t Target) IsProcMacro() bool {
	for _, ct := range t.CrateTypes {
		if ct == CrateProcMacro {
			return true
		}
	}
	return false
}

// Package is a fully loaded package: its identity, its manifest-derived
// target list, and the root of its materialized source tree. Manifest
// normalization itself is a Non-goal; Package carries no manifest field,
// only what Targets and the links fields expose.
type Package struct {
	ID      PackageId
	Targets []Target
	Root    string // materialized source tree root on disk
	HasLinks bool  // declares a `links` key, gating build-script env propagation
	LinksName string
}

// LibTarget returns this package's library target, if it has one.
func (p Package) LibTarget() (Target, bool) {
	for _, t := range p.Targets {
		if t.Kind == TargetLibrary {
			return t, true
		}
	}
	return Target{}, false
}

// CustomBuildTarget returns this package's build-script target, if any.
func (p Package) CustomBuildTarget() (Target, bool) {
	for _, t := range p.Targets {
		if t.Kind == TargetCustomBuild {
			return t, true
		}
	}
	return Target{}, false
}
