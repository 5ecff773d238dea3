package forge

import "fmt"

// CompileMode selects what a Unit's invocation of the compiler driver is
// actually for.
type CompileMode int

const (
	ModeBuild CompileMode = iota
	ModeTest
	ModeBench
	ModeDoc
	ModeDocTest
	ModeDocScrape
	ModeRunCustomBuild
	ModeCheck
)

func (m CompileMode) String() string {
	switch m {
	case ModeTest:
		return "test"
	case ModeBench:
		return "bench"
	case ModeDoc:
		return "doc"
	case ModeDocTest:
		return "doctest"
	case ModeDocScrape:
		return "doc-scrape"
	case ModeRunCustomBuild:
		return "run-custom-build"
	case ModeCheck:
		return "check"
	default:
		return "build"
	}
}

// CompileKind distinguishes compiling for the host (build scripts,
// proc-macros) from compiling for the requested target triple(s).
type CompileKind struct {
	IsHost bool
	Target string // target triple; meaningless when IsHost
}

func (k CompileKind) String() string {
	if k.IsHost {
		return "host"
	}
	return k.Target
}

// HostKind and TargetTripleKind construct the two CompileKind shapes.
func HostKind() CompileKind { return CompileKind{IsHost: true} }

func TargetTripleKind(triple string) CompileKind { return CompileKind{Target: triple} }

// Unit is a single invocation of the compiler driver: one package target
// compiled in one mode, for one compile kind, under one profile, with one
// activated feature set.
type Unit struct {
	Pkg         PackageId
	Target      Target
	Profile     Profile
	Kind        CompileKind
	Mode        CompileMode
	Features    []string // sorted, de-duplicated activated feature set
	IsStd       bool     // compiling a standard-library crate root
}

// dedupKey is the tuple the Unit Graph Builder dedups on: two requests for
// the same (package, target, profile-by-value, kind, mode, feature set,
// is-std) collapse to a single Unit.
func (u Unit) dedupKey() string {
	return fmt.Sprintf("%s\x00%s\x00%+v\x00%s\x00%s\x00%v\x00%v",
		u.Pkg.key(), u.Target.Name, u.Profile, u.Kind, u.Mode, u.Features, u.IsStd)
}

// Key exposes this Unit's dedup key for external callers (e.g. a scheduler
// wiring jobs by Unit identity) that can't reach the unexported form.
func (u Unit) Key() string {
	return u.dedupKey()
}

// UnitDep is one edge in the unit graph: the consuming Unit depends on
// Unit, linked under Extern (the name it's imported/linked as).
type UnitDep struct {
	Unit   *Unit
	Extern string
	Public bool // re-exported through the depending crate's own public API
	NoProcMacro bool
}
