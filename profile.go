package forge

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PanicStrategy selects unwind vs abort panic handling.
type PanicStrategy int

const (
	PanicUnwind PanicStrategy = iota
	PanicAbort
)

func (p PanicStrategy) String() string {
	if p == PanicAbort {
		return "abort"
	}
	return "unwind"
}

// LTOSetting selects link-time-optimization mode.
type LTOSetting int

const (
	LTOOff LTOSetting = iota
	LTOThin
	LTOFat
)

func (l LTOSetting) String() string {
	switch l {
	case LTOThin:
		return "thin"
	case LTOFat:
		return "fat"
	default:
		return "off"
	}
}

// StripSetting selects what debug/symbol info is stripped from artifacts.
type StripSetting int

const (
	StripNone StripSetting = iota
	StripDebugInfo
	StripSymbols
)

// DebugLevel is cargo's coercible `debug` profile key: it accepts either a
// bool (`true`/`false`, meaning full or no debuginfo) or an integer level
// (0, 1, 2).
type DebugLevel int

const (
	DebugNone DebugLevel = 0
	DebugLineTablesOnly DebugLevel = 1
	DebugFull DebugLevel = 2
)

// CoerceDebugLevel normalizes whatever shape the `debug` key arrived in
// (bool or integer) into a DebugLevel.
func CoerceDebugLevel(v interface{}) (DebugLevel, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return DebugFull, nil
		}
		return DebugNone, nil
	case int:
		return DebugLevel(t), nil
	case int64:
		return DebugLevel(t), nil
	case string:
		switch t {
		case "true":
			return DebugFull, nil
		case "false":
			return DebugNone, nil
		case "line-tables-only":
			return DebugLineTablesOnly, nil
		}
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, errors.Errorf("invalid debug level %q", t)
		}
		return DebugLevel(n), nil
	default:
		return 0, errors.Errorf("debug key must be a bool or integer, got %T", v)
	}
}

// Profile is a fully resolved set of compiler-affecting build settings
// applying to one Unit.
//
// Name participates in identity (which profile directory a Unit's output
// lands in) but deliberately NOT in Equal, since two profiles with
// identical settings under different names (e.g. a custom profile that
// happens to match "release") are still the same compilation from the
// Fingerprint Engine's point of view.
type Profile struct {
	Name string

	OptLevel        string
	Debug           DebugLevel
	DebugAssertions bool
	OverflowChecks  bool
	LTO             LTOSetting
	Panic           PanicStrategy
	Incremental     bool
	CodegenUnits    int
	RPath           bool
	Strip           StripSetting
}

// Equal compares two profiles ignoring Name.
func (p Profile) Equal(o Profile) bool {
	return p.OptLevel == o.OptLevel &&
		p.Debug == o.Debug &&
		p.DebugAssertions == o.DebugAssertions &&
		p.OverflowChecks == o.OverflowChecks &&
		p.LTO == o.LTO &&
		p.Panic == o.Panic &&
		p.Incremental == o.Incremental &&
		p.CodegenUnits == o.CodegenUnits &&
		p.RPath == o.RPath &&
		p.Strip == o.Strip
}

// DefaultDevProfile and DefaultReleaseProfile are the built-in profile
// defaults every layered override sits on top of.
func DefaultDevProfile() Profile {
	return Profile{Name: "dev", OptLevel: "0", Debug: DebugFull, DebugAssertions: true, OverflowChecks: true, Incremental: true, CodegenUnits: 256}
}

func DefaultReleaseProfile() Profile {
	return Profile{Name: "release", OptLevel: "3", Debug: DebugNone, DebugAssertions: false, OverflowChecks: false, Incremental: false, CodegenUnits: 16}
}

// ForMode returns a copy of p with panic forced to PanicUnwind when mode
// builds or exercises a test/bench harness: a configured panic=abort is
// force-unset back to unwind for test/bench units and everything in their
// dependency closure, since an aborting panic can't be caught by the
// harness. Propagating the force through the closure is the caller's
// responsibility (ForMode only answers for a single unit; the Unit
// Graph Builder re-applies it to every unit reachable from a test/bench
// root through normal and dev dependency edges).
func (p Profile) ForMode(mode CompileMode) Profile {
	if mode == ModeTest || mode == ModeBench {
		p.Panic = PanicUnwind
	}
	return p
}

// ProfileOverride is one layer of the profile merge: every field is a
// pointer so "unset" (inherit from the layer below) is distinguishable
// from "explicitly set to the zero value."
type ProfileOverride struct {
	OptLevel        *string
	Debug           *DebugLevel
	DebugAssertions *bool
	OverflowChecks  *bool
	LTO             *LTOSetting
	Panic           *PanicStrategy
	Incremental     *bool
	CodegenUnits    *int
	RPath           *bool
	Strip           *StripSetting

	// PackageOverrides keys by either a bare package name ("foo") or a
	// "name:version"-qualified key ("foo:1.2.3"); a package must not be
	// matched by two distinct override keys in
	// the same layer.
	PackageOverrides map[string]ProfileOverride
}

func (o *ProfileOverride) apply(p Profile) Profile {
	if o == nil {
		return p
	}
	if o.OptLevel != nil {
		p.OptLevel = *o.OptLevel
	}
	if o.Debug != nil {
		p.Debug = *o.Debug
	}
	if o.DebugAssertions != nil {
		p.DebugAssertions = *o.DebugAssertions
	}
	if o.OverflowChecks != nil {
		p.OverflowChecks = *o.OverflowChecks
	}
	if o.LTO != nil {
		p.LTO = *o.LTO
	}
	if o.Panic != nil {
		p.Panic = *o.Panic
	}
	if o.Incremental != nil {
		p.Incremental = *o.Incremental
	}
	if o.CodegenUnits != nil {
		p.CodegenUnits = *o.CodegenUnits
	}
	if o.RPath != nil {
		p.RPath = *o.RPath
	}
	if o.Strip != nil {
		p.Strip = *o.Strip
	}
	return p
}

// ErrAmbiguousPackageOverride is returned when a package matches two
// distinctly-keyed overrides in the same layer (e.g. both "foo" and
// "foo:1.2.3" are present and both match).
var ErrAmbiguousPackageOverride = errors.New("package matches more than one profile override key")

// resolvePackageOverride finds the override (if any) that applies to id
// within a single layer's PackageOverrides table, per the "name:X.Y.Z"
// override syntax.
func resolvePackageOverride(overrides map[string]ProfileOverride, id PackageId) (*ProfileOverride, error) {
	var matchedKeys []string
	for key := range overrides {
		name, version, hasVersion := strings.Cut(key, ":")
		if name != id.Name {
			continue
		}
		if hasVersion && version != id.Version.String() {
			continue
		}
		matchedKeys = append(matchedKeys, key)
	}
	if len(matchedKeys) > 1 {
		return nil, errors.Wrapf(ErrAmbiguousPackageOverride, "package %s matched by keys %v", id.Name, matchedKeys)
	}
	if len(matchedKeys) == 0 {
		return nil, nil
	}
	out := overrides[matchedKeys[0]]
	if out.Panic != nil {
		return nil, errors.Errorf("profile override %q for package %s may not set panic", matchedKeys[0], id.Name)
	}
	return &out, nil
}

// MergeProfile applies, in order: defaults, then manifest, config, and
// build-override layers (any of which may be nil), then whichever
// per-package override (if any) applies to pkg.
func MergeProfile(name string, defaults Profile, pkg PackageId, layers ...*ProfileOverride) (Profile, error) {
	p := defaults
	p.Name = name

	var pkgOverrides []*ProfileOverride
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		p = layer.apply(p)
		if layer.PackageOverrides != nil {
			pkgOverride, err := resolvePackageOverride(layer.PackageOverrides, pkg)
			if err != nil {
				return Profile{}, err
			}
			pkgOverrides = append(pkgOverrides, pkgOverride)
		}
	}
	for _, o := range pkgOverrides {
		p = o.apply(p)
	}
	return p, nil
}
