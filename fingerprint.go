package forge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// DirtyReason explains why a Unit was deemed stale, surfaced to callers
// for `--verbose` rebuild explanations.
type DirtyReason int

const (
	DirtyNone DirtyReason = iota
	DirtyFreshBuild
	DirtyRustcChanged
	DirtyFeaturesChanged
	DirtyTargetChanged
	DirtyProfileChanged
	DirtyPathChanged
	DirtyDepChanged
	DirtyLocalChanged
	DirtyRustflagsChanged
	DirtyMetadataChanged
	DirtyConfigChanged
	DirtyCompileKindChanged
	DirtyFingerprintUnreadable

	// DirtyEnvVarsChanged fires when a rerun-if-env-changed variable's
	// current value no longer matches the value recorded at the last
	// fresh build. FreshnessReport.EnvVar carries the variable name.
	DirtyEnvVarsChanged
	// DirtyLocalFileChanged fires when a rerun-if-changed path is missing
	// or has an mtime that no longer matches what was recorded (files the
	// compiler read are reported as DirtyDepInfoOutputChanged). FreshnessReport.Path
	// and .Before/.After carry the changed file and its timestamps.
	DirtyLocalFileChanged
	// DirtyDepInfoOutputChanged fires when a file the compiler's own
	// dep-info reported as read is missing or has a changed mtime.
	DirtyDepInfoOutputChanged
)

func (d DirtyReason) String() string {
	switch d {
	case DirtyFreshBuild:
		return "no fingerprint recorded from a previous build"
	case DirtyRustcChanged:
		return "the compiler changed"
	case DirtyFeaturesChanged:
		return "the activated feature set changed"
	case DirtyTargetChanged:
		return "the compiled target changed"
	case DirtyProfileChanged:
		return "the profile changed"
	case DirtyPathChanged:
		return "the source path changed"
	case DirtyDepChanged:
		return "a dependency's fingerprint changed"
	case DirtyLocalChanged:
		return "local source files changed"
	case DirtyRustflagsChanged:
		return "RUSTFLAGS changed"
	case DirtyMetadataChanged:
		return "unit metadata changed"
	case DirtyConfigChanged:
		return "build configuration changed"
	case DirtyCompileKindChanged:
		return "the compile kind (host/target) changed"
	case DirtyFingerprintUnreadable:
		return "the previous fingerprint could not be read"
	case DirtyEnvVarsChanged:
		return "an environment variable changed"
	case DirtyLocalFileChanged:
		return "a local file changed"
	case DirtyDepInfoOutputChanged:
		return "a tracked source file changed"
	default:
		return "fresh"
	}
}

// FreshnessReport is CheckFreshness's result: the DirtyReason plus whatever
// instance-specific detail that reason's text needs to carry. Most reasons
// need no payload and are fully described by Reason.String() alone; the
// local-item reasons (env var, local file, dep-info file) carry the
// specific name/path and, where relevant, the before/after mtimes so the
// caller can report exactly what changed rather than just that something did.
type FreshnessReport struct {
	Reason DirtyReason
	EnvVar string
	Path   string
	Before time.Time
	After  time.Time
}

func (r FreshnessReport) String() string {
	switch r.Reason {
	case DirtyEnvVarsChanged:
		return fmt.Sprintf("the environment variable %s changed", r.EnvVar)
	case DirtyLocalFileChanged, DirtyDepInfoOutputChanged:
		if r.After.IsZero() {
			return fmt.Sprintf("%s is missing", r.Path)
		}
		return fmt.Sprintf("%s changed (%s -> %s)", r.Path, r.Before.Format(time.RFC3339), r.After.Format(time.RFC3339))
	default:
		return r.Reason.String()
	}
}

// LocalFileCheck is one file whose modification time the Fingerprint Engine
// compares against its last recorded value, either because a build script
// named it via rerun-if-changed or because the compiler's own dep-info
// reported it as read.
type LocalFileCheck struct {
	Path  string    `json:"path"`
	Mtime time.Time `json:"mtime"`
}

// EnvCheck is one environment variable a build script named via
// rerun-if-env-changed, along with the value recorded at the last fresh
// build.
type EnvCheck struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LocalFingerprint is the part of a Fingerprint describing this unit's own
// source, independent of its dependencies. It is a union, mirroring cargo's
// local fingerprint: immutable sources (registry, git with a locked commit)
// carry a single Precalculated string, since their content can never change
// underneath a build without changing their PackageId; everything else
// (path dependencies, build-script output) carries the set of items to
// check against live disk/environment state at freshness-check time.
type LocalFingerprint struct {
	Precalculated string `json:"precalculated,omitempty"`

	DepInfoFiles      []LocalFileCheck `json:"dep_info_files,omitempty"`
	RerunIfChanged    []LocalFileCheck `json:"rerun_if_changed,omitempty"`
	RerunIfEnvChanged []EnvCheck       `json:"rerun_if_env_changed,omitempty"`
}

// Fingerprint is the full set of inputs the Fingerprint Engine hashes to
// decide whether a Unit needs to be recompiled.
type Fingerprint struct {
	RustcVersion string            `json:"rustc_version"`
	Features     []string          `json:"features"`
	TargetName   string            `json:"target_name"`
	ProfileHash  string            `json:"profile_hash"`
	Local        LocalFingerprint  `json:"local"`
	DepHashes    map[string]string `json:"dep_hashes"` // extern name -> dependency's outer hash
	Rustflags    []string          `json:"rustflags"`
	Metadata     string            `json:"metadata"`
	ConfigHash   string            `json:"config_hash"`
	CompileKind  string            `json:"compile_kind"`
}

// normalized returns a copy with its sets (features, local file and env
// checks) sorted into a canonical order, so two logically-identical
// Fingerprints always hash identically regardless of build-time iteration
// order. Rustflags keep their order, since flag order is significant.
func (f Fingerprint) normalized() Fingerprint {
	out := f
	out.Features = append([]string(nil), f.Features...)
	sort.Strings(out.Features)
	out.Rustflags = append([]string(nil), f.Rustflags...)

	out.DepHashes = make(map[string]string, len(f.DepHashes))
	for k, v := range f.DepHashes {
		out.DepHashes[k] = v
	}

	out.Local.DepInfoFiles = sortedFileChecks(f.Local.DepInfoFiles)
	out.Local.RerunIfChanged = sortedFileChecks(f.Local.RerunIfChanged)
	out.Local.RerunIfEnvChanged = sortedEnvChecks(f.Local.RerunIfEnvChanged)
	return out
}

func sortedFileChecks(in []LocalFileCheck) []LocalFileCheck {
	out := append([]LocalFileCheck(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func sortedEnvChecks(in []EnvCheck) []EnvCheck {
	out := append([]EnvCheck(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Hash content-addresses this Fingerprint via its canonical JSON encoding.
func (f Fingerprint) Hash() (digest.Digest, error) {
	data, err := json.Marshal(f.normalized())
	if err != nil {
		return "", errors.Wrap(err, "marshal fingerprint")
	}
	return digest.FromBytes(data), nil
}

// fingerprintPaths returns the two on-disk paths the Fingerprint Engine
// manages for a unit: a `.json` file with the full fingerprint, and a
// sibling file holding just the outer hash, read first on the fast path
// without needing to deserialize JSON at all. The JSON is written before
// the hash file, so a crash between the two writes is always detected as
// dirty, never silently treated as fresh.
func fingerprintPaths(dir, unitKey string) (jsonPath, hashPath string) {
	base := filepath.Join(dir, unitKey)
	return base + ".json", base + ".hash"
}

// WriteFingerprint persists fp for unitKey under dir, writing the JSON file
// before the hash file per the crash-safety ordering described above.
func WriteFingerprint(dir, unitKey string, fp Fingerprint) error {
	jsonPath, hashPath := fingerprintPaths(dir, unitKey)

	data, err := json.MarshalIndent(fp.normalized(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal fingerprint")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create fingerprint dir")
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return errors.Wrap(err, "write fingerprint json")
	}

	hash, err := fp.Hash()
	if err != nil {
		return err
	}
	if err := os.WriteFile(hashPath, []byte(hash.String()), 0o644); err != nil {
		return errors.Wrap(err, "write fingerprint hash")
	}
	return nil
}

// ReadFingerprintHash reads just the outer hash file, the fast path check
// used before falling back to a full JSON read.
func ReadFingerprintHash(dir, unitKey string) (digest.Digest, error) {
	_, hashPath := fingerprintPaths(dir, unitKey)
	data, err := os.ReadFile(hashPath)
	if err != nil {
		return "", err
	}
	return digest.Digest(strings.TrimSpace(string(data))), nil
}

// ReadFingerprint reads the full JSON fingerprint previously written by
// WriteFingerprint.
func ReadFingerprint(dir, unitKey string) (Fingerprint, error) {
	jsonPath, _ := fingerprintPaths(dir, unitKey)
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return Fingerprint{}, err
	}
	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return Fingerprint{}, errors.Wrap(err, "unmarshal fingerprint")
	}
	return fp, nil
}

// CheckFreshness compares a freshly computed Fingerprint against whatever
// is recorded on disk for unitKey, returning a FreshnessReport describing
// the first reason the unit is dirty (DirtyNone if it is fresh).
//
// The local checked-items (rerun-if-changed paths, rerun-if-env-changed
// vars, dep-info-tracked files) are checked against live disk/environment
// state unconditionally, before the outer-hash fast path is allowed to
// short-circuit to Fresh: the outer hash only covers what the fingerprint
// itself recorded, not whether the files/vars it named have since drifted
// out from under a Precalculated-free local union.
func CheckFreshness(dir, unitKey string, current Fingerprint) (FreshnessReport, error) {
	oldHash, err := ReadFingerprintHash(dir, unitKey)
	if err != nil {
		if os.IsNotExist(err) {
			return FreshnessReport{Reason: DirtyFreshBuild}, nil
		}
		return FreshnessReport{Reason: DirtyFingerprintUnreadable}, nil
	}

	newHash, err := current.Hash()
	if err != nil {
		return FreshnessReport{}, err
	}

	if report, dirty := checkLocalItems(current.Local); dirty {
		return report, nil
	}

	if oldHash == newHash {
		return FreshnessReport{Reason: DirtyNone}, nil
	}

	old, err := ReadFingerprint(dir, unitKey)
	if err != nil {
		return FreshnessReport{Reason: DirtyFingerprintUnreadable}, nil
	}
	return diffReason(old, current), nil
}

// checkLocalItems runs the §4.7-style local checks against the live
// filesystem and environment: each dep-info/rerun-if-changed path's mtime
// must match what was recorded, and each rerun-if-env-changed variable's
// current value must match too. The first mismatch found is returned.
func checkLocalItems(local LocalFingerprint) (FreshnessReport, bool) {
	for _, f := range local.DepInfoFiles {
		if report, dirty := checkLocalFile(f, DirtyDepInfoOutputChanged); dirty {
			return report, true
		}
	}
	for _, f := range local.RerunIfChanged {
		if report, dirty := checkLocalFile(f, DirtyLocalFileChanged); dirty {
			return report, true
		}
	}
	for _, e := range local.RerunIfEnvChanged {
		if v, ok := os.LookupEnv(e.Name); !ok || v != e.Value {
			return FreshnessReport{Reason: DirtyEnvVarsChanged, EnvVar: e.Name}, true
		}
	}
	return FreshnessReport{}, false
}

func checkLocalFile(f LocalFileCheck, reason DirtyReason) (FreshnessReport, bool) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return FreshnessReport{Reason: reason, Path: f.Path, Before: f.Mtime}, true
	}
	if !info.ModTime().Equal(f.Mtime) {
		return FreshnessReport{Reason: reason, Path: f.Path, Before: f.Mtime, After: info.ModTime()}, true
	}
	return FreshnessReport{}, false
}

func diffReason(old, cur Fingerprint) FreshnessReport {
	switch {
	case old.RustcVersion != cur.RustcVersion:
		return FreshnessReport{Reason: DirtyRustcChanged}
	case !sameStringSet(old.Features, cur.Features):
		return FreshnessReport{Reason: DirtyFeaturesChanged}
	case old.TargetName != cur.TargetName:
		return FreshnessReport{Reason: DirtyTargetChanged}
	case old.ProfileHash != cur.ProfileHash:
		return FreshnessReport{Reason: DirtyProfileChanged}
	case old.Local.Precalculated != cur.Local.Precalculated:
		return FreshnessReport{Reason: DirtyPathChanged}
	case !sameLocal(old.Local, cur.Local):
		return FreshnessReport{Reason: DirtyLocalChanged}
	case !sameDepHashes(old.DepHashes, cur.DepHashes):
		return FreshnessReport{Reason: DirtyDepChanged}
	case !sameStringSlice(old.Rustflags, cur.Rustflags):
		return FreshnessReport{Reason: DirtyRustflagsChanged}
	case old.Metadata != cur.Metadata:
		return FreshnessReport{Reason: DirtyMetadataChanged}
	case old.ConfigHash != cur.ConfigHash:
		return FreshnessReport{Reason: DirtyConfigChanged}
	case old.CompileKind != cur.CompileKind:
		return FreshnessReport{Reason: DirtyCompileKindChanged}
	default:
		return FreshnessReport{Reason: DirtyNone}
	}
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func sameStringSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameDepHashes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sameLocal(a, b LocalFingerprint) bool {
	return sameFileChecks(a.DepInfoFiles, b.DepInfoFiles) &&
		sameFileChecks(a.RerunIfChanged, b.RerunIfChanged) &&
		sameEnvChecks(a.RerunIfEnvChanged, b.RerunIfEnvChanged)
}

func sameFileChecks(a, b []LocalFileCheck) bool {
	a, b = sortedFileChecks(a), sortedFileChecks(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || !a[i].Mtime.Equal(b[i].Mtime) {
			return false
		}
	}
	return true
}

func sameEnvChecks(a, b []EnvCheck) bool {
	a, b = sortedEnvChecks(a), sortedEnvChecks(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}
