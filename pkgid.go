package forge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// SourceKind tags the shape of a SourceId.
type SourceKind int

const (
	SourceRegistry SourceKind = iota
	SourceAltRegistry
	SourceLocalRegistry
	SourceDirectory
	SourceGit
	SourcePath
)

// GitReferenceKind selects how a git SourceId pins a revision.
type GitReferenceKind int

const (
	GitDefaultBranch GitReferenceKind = iota
	GitBranch
	GitTag
	GitRev
)

// GitReference is a git SourceId's pinning: a branch/tag/rev name, plus an
// optional resolved commit once the source has actually been queried.
type GitReference struct {
	Kind    GitReferenceKind
	Name    string // empty for GitDefaultBranch
	Precise string // resolved commit sha, if known
}

// SourceId identifies where a package's contents come from. Two SourceIds
// are "equal" (the fast path used throughout the resolver and interner) when
// their Display() strings match; "full equality" additionally compares the
// precise git revision and replacement lineage.
type SourceId struct {
	Kind SourceKind
	URL  string // registry url, directory/path filesystem path, or git remote
	Name string // alt-registry's display name

	Git GitReference

	// replacedFrom records the logical SourceId this physical SourceId
	// stands in for, when this id is the result of a source-replacement
	// lookup.
	replacedFrom *SourceId
}

// NewRegistrySourceId builds the canonical crates.io-shaped registry source.
func NewRegistrySourceId(url string) SourceId {
	return SourceId{Kind: SourceRegistry, URL: url}
}

// NewAltRegistrySourceId builds a named alternate registry source.
func NewAltRegistrySourceId(url, name string) SourceId {
	return SourceId{Kind: SourceAltRegistry, URL: url, Name: name}
}

// NewLocalRegistrySourceId builds a source for an on-disk registry mirror.
func NewLocalRegistrySourceId(path string) SourceId {
	return SourceId{Kind: SourceLocalRegistry, URL: path}
}

// NewDirectorySourceId builds a source for an unpacked directory of crates.
func NewDirectorySourceId(path string) SourceId {
	return SourceId{Kind: SourceDirectory, URL: path}
}

// NewPathSourceId builds a source for a single local path dependency. Path
// sources must be canonicalized by the caller before interning so that two
// different spellings of the same directory compare equal.
func NewPathSourceId(path string) SourceId {
	return SourceId{Kind: SourcePath, URL: path}
}

// NewGitSourceId builds a source pinned to a git remote + reference.
func NewGitSourceId(url string, ref GitReference) SourceId {
	return SourceId{Kind: SourceGit, URL: url, Git: ref}
}

// WithPrecise returns a copy of this git SourceId with a resolved commit
// attached. It is an error to call this on a non-git source.
func (s SourceId) WithPrecise(commit string) (SourceId, error) {
	if s.Kind != SourceGit {
		return s, errors.Errorf("cannot set a precise revision on a %s source", s.Kind)
	}
	s.Git.Precise = commit
	return s, nil
}

// ReplacedFrom reports the logical source this one was substituted for, if
// any, and whether a replacement is recorded at all.
func (s SourceId) ReplacedFrom() (SourceId, bool) {
	if s.replacedFrom == nil {
		return SourceId{}, false
	}
	return *s.replacedFrom, true
}

// AsReplacementFor returns a copy of s recording that it replaces `logical`.
func (s SourceId) AsReplacementFor(logical SourceId) SourceId {
	l := logical
	s.replacedFrom = &l
	return s
}

func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceAltRegistry:
		return "alt-registry"
	case SourceLocalRegistry:
		return "local-registry"
	case SourceDirectory:
		return "directory"
	case SourceGit:
		return "git"
	case SourcePath:
		return "path"
	default:
		return "unknown"
	}
}

// Display renders the canonical string form of a SourceId. Two SourceIds
// are "equal" precisely when their Display strings match.
func (s SourceId) Display() string {
	switch s.Kind {
	case SourceRegistry:
		return fmt.Sprintf("registry+%s", s.URL)
	case SourceAltRegistry:
		return fmt.Sprintf("registry+%s?name=%s", s.URL, s.Name)
	case SourceLocalRegistry:
		return fmt.Sprintf("local-registry+%s", s.URL)
	case SourceDirectory:
		return fmt.Sprintf("directory+%s", s.URL)
	case SourcePath:
		return fmt.Sprintf("path+%s", s.URL)
	case SourceGit:
		var sb strings.Builder
		fmt.Fprintf(&sb, "git+%s", s.URL)
		switch s.Git.Kind {
		case GitBranch:
			fmt.Fprintf(&sb, "?branch=%s", s.Git.Name)
		case GitTag:
			fmt.Fprintf(&sb, "?tag=%s", s.Git.Name)
		case GitRev:
			fmt.Fprintf(&sb, "?rev=%s", s.Git.Name)
		}
		if s.Git.Precise != "" {
			fmt.Fprintf(&sb, "#%s", s.Git.Precise)
		}
		return sb.String()
	default:
		return "unknown+" + s.URL
	}
}

// Equal is the "normal" equality used for registry comparison: it compares
// display forms only.
func (s SourceId) Equal(o SourceId) bool {
	return s.Display() == o.Display()
}

// FullEqual additionally compares the precise git revision (already folded
// into Display, so this is mostly a no-op refinement) and replacement
// lineage. The Interner does not use it: its table is keyed on name,
// version string and Display, so two ids differing only in replacement
// lineage share one interned entry.
func (s SourceId) FullEqual(o SourceId) bool {
	if !s.Equal(o) {
		return false
	}
	sl, sok := s.ReplacedFrom()
	ol, ook := o.ReplacedFrom()
	if sok != ook {
		return false
	}
	if sok && !sl.FullEqual(ol) {
		return false
	}
	return true
}

// PackageId is the global (name, version, source) identity triple.
// Values are produced only through an Interner and are cheap to copy: the
// semver.Version pointer is shared, never mutated after construction.
type PackageId struct {
	Name    string
	Version *semver.Version
	Source  SourceId
}

// key is the canonical triple used for full-equality hashing in the
// Interner.
func (p PackageId) key() string {
	return p.Name + "\x00" + p.Version.String() + "\x00" + p.Source.Display()
}

// Key exposes the canonical map key external callers need to index
// Resolve.Packages/Edges/Features or a UnitGraph by PackageId.
func (p PackageId) Key() string {
	return p.key()
}

// Equal is "normal" PackageId equality: same name, same version, and the
// sources compare equal under SourceId.Equal.
func (p PackageId) Equal(o PackageId) bool {
	return p.Name == o.Name && p.Version.Equal(o.Version) && p.Source.Equal(o.Source)
}

func (p PackageId) String() string {
	return fmt.Sprintf("%s v%s (%s)", p.Name, p.Version, p.Source.Display())
}

// StableHash returns a reproducible string for this PackageId, substituting
// any absolute workspace-path prefix with a sentinel so on-disk artifact
// metadata built from it does not vary across machines.
func (p PackageId) StableHash(workspaceRoot string) string {
	src := p.Source
	if src.Kind == SourcePath && workspaceRoot != "" && strings.HasPrefix(src.URL, workspaceRoot) {
		src.URL = "$ROOT" + strings.TrimPrefix(src.URL, workspaceRoot)
	}
	return p.Name + "\x00" + p.Version.String() + "\x00" + src.Display()
}

// Interner is a process-wide, concurrency-safe (name, version, source) ->
// PackageId de-duplication table. Lookups are O(1) after the first insert;
// handles returned from Intern are stable for the lifetime of the Interner.
type Interner struct {
	mu   sync.RWMutex
	byID map[string]PackageId
}

// NewInterner constructs an empty Interner.
func NewInterner() *Interner {
	return &Interner{byID: make(map[string]PackageId)}
}

// ErrInvalidVersion is returned by Intern when the version string does not
// parse as valid semver.
var ErrInvalidVersion = errors.New("invalid semver version")

// Intern returns the canonical PackageId for (name, version, source),
// inserting it if this is the first time the triple has been seen. The
// returned PackageId is safe to compare by value via Equal/FullEqual; two
// PackageIds obtained from the SAME Interner for the same triple are also
// comparable by full-equality fast path since they share the same
// *semver.Version pointer.
func (in *Interner) Intern(name, version string, source SourceId) (PackageId, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return PackageId{}, errors.Wrapf(ErrInvalidVersion, "%s@%s: %s", name, version, err)
	}
	return in.InternParsed(name, v, source)
}

// InternParsed is like Intern but accepts an already-parsed version,
// avoiding a second parse when the caller already has a *semver.Version in
// hand (e.g. from sorting candidates in the resolver).
func (in *Interner) InternParsed(name string, v *semver.Version, source SourceId) (PackageId, error) {
	candidate := PackageId{Name: name, Version: v, Source: source}
	key := candidate.key()

	in.mu.RLock()
	if existing, ok := in.byID[key]; ok {
		in.mu.RUnlock()
		return existing, nil
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if existing, ok := in.byID[key]; ok {
		return existing, nil
	}
	in.byID[key] = candidate
	return candidate, nil
}

// Len reports how many distinct PackageIds have been interned so far.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.byID)
}
