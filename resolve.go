package forge

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// parseVersionReq parses a cargo-shaped version requirement string into a
// semver constraint set. Centralized here since every Source implementation
// and the resolver itself need the same parsing rules.
func parseVersionReq(req string) (*semver.Constraints, error) {
	if req == "" {
		req = "*"
	}
	return semver.NewConstraint(req)
}

// VersionStrategy selects how candidates are ordered when no lockfile
// preference applies.
type VersionStrategy int

const (
	StrategyMaximum VersionStrategy = iota // default
	StrategyMinimum                        // -Zminimal-versions
)

// FeatureRequest describes which features the caller wants activated on
// the root packages.
type FeatureRequest struct {
	Features               []string
	AllFeatures            bool
	IncludeDefaultFeatures bool
	IncludeDevDeps         bool // include the roots' dev-dependencies; off when unset
}

// PlatformCfg bundles the cfg set and any additional requested target
// triples used to gate platform-conditional dependencies.
type PlatformCfg struct {
	Cfg           []Cfg
	HostTriple    string
	ExtraTriples  []string
}

func (p PlatformCfg) triples() []string {
	return append([]string{p.HostTriple}, p.ExtraTriples...)
}

// RootPackage is one workspace member the resolver must satisfy.
type RootPackage struct {
	ID           PackageId
	Dependencies []Dependency
	Features     map[string][]string // this member's own feature table
}

// Patch is a user-supplied replacement redirecting (source, name, req) to a
// different candidate dependency.
type Patch struct {
	Source      SourceId
	Name        string
	Req         string
	Replacement Dependency
}

// ResolverInput bundles every input the resolver needs.
type ResolverInput struct {
	Roots    []RootPackage
	Patches  []Patch
	LockPrefs map[string]PackageId // package name -> previously locked version
	LockedExact bool                // --locked: lockfile must not need to change
	Features FeatureRequest
	Platform PlatformCfg
	Strategy VersionStrategy
}

// SourceProvider resolves a Dependency's logical SourceId (after applying
// any configured replacement) to the concrete Source that serves it.
type SourceProvider interface {
	SourceFor(dep Dependency) (Source, error)
}

// ResolveErrorKind classifies a resolver failure.
type ResolveErrorKind int

const (
	ErrUnsatisfiable ResolveErrorKind = iota
	ErrCyclicReplacement
	ErrChecksumMismatch
	ErrYankedRequired
	ErrLockedViolation
	ErrPatchAmbiguity
)

// ResolveError is the error type surfaced for every resolver failure kind.
type ResolveError struct {
	Kind        ResolveErrorKind
	Package     string
	Suggestions []string
	Err         error
}

func (e *ResolveError) Error() string {
	switch e.Kind {
	case ErrUnsatisfiable:
		msg := "no version of " + e.Package + " satisfies every requirement"
		if len(e.Suggestions) > 0 {
			msg += "; candidates considered: " + joinStrings(e.Suggestions, ", ")
		}
		return msg
	case ErrCyclicReplacement:
		return "cyclic source replacement involving " + e.Package
	case ErrChecksumMismatch:
		return "checksum mismatch for " + e.Package + " vs the previous lockfile"
	case ErrYankedRequired:
		return "the lockfile requires a yanked version of " + e.Package
	case ErrLockedViolation:
		return "--locked was specified but the lockfile would need to change for " + e.Package
	case ErrPatchAmbiguity:
		return "ambiguous patch: the patch for " + e.Package + " points back at the source it patches"
	default:
		return "resolve error for " + e.Package
	}
}

func (e *ResolveError) Unwrap() error { return e.Err }

func joinStrings(ss []string, sep string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}

// compatClassOf groups versions into the unit the resolver treats as a
// single slot: distinct major versions (or, pre-1.0, distinct minor/patch
// versions) of the same name may coexist in one Resolve, mirroring real
// semver-compatibility classes.
func compatClassOf(v *semver.Version) string {
	switch {
	case v.Major() > 0:
		return "M" + itoa(int(v.Major()))
	case v.Minor() > 0:
		return "0." + itoa(int(v.Minor()))
	default:
		return "0.0." + itoa(int(v.Patch()))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// edge records one dependency edge discovered during version selection,
// ready to become part of the final Resolve's dependency lists.
type edge struct {
	from PackageId // zero value means "from a root", tracked by fromRoot
	fromRoot string
	dep  Dependency
	to   PackageId
}

// Resolver performs backtracking version selection, patch resolution, and
// feature unification.
type Resolver struct {
	Interner *Interner
	Sources  SourceProvider
}

// NewResolver builds a Resolver over the given interner and source lookup.
func NewResolver(interner *Interner, sources SourceProvider) *Resolver {
	return &Resolver{Interner: interner, Sources: sources}
}

// choiceFrame is one entry in the explicit backtracking stack, used instead
// of language-native recursive unwinding so a conflict can jump back past
// more than one frame at once.
type choiceFrame struct {
	name       string
	class      string
	candidates []Summary // remaining candidates to try, in try-order
	requester  string     // package name (or "" for root) that asked for this
	dep        Dependency
	// hadPrevious and previous are not filled in by resolveOne; backjump
	// deletes the frame's (name, class) selection rather than restoring
	// whatever was selected there before.
	hadPrevious bool
	previous    PackageId
}

// resolveState is the mutable state threaded through the backtracking
// search.
type resolveState struct {
	selected map[string]map[string]PackageId // name -> class -> PackageId
	edges    []edge
	conflicts map[string][]string // name -> requesters that constrained it
	checksums map[string]digest.Digest
	summaries map[string]Summary // PackageId.key() -> the Summary it was selected from
}

func validatePatches(patches []Patch) error {
	// A patch must not point back at the same source it patches.
	seen := map[string]map[string]bool{} // source display -> replacement source display -> true
	for _, p := range patches {
		srcKey := p.Source.Display()
		replKey := p.Replacement.Source.Display()
		if replKey == srcKey {
			return &ResolveError{Kind: ErrPatchAmbiguity, Package: p.Name}
		}
		if seen[srcKey] == nil {
			seen[srcKey] = map[string]bool{}
		}
		seen[srcKey][replKey] = true
	}
	return nil
}

func applyPatches(dep Dependency, patches []Patch) Dependency {
	for _, p := range patches {
		if p.Source.Equal(dep.Source) && p.Name == dep.Name {
			return p.Replacement
		}
	}
	return dep
}

// sortCandidates orders candidates lockfile-preferred first, then by
// strategy, excluding yanked versions unless the lockfile explicitly pins
// one of them.
func sortCandidates(candidates []Summary, preferred *PackageId, strategy VersionStrategy) []Summary {
	filtered := make([]Summary, 0, len(candidates))
	for _, c := range candidates {
		if c.Yanked {
			if preferred != nil && preferred.Equal(c.ID) {
				filtered = append(filtered, c)
			}
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		pi := preferred != nil && preferred.Equal(filtered[i].ID)
		pj := preferred != nil && preferred.Equal(filtered[j].ID)
		if pi != pj {
			return pi
		}
		cmp := filtered[i].ID.Version.Compare(filtered[j].ID.Version)
		if strategy == StrategyMinimum {
			return cmp < 0
		}
		return cmp > 0
	})
	return filtered
}

// Resolve runs the full backtracking resolution algorithm and returns a
// closed Resolve graph.
func (r *Resolver) Resolve(ctx context.Context, in ResolverInput) (*Resolve, error) {
	if err := validatePatches(in.Patches); err != nil {
		return nil, err
	}

	st := &resolveState{
		selected:  make(map[string]map[string]PackageId),
		conflicts: make(map[string][]string),
		checksums: make(map[string]digest.Digest),
		summaries: make(map[string]Summary),
	}

	for _, root := range in.Roots {
		st.selected[root.ID.Name] = map[string]PackageId{compatClassOf(root.ID.Version): root.ID}
		st.summaries[root.ID.key()] = Summary{ID: root.ID, Dependencies: root.Dependencies, Features: root.Features}
	}

	var stack []choiceFrame
	var queue []queuedDep
	for _, root := range in.Roots {
		for _, d := range root.Dependencies {
			if !d.Matches(in.Platform.Cfg, in.Platform.HostTriple) {
				continue
			}
			if d.Kind == DepDev && !in.Features.IncludeDevDeps {
				continue
			}
			queue = append(queue, queuedDep{requester: root.ID.Name, dep: applyPatches(d, in.Patches)})
		}
	}

	if err := r.drive(ctx, &queue, &stack, st, in); err != nil {
		return nil, err
	}

	resolve := &Resolve{
		Packages: map[string]PackageId{},
		Features: map[string]map[string]bool{},
		Edges:    map[string][]ResolvedDependency{},
		Checksums: map[string]digest.Digest{},
	}

	allSelected := map[string]PackageId{}
	for name, classes := range st.selected {
		for _, id := range classes {
			allSelected[id.key()] = id
		}
		_ = name
	}
	for k, id := range allSelected {
		resolve.Packages[k] = id
		if sum, ok := st.checksums[k]; ok {
			resolve.Checksums[k] = sum
		}
	}
	for _, e := range st.edges {
		from := e.fromRoot
		if e.from.Name != "" {
			from = e.from.key()
		}
		resolve.Edges[from] = append(resolve.Edges[from], ResolvedDependency{
			DepName:            e.dep.Name,
			Target:             e.to,
			Kind:               e.dep.Kind,
			ExternName:         e.dep.ExternName(),
			Matches:            true,
			DepDefaultFeatures: e.dep.DefaultFeatures,
			DepFeatures:        e.dep.Features,
		})
	}

	if err := unifyFeatures(resolve, st.summaries, in); err != nil {
		return nil, err
	}

	return resolve, nil
}

type queuedDep struct {
	requester string
	dep       Dependency
}

// drive performs the actual backtracking DFS. It is implemented with an
// explicit stack of choiceFrames rather than recursive unwinding.
func (r *Resolver) drive(ctx context.Context, queue *[]queuedDep, stack *[]choiceFrame, st *resolveState, in ResolverInput) error {
	for {
		if len(*queue) == 0 {
			if len(*stack) == 0 {
				return nil
			}
			// Nothing left to expand in this branch; success for this path.
			return nil
		}

		qd := (*queue)[0]
		*queue = (*queue)[1:]

		class, id, isNew, err := r.resolveOne(ctx, qd, st, in, stack)
		if err != nil {
			if !r.backjump(stack, queue, st) {
				return err
			}
			continue
		}

		st.edges = append(st.edges, edge{
			from:     zeroOrRequester(qd.requester, st),
			fromRoot: rootNameOr(qd.requester, st),
			dep:      qd.dep,
			to:       id,
		})

		if isNew {
			pkg, err := r.lookupSummary(ctx, qd.dep, id)
			if err != nil {
				return err
			}
			st.summaries[id.key()] = pkg
			for _, d := range pkg.Dependencies {
				if !d.Matches(in.Platform.Cfg, in.Platform.HostTriple) {
					continue
				}
				if d.Kind == DepDev {
					continue // dev-deps of non-root packages are never included
				}
				*queue = append(*queue, queuedDep{requester: id.Name, dep: applyPatches(d, in.Patches)})
			}
		}
		_ = class
	}
}

func zeroOrRequester(requester string, st *resolveState) PackageId {
	if id, ok := lookupByName(st, requester); ok {
		return id
	}
	return PackageId{}
}

func rootNameOr(requester string, st *resolveState) string {
	if _, ok := lookupByName(st, requester); ok {
		return ""
	}
	return requester
}

func lookupByName(st *resolveState, name string) (PackageId, bool) {
	classes, ok := st.selected[name]
	if !ok {
		return PackageId{}, false
	}
	for _, id := range classes {
		return id, true
	}
	return PackageId{}, false
}

// resolveOne selects (or reuses) a version for a single queued dependency.
func (r *Resolver) resolveOne(ctx context.Context, qd queuedDep, st *resolveState, in ResolverInput, stack *[]choiceFrame) (string, PackageId, bool, error) {
	src, err := r.Sources.SourceFor(qd.dep)
	if err != nil {
		return "", PackageId{}, false, err
	}

	candidates, err := collectSummaries(ctx, src, qd.dep, QueryFuzzy)
	if err != nil {
		return "", PackageId{}, false, err
	}
	if len(candidates) == 0 {
		st.conflicts[qd.dep.Name] = append(st.conflicts[qd.dep.Name], qd.requester)
		return "", PackageId{}, false, &ResolveError{Kind: ErrUnsatisfiable, Package: qd.dep.Name}
	}

	var preferred *PackageId
	if pid, ok := in.LockPrefs[qd.dep.Name]; ok {
		preferred = &pid
	}
	ordered := sortCandidates(candidates, preferred, in.Strategy)

	// If we've already selected a compatible version for this name, prefer
	// reusing it over picking a new one, matching real cargo's tendency to
	// unify within a compatibility class whenever possible.
	if classes, ok := st.selected[qd.dep.Name]; ok {
		for class, existing := range classes {
			for _, c := range ordered {
				if c.ID.Equal(existing) {
					_ = class
					return compatClassOf(existing.Version), existing, false, nil
				}
			}
		}
	}

	chosen := ordered[0]
	class := compatClassOf(chosen.ID.Version)
	if in.LockedExact {
		if preferred == nil || !preferred.Equal(chosen.ID) {
			return "", PackageId{}, false, &ResolveError{Kind: ErrLockedViolation, Package: qd.dep.Name}
		}
	}

	if st.selected[qd.dep.Name] == nil {
		st.selected[qd.dep.Name] = map[string]PackageId{}
	}
	st.selected[qd.dep.Name][class] = chosen.ID
	if chosen.Checksum != "" {
		st.checksums[chosen.ID.key()] = chosen.Checksum
	}

	*stack = append(*stack, choiceFrame{
		name: qd.dep.Name, class: class, candidates: ordered[1:],
		requester: qd.requester, dep: qd.dep,
	})

	return class, chosen.ID, true, nil
}

func (r *Resolver) lookupSummary(ctx context.Context, dep Dependency, id PackageId) (Summary, error) {
	src, err := r.Sources.SourceFor(dep)
	if err != nil {
		return Summary{}, err
	}
	var found Summary
	ok := false
	_, err = src.Query(ctx, Dependency{Name: id.Name, Req: id.Version.String(), Source: dep.Source}, QueryExact, func(s Summary) error {
		if s.ID.Equal(id) {
			found = s
			ok = true
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	if err := src.BlockUntilReady(ctx); err != nil {
		return Summary{}, err
	}
	if !ok {
		return Summary{}, errors.Errorf("lost track of summary for %s", id)
	}
	return found, nil
}

// backjump pops the innermost contributor to the current conflict and
// retries with its next candidate, jumping back past the innermost
// contributor rather than failing the whole resolution outright.
func (r *Resolver) backjump(stack *[]choiceFrame, queue *[]queuedDep, st *resolveState) bool {
	for len(*stack) > 0 {
		top := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]

		delete(st.selected[top.name], top.class)
		if len(top.candidates) == 0 {
			continue
		}
		next := top.candidates[0]
		class := compatClassOf(next.ID.Version)
		if st.selected[top.name] == nil {
			st.selected[top.name] = map[string]PackageId{}
		}
		st.selected[top.name][class] = next.ID
		*stack = append(*stack, choiceFrame{
			name: top.name, class: class, candidates: top.candidates[1:],
			requester: top.requester, dep: top.dep,
		})
		*queue = append([]queuedDep{{requester: top.requester, dep: top.dep}}, *queue...)
		return true
	}
	return false
}

func collectSummaries(ctx context.Context, src Source, dep Dependency, kind QueryKind) ([]Summary, error) {
	var out []Summary
	for {
		pending, err := src.Query(ctx, dep, kind, func(s Summary) error {
			out = append(out, s)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !pending {
			return out, nil
		}
		out = nil
		if err := src.BlockUntilReady(ctx); err != nil {
			return nil, err
		}
	}
}
