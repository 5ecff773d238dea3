package forge

import "github.com/pkg/errors"

// ReplacementMap rewrites a logical SourceId to a physical SourceId
// (e.g. crates-io -> a local-registry mirror). Replacement is transitive:
// resolving a single logical id may walk through several hops before
// reaching a source with no further replacement.
type ReplacementMap struct {
	byLogical map[string]SourceId // SourceId.Display() -> replacement
}

// NewReplacementMap builds an empty replacement map.
func NewReplacementMap() *ReplacementMap {
	return &ReplacementMap{byLogical: make(map[string]SourceId)}
}

// Add records that logical is replaced by physical. Validate must be called
// after all entries are added, before the map is used for lookups, to
// reject cycles at configuration load time, rather than at lookup time.
func (r *ReplacementMap) Add(logical, physical SourceId) {
	r.byLogical[logical.Display()] = physical.AsReplacementFor(logical)
}

// Validate walks every entry's replacement chain and rejects cycles. It is
// the configuration-load-time cycle check Add's doc comment refers to.
func (r *ReplacementMap) Validate() error {
	for start := range r.byLogical {
		visited := map[string]bool{start: true}
		cur := start
		for {
			next, ok := r.byLogical[cur]
			if !ok {
				break
			}
			nd := next.Display()
			if visited[nd] {
				return errors.Errorf("replacement cycle detected starting at source %q", start)
			}
			visited[nd] = true
			cur = nd
		}
	}
	return nil
}

// Resolve repeatedly applies the replacement map to id until a fixed point,
// detecting cycles with a visited set scoped to this one lookup. This
// is the per-lookup counterpart to Validate's load-time check: Validate
// rejects cycles that could never terminate; Resolve still guards against
// them defensively in case the map was mutated after Validate ran.
func (r *ReplacementMap) Resolve(id SourceId) (SourceId, error) {
	visited := map[string]bool{id.Display(): true}
	cur := id
	for {
		next, ok := r.byLogical[cur.Display()]
		if !ok {
			return cur, nil
		}
		nd := next.Display()
		if visited[nd] {
			return SourceId{}, errors.Errorf("replacement cycle detected resolving source %q", id.Display())
		}
		visited[nd] = true
		cur = next
	}
}

// ErrReplacedEndpoint is returned by EndpointSourceId when a caller asks for
// the HTTP endpoint (publish/yank/search) of a source that has been
// replaced, without explicitly overriding via an explicit registry name.
// The registry URL used for HTTP endpoints must be the original source,
// not the replacement.
var ErrReplacedEndpoint = errors.New("source has been replaced; pass an explicit registry to reach its endpoint")

// EndpointSourceId returns the SourceId that should be used for
// publish/yank/search-style HTTP endpoint calls: the original (logical)
// source, never a replacement, unless explicitOverride is provided.
func EndpointSourceId(id SourceId, explicitOverride *SourceId) (SourceId, error) {
	if explicitOverride != nil {
		return *explicitOverride, nil
	}
	if _, replaced := id.ReplacedFrom(); replaced {
		return SourceId{}, ErrReplacedEndpoint
	}
	return id, nil
}
