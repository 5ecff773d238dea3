package forge

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// CurrentLockVersion is the lockfile format version this module writes.
// Bumped whenever the on-disk shape changes in a way older tooling can't
// read; DecodeLockfile still accepts every version back to the unversioned
// original format.
const CurrentLockVersion = 4

// LockPackage is one `[[package]]` entry.
type LockPackage struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source,omitempty"`
	Checksum     string   `toml:"checksum,omitempty"`
	Dependencies []string `toml:"dependencies,omitempty"`
}

// Lockfile is the decoded, canonical form of a Cargo.lock-shaped file.
type Lockfile struct {
	Version  int               `toml:"version"`
	Packages []LockPackage     `toml:"package"`
	Metadata map[string]string `toml:"metadata,omitempty"`
}

// legacyLockfile is the pre-version-field shape (cargo's original "version
// 1" lockfile): checksums live in a separate [metadata] table keyed by a
// formatted package reference rather than inline on the package.
type legacyLockfile struct {
	Root     *LockPackage      `toml:"root"`
	Packages []LockPackage     `toml:"package"`
	Metadata map[string]string `toml:"metadata"`
}

var legacyChecksumKey = regexp.MustCompile(`^checksum (\S+) (\S+) \((.+)\)$`)

// DecodeLockfile parses a lockfile, transparently migrating the legacy
// unversioned format (checksums folded into [metadata]) into the current
// shape.
func DecodeLockfile(data []byte) (*Lockfile, error) {
	var probe struct {
		Version int `toml:"version"`
	}
	if _, err := toml.Decode(string(data), &probe); err != nil {
		return nil, errors.Wrap(err, "decode lockfile")
	}
	if probe.Version != 0 {
		var lf Lockfile
		if _, err := toml.Decode(string(data), &lf); err != nil {
			return nil, errors.Wrap(err, "decode lockfile")
		}
		return &lf, nil
	}

	var legacy legacyLockfile
	if _, err := toml.Decode(string(data), &legacy); err != nil {
		return nil, errors.Wrap(err, "decode legacy lockfile")
	}

	pkgs := legacy.Packages
	if legacy.Root != nil {
		pkgs = append([]LockPackage{*legacy.Root}, pkgs...)
	}
	for key, sum := range legacy.Metadata {
		m := legacyChecksumKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		name, version := m[1], m[2]
		for i := range pkgs {
			if pkgs[i].Name == name && pkgs[i].Version == version {
				pkgs[i].Checksum = sum
			}
		}
	}

	return &Lockfile{Version: 1, Packages: pkgs}, nil
}

// EncodeLockfile renders lf into the canonical byte-stable TOML form:
// packages sorted by (name, version, source), each package's dependency
// list sorted, so two encodes of an equivalent Resolve never produce a
// spurious diff.
func EncodeLockfile(lf *Lockfile) ([]byte, error) {
	sorted := make([]LockPackage, len(lf.Packages))
	copy(sorted, lf.Packages)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		if sorted[i].Version != sorted[j].Version {
			return sorted[i].Version < sorted[j].Version
		}
		return sorted[i].Source < sorted[j].Source
	})
	for i := range sorted {
		deps := append([]string(nil), sorted[i].Dependencies...)
		sort.Strings(deps)
		sorted[i].Dependencies = deps
	}

	out := Lockfile{Version: CurrentLockVersion, Packages: sorted, Metadata: lf.Metadata}

	var buf bytes.Buffer
	buf.WriteString("# This file is automatically generated.\n# It is not intended for manual editing.\n")
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(out); err != nil {
		return nil, errors.Wrap(err, "encode lockfile")
	}
	return buf.Bytes(), nil
}

// lockDependencyRef formats id the way a lockfile records an edge: a bare
// "name version" for path/workspace members (they have no stable source to
// record), else "name version (source)".
func lockDependencyRef(id PackageId) string {
	if id.Source.Kind == SourcePath {
		return fmt.Sprintf("%s %s", id.Name, id.Version)
	}
	return fmt.Sprintf("%s %s (%s)", id.Name, id.Version, id.Source.Display())
}

// FromResolve converts a resolved dependency graph into the on-disk
// Lockfile shape.
func FromResolve(r *Resolve) *Lockfile {
	lf := &Lockfile{Version: CurrentLockVersion}
	for key, id := range r.Packages {
		pkg := LockPackage{Name: id.Name, Version: id.Version.String()}
		if id.Source.Kind != SourcePath {
			pkg.Source = id.Source.Display()
		}
		if sum, ok := r.Checksums[key]; ok {
			pkg.Checksum = sum.String()
		}
		for _, e := range r.Edges[key] {
			pkg.Dependencies = append(pkg.Dependencies, lockDependencyRef(e.Target))
		}
		lf.Packages = append(lf.Packages, pkg)
	}
	return lf
}

// ParsePackageRef parses a lockfile dependency-line reference of the shape
// "name version" or "name version (source)" back into its parts.
func ParsePackageRef(ref string) (name, version, source string, err error) {
	ref = strings.TrimSpace(ref)
	if idx := strings.Index(ref, " ("); idx != -1 && strings.HasSuffix(ref, ")") {
		source = ref[idx+2 : len(ref)-1]
		ref = ref[:idx]
	}
	parts := strings.SplitN(ref, " ", 2)
	if len(parts) != 2 {
		return "", "", "", errors.Errorf("malformed package reference %q", ref)
	}
	return parts[0], parts[1], source, nil
}
