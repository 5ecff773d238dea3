package forge

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// PackageIDSpec is a partial package reference as accepted on the command
// line or in a `[patch]`/`cargo pkgid`-style argument: a bare name, a
// name@version, a name:source URL, or any combination.
type PackageIDSpec struct {
	Name    string
	Version *semver.Version // nil if unspecified
	Source  string          // raw source URL/display, empty if unspecified
}

// ParsePackageIDSpec parses the `name[@version][:source]` shape, or a bare
// URL whose last path segment is the name and whose fragment is the
// version. Everything after the first `:` is taken as the source, so a
// name cannot contain one. An empty name or a malformed version is
// rejected with a descriptive error.
func ParsePackageIDSpec(spec string) (PackageIDSpec, error) {
	rest := spec
	var source string
	if idx := strings.Index(rest, ":"); idx != -1 && strings.HasPrefix(rest[idx:], "://") {
		// A full URL form: "https://example.test/crate#1.2.3" style. Split
		// at the fragment, which (if present) carries the version.
		url := rest
		version := ""
		if hash := strings.LastIndex(url, "#"); hash != -1 {
			version = url[hash+1:]
			url = url[:hash]
		}
		name := url
		if slash := strings.LastIndex(url, "/"); slash != -1 {
			name = url[slash+1:]
		}
		out := PackageIDSpec{Name: name, Source: url}
		if version != "" {
			v, err := semver.NewVersion(version)
			if err != nil {
				return PackageIDSpec{}, errors.Wrapf(err, "package id spec %q: invalid version", spec)
			}
			out.Version = v
		}
		return out, nil
	}

	if idx := strings.Index(rest, ":"); idx != -1 {
		source = rest[idx+1:]
		rest = rest[:idx]
	}

	name := rest
	version := ""
	if idx := strings.Index(rest, "@"); idx != -1 {
		name = rest[:idx]
		version = rest[idx+1:]
	}
	if name == "" {
		return PackageIDSpec{}, errors.Errorf("package id spec %q: missing package name", spec)
	}

	out := PackageIDSpec{Name: name, Source: source}
	if version != "" {
		v, err := semver.NewVersion(version)
		if err != nil {
			return PackageIDSpec{}, errors.Wrapf(err, "package id spec %q: invalid version", spec)
		}
		out.Version = v
	}
	return out, nil
}

// Matches reports whether id satisfies this (possibly partial) spec: name
// must match exactly; version and source, if present in the spec, must
// also match.
func (s PackageIDSpec) Matches(id PackageId) bool {
	if s.Name != id.Name {
		return false
	}
	if s.Version != nil && !s.Version.Equal(id.Version) {
		return false
	}
	if s.Source != "" && !strings.Contains(id.Source.Display(), s.Source) {
		return false
	}
	return true
}

// String renders the spec back to its canonical `name[@version][:source]`
// form.
func (s PackageIDSpec) String() string {
	out := s.Name
	if s.Version != nil {
		out += "@" + s.Version.String()
	}
	if s.Source != "" {
		out += ":" + s.Source
	}
	return out
}
