package forge

import (
	"bufio"
	"io"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
)

// LinkLib is one cargo:rustc-link-lib directive: a native library to link,
// optionally tagged with a link kind (static, dylib, framework).
type LinkLib struct {
	Kind string
	Name string
}

// LinkSearch is one cargo:rustc-link-search directive.
type LinkSearch struct {
	Kind string // native, framework, all, or empty if unspecified
	Path string
}

// EnvVar is one cargo:rustc-env directive, passed straight through to the
// compiler invocation's environment.
type EnvVar struct {
	Name  string
	Value string
}

// BuildScriptOutput is the parsed form of a custom-build unit's stdout: the
// line-prefixed `cargo:` directive protocol a build script communicates
// link flags, cfgs, env vars, and rerun conditions back through.
type BuildScriptOutput struct {
	LinkLibs   []LinkLib
	LinkSearch []LinkSearch

	// LinkArgs applies to every linked artifact; LinkArgBins applies to
	// every bin target; LinkArgBin applies only to the named bin target;
	// LinkArgCdylib applies only when the consuming target is a cdylib.
	LinkArgs      []string
	LinkArgBins   []string
	LinkArgBin    map[string][]string
	LinkArgCdylib []string

	Flags []string // cargo:rustc-flags=..., split shell-style into individual flags
	Cfgs  []string // cargo:rustc-cfg=KEY[="VAL"], already in --cfg-argument shape
	Env   []EnvVar

	Warnings          []string
	RerunIfChanged    []string
	RerunIfEnvChanged []string

	// Metadata holds arbitrary cargo:KEY=VALUE directives not matching any
	// reserved name, forwarded to dependents (of a package declaring
	// `links`) as DEP_<LINKS-UPPER>_<KEY>.
	Metadata map[string]string

	// Ignored records `cargo:` lines with no `=` at all, and reserved
	// directives whose value is malformed (e.g. a link-arg-bin with no
	// `=`-separated flag), each carrying the full original line so the
	// caller can print a warning.
	Ignored []string
}

// DepEnvVars renders this build script's arbitrary Metadata directives into
// the DEP_<LINKS-UPPER>_<KEY> environment variables a dependent package's
// own build script sees, keyed off the `links` name the declaring package
// registered. Returns nil if the package doesn't declare `links` or emitted
// no arbitrary metadata.
func (o BuildScriptOutput) DepEnvVars(linksName string) map[string]string {
	if linksName == "" || len(o.Metadata) == 0 {
		return nil
	}
	prefix := "DEP_" + strings.ToUpper(strings.ReplaceAll(linksName, "-", "_")) + "_"
	out := make(map[string]string, len(o.Metadata))
	for k, v := range o.Metadata {
		out[prefix+strings.ToUpper(strings.ReplaceAll(k, "-", "_"))] = v
	}
	return out
}

// LinkArgsForTarget returns the -C link-arg flags this build script's
// output contributes to compiling t, applying the per-target-kind scoping
// rules: unscoped args go to every unit, rustc-link-arg-bin routes only to
// the bin target it names, and cdylib-scoped args only apply when t is
// itself compiled as a cdylib.
func (o BuildScriptOutput) LinkArgsForTarget(t Target) []string {
	var args []string
	args = append(args, o.LinkArgs...)
	if t.Kind == TargetBinary || t.Kind == TargetExampleBin {
		args = append(args, o.LinkArgBins...)
		args = append(args, o.LinkArgBin[t.Name]...)
	}
	for _, ct := range t.CrateTypes {
		if ct == CrateCdylib {
			args = append(args, o.LinkArgCdylib...)
			break
		}
	}
	return args
}

// ParseBuildScriptOutput reads a custom-build unit's captured stdout and
// parses every `cargo:`-prefixed directive line. Lines without that prefix
// are a build script's ordinary log output and are skipped outright.
// A `cargo:KEY=VALUE` line with an unreserved KEY is kept in Metadata;
// a `cargo:` line with no `=`, or a reserved directive with a malformed
// value, is recorded verbatim in Ignored rather than rejected.
func ParseBuildScriptOutput(r io.Reader) (BuildScriptOutput, error) {
	out := BuildScriptOutput{
		LinkArgBin: map[string][]string{},
		Metadata:   map[string]string{},
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rest, ok := strings.CutPrefix(line, "cargo:")
		if !ok {
			continue
		}
		key, val, hasVal := strings.Cut(rest, "=")
		if !hasVal {
			out.Ignored = append(out.Ignored, line)
			continue
		}

		switch key {
		case "rustc-link-lib":
			out.LinkLibs = append(out.LinkLibs, parseKindName(val))
		case "rustc-link-search":
			kind, path := parseKindPath(val)
			out.LinkSearch = append(out.LinkSearch, LinkSearch{Kind: kind, Path: path})
		case "rustc-link-arg":
			out.LinkArgs = append(out.LinkArgs, val)
		case "rustc-link-arg-bin":
			name, flag, found := strings.Cut(val, "=")
			if !found {
				out.Ignored = append(out.Ignored, line)
				continue
			}
			out.LinkArgBin[name] = append(out.LinkArgBin[name], flag)
		case "rustc-link-arg-bins":
			out.LinkArgBins = append(out.LinkArgBins, val)
		case "rustc-link-arg-cdylib", "rustc-cdylib-link-arg":
			out.LinkArgCdylib = append(out.LinkArgCdylib, val)
		case "rustc-flags":
			fields, err := splitFlags(val)
			if err != nil {
				return out, errors.Wrapf(err, "parsing cargo:rustc-flags %q", val)
			}
			out.Flags = append(out.Flags, fields...)
		case "rustc-cfg":
			out.Cfgs = append(out.Cfgs, val)
		case "rustc-env":
			name, value, found := strings.Cut(val, "=")
			if !found {
				out.Ignored = append(out.Ignored, line)
				continue
			}
			out.Env = append(out.Env, EnvVar{Name: name, Value: value})
		case "warning":
			out.Warnings = append(out.Warnings, val)
		case "rerun-if-changed":
			out.RerunIfChanged = append(out.RerunIfChanged, val)
		case "rerun-if-env-changed":
			out.RerunIfEnvChanged = append(out.RerunIfEnvChanged, val)
		default:
			out.Metadata[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return out, errors.Wrap(err, "reading build script output")
	}
	return out, nil
}

// parseKindName splits a `[KIND=]NAME`-shaped directive value.
func parseKindName(val string) LinkLib {
	kind, name, found := strings.Cut(val, "=")
	if !found {
		return LinkLib{Name: val}
	}
	return LinkLib{Kind: kind, Name: name}
}

func parseKindPath(val string) (kind, path string) {
	k, p, found := strings.Cut(val, "=")
	if !found {
		return "", val
	}
	return k, p
}

// splitFlags splits a legacy cargo:rustc-flags value the same way a shell
// would, since it is a single space-separated string of rustc flags rather
// than one flag per directive line.
func splitFlags(val string) ([]string, error) {
	return shlex.Split(val)
}
