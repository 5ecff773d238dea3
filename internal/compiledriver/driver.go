// Package compiledriver builds and interprets rustc-shaped compiler
// invocations for a single Unit: argument construction and the
// newline-delimited JSON message protocol the driver emits on stdout.
package compiledriver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/platforms"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	forge "github.com/forgectl/forgecore"
)

// CrateTypeFlag renders a forge.CrateType into the `--crate-type` value
// rustc expects.
func CrateTypeFlag(ct forge.CrateType) string {
	switch ct {
	case forge.CrateDylib:
		return "dylib"
	case forge.CrateCdylib:
		return "cdylib"
	case forge.CrateStaticlib:
		return "staticlib"
	case forge.CrateProcMacro:
		return "proc-macro"
	default:
		return "rlib"
	}
}

// Extern is one `--extern name=path` resolved dependency.
type Extern struct {
	Name string
	Path string
}

// Invocation is the fully-built set of arguments and environment for one
// Unit's compiler-driver process.
type Invocation struct {
	Program string
	Args    []string
	Env     map[string]string
}

// BuildArgsOptions carries everything Build needs beyond the Unit itself:
// resolved paths and search directories that depend on the build plan's
// output-directory layout, not on the Unit in isolation.
type BuildArgsOptions struct {
	RustcPath    string
	SourcePath   string // crate root file, e.g. src/lib.rs
	OutDir       string
	DepInfoDir   string
	SearchPaths  []string // -L entries
	Externs      []Extern
	Cfgs         []forge.Cfg
	Rustflags    []string // extra flags, e.g. from RUSTFLAGS or a config override
	EnvOverrides map[string]string

	// BuildScript is the parsed custom-build output for this unit's own
	// package, if it has one. Its cargo:rustc-link-arg* directives are
	// filtered per the compiled Target before being added as -C link-arg
	// flags; its cargo:rustc-cfg directives become extra --cfg flags; its
	// cargo:rustc-env directives are exported verbatim into Env.
	BuildScript *forge.BuildScriptOutput

	// Package, HostTriple, NumJobs and BinExes feed the CARGO_* environment
	// surface build scripts and proc-macros expect to see.
	Package    *forge.Package
	HostTriple string
	NumJobs    int
	BinExes    map[string]string // bin target name -> its built executable path

	// DepEnvVars are the DEP_<LINKS-UPPER>_<KEY> variables forwarded from
	// linked dependencies' own build scripts (BuildScriptOutput.DepEnvVars),
	// merged by the caller across every `links`-declaring dependency.
	DepEnvVars map[string]string
}

// Build renders unit + opts into the literal argv/env for invoking the
// compiler driver. Flags are emitted in a fixed, sorted order so two builds
// of the same unit always produce byte-identical command lines — useful
// both for fingerprinting and for diffing `--verbose` output across runs.
func Build(unit *forge.Unit, opts BuildArgsOptions) (Invocation, error) {
	if opts.RustcPath == "" {
		return Invocation{}, errors.New("compiledriver: RustcPath is required")
	}
	if opts.SourcePath == "" {
		return Invocation{}, errors.New("compiledriver: SourcePath is required")
	}

	args := []string{
		opts.SourcePath,
		"--crate-name", crateName(unit.Target.Name),
	}

	if unit.Target.Kind == forge.TargetBinary || unit.Target.Kind == forge.TargetExampleBin {
		args = append(args, "--crate-type", "bin")
	} else {
		for _, ct := range unit.Target.CrateTypes {
			args = append(args, "--crate-type", CrateTypeFlag(ct))
		}
	}

	args = append(args, "--edition", "2021")

	emitKinds := emitKindsFor(unit.Mode)
	for _, kind := range emitKinds {
		if opts.OutDir != "" {
			args = append(args, "--emit", fmt.Sprintf("%s=%s", kind, filepath.Join(opts.OutDir, emitFileName(unit.Target.Name, kind))))
		} else {
			args = append(args, "--emit", kind)
		}
	}

	args = append(args, optFlags(unit.Profile)...)

	features := append([]string(nil), unit.Features...)
	sort.Strings(features)
	for _, f := range features {
		args = append(args, "--cfg", fmt.Sprintf(`feature="%s"`, f))
	}

	cfgs := append([]forge.Cfg(nil), opts.Cfgs...)
	sortCfgs(cfgs)
	for _, c := range cfgs {
		args = append(args, "--cfg", c.String())
	}
	if opts.BuildScript != nil {
		scriptCfgs := append([]string(nil), opts.BuildScript.Cfgs...)
		sort.Strings(scriptCfgs)
		for _, c := range scriptCfgs {
			args = append(args, "--cfg", c)
		}
	}

	paths := append([]string(nil), opts.SearchPaths...)
	sort.Strings(paths)
	for _, p := range paths {
		args = append(args, "-L", p)
	}

	externs := append([]Extern(nil), opts.Externs...)
	sort.Slice(externs, func(i, j int) bool { return externs[i].Name < externs[j].Name })
	for _, e := range externs {
		args = append(args, "--extern", fmt.Sprintf("%s=%s", e.Name, e.Path))
	}

	if !unit.Kind.IsHost {
		args = append(args, "--target", unit.Kind.Target)
	}

	if opts.DepInfoDir != "" {
		args = append(args, "-C", fmt.Sprintf("incremental=%s", opts.DepInfoDir))
	}
	if unit.Profile.CodegenUnits > 0 {
		args = append(args, "-C", fmt.Sprintf("codegen-units=%d", unit.Profile.CodegenUnits))
	}
	args = append(args, "-C", fmt.Sprintf("panic=%s", unit.Profile.Panic))
	args = append(args, "-C", fmt.Sprintf("overflow-checks=%t", unit.Profile.OverflowChecks))
	args = append(args, "-C", fmt.Sprintf("debug-assertions=%t", unit.Profile.DebugAssertions))
	if lto := ltoFlag(unit.Profile); lto != "" {
		args = append(args, "-C", lto)
	}
	if strip := stripFlag(unit.Profile); strip != "" {
		args = append(args, "-C", strip)
	}
	if opts.BuildScript != nil {
		linkArgs := append([]string(nil), opts.BuildScript.LinkArgsForTarget(unit.Target)...)
		sort.Strings(linkArgs)
		for _, a := range linkArgs {
			args = append(args, "-C", "link-arg="+a)
		}
	}

	args = append(args, "--error-format=json", "--json=diagnostic-rendered-ansi,artifacts")

	flags := append([]string(nil), opts.Rustflags...)
	for _, raw := range flags {
		extra, err := shlex.Split(raw)
		if err != nil {
			return Invocation{}, errors.Wrapf(err, "splitting rustflags %q", raw)
		}
		args = append(args, extra...)
	}

	return Invocation{Program: opts.RustcPath, Args: args, Env: buildEnv(unit, opts)}, nil
}

// buildEnv renders the CARGO_*-shaped environment a compiler invocation and
// any build script it depends on expect to see, per-unit (CARGO_CRATE_NAME,
// CARGO_BIN_NAME, the target-triple vars) and per-package (CARGO_MANIFEST_DIR,
// CARGO_PKG_*). opts.EnvOverrides is applied last so an explicit override
// always wins over a derived value.
func buildEnv(unit *forge.Unit, opts BuildArgsOptions) map[string]string {
	env := make(map[string]string, len(opts.EnvOverrides)+24)

	if opts.Package != nil {
		env["CARGO_MANIFEST_DIR"] = opts.Package.Root
		env["CARGO_PKG_NAME"] = opts.Package.ID.Name
		if v := opts.Package.ID.Version; v != nil {
			env["CARGO_PKG_VERSION"] = v.String()
			env["CARGO_PKG_VERSION_MAJOR"] = strconv.FormatUint(v.Major(), 10)
			env["CARGO_PKG_VERSION_MINOR"] = strconv.FormatUint(v.Minor(), 10)
			env["CARGO_PKG_VERSION_PATCH"] = strconv.FormatUint(v.Patch(), 10)
		}
	}

	env["CARGO_CRATE_NAME"] = crateName(unit.Target.Name)
	if unit.Target.Kind == forge.TargetBinary || unit.Target.Kind == forge.TargetExampleBin {
		env["CARGO_BIN_NAME"] = unit.Target.Name
	}
	for name, path := range opts.BinExes {
		env["CARGO_BIN_EXE_"+name] = path
	}

	if opts.OutDir != "" {
		env["OUT_DIR"] = opts.OutDir
	}

	if !unit.Kind.IsHost {
		env["TARGET"] = unit.Kind.Target
		env["CARGO_CFG_TARGET_ARCH"] = targetArch(unit.Kind.Target)
	} else if opts.HostTriple != "" {
		env["TARGET"] = opts.HostTriple
	}
	if opts.HostTriple != "" {
		env["HOST"] = opts.HostTriple
	}
	if opts.NumJobs > 0 {
		env["NUM_JOBS"] = strconv.Itoa(opts.NumJobs)
	}

	env["PROFILE"] = profileEnvName(unit.Profile)
	env["OPT_LEVEL"] = unit.Profile.OptLevel
	env["DEBUG"] = strconv.FormatBool(unit.Profile.Debug != forge.DebugNone)

	for _, c := range opts.Cfgs {
		env["CARGO_CFG_"+cargoCfgEnvName(c.Key)] = c.Value
	}

	if opts.BuildScript != nil {
		for _, e := range opts.BuildScript.Env {
			env[e.Name] = e.Value
		}
	}
	for k, v := range opts.DepEnvVars {
		env[k] = v
	}

	for k, v := range opts.EnvOverrides {
		env[k] = v
	}
	return env
}

// profileEnvName maps a profile to the PROFILE env var rustc-invoking
// tools have always expected: "debug" for the dev profile
// (even though its on-disk directory is named after it verbatim) and the
// profile's own name otherwise.
func profileEnvName(p forge.Profile) string {
	if p.Name == "dev" || p.Name == "" {
		return "debug"
	}
	return p.Name
}

// cargoCfgEnvName upper-snake-cases a cfg key for the CARGO_CFG_<name>
// environment variable family, e.g. "target_os" becomes "TARGET_OS" and
// "unix" becomes "UNIX".
func cargoCfgEnvName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func crateName(target string) string {
	return strings.ReplaceAll(target, "-", "_")
}

func emitKindsFor(mode forge.CompileMode) []string {
	switch mode {
	case forge.ModeCheck:
		return []string{"metadata"}
	case forge.ModeDoc, forge.ModeDocScrape:
		return nil
	default:
		return []string{"link", "dep-info"}
	}
}

func emitFileName(target, kind string) string {
	switch kind {
	case "dep-info":
		return target + ".d"
	case "metadata":
		return "lib" + target + ".rmeta"
	default:
		return target
	}
}

func optFlags(p forge.Profile) []string {
	out := []string{"-C", fmt.Sprintf("opt-level=%s", p.OptLevel)}
	switch p.Debug {
	case forge.DebugFull:
		out = append(out, "-C", "debuginfo=2")
	case forge.DebugLineTablesOnly:
		out = append(out, "-C", "debuginfo=1")
	default:
		out = append(out, "-C", "debuginfo=0")
	}
	return out
}

func ltoFlag(p forge.Profile) string {
	switch p.LTO {
	case forge.LTOThin:
		return "lto=thin"
	case forge.LTOFat:
		return "lto=fat"
	default:
		return ""
	}
}

func stripFlag(p forge.Profile) string {
	switch p.Strip {
	case forge.StripDebugInfo:
		return "strip=debuginfo"
	case forge.StripSymbols:
		return "strip=symbols"
	default:
		return ""
	}
}

func sortCfgs(cfgs []forge.Cfg) {
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].String() < cfgs[j].String() })
}

// HostPlatform resolves the ambient host platform via containerd's
// platform-matching library, used to pick a default compile kind when the
// caller hasn't pinned an explicit target triple.
func HostPlatform() v1.Platform {
	return platforms.DefaultSpec()
}

// FormatPlatform renders a platform as containerd's normalized
// "os/arch[/variant]" string. This is not a rust target triple and is not
// what Build passes to `--target`.
func FormatPlatform(p v1.Platform) string {
	return platforms.Format(p)
}

func targetArch(triple string) string {
	parts := strings.SplitN(triple, "-", 2)
	if len(parts) == 0 {
		return ""
	}
	switch parts[0] {
	case "x86_64":
		return "x86_64"
	case "aarch64":
		return "aarch64"
	case "i686":
		return "x86"
	default:
		return parts[0]
	}
}

// Message is one line of the compiler driver's newline-delimited JSON
// output stream.
type Message struct {
	Reason      string          `json:"reason"`
	PackageID   string          `json:"package_id,omitempty"`
	Target      json.RawMessage `json:"target,omitempty"`
	Message     *Diagnostic     `json:"message,omitempty"`
	Filenames   []string        `json:"filenames,omitempty"`
	Success     bool            `json:"success,omitempty"`
}

// Diagnostic is a single compiler diagnostic embedded in a "compiler-message".
type Diagnostic struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Rendered string `json:"rendered,omitempty"`
}

// MetadataReady reports whether msg is the signal that this unit's rmeta
// output is available, allowing dependents to start their own compilation
// before this unit has fully finished codegen (the pipelining the Build
// Scheduler relies on).
func (m Message) MetadataReady() bool {
	return m.Reason == "compiler-artifact" && len(m.Filenames) > 0 && hasRmeta(m.Filenames)
}

func hasRmeta(filenames []string) bool {
	for _, f := range filenames {
		if strings.HasSuffix(f, ".rmeta") {
			return true
		}
	}
	return false
}

// ScanMessages reads newline-delimited JSON messages from r, calling
// onMessage for each and onMetadataReady the first time a metadata-ready
// message is observed, or once at end of stream if none was.
func ScanMessages(r io.Reader, onMessage func(Message), onMetadataReady func()) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	signaled := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return errors.Wrap(err, "decoding compiler message")
		}
		if onMessage != nil {
			onMessage(msg)
		}
		if !signaled && msg.MetadataReady() {
			signaled = true
			if onMetadataReady != nil {
				onMetadataReady()
			}
		}
	}
	if !signaled && onMetadataReady != nil {
		onMetadataReady()
	}
	return scanner.Err()
}
