package forge

import (
	"strings"
	"testing"
)

func TestParseBuildScriptOutputDirectives(t *testing.T) {
	input := strings.Join([]string{
		"running build",
		"cargo:rustc-link-lib=static=foo",
		"cargo:rustc-link-search=native=/opt/foo/lib",
		"cargo:rustc-link-arg=-Wl,--as-needed",
		"cargo:rustc-link-arg-bin=foo=--X",
		"cargo:rustc-link-arg-bins=-Wl,-z,now",
		"cargo:rustc-cdylib-link-arg=-Wl,-soname,libfoo.so",
		"cargo:rustc-cfg=has_foo",
		"cargo:rustc-env=FOO_VERSION=1.2.3",
		"cargo:warning=deprecated option used",
		"cargo:rerun-if-changed=build.rs",
		"cargo:rerun-if-env-changed=FOO_PATH",
		"cargo:include=/opt/foo/include",
		"cargo:not-a-directive",
		"",
	}, "\n")

	out, err := ParseBuildScriptOutput(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(out.LinkLibs) != 1 || out.LinkLibs[0] != (LinkLib{Kind: "static", Name: "foo"}) {
		t.Fatalf("unexpected LinkLibs: %+v", out.LinkLibs)
	}
	if len(out.LinkSearch) != 1 || out.LinkSearch[0] != (LinkSearch{Kind: "native", Path: "/opt/foo/lib"}) {
		t.Fatalf("unexpected LinkSearch: %+v", out.LinkSearch)
	}
	if len(out.LinkArgs) != 1 || out.LinkArgs[0] != "-Wl,--as-needed" {
		t.Fatalf("unexpected LinkArgs: %+v", out.LinkArgs)
	}
	if got := out.LinkArgBin["foo"]; len(got) != 1 || got[0] != "--X" {
		t.Fatalf("unexpected LinkArgBin[foo]: %+v", got)
	}
	if len(out.LinkArgBins) != 1 || out.LinkArgBins[0] != "-Wl,-z,now" {
		t.Fatalf("unexpected LinkArgBins: %+v", out.LinkArgBins)
	}
	if len(out.LinkArgCdylib) != 1 || out.LinkArgCdylib[0] != "-Wl,-soname,libfoo.so" {
		t.Fatalf("unexpected LinkArgCdylib: %+v", out.LinkArgCdylib)
	}
	if len(out.Cfgs) != 1 || out.Cfgs[0] != "has_foo" {
		t.Fatalf("unexpected Cfgs: %+v", out.Cfgs)
	}
	if len(out.Env) != 1 || out.Env[0] != (EnvVar{Name: "FOO_VERSION", Value: "1.2.3"}) {
		t.Fatalf("unexpected Env: %+v", out.Env)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != "deprecated option used" {
		t.Fatalf("unexpected Warnings: %+v", out.Warnings)
	}
	if len(out.RerunIfChanged) != 1 || out.RerunIfChanged[0] != "build.rs" {
		t.Fatalf("unexpected RerunIfChanged: %+v", out.RerunIfChanged)
	}
	if len(out.RerunIfEnvChanged) != 1 || out.RerunIfEnvChanged[0] != "FOO_PATH" {
		t.Fatalf("unexpected RerunIfEnvChanged: %+v", out.RerunIfEnvChanged)
	}
	if out.Metadata["include"] != "/opt/foo/include" {
		t.Fatalf("expected arbitrary cargo:include=... to land in Metadata, got %+v", out.Metadata)
	}
	if len(out.Ignored) != 1 || out.Ignored[0] != "cargo:not-a-directive" {
		t.Fatalf("expected the bare cargo: line with no '=' to be ignored, got %+v", out.Ignored)
	}
}

func TestParseBuildScriptOutputIgnoresMalformedLinkArgBin(t *testing.T) {
	out, err := ParseBuildScriptOutput(strings.NewReader("cargo:rustc-link-arg-bin=no-equals-sign\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out.LinkArgBin) != 0 {
		t.Fatalf("expected no bin link-args parsed from a malformed directive, got %+v", out.LinkArgBin)
	}
	if len(out.Ignored) != 1 {
		t.Fatalf("expected the malformed directive to be recorded as ignored, got %+v", out.Ignored)
	}
}

func TestLinkArgsForTargetScopesByTargetKindAndCrateType(t *testing.T) {
	out := BuildScriptOutput{
		LinkArgs:      []string{"--shared-flag"},
		LinkArgBins:   []string{"--all-bins-flag"},
		LinkArgBin:    map[string][]string{"foo": {"--foo-only"}, "bar": {"--bar-only"}},
		LinkArgCdylib: []string{"--cdylib-flag"},
	}

	foo := Target{Kind: TargetBinary, Name: "foo"}
	bar := Target{Kind: TargetBinary, Name: "bar"}
	lib := Target{Kind: TargetLibrary, Name: "lib", CrateTypes: []CrateType{CrateRlib}}
	cdylib := Target{Kind: TargetLibrary, Name: "lib", CrateTypes: []CrateType{CrateCdylib}}

	fooArgs := out.LinkArgsForTarget(foo)
	if !contains(fooArgs, "--shared-flag") || !contains(fooArgs, "--all-bins-flag") || !contains(fooArgs, "--foo-only") {
		t.Fatalf("foo missing expected args: %v", fooArgs)
	}
	if contains(fooArgs, "--bar-only") {
		t.Fatalf("foo must not receive bar's link-arg-bin flag: %v", fooArgs)
	}

	barArgs := out.LinkArgsForTarget(bar)
	if contains(barArgs, "--foo-only") {
		t.Fatalf("bar must not receive foo's link-arg-bin flag: %v", barArgs)
	}

	libArgs := out.LinkArgsForTarget(lib)
	if contains(libArgs, "--cdylib-flag") || contains(libArgs, "--all-bins-flag") {
		t.Fatalf("a plain rlib target must not receive cdylib or bin-scoped flags: %v", libArgs)
	}
	if !contains(libArgs, "--shared-flag") {
		t.Fatalf("a plain rlib target should still receive unscoped flags: %v", libArgs)
	}

	cdylibArgs := out.LinkArgsForTarget(cdylib)
	if !contains(cdylibArgs, "--cdylib-flag") {
		t.Fatalf("a cdylib target must receive cdylib-scoped flags: %v", cdylibArgs)
	}
}

func TestDepEnvVarsPrefixesMetadataByLinksName(t *testing.T) {
	out := BuildScriptOutput{Metadata: map[string]string{"include": "/opt/foo/include", "lib-dir": "/opt/foo/lib"}}

	got := out.DepEnvVars("foo-sys")
	want := map[string]string{
		"DEP_FOO_SYS_INCLUDE": "/opt/foo/include",
		"DEP_FOO_SYS_LIB_DIR": "/opt/foo/lib",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("DepEnvVars()[%s] = %q, want %q (full: %+v)", k, got[k], v, got)
		}
	}

	if out.DepEnvVars("") != nil {
		t.Fatalf("expected nil DepEnvVars when linksName is empty")
	}
}

func contains(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}
