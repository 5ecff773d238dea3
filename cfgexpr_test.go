package forge

import "testing"

func TestCfgExprDisplayRoundTrip(t *testing.T) {
	cases := []string{
		`unix`,
		`target_os = "linux"`,
		`all(unix, target_os = "linux")`,
		`any(windows, unix)`,
		`not(windows)`,
		`all(any(unix, windows), not(target_os = "macos"))`,
		`all()`,
		`any()`,
	}

	for _, in := range cases {
		e, err := ParseCfgExpr(in)
		if err != nil {
			t.Fatalf("parse(%q): %v", in, err)
		}
		disp := e.String()
		e2, err := ParseCfgExpr(disp)
		if err != nil {
			t.Fatalf("re-parse(%q) from %q: %v", disp, in, err)
		}
		if e2.String() != disp {
			t.Fatalf("display not idempotent: %q -> %q -> %q", in, disp, e2.String())
		}
	}
}

func TestCfgExprMatches(t *testing.T) {
	set := []Cfg{NamedCfg("unix"), KeyPairCfg("target_os", "linux")}

	cases := []struct {
		expr string
		want bool
	}{
		{`unix`, true},
		{`windows`, false},
		{`target_os = "linux"`, true},
		{`target_os = "macos"`, false},
		{`all(unix, target_os = "linux")`, true},
		{`all(unix, target_os = "macos")`, false},
		{`any(windows, unix)`, true},
		{`any(windows, target_os = "macos")`, false},
		{`not(windows)`, true},
		{`all()`, true},
		{`any()`, false},
	}

	for _, c := range cases {
		e, err := ParseCfgExpr(c.expr)
		if err != nil {
			t.Fatalf("parse(%q): %v", c.expr, err)
		}
		if got := e.Matches(set); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestCfgExprParseErrors(t *testing.T) {
	cases := []struct {
		in   string
		kind CfgParseErrorKind
	}{
		{`"unterminated`, ErrUnterminatedString},
		{`all(unix,)extra`, ErrUnterminatedExpression},
		{`$weird`, ErrUnexpectedChar},
		{`name = unix`, ErrUnexpectedToken},
		{`all(`, ErrIncompleteExpr},
		{`not`, ErrIncompleteExpr},
	}

	for _, c := range cases {
		_, err := ParseCfgExpr(c.in)
		if err == nil {
			t.Fatalf("parse(%q): expected error, got nil", c.in)
		}
		pe, ok := err.(*CfgParseError)
		if !ok {
			t.Fatalf("parse(%q): error is %T, not *CfgParseError", c.in, err)
		}
		if pe.Kind != c.kind {
			t.Errorf("parse(%q): kind = %v, want %v (%v)", c.in, pe.Kind, c.kind, err)
		}
	}
}

func TestMatchesKey(t *testing.T) {
	set := []Cfg{NamedCfg("unix")}
	if !MatchesKey(`cfg(unix)`, set) {
		t.Error("expected cfg(unix) to match")
	}
	if MatchesKey(`cfg(windows)`, set) {
		t.Error("expected cfg(windows) not to match")
	}
	if MatchesKey(`not-a-cfg-key`, set) {
		t.Error("expected non cfg(...) key to never match")
	}
}
