package forge

import (
	"fmt"
	"strings"
)

// Cfg is a single platform predicate value: either a bare name (`unix`) or a
// key/value pair (`target_os = "linux"`).
type Cfg struct {
	Key   string
	Value string // empty, and ignored, when this is a bare name
	isKV  bool
}

// NamedCfg builds a bare-name Cfg, e.g. Cfg{unix}.
func NamedCfg(name string) Cfg { return Cfg{Key: name} }

// KeyPairCfg builds a key/value Cfg, e.g. target_os="linux".
func KeyPairCfg(key, value string) Cfg { return Cfg{Key: key, Value: value, isKV: true} }

func (c Cfg) String() string {
	if c.isKV {
		return fmt.Sprintf("%s = %q", c.Key, c.Value)
	}
	return c.Key
}

// CfgExpr is a parsed platform-predicate expression: all/any/not/value.
type CfgExpr struct {
	kind cfgExprKind
	not  *CfgExpr
	list []CfgExpr
	val  Cfg
}

type cfgExprKind int

const (
	exprValue cfgExprKind = iota
	exprNot
	exprAll
	exprAny
)

// NotExpr, AllExpr, AnyExpr and ValueExpr construct CfgExprs directly,
// without going through the parser; useful for callers building predicates
// programmatically (e.g. from a manifest's `target.'cfg(...)'` table).
func NotExpr(e CfgExpr) CfgExpr      { return CfgExpr{kind: exprNot, not: &e} }
func AllExpr(es ...CfgExpr) CfgExpr  { return CfgExpr{kind: exprAll, list: es} }
func AnyExpr(es ...CfgExpr) CfgExpr  { return CfgExpr{kind: exprAny, list: es} }
func ValueExpr(v Cfg) CfgExpr        { return CfgExpr{kind: exprValue, val: v} }

// Matches reports whether this expression is satisfied by the given cfg set.
// all() is conjunction, any() is disjunction: an empty all() is vacuously
// true and an empty any() is vacuously false.
func (e CfgExpr) Matches(set []Cfg) bool {
	switch e.kind {
	case exprNot:
		return !e.not.Matches(set)
	case exprAll:
		for _, sub := range e.list {
			if !sub.Matches(set) {
				return false
			}
		}
		return true
	case exprAny:
		for _, sub := range e.list {
			if sub.Matches(set) {
				return true
			}
		}
		return false
	default:
		for _, c := range set {
			if c == e.val {
				return true
			}
		}
		return false
	}
}

func (e CfgExpr) String() string {
	switch e.kind {
	case exprNot:
		return fmt.Sprintf("not(%s)", e.not.String())
	case exprAll:
		return fmt.Sprintf("all(%s)", joinExprs(e.list))
	case exprAny:
		return fmt.Sprintf("any(%s)", joinExprs(e.list))
	default:
		return e.val.String()
	}
}

func joinExprs(es []CfgExpr) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// MatchesKey is the `cfg(...)`-wrapped-key convenience predicate used by
// manifest target tables: anything not shaped like `cfg(<expr>)` is simply
// not a match.
func MatchesKey(key string, set []Cfg) bool {
	if !strings.HasPrefix(key, "cfg(") || !strings.HasSuffix(key, ")") {
		return false
	}
	expr, err := ParseCfgExpr(key[len("cfg(") : len(key)-1])
	if err != nil {
		return false
	}
	return expr.Matches(set)
}

// CfgParseErrorKind classifies why a cfg expression failed to parse.
type CfgParseErrorKind int

const (
	ErrUnterminatedString CfgParseErrorKind = iota
	ErrUnterminatedExpression
	ErrUnexpectedChar
	ErrUnexpectedToken
	ErrIncompleteExpr
)

// CfgParseError carries the original input alongside a kind-specific
// location hint: the unexpected token or character, or the unterminated
// remainder of the input. It does not record a byte offset.
type CfgParseError struct {
	Input    string
	Kind     CfgParseErrorKind
	Expected string // set for ErrUnexpectedToken / ErrIncompleteExpr
	Found    string // set for ErrUnexpectedToken
	Char     rune   // set for ErrUnexpectedChar
	Rest     string // set for ErrUnterminatedExpression
}

func (e *CfgParseError) Error() string {
	switch e.Kind {
	case ErrUnterminatedString:
		return fmt.Sprintf("unterminated string in cfg %q", e.Input)
	case ErrUnterminatedExpression:
		return fmt.Sprintf("unterminated cfg expression %q, leftover input: %q", e.Input, e.Rest)
	case ErrUnexpectedChar:
		return fmt.Sprintf("unexpected character %q in cfg %q", e.Char, e.Input)
	case ErrUnexpectedToken:
		return fmt.Sprintf("expected %s, found %s in cfg %q", e.Expected, e.Found, e.Input)
	case ErrIncompleteExpr:
		return fmt.Sprintf("expected %s, but cfg expression %q ended", e.Expected, e.Input)
	default:
		return fmt.Sprintf("invalid cfg %q", e.Input)
	}
}

// --- tokenizer ---

type cfgTokenKind int

const (
	tokLeftParen cfgTokenKind = iota
	tokRightParen
	tokIdent
	tokComma
	tokEquals
	tokString
)

type cfgToken struct {
	kind cfgTokenKind
	text string
}

func (k cfgTokenKind) classify() string {
	switch k {
	case tokLeftParen:
		return "`(`"
	case tokRightParen:
		return "`)`"
	case tokIdent:
		return "an identifier"
	case tokComma:
		return "`,`"
	case tokEquals:
		return "`=`"
	case tokString:
		return "a string"
	default:
		return "?"
	}
}

func isIdentStart(ch rune) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentRest(ch rune) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9') || ch == '-'
}

// tokenizeCfg lexes the whole input eagerly; cfg expressions are short, and
// an eager token slice makes the recursive-descent parser below trivial to
// read and to backtrack in (peek is just an index, not a clone of an
// iterator).
func tokenizeCfg(input string) ([]cfgToken, error) {
	var toks []cfgToken
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		switch {
		case ch == ' ':
			i++
		case ch == '(':
			toks = append(toks, cfgToken{kind: tokLeftParen})
			i++
		case ch == ')':
			toks = append(toks, cfgToken{kind: tokRightParen})
			i++
		case ch == ',':
			toks = append(toks, cfgToken{kind: tokComma})
			i++
		case ch == '=':
			toks = append(toks, cfgToken{kind: tokEquals})
			i++
		case ch == '"':
			start := i + 1
			j := start
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			if j >= len(runes) {
				return nil, &CfgParseError{Input: input, Kind: ErrUnterminatedString}
			}
			toks = append(toks, cfgToken{kind: tokString, text: string(runes[start:j])})
			i = j + 1
		case isIdentStart(ch):
			start := i
			j := i + 1
			for j < len(runes) && isIdentRest(runes[j]) {
				j++
			}
			toks = append(toks, cfgToken{kind: tokIdent, text: string(runes[start:j])})
			i = j
		default:
			return nil, &CfgParseError{Input: input, Kind: ErrUnexpectedChar, Char: ch}
		}
	}
	return toks, nil
}

type cfgParser struct {
	input string
	toks  []cfgToken
	pos   int
}

func (p *cfgParser) peek() (cfgToken, bool) {
	if p.pos >= len(p.toks) {
		return cfgToken{}, false
	}
	return p.toks[p.pos], true
}

func (p *cfgParser) next() (cfgToken, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *cfgParser) tryEat(kind cfgTokenKind) bool {
	t, ok := p.peek()
	if !ok || t.kind != kind {
		return false
	}
	p.pos++
	return true
}

func (p *cfgParser) eat(kind cfgTokenKind) error {
	t, ok := p.next()
	if !ok {
		return &CfgParseError{Input: p.input, Kind: ErrIncompleteExpr, Expected: kind.classify()}
	}
	if t.kind != kind {
		return &CfgParseError{Input: p.input, Kind: ErrUnexpectedToken, Expected: kind.classify(), Found: t.kind.classify()}
	}
	return nil
}

func (p *cfgParser) expr() (CfgExpr, error) {
	t, ok := p.peek()
	if !ok {
		return CfgExpr{}, &CfgParseError{Input: p.input, Kind: ErrIncompleteExpr, Expected: "start of a cfg expression"}
	}

	if t.kind == tokIdent && (t.text == "all" || t.text == "any") {
		p.pos++
		op := t.text
		var list []CfgExpr
		if err := p.eat(tokLeftParen); err != nil {
			return CfgExpr{}, err
		}
		for !p.tryEat(tokRightParen) {
			sub, err := p.expr()
			if err != nil {
				return CfgExpr{}, err
			}
			list = append(list, sub)
			if !p.tryEat(tokComma) {
				if err := p.eat(tokRightParen); err != nil {
					return CfgExpr{}, err
				}
				break
			}
		}
		if op == "all" {
			return AllExpr(list...), nil
		}
		return AnyExpr(list...), nil
	}

	if t.kind == tokIdent && t.text == "not" {
		p.pos++
		if err := p.eat(tokLeftParen); err != nil {
			return CfgExpr{}, err
		}
		sub, err := p.expr()
		if err != nil {
			return CfgExpr{}, err
		}
		if err := p.eat(tokRightParen); err != nil {
			return CfgExpr{}, err
		}
		return NotExpr(sub), nil
	}

	c, err := p.cfg()
	if err != nil {
		return CfgExpr{}, err
	}
	return ValueExpr(c), nil
}

func (p *cfgParser) cfg() (Cfg, error) {
	t, ok := p.next()
	if !ok {
		return Cfg{}, &CfgParseError{Input: p.input, Kind: ErrIncompleteExpr, Expected: "identifier"}
	}
	if t.kind != tokIdent {
		return Cfg{}, &CfgParseError{Input: p.input, Kind: ErrUnexpectedToken, Expected: "identifier", Found: t.kind.classify()}
	}
	name := t.text
	if !p.tryEat(tokEquals) {
		return NamedCfg(name), nil
	}
	v, ok := p.next()
	if !ok {
		return Cfg{}, &CfgParseError{Input: p.input, Kind: ErrIncompleteExpr, Expected: "a string"}
	}
	if v.kind != tokString {
		return Cfg{}, &CfgParseError{Input: p.input, Kind: ErrUnexpectedToken, Expected: "a string", Found: v.kind.classify()}
	}
	return KeyPairCfg(name, v.text), nil
}

// ParseCfg parses a single `name` or `name = "value"` cfg value.
func ParseCfg(input string) (Cfg, error) {
	toks, err := tokenizeCfg(input)
	if err != nil {
		return Cfg{}, err
	}
	p := &cfgParser{input: input, toks: toks}
	c, err := p.cfg()
	if err != nil {
		return Cfg{}, err
	}
	if p.pos != len(p.toks) {
		return Cfg{}, &CfgParseError{Input: input, Kind: ErrUnterminatedExpression, Rest: remainingText(toks, p.pos)}
	}
	return c, nil
}

// ParseCfgExpr parses a full cfg expression: name | name="v" | all(...) |
// any(...) | not(...).
func ParseCfgExpr(input string) (CfgExpr, error) {
	toks, err := tokenizeCfg(input)
	if err != nil {
		return CfgExpr{}, err
	}
	p := &cfgParser{input: input, toks: toks}
	e, err := p.expr()
	if err != nil {
		return CfgExpr{}, err
	}
	if p.pos != len(p.toks) {
		return CfgExpr{}, &CfgParseError{Input: input, Kind: ErrUnterminatedExpression, Rest: remainingText(toks, p.pos)}
	}
	return e, nil
}

func remainingText(toks []cfgToken, from int) string {
	var sb strings.Builder
	for i, t := range toks[from:] {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch t.kind {
		case tokString:
			fmt.Fprintf(&sb, "%q", t.text)
		case tokIdent:
			sb.WriteString(t.text)
		default:
			sb.WriteString(t.kind.classify())
		}
	}
	return sb.String()
}
