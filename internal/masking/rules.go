// Package masking implements the masking rule engine: loading declarative
// JSON rules and rewriting result-set column bytes in place before they
// reach the client.
package masking

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes the three rewrite behaviors a rule can specify.
type Kind int

const (
	KindReplace Kind = iota
	KindObfuscate
	KindCapture
)

// ruleKindObj is the shared shape nested under a rule's "replace" or
// "obfuscate" key: the column it targets, and (for replace) an optional
// "capture" regexp that turns a literal Replace into a Capture rule.
type ruleKindObj struct {
	Column   string `json:"column"`
	Table    string `json:"table,omitempty"`
	Database string `json:"database,omitempty"`
	Capture  string `json:"capture,omitempty"`
}

// withObj is the rule's "with" object: the fill string used for tiling,
// plus (for a literal Replace) the replacement value.
type withObj struct {
	Fill  string  `json:"fill,omitempty"`
	Value *string `json:"value,omitempty"`
}

// rawRule is the on-disk JSON shape: a rule carries exactly one of
// "replace" or "obfuscate", an optional "with" for fill/value, and the
// top-level applies_to/exempted account lists.
type rawRule struct {
	Replace   *ruleKindObj `json:"replace,omitempty"`
	Obfuscate *ruleKindObj `json:"obfuscate,omitempty"`
	With      *withObj     `json:"with,omitempty"`
	AppliesTo []string     `json:"applies_to,omitempty"`
	Exempted  []string     `json:"exempted,omitempty"`
}

// Rule is a compiled masking rule ready for matching and rewriting.
type Rule struct {
	Column   string
	Table    string
	Database string

	appliesTo []*regexp.Regexp
	exempted  []*regexp.Regexp

	kind   Kind
	value  string
	fill   string
	regexp *regexp.Regexp
}

const defaultFill = "X"

func (k Kind) String() string {
	switch k {
	case KindObfuscate:
		return "obfuscate"
	case KindCapture:
		return "capture"
	default:
		return "replace"
	}
}

// Summary is a read-only view of one compiled rule, for admin listing.
type Summary struct {
	Column   string
	Table    string
	Database string
	Kind     string
}

// Describe returns a Summary for every rule in the set, in load order.
func (rs *RuleSet) Describe() []Summary {
	out := make([]Summary, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, Summary{Column: r.Column, Table: r.Table, Database: r.Database, Kind: r.kind.String()})
	}
	return out
}

// RuleSet is an immutable, loaded collection of compiled rules. A RuleSet
// is swapped in atomically on reload; it never mutates once built —
// compilation happens once in Load, and nothing retains state afterward.
type RuleSet struct {
	rules []*Rule
}

// Load parses and compiles a masking rules JSON document. A parse
// failure must never replace a working ruleset — callers are expected
// to keep the previous *RuleSet on error.
func Load(data []byte) (*RuleSet, error) {
	var doc struct {
		Rules []rawRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing masking rules: %w", err)
	}

	rules := make([]*Rule, 0, len(doc.Rules))
	for i, raw := range doc.Rules {
		r, err := compile(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return &RuleSet{rules: rules}, nil
}

// compile turns one raw rule object into a compiled Rule. Exactly one of
// raw.Replace/raw.Obfuscate must be set; a Replace whose kind object
// carries a non-empty Capture is a Capture rule, not a literal Replace.
func compile(raw rawRule) (*Rule, error) {
	var kindObj *ruleKindObj
	var kind Kind

	switch {
	case raw.Replace != nil && raw.Replace.Capture != "":
		kindObj, kind = raw.Replace, KindCapture
	case raw.Replace != nil:
		kindObj, kind = raw.Replace, KindReplace
	case raw.Obfuscate != nil:
		kindObj, kind = raw.Obfuscate, KindObfuscate
	default:
		return nil, fmt.Errorf("rule must specify replace or obfuscate")
	}

	if kindObj.Column == "" {
		return nil, fmt.Errorf("column name is required")
	}

	r := &Rule{Column: kindObj.Column, Table: kindObj.Table, Database: kindObj.Database, kind: kind}

	fill := defaultFill
	if raw.With != nil && raw.With.Fill != "" {
		fill = raw.With.Fill
	}
	r.fill = fill

	for _, acct := range raw.AppliesTo {
		re, err := compileAccountWildcard(acct)
		if err != nil {
			return nil, fmt.Errorf("applies_to %q: %w", acct, err)
		}
		r.appliesTo = append(r.appliesTo, re)
	}
	for _, acct := range raw.Exempted {
		re, err := compileAccountWildcard(acct)
		if err != nil {
			return nil, fmt.Errorf("exempted %q: %w", acct, err)
		}
		r.exempted = append(r.exempted, re)
	}

	switch kind {
	case KindCapture:
		re, err := regexp.Compile(kindObj.Capture)
		if err != nil {
			return nil, fmt.Errorf("compiling capture regexp: %w", err)
		}
		r.regexp = re
	case KindReplace:
		if raw.With == nil || raw.With.Value == nil {
			return nil, fmt.Errorf("replace rule requires with.value")
		}
		r.value = *raw.With.Value
	}

	return r, nil
}

// compileAccountWildcard turns a `user@host` pattern (with `%`/`_`
// wildcards, matching MySQL account-matching conventions) into an
// anchored regexp.
func compileAccountWildcard(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// Account identifies a connected client for matching applies_to/exempted.
type Account struct {
	User string
	Host string
}

func (a Account) string() string { return a.User + "@" + a.Host }

// String renders the account as MySQL's conventional user@host form.
func (a Account) String() string { return a.string() }

// Matches reports whether rule applies to a column identified by
// (database, table, column) for the given account.
func (r *Rule) Matches(database, table, column string, acct Account) bool {
	if !strings.EqualFold(r.Column, column) {
		return false
	}
	if r.Table != "" && !strings.EqualFold(r.Table, table) {
		return false
	}
	if r.Database != "" && !strings.EqualFold(r.Database, database) {
		return false
	}

	id := acct.string()
	for _, re := range r.exempted {
		if re.MatchString(id) {
			return false
		}
	}
	if len(r.appliesTo) == 0 {
		return true
	}
	for _, re := range r.appliesTo {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// Match finds the first rule (in load order) that applies to the given
// column for acct, or nil.
func (rs *RuleSet) Match(database, table, column string, acct Account) *Rule {
	for _, r := range rs.rules {
		if r.Matches(database, table, column, acct) {
			return r
		}
	}
	return nil
}

// Len reports the number of compiled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }
