package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// RawRule is one rule as read from configuration, before validation.
type RawRule struct {
	Name    string `koanf:"name"`
	IsRegex bool   `koanf:"regex"`
	Target  string `koanf:"address"`
}

// Rule is a validated catch-all mapping.
//
// Literal rules match when Name equals the recipient's domain (case-insensitive);
// Target is then the catch-all mailbox. Regex rules match the full lowercased
// recipient address; Target is a substitution template that may reference
// capture groups as $1, ${1} or ${name}.
type Rule struct {
	Name    string
	IsRegex bool
	Target  string
	pattern *regexp.Regexp
}

// NewLiteralRule builds a literal-domain rule. The caller is expected to pass
// a canonical domain and an already validated target.
func NewLiteralRule(domain, target string) Rule {
	return Rule{Name: domain, Target: target}
}

// NewRegexRule compiles pattern and builds a regex rule.
func NewRegexRule(pattern, target string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return Rule{Name: pattern, IsRegex: true, Target: target, pattern: re}, nil
}

// Pattern returns the compiled regular expression, or nil for literal rules.
func (r Rule) Pattern() *regexp.Regexp { return r.pattern }

// Kind returns "regex" or "domain".
func (r Rule) Kind() string {
	if r.IsRegex {
		return "regex"
	}
	return "domain"
}

// String renders the rule as "name -> target".
func (r Rule) String() string {
	return fmt.Sprintf("%s %s -> %s", r.Kind(), r.Name, r.Target)
}

// Match evaluates the rule against a canonical address and its canonical
// domain. On a match it returns the substituted target.
func (r Rule) Match(address, domain string) (string, bool) {
	if !r.IsRegex {
		if r.Name == domain {
			return r.Target, true
		}
		return "", false
	}
	if r.pattern == nil {
		return "", false
	}
	m := r.pattern.FindStringSubmatchIndex(address)
	if m == nil {
		return "", false
	}
	out := r.pattern.ExpandString(nil, r.Target, address, m)
	return strings.ToLower(string(out)), true
}
