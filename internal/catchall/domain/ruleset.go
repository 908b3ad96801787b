package domain

import "time"

// RuleSet is an ordered, immutable sequence of rules. Order is significant:
// the first matching rule wins. A RuleSet is never mutated after it is built;
// reloads build a new one.
type RuleSet struct {
	rules    []Rule
	version  uint64
	source   string
	loadedAt time.Time
}

// NewRuleSet copies rules into a new RuleSet.
func NewRuleSet(rules []Rule, source string, loadedAt time.Time) RuleSet {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return RuleSet{rules: cp, source: source, loadedAt: loadedAt}
}

// EmptyRuleSet returns a RuleSet with no rules. Resolving against it is a no-op.
func EmptyRuleSet() RuleSet { return RuleSet{} }

// WithVersion returns a copy of the RuleSet stamped with version.
func (s RuleSet) WithVersion(v uint64) RuleSet {
	s.version = v
	return s
}

// Len returns the number of rules.
func (s RuleSet) Len() int { return len(s.rules) }

// At returns the i'th rule.
func (s RuleSet) At(i int) Rule { return s.rules[i] }

// Rules returns a copy of the rules in order.
func (s RuleSet) Rules() []Rule {
	cp := make([]Rule, len(s.rules))
	copy(cp, s.rules)
	return cp
}

// Version is the publish counter assigned by the config store (0 = never published).
func (s RuleSet) Version() uint64 { return s.version }

// Source identifies where the rules came from, usually a file path.
func (s RuleSet) Source() string { return s.source }

// LoadedAt is when the rules were compiled.
func (s RuleSet) LoadedAt() time.Time { return s.loadedAt }
