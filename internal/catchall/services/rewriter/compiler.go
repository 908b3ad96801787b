package rewriter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/rr-catchall/internal/catchall/common/clock"
	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/utils"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

var (
	ErrMissingName     = errors.New("rule has no name")
	ErrMissingTarget   = errors.New("rule has no address")
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrInvalidTarget   = errors.New("invalid target address")
	ErrInvalidPattern  = errors.New("invalid pattern")
	ErrInvalidTemplate = errors.New("invalid substitution template")
)

// RuleError describes one rejected rule entry.
type RuleError struct {
	Index int
	Rule  domain.RawRule
	Err   error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("rule %d (%q): %v", e.Index, e.Rule.Name, e.Err)
}

func (e RuleError) Unwrap() error { return e.Err }

// Compiled is the result of a compile pass. Rejected entries are reported but
// never fail the batch.
type Compiled struct {
	Rules    domain.RuleSet
	Rejected []RuleError
}

// Compiler validates raw rule entries and builds RuleSets.
type Compiler struct {
	clock    clock.Clock
	logger   log.Logger
	validate *validator.Validate
}

func NewCompiler(logger log.Logger, clk clock.Clock) *Compiler {
	return &Compiler{
		clock:    clk,
		logger:   logger,
		validate: validator.New(),
	}
}

// Compile turns raw entries into an ordered RuleSet, preserving their order.
// Invalid entries are skipped with one error log each; valid ones are logged
// at info. An empty result is logged once as a warning.
func (c *Compiler) Compile(raw []domain.RawRule, source string) Compiled {
	rules := make([]domain.Rule, 0, len(raw))
	var rejected []RuleError
	seen := make(map[string]int)

	for i, r := range raw {
		rule, err := c.compileOne(r)
		if err != nil {
			re := RuleError{Index: i, Rule: r, Err: err}
			rejected = append(rejected, re)
			c.logger.Error(map[string]any{
				"index":  i,
				"name":   r.Name,
				"regex":  r.IsRegex,
				"target": r.Target,
				"error":  err,
			}, "skipping invalid catch-all rule")
			continue
		}
		if !rule.IsRegex {
			if first, dup := seen[rule.Name]; dup {
				c.logger.Warn(map[string]any{
					"index":      i,
					"domain":     rule.Name,
					"shadowedBy": first,
				}, "duplicate catch-all domain is unreachable")
			} else {
				seen[rule.Name] = i
			}
		}
		c.logger.Info(map[string]any{
			"kind":   rule.Kind(),
			"name":   rule.Name,
			"target": rule.Target,
		}, "catch-all rule loaded")
		rules = append(rules, rule)
	}

	if len(rules) == 0 {
		c.logger.Warn(map[string]any{
			"source":   source,
			"rejected": len(rejected),
		}, "no valid catch-all rules")
	}

	return Compiled{
		Rules:    domain.NewRuleSet(rules, source, c.clock.Now()),
		Rejected: rejected,
	}
}

func (c *Compiler) compileOne(r domain.RawRule) (domain.Rule, error) {
	name := strings.TrimSpace(r.Name)
	target := strings.TrimSpace(r.Target)
	if name == "" {
		return domain.Rule{}, ErrMissingName
	}
	if target == "" {
		return domain.Rule{}, ErrMissingTarget
	}

	if r.IsRegex {
		rule, err := domain.NewRegexRule(name, target)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		if err := checkTemplate(rule.Pattern(), target); err != nil {
			return domain.Rule{}, err
		}
		return rule, nil
	}

	dom := utils.CanonicalDomain(name)
	if err := c.validate.Var(dom, "required,hostname_rfc1123"); err != nil {
		return domain.Rule{}, fmt.Errorf("%w: %q", ErrInvalidDomain, name)
	}
	if err := c.validate.Var(target, "required,email"); err != nil {
		return domain.Rule{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return domain.NewLiteralRule(dom, target), nil
}

// checkTemplate verifies every $n, ${n} and ${name} in tmpl refers to a group
// re defines. "$$" is a literal dollar.
func checkTemplate(re *regexp.Regexp, tmpl string) error {
	names := re.SubexpNames()
	for {
		i := strings.IndexByte(tmpl, '$')
		if i < 0 {
			return nil
		}
		tmpl = tmpl[i+1:]
		if tmpl == "" {
			return fmt.Errorf("%w: trailing $", ErrInvalidTemplate)
		}
		if tmpl[0] == '$' {
			tmpl = tmpl[1:]
			continue
		}

		var ref string
		if tmpl[0] == '{' {
			end := strings.IndexByte(tmpl, '}')
			if end < 0 {
				return fmt.Errorf("%w: unclosed ${", ErrInvalidTemplate)
			}
			ref, tmpl = tmpl[1:end], tmpl[end+1:]
		} else {
			n := 0
			for n < len(tmpl) && isRefChar(tmpl[n]) {
				n++
			}
			ref, tmpl = tmpl[:n], tmpl[n:]
		}
		if ref == "" {
			return fmt.Errorf("%w: empty group reference", ErrInvalidTemplate)
		}

		if num, err := strconv.Atoi(ref); err == nil {
			if num < 0 || num > re.NumSubexp() {
				return fmt.Errorf("%w: group %d not defined by pattern", ErrInvalidTemplate, num)
			}
			continue
		}
		found := false
		for _, n := range names {
			if n != "" && n == ref {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: group %q not defined by pattern", ErrInvalidTemplate, ref)
		}
	}
}

func isRefChar(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
