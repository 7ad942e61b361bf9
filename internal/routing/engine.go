package routing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pearlhq/pearl/internal/classify"
	"github.com/pearlhq/pearl/internal/config"
)

// tokenPredicate compares an estimated token count against a rule bound.
type tokenPredicate struct {
	op    string
	bound int
}

func (p tokenPredicate) matches(tokens int) bool {
	switch p.op {
	case "<":
		return tokens < p.bound
	case ">":
		return tokens > p.bound
	case "<=":
		return tokens <= p.bound
	case ">=":
		return tokens >= p.bound
	default:
		return tokens == p.bound
	}
}

// parseTokenPredicate parses comparator expressions like "<=500", ">500",
// or a bare "500" for exact match.
func parseTokenPredicate(expr string) (tokenPredicate, error) {
	expr = strings.TrimSpace(expr)

	op := ""
	for _, candidate := range []string{"<=", ">=", "<", ">"} {
		if strings.HasPrefix(expr, candidate) {
			op = candidate
			expr = strings.TrimSpace(expr[len(candidate):])
			break
		}
	}

	bound, err := strconv.Atoi(expr)
	if err != nil {
		return tokenPredicate{}, fmt.Errorf("invalid token expression %q: %w", expr, err)
	}
	return tokenPredicate{op: op, bound: bound}, nil
}

type compiledRule struct {
	name          string
	priority      int
	isDefault     bool
	model         string
	complexity    *string
	requestType   *string
	sensitive     *bool
	requiresTools *bool
	tokens        *tokenPredicate
}

// matches reports whether every specified predicate holds. Unset fields
// mean "don't care"; the default rule matches everything.
func (r compiledRule) matches(cl classify.Classification) bool {
	if r.isDefault {
		return true
	}
	if r.complexity != nil && *r.complexity != cl.Complexity {
		return false
	}
	if r.requestType != nil && *r.requestType != cl.Type {
		return false
	}
	if r.sensitive != nil && *r.sensitive != cl.Sensitive {
		return false
	}
	if r.requiresTools != nil && *r.requiresTools != cl.RequiresTools {
		return false
	}
	if r.tokens != nil && !r.tokens.matches(cl.EstimatedTokens) {
		return false
	}
	return true
}

// Engine evaluates routing rules against classifications. Rules are sorted
// by descending priority at construction; the default rule sorts last.
type Engine struct {
	rules        []compiledRule
	defaultModel string
}

// NewEngine compiles the declarative rule table.
func NewEngine(cfg config.RoutingConfig) (*Engine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		if rc.Model == "" {
			return nil, fmt.Errorf("rule %q has no model", rc.Name)
		}

		rule := compiledRule{
			name:          rc.Name,
			priority:      rc.Priority,
			isDefault:     rc.Default,
			model:         rc.Model,
			complexity:    rc.Match.Complexity,
			requestType:   rc.Match.Type,
			sensitive:     rc.Match.Sensitive,
			requiresTools: rc.Match.RequiresTools,
		}
		if rc.Match.Tokens != nil {
			predicate, err := parseTokenPredicate(*rc.Match.Tokens)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
			}
			rule.tokens = &predicate
		}
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		// Default rules sort below everything regardless of priority.
		if rules[i].isDefault != rules[j].isDefault {
			return rules[j].isDefault
		}
		return rules[i].priority > rules[j].priority
	})

	return &Engine{rules: rules, defaultModel: cfg.DefaultModel}, nil
}

// Select returns the model of the first matching rule and the rule name.
// With no match and no default rule, the configured default model is
// returned with an empty rule name.
func (e *Engine) Select(cl classify.Classification) (model, rule string) {
	for _, r := range e.rules {
		if r.matches(cl) {
			return r.model, r.name
		}
	}
	return e.defaultModel, ""
}
