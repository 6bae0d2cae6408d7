package referral

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"smallbiznis-referral/pkg/celengine"
	"smallbiznis-referral/pkg/config"
)

// Clause requires at least MinCount cohort-matched descendants at Depth.
type Clause struct {
	Depth    int `json:"depth"`
	MinCount int `json:"min_count"`
}

// TierRule is the declarative eligibility rule of one milestone. Groups are
// OR-ed together and the clauses inside a group are AND-ed. Expression is an
// alternative to Groups: a CEL boolean over counts[depth], reading at most
// Depth levels.
type TierRule struct {
	Tier       Tier            `json:"tier"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Groups     [][]Clause      `json:"groups,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Depth      int             `json:"depth,omitempty"`
}

// DefaultRules returns the two milestones whose thresholds are fixed. The
// remaining tiers exist only once configured.
func DefaultRules() []TierRule {
	return []TierRule{
		{
			Tier:       Tier130,
			Multiplier: decimal.RequireFromString("0.3"),
			Groups:     [][]Clause{{{Depth: 1, MinCount: 2}}},
		},
		{
			Tier:       Tier200,
			Multiplier: decimal.NewFromInt(1),
			Groups: [][]Clause{
				{{Depth: 1, MinCount: 6}},
				{{Depth: 1, MinCount: 4}, {Depth: 2, MinCount: 4}, {Depth: 3, MinCount: 8}},
			},
		},
	}
}

type compiledRule struct {
	TierRule
	maxDepth int
	program  cel.Program
}

var countsEnv *cel.Env

func init() {
	env, err := cel.NewEnv(cel.Variable("counts", cel.MapType(cel.IntType, cel.IntType)))
	if err != nil {
		panic(fmt.Sprintf("referral: build CEL env: %v", err))
	}
	countsEnv = env
}

func compileRule(r TierRule) (*compiledRule, error) {
	if !r.Tier.Valid() {
		return nil, fmt.Errorf("tier %d: %w", r.Tier, ErrUnknownTier)
	}
	if !r.Multiplier.IsPositive() {
		return nil, fmt.Errorf("tier %d: multiplier must be positive", r.Tier)
	}

	hasGroups := len(r.Groups) > 0
	hasExpr := r.Expression != ""
	if hasGroups == hasExpr {
		return nil, fmt.Errorf("tier %d: exactly one of groups or expression is required", r.Tier)
	}

	c := &compiledRule{TierRule: r}
	if hasGroups {
		for i, group := range r.Groups {
			if len(group) == 0 {
				return nil, fmt.Errorf("tier %d: group %d is empty", r.Tier, i)
			}
			for _, clause := range group {
				if clause.Depth < 1 || clause.MinCount < 0 {
					return nil, fmt.Errorf("tier %d: invalid clause depth=%d min_count=%d", r.Tier, clause.Depth, clause.MinCount)
				}
				c.maxDepth = max(c.maxDepth, clause.Depth)
			}
		}
		return c, nil
	}

	if r.Depth < 1 {
		return nil, fmt.Errorf("tier %d: expression rules must declare depth", r.Tier)
	}
	c.maxDepth = r.Depth

	prg, err := celengine.CompileBool(countsEnv, r.Expression)
	if err != nil {
		return nil, fmt.Errorf("tier %d: compile expression: %w", r.Tier, err)
	}
	c.program = prg

	// Zero counts for every declared depth; an expression that reads a depth
	// outside that range fails here instead of on every evaluation.
	if _, err := c.matches(nil); err != nil {
		return nil, fmt.Errorf("tier %d: expression must only read counts[1..%d]: %w", r.Tier, r.Depth, err)
	}

	return c, nil
}

// matches interprets the rule against cohort counts keyed by depth. Depths
// missing from counts count as zero.
func (r *compiledRule) matches(counts map[int]int) (bool, error) {
	if r.program != nil {
		vars := make(map[int64]int64, r.maxDepth)
		for d := 1; d <= r.maxDepth; d++ {
			vars[int64(d)] = int64(counts[d])
		}
		matched, err := celengine.EvaluateBool(r.program, map[string]any{"counts": vars})
		if err != nil {
			return false, fmt.Errorf("eval failed for tier %d: %w", r.Tier, err)
		}
		return matched, nil
	}

	for _, group := range r.Groups {
		if groupMatches(group, counts) {
			return true, nil
		}
	}
	return false, nil
}

func groupMatches(group []Clause, counts map[int]int) bool {
	for _, clause := range group {
		if counts[clause.Depth] < clause.MinCount {
			return false
		}
	}
	return true
}

func (r *compiledRule) payout(price decimal.Decimal, precision int32) decimal.Decimal {
	return price.Mul(r.Multiplier).Truncate(precision)
}

// RuleSet is an immutable, validated collection of tier rules.
type RuleSet struct {
	rules    map[Tier]*compiledRule
	maxDepth int
}

// NewRuleSet compiles rules. A later rule for the same tier replaces an
// earlier one, so configuration can override the defaults.
func NewRuleSet(rules ...TierRule) (*RuleSet, error) {
	rs := &RuleSet{rules: make(map[Tier]*compiledRule, len(rules))}
	for _, r := range rules {
		c, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		rs.rules[r.Tier] = c
	}
	for _, c := range rs.rules {
		rs.maxDepth = max(rs.maxDepth, c.maxDepth)
	}
	return rs, nil
}

func (rs *RuleSet) rule(tier Tier) (*compiledRule, bool) {
	c, ok := rs.rules[tier]
	return c, ok
}

// Tiers returns the configured tiers in ascending order.
func (rs *RuleSet) Tiers() []Tier {
	out := make([]Tier, 0, len(rs.rules))
	for t := range rs.rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MaxDepth is the deepest level any rule inspects.
func (rs *RuleSet) MaxDepth() int { return rs.maxDepth }

// RulesFromConfig converts REFERRAL.TIERS entries into tier rules.
func RulesFromConfig(tiers []config.TierRule) ([]TierRule, error) {
	out := make([]TierRule, 0, len(tiers))
	for _, t := range tiers {
		multiplier, err := decimal.NewFromString(t.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("tier %d: invalid multiplier %q: %w", t.Tier, t.Multiplier, err)
		}

		groups := make([][]Clause, 0, len(t.Groups))
		for _, g := range t.Groups {
			group := make([]Clause, 0, len(g))
			for _, c := range g {
				group = append(group, Clause{Depth: c.Depth, MinCount: c.MinCount})
			}
			groups = append(groups, group)
		}

		out = append(out, TierRule{
			Tier:       Tier(t.Tier),
			Multiplier: multiplier,
			Groups:     groups,
			Expression: t.Expression,
			Depth:      t.Depth,
		})
	}
	return out, nil
}
