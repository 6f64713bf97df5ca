package risk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// Tier is a discrete risk classification.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

// Rule assigns Tier when its CEL expression evaluates to true. Expressions
// see `district` (string), `total_area` (double) and `records_count` (int).
type Rule struct {
	Tier Tier   `yaml:"tier" json:"tier"`
	When string `yaml:"when" json:"when"`
}

// Policy is an ordered rule set. Tiers run from most to least severe; the
// last tier applies when no rule matches.
type Policy struct {
	Tiers []Tier `yaml:"tiers" json:"tiers"`
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Thresholds parameterise the default policy.
type Thresholds struct {
	HighArea    float64 `yaml:"high_area" json:"high_area"`
	HighRecords int     `yaml:"high_records" json:"high_records"`
	MediumArea  float64 `yaml:"medium_area" json:"medium_area"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighArea:    50000,
		HighRecords: 1,
		MediumArea:  20000,
	}
}

// DefaultPolicy builds the three-tier policy:
// area above HighArea with at least HighRecords batches is HIGH, area above
// MediumArea is MEDIUM, anything else LOW.
func DefaultPolicy(th Thresholds) Policy {
	return Policy{
		Tiers: []Tier{TierHigh, TierMedium, TierLow},
		Rules: []Rule{
			{Tier: TierHigh, When: fmt.Sprintf("total_area > %s && records_count >= %d", celDouble(th.HighArea), th.HighRecords)},
			{Tier: TierMedium, When: fmt.Sprintf("total_area > %s", celDouble(th.MediumArea))},
		},
	}
}

// celDouble formats v as a CEL double literal.
func celDouble(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

type compiledRule struct {
	tier Tier
	expr string
	prg  cel.Program
}

// RuleSet is a compiled Policy.
type RuleSet struct {
	tiers []Tier
	rank  map[Tier]int
	rules []compiledRule
}

// CompilePolicy validates the tiers and compiles every rule expression.
func CompilePolicy(p Policy) (*RuleSet, error) {
	if len(p.Tiers) == 0 {
		return nil, fmt.Errorf("policy has no tiers")
	}
	rs := &RuleSet{
		tiers: append([]Tier(nil), p.Tiers...),
		rank:  make(map[Tier]int, len(p.Tiers)),
	}
	for i, t := range p.Tiers {
		if t == "" {
			return nil, fmt.Errorf("policy tier %d is empty", i)
		}
		if _, dup := rs.rank[t]; dup {
			return nil, fmt.Errorf("policy tier %q listed twice", t)
		}
		rs.rank[t] = i
	}

	env, err := cel.NewEnv(
		cel.Variable("district", cel.StringType),
		cel.Variable("total_area", cel.DoubleType),
		cel.Variable("records_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	for i, r := range p.Rules {
		if _, ok := rs.rank[r.Tier]; !ok {
			return nil, fmt.Errorf("rule %d assigns unknown tier %q", i, r.Tier)
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %d: CEL compile error: %w", i, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %d: expression %q is not boolean", i, r.When)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %d: CEL program error: %w", i, err)
		}
		rs.rules = append(rs.rules, compiledRule{tier: r.Tier, expr: r.When, prg: prg})
	}
	return rs, nil
}

// Classify evaluates the rules top to bottom; the first match wins.
func (rs *RuleSet) Classify(district string, totalArea float64, records int) (Tier, error) {
	input := map[string]any{
		"district":      district,
		"total_area":    totalArea,
		"records_count": int64(records),
	}
	for _, r := range rs.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return "", fmt.Errorf("rule %q: CEL eval error: %w", r.expr, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("rule %q: result not boolean", r.expr)
		}
		if matched {
			return r.tier, nil
		}
	}
	return rs.tiers[len(rs.tiers)-1], nil
}

// Top returns the most severe tier.
func (rs *RuleSet) Top() Tier {
	return rs.tiers[0]
}

// Rank orders tiers; 0 is the most severe.
func (rs *RuleSet) Rank(t Tier) int {
	if r, ok := rs.rank[t]; ok {
		return r
	}
	return len(rs.tiers)
}
