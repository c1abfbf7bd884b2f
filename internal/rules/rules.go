package rules

import (
	"context"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"riskpipe/internal/model"
)

// Rule is one declarative entry of the rule document: an identifier and
// a boolean condition over feature names.
type Rule struct {
	ID string `yaml:"id" json:"id"`
	If string `yaml:"if" json:"if"`
}

type compiledRule struct {
	id   string
	expr node
}

// Set is a compiled rule set. A rule whose condition failed to compile
// stays in the set with a nil expression and never fires.
type Set struct {
	rules  []compiledRule
	logger *slog.Logger
}

func Load(path string, logger *slog.Logger) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []Rule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Compile(raw, logger), nil
}

func Compile(raw []Rule, logger *slog.Logger) *Set {
	s := &Set{logger: logger}
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		expr, err := parseExpr(r.If)
		if err != nil {
			if logger != nil {
				logger.Warn("rule condition rejected", "rule_id", r.ID, "err", err)
			}
			expr = nil
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, expr: expr})
	}
	return s
}

func (s *Set) Len() int {
	return len(s.rules)
}

// Eval adapts Evaluate to the fail-open evaluator contract shared with
// the remote rules client. The local evaluator itself cannot fail.
func (s *Set) Eval(_ context.Context, features model.FeatureVector) ([]string, error) {
	return s.Evaluate(features), nil
}

// Evaluate returns the ids of rules whose condition holds for features,
// in declaration order. A rule that errors at evaluation time is treated
// as not fired; the remaining rules still run.
func (s *Set) Evaluate(features model.FeatureVector) []string {
	ctx := features.Map()
	fired := []string{}
	for _, r := range s.rules {
		if r.expr == nil {
			continue
		}
		v, err := r.expr.eval(ctx)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("rule evaluation error", "rule_id", r.id, "err", err)
			}
			continue
		}
		if v.truthy() {
			fired = append(fired, r.id)
		}
	}
	return fired
}
