package routing

import (
	"sort"

	"github.com/georgemunganga/printa-routing/internal/metrics"
	"go.uber.org/zap"
)

// Evaluator finds the first rule of a policy whose criteria match an order.
type Evaluator struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewEvaluator(log *zap.Logger, m *metrics.Metrics) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{log: log, metrics: m}
}

// SortRules returns the rules in evaluation order: priority ascending, then
// creation time, then id so the order is total.
func SortRules(rules []RoutingRule) []RoutingRule {
	sorted := append([]RoutingRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return sorted
}

// compiledRule pairs a rule with its parsed criteria.
type compiledRule struct {
	rule     RoutingRule
	criteria *Criteria
}

// Compile sorts the rules and parses their criteria. Rules whose criteria do not
// parse are dropped with a warning so that one bad rule cannot block routing.
func (e *Evaluator) Compile(rules []RoutingRule) []compiledRule {
	sorted := SortRules(rules)
	out := make([]compiledRule, 0, len(sorted))
	for _, r := range sorted {
		c, err := ParseCriteria(r.Criteria)
		if err != nil {
			e.log.Warn("skipping routing rule with invalid criteria",
				zap.String("rule_id", r.ID.String()),
				zap.String("policy_id", r.PolicyID.String()),
				zap.Int("priority", r.Priority),
				zap.Error(err),
			)
			e.metrics.RecordSkippedRule()
			continue
		}
		out = append(out, compiledRule{rule: r, criteria: c})
	}
	return out
}

// Evaluate returns the first matching rule, or nil when none match.
func (e *Evaluator) Evaluate(order *Order, rules []RoutingRule) *RoutingRule {
	return matchCompiled(order, e.Compile(rules))
}

func matchCompiled(order *Order, compiled []compiledRule) *RoutingRule {
	for i := range compiled {
		if compiled[i].criteria.Match(order) {
			r := compiled[i].rule
			return &r
		}
	}
	return nil
}
