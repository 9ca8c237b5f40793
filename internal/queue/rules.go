package queue

import (
	"fmt"
	"sort"
	"time"
)

// PenaltyRule widens or moves a caller's penalty window once the caller
// has waited at least Time.
type PenaltyRule struct {
	// Time is the wait, measured from the caller's queue entry, at which
	// the rule fires.
	Time time.Duration
	// MaxValue is the new max penalty, or the delta when MaxRelative.
	MaxValue int
	// MinValue is the new min penalty, or the delta when MinRelative.
	MinValue int
	// MaxRelative applies MaxValue as an adjustment to the current max.
	MaxRelative bool
	// MinRelative applies MinValue as an adjustment to the current min.
	MinRelative bool
}

// apply mutates a caller's penalty window per the rule semantics: relative
// values adjust, absolute values replace, both floors at zero, and min is
// clamped so min <= max.
func (r PenaltyRule) apply(min, max int) (newMin, newMax int) {
	if r.MaxRelative {
		newMax = max + r.MaxValue
	} else {
		newMax = r.MaxValue
	}
	if r.MinRelative {
		newMin = min + r.MinValue
	} else {
		newMin = r.MinValue
	}
	if newMax < 0 {
		newMax = 0
	}
	if newMin < 0 {
		newMin = 0
	}
	if newMax != 0 && newMin > newMax {
		newMin = newMax
	}
	return newMin, newMax
}

// RuleSet is a named, time-ordered list of penalty rules.
type RuleSet struct {
	Name  string
	rules []PenaltyRule
}

// NewRuleSet builds a rule set, ordering the rules by fire time.
func NewRuleSet(name string, rules []PenaltyRule) (*RuleSet, error) {
	if name == "" {
		return nil, fmt.Errorf("rule set needs a name")
	}
	sorted := make([]PenaltyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time < sorted[j].Time
	})
	return &RuleSet{Name: name, rules: sorted}, nil
}

// Rules returns the ordered rules.
func (rs *RuleSet) Rules() []PenaltyRule {
	out := make([]PenaltyRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// BestRuleAfter returns the rule with the smallest fire time >= elapsed,
// or nil when no rule remains.
func (rs *RuleSet) BestRuleAfter(elapsed time.Duration) *PenaltyRule {
	for i := range rs.rules {
		if rs.rules[i].Time >= elapsed {
			r := rs.rules[i]
			return &r
		}
	}
	return nil
}

// pending returns the suffix of rules whose fire time is >= elapsed; a
// caller entering a queue takes this as its rule cursor.
func (rs *RuleSet) pending(elapsed time.Duration) []PenaltyRule {
	for i := range rs.rules {
		if rs.rules[i].Time >= elapsed {
			out := make([]PenaltyRule, len(rs.rules)-i)
			copy(out, rs.rules[i:])
			return out
		}
	}
	return nil
}
