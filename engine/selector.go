/*
selector.go - Rule selection: priority ordering and first-match-wins

PURPOSE:
  Given one event and the tenant's full rule set, decide which rule (if
  any) is actually applied. Selection is an explicit, named pure function
  over an explicitly ordered list rather than inline control flow, so the
  conflict-resolution contract is testable on its own.

CONTRACT:
  - Candidates: active rules, effective at the event's reference
    timestamp, whose predicate matches
  - Ordering: ascending priority, ties broken by ascending rule ID
    (deterministic and stable across runs)
  - Default policy: first-match-wins, exactly one rule per event
  - StackMatches: every matching rule applies additively; kept behind a
    configuration flag because the observed production behavior is
    first-match and switching it is a business call, not an engineering one

  No match is not an error: the event still yields a zero-bonus item so
  the audit trail stays complete.
*/
package engine

import (
	"sort"
)

// SelectionResult carries the applied rule(s) for one event plus any
// data-integrity warnings raised while sifting candidates.
type SelectionResult struct {
	// Applied is the winning rule under first-match-wins, nil when no
	// rule matched.
	Applied *BonusRule

	// Stacked holds every matching rule in priority order when stacking
	// is enabled; it contains exactly Applied otherwise (or nothing).
	Stacked []BonusRule

	// Warnings describes rules skipped for structural reasons
	// (operands not matching their dimension).
	Warnings []string
}

// SelectRule narrows the rule set to what actually applies to the event.
// Pure and deterministic: same event + same rule set means same result.
func SelectRule(ev EventContext, rules []BonusRule, stackMatches bool) SelectionResult {
	ordered := orderRules(rules)

	var res SelectionResult
	for i := range ordered {
		r := ordered[i]
		if !r.IsActive || !r.EffectiveAt(ev.Conversion.ConvertedAt) {
			continue
		}
		if err := CheckOperands(r); err != nil {
			res.Warnings = append(res.Warnings, "rule "+string(r.ID)+" skipped: "+err.Error())
			continue
		}
		if !Matches(r, ev) {
			continue
		}
		if res.Applied == nil {
			applied := r
			res.Applied = &applied
		}
		res.Stacked = append(res.Stacked, r)
		if !stackMatches {
			break
		}
	}
	return res
}

// orderRules returns a sorted copy: ascending priority, ascending ID.
// The input is never mutated; callers may share rule slices across
// concurrently evaluated events.
func orderRules(rules []BonusRule) []BonusRule {
	ordered := make([]BonusRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
