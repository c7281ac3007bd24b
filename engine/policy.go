/*
policy.go - Commission policy and attribution resolution

PURPOSE:
  A CommissionPolicy decides WHO gets credit for a sale: which lead
  interaction within the attribution window, and therefore which agent.
  Resolution is pure and fails open: if nothing in the window qualifies,
  the conversion's own recorded agent keeps the credit, so a thin lead
  history never blocks a calculation run.

ATTRIBUTION MODES:
  LAST_TOUCH:
    - The most recent lead interaction for the customer within the window
      before the conversion wins
    - "Whoever talked to them last closed the deal"

  FIRST_TOUCH:
    - The earliest interaction within the window wins
    - "Whoever sourced the customer gets the credit"

MULTIPLE ACTIVE POLICIES:
  The schema does not enforce a single active policy per tenant. When
  several are simultaneously active and effective, the most recently
  created one wins deterministically and the caller is told so it can
  log a tenant-level inconsistency warning. This never fails the run.
*/
package engine

import (
	"time"
)

// =============================================================================
// COMMISSION POLICY
// =============================================================================

// AttributionMode selects which in-window interaction is credited.
type AttributionMode string

const (
	LastTouch  AttributionMode = "LAST_TOUCH"
	FirstTouch AttributionMode = "FIRST_TOUCH"
)

// CommissionPolicy is a tenant's attribution configuration. Policies are
// never deleted, only deactivated.
type CommissionPolicy struct {
	ID       PolicyID
	TenantID TenantID
	Name     string
	Mode     AttributionMode

	// Window is the maximum lookback from the conversion to an
	// attributable lead interaction.
	Window time.Duration

	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	IsActive      bool
	CreatedAt     time.Time
}

// EffectiveAt reports whether the policy covers the given reference time.
func (p CommissionPolicy) EffectiveAt(ref time.Time) bool {
	if p.EffectiveFrom != nil && ref.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && ref.After(*p.EffectiveTo) {
		return false
	}
	return true
}

// ActivePolicy narrows a tenant's policies to the one governing events at
// the given reference time. Returns nil when no policy applies (a legal
// configuration: attribution then falls back to the conversion's recorded
// agent for every event). The second result is true when more than one
// policy was simultaneously active, a data inconsistency the caller
// should log, resolved deterministically as latest created_at wins.
func ActivePolicy(policies []CommissionPolicy, ref time.Time) (*CommissionPolicy, bool) {
	var winner *CommissionPolicy
	matched := 0
	for i := range policies {
		p := &policies[i]
		if !p.IsActive || !p.EffectiveAt(ref) {
			continue
		}
		matched++
		if winner == nil ||
			p.CreatedAt.After(winner.CreatedAt) ||
			(p.CreatedAt.Equal(winner.CreatedAt) && p.ID > winner.ID) {
			winner = p
		}
	}
	return winner, matched > 1
}

// =============================================================================
// ATTRIBUTION RESOLUTION
// =============================================================================

// AttributedContext is the outcome of attribution for one conversion:
// the credited agent and lead, plus the reference timestamps downstream
// predicate evaluation reads.
type AttributedContext struct {
	AgentID *AgentID
	Lead    *Lead

	// ReferenceAt is the conversion timestamp; rule effectivity and
	// SELL_TIME both key off it.
	ReferenceAt time.Time

	// FellBack is true when no in-window interaction qualified and the
	// conversion's own recorded agent kept the credit.
	FellBack bool
}

// ResolveAttribution determines the credited agent/lead for a conversion
// under the given policy. `leads` is the customer's full interaction
// history (the caller pre-filters by customer, not by window). Pure.
//
// A nil policy skips window logic entirely and credits the conversion's
// recorded agent and lead.
func ResolveAttribution(conv Conversion, leads []Lead, policy *CommissionPolicy) AttributedContext {
	out := AttributedContext{
		AgentID:     conv.AgentID,
		ReferenceAt: conv.ConvertedAt,
		FellBack:    true,
	}

	if policy == nil {
		return out
	}

	windowStart := conv.ConvertedAt.Add(-policy.Window)
	var pick *Lead
	for i := range leads {
		l := &leads[i]
		if l.CapturedAt.After(conv.ConvertedAt) || l.CapturedAt.Before(windowStart) {
			continue
		}
		if pick == nil {
			pick = l
			continue
		}
		switch policy.Mode {
		case LastTouch:
			if l.CapturedAt.After(pick.CapturedAt) ||
				(l.CapturedAt.Equal(pick.CapturedAt) && l.ID > pick.ID) {
				pick = l
			}
		case FirstTouch:
			if l.CapturedAt.Before(pick.CapturedAt) ||
				(l.CapturedAt.Equal(pick.CapturedAt) && l.ID < pick.ID) {
				pick = l
			}
		}
	}

	if pick == nil {
		// Fail open: source truth from the conversion record.
		return out
	}

	out.Lead = pick
	out.FellBack = false
	if pick.AgentID != nil {
		out.AgentID = pick.AgentID
	}
	return out
}
