/*
Package factory provides JSON to Go rule conversion.

PURPOSE:
  Converts JSON rule and policy definitions into engine.BonusRule and
  engine.CommissionPolicy objects. This enables rule configuration
  without code changes - sales ops can define bonus schemes in JSON,
  and the factory creates the proper Go structs.

WHY JSON?
  - Non-developers can modify bonus schemes
  - Easy integration with admin UI
  - Version control for rule definitions
  - Database storage of rule configs

JSON SCHEMA:
  {
    "id": "big-ticket-15pct",
    "name": "15% on big tickets",
    "dimension": "SELL_AMOUNT",
    "operator": "GTE",
    "num_from": "5000",
    "amount_type": "percent_of_sale",
    "amount_value": "15",
    "cap_amount": "1000",
    "priority": 10
  }

TIMESTAMP HANDLING:
  Timestamp operands accept RFC3339 ("2025-03-01T00:00:00Z") or a bare
  date ("2025-03-01"). Bare dates anchor to midnight in the tenant's
  timezone, so "from March 1" means the tenant's March 1, not UTC's.

INTERVAL HANDLING:
  Interval operands accept Go duration syntax ("48h", "90m") plus a "d"
  suffix for whole days ("2d" = 48h).

USAGE:
  loc, _ := time.LoadLocation("Asia/Tashkent")
  f := factory.NewRuleFactory(loc)

  rule, err := f.ParseRule(jsonString)

  // From preset (recommended for demos)
  rule, err = f.ParseRule(factory.BigTicketPercentJSON("r1", "t1", "5000", "15", "1000"))

SEE ALSO:
  - engine/rule.go: BonusRule type and operand validation
  - api/scenarios.go: Demo data built from these presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posightful/bonus-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a bonus rule.
type RuleJSON struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	Dimension string `json:"dimension"`
	Operator  string `json:"operator"`

	NumFrom      string   `json:"num_from,omitempty"`
	NumTo        string   `json:"num_to,omitempty"`
	TsFrom       string   `json:"ts_from,omitempty"`
	TsTo         string   `json:"ts_to,omitempty"`
	IntervalFrom string   `json:"interval_from,omitempty"`
	IntervalTo   string   `json:"interval_to,omitempty"`
	TextValue    string   `json:"text_value,omitempty"`
	TextValues   []string `json:"text_values,omitempty"`

	AmountType  string `json:"amount_type"`
	AmountValue string `json:"amount_value"`
	CapAmount   string `json:"cap_amount,omitempty"`

	Priority      int    `json:"priority,omitempty"`
	EffectiveFrom string `json:"effective_from,omitempty"`
	EffectiveTo   string `json:"effective_to,omitempty"`
	IsActive      *bool  `json:"is_active,omitempty"`
}

// PolicyJSON is the JSON representation of a commission policy.
type PolicyJSON struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	Mode   string `json:"mode"`   // LAST_TOUCH or FIRST_TOUCH
	Window string `json:"window"` // attribution window, e.g. "720h" or "30d"

	EffectiveFrom string `json:"effective_from,omitempty"`
	EffectiveTo   string `json:"effective_to,omitempty"`
	IsActive      *bool  `json:"is_active,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// RuleFactory converts JSON definitions into engine types. The location
// anchors bare-date operands to tenant-local midnight.
type RuleFactory struct {
	loc *time.Location
	now func() time.Time
}

func NewRuleFactory(loc *time.Location) *RuleFactory {
	if loc == nil {
		loc = time.UTC
	}
	return &RuleFactory{loc: loc, now: time.Now}
}

// ParseRule parses a JSON rule definition and validates its operands.
func (f *RuleFactory) ParseRule(jsonStr string) (engine.BonusRule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return engine.BonusRule{}, fmt.Errorf("invalid rule JSON: %w", err)
	}
	return f.RuleFromJSON(rj)
}

// RuleFromJSON converts a parsed schema into a validated BonusRule.
func (f *RuleFactory) RuleFromJSON(rj RuleJSON) (engine.BonusRule, error) {
	r := engine.BonusRule{
		ID:        engine.RuleID(rj.ID),
		TenantID:  engine.TenantID(rj.TenantID),
		Name:      rj.Name,
		Dimension: engine.Dimension(rj.Dimension),
		Operator:  engine.Operator(rj.Operator),
		TextValue: rj.TextValue,
		Priority:  rj.Priority,
		IsActive:  true,
		Version:   1,
		CreatedAt: f.now().UTC(),
	}
	if r.Priority == 0 {
		r.Priority = 100
	}
	if rj.IsActive != nil {
		r.IsActive = *rj.IsActive
	}
	if len(rj.TextValues) > 0 {
		r.TextValues = strings.Join(rj.TextValues, ",")
	}

	var err error
	if r.NumFrom, err = f.parseDecimal("num_from", rj.NumFrom); err != nil {
		return r, err
	}
	if r.NumTo, err = f.parseDecimal("num_to", rj.NumTo); err != nil {
		return r, err
	}
	if r.TsFrom, err = f.parseTimestamp("ts_from", rj.TsFrom); err != nil {
		return r, err
	}
	if r.TsTo, err = f.parseTimestamp("ts_to", rj.TsTo); err != nil {
		return r, err
	}
	if r.IntervalFrom, err = f.parseInterval("interval_from", rj.IntervalFrom); err != nil {
		return r, err
	}
	if r.IntervalTo, err = f.parseInterval("interval_to", rj.IntervalTo); err != nil {
		return r, err
	}
	if r.CapAmount, err = f.parseDecimal("cap_amount", rj.CapAmount); err != nil {
		return r, err
	}
	if r.EffectiveFrom, err = f.parseTimestamp("effective_from", rj.EffectiveFrom); err != nil {
		return r, err
	}
	if r.EffectiveTo, err = f.parseTimestamp("effective_to", rj.EffectiveTo); err != nil {
		return r, err
	}

	if rj.AmountValue == "" {
		return r, fmt.Errorf("amount_value is required")
	}
	amount, err := decimal.NewFromString(rj.AmountValue)
	if err != nil {
		return r, fmt.Errorf("amount_value %q: %w", rj.AmountValue, err)
	}
	r.AmountType = engine.AmountType(rj.AmountType)
	r.AmountValue = amount

	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

// RuleToJSON converts a BonusRule back to its JSON schema.
func (f *RuleFactory) RuleToJSON(r engine.BonusRule) RuleJSON {
	active := r.IsActive
	rj := RuleJSON{
		ID:          string(r.ID),
		TenantID:    string(r.TenantID),
		Name:        r.Name,
		Dimension:   string(r.Dimension),
		Operator:    string(r.Operator),
		TextValue:   r.TextValue,
		AmountType:  string(r.AmountType),
		AmountValue: r.AmountValue.String(),
		Priority:    r.Priority,
		IsActive:    &active,
	}
	if r.TextValues != "" {
		rj.TextValues = r.TextSet()
	}
	if r.NumFrom != nil {
		rj.NumFrom = r.NumFrom.String()
	}
	if r.NumTo != nil {
		rj.NumTo = r.NumTo.String()
	}
	if r.TsFrom != nil {
		rj.TsFrom = r.TsFrom.Format(time.RFC3339)
	}
	if r.TsTo != nil {
		rj.TsTo = r.TsTo.Format(time.RFC3339)
	}
	if r.IntervalFrom != nil {
		rj.IntervalFrom = r.IntervalFrom.String()
	}
	if r.IntervalTo != nil {
		rj.IntervalTo = r.IntervalTo.String()
	}
	if r.CapAmount != nil {
		rj.CapAmount = r.CapAmount.String()
	}
	if r.EffectiveFrom != nil {
		rj.EffectiveFrom = r.EffectiveFrom.Format(time.RFC3339)
	}
	if r.EffectiveTo != nil {
		rj.EffectiveTo = r.EffectiveTo.Format(time.RFC3339)
	}
	return rj
}

// ParsePolicy parses a JSON commission policy definition.
func (f *RuleFactory) ParsePolicy(jsonStr string) (engine.CommissionPolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return engine.CommissionPolicy{}, fmt.Errorf("invalid policy JSON: %w", err)
	}
	return f.PolicyFromJSON(pj)
}

// PolicyFromJSON converts a parsed schema into a CommissionPolicy.
func (f *RuleFactory) PolicyFromJSON(pj PolicyJSON) (engine.CommissionPolicy, error) {
	p := engine.CommissionPolicy{
		ID:        engine.PolicyID(pj.ID),
		TenantID:  engine.TenantID(pj.TenantID),
		Name:      pj.Name,
		Mode:      engine.AttributionMode(pj.Mode),
		IsActive:  true,
		CreatedAt: f.now().UTC(),
	}
	if pj.IsActive != nil {
		p.IsActive = *pj.IsActive
	}

	switch p.Mode {
	case engine.LastTouch, engine.FirstTouch:
	default:
		return p, fmt.Errorf("mode %q: want LAST_TOUCH or FIRST_TOUCH", pj.Mode)
	}

	if pj.Window == "" {
		return p, fmt.Errorf("window is required")
	}
	window, err := parseDuration(pj.Window)
	if err != nil {
		return p, fmt.Errorf("window %q: %w", pj.Window, err)
	}
	if window <= 0 {
		return p, fmt.Errorf("window %q: must be positive", pj.Window)
	}
	p.Window = window

	var eff *time.Time
	if eff, err = f.parseTimestamp("effective_from", pj.EffectiveFrom); err != nil {
		return p, err
	}
	p.EffectiveFrom = eff
	if eff, err = f.parseTimestamp("effective_to", pj.EffectiveTo); err != nil {
		return p, err
	}
	p.EffectiveTo = eff
	return p, nil
}

// PolicyToJSON converts a CommissionPolicy back to its JSON schema.
func (f *RuleFactory) PolicyToJSON(p engine.CommissionPolicy) PolicyJSON {
	active := p.IsActive
	pj := PolicyJSON{
		ID:       string(p.ID),
		TenantID: string(p.TenantID),
		Name:     p.Name,
		Mode:     string(p.Mode),
		Window:   p.Window.String(),
		IsActive: &active,
	}
	if p.EffectiveFrom != nil {
		pj.EffectiveFrom = p.EffectiveFrom.Format(time.RFC3339)
	}
	if p.EffectiveTo != nil {
		pj.EffectiveTo = p.EffectiveTo.Format(time.RFC3339)
	}
	return pj
}

// =============================================================================
// OPERAND PARSING
// =============================================================================

func (f *RuleFactory) parseDecimal(field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return &d, nil
}

// parseTimestamp accepts RFC3339 or a bare date anchored to the tenant's
// local midnight.
func (f *RuleFactory) parseTimestamp(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, f.loc); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("%s %q: want RFC3339 or YYYY-MM-DD", field, s)
}

func (f *RuleFactory) parseInterval(field, s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", field, s, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("%s %q: must be non-negative", field, s)
	}
	return &d, nil
}

// parseDuration extends Go durations with a "d" suffix for whole days.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("bad day count: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// =============================================================================
// PRESETS
// =============================================================================

// BigTicketPercentJSON builds a percent-of-sale rule for sales at or
// above a threshold, with a hard cap.
func BigTicketPercentJSON(id, tenantID, threshold, percent, capAmount string) string {
	rj := RuleJSON{
		ID:          id,
		TenantID:    tenantID,
		Name:        "Percent of sale above " + threshold,
		Dimension:   string(engine.DimSellAmount),
		Operator:    string(engine.OpGTE),
		NumFrom:     threshold,
		AmountType:  string(engine.AmountPercentOfSale),
		AmountValue: percent,
		CapAmount:   capAmount,
		Priority:    10,
	}
	b, _ := json.Marshal(rj)
	return string(b)
}

// FastCloseFixedJSON builds a fixed-amount rule rewarding conversions
// closed within `within` of the lead capture.
func FastCloseFixedJSON(id, tenantID, within, amount string) string {
	rj := RuleJSON{
		ID:          id,
		TenantID:    tenantID,
		Name:        "Fast close within " + within,
		Dimension:   string(engine.DimLeadToSellDelta),
		Operator:    string(engine.OpLTE),
		IntervalTo:  within,
		AmountType:  string(engine.AmountFixed),
		AmountValue: amount,
		Priority:    20,
	}
	b, _ := json.Marshal(rj)
	return string(b)
}

// ProductFocusJSON builds a fixed-amount rule for a set of promoted
// products.
func ProductFocusJSON(id, tenantID string, products []string, amount string) string {
	rj := RuleJSON{
		ID:          id,
		TenantID:    tenantID,
		Name:        "Product focus bonus",
		Dimension:   string(engine.DimPotentialProduct),
		Operator:    string(engine.OpIn),
		TextValues:  products,
		AmountType:  string(engine.AmountFixed),
		AmountValue: amount,
		Priority:    30,
	}
	b, _ := json.Marshal(rj)
	return string(b)
}

// LastTouchPolicyJSON builds a standard last-touch attribution policy.
func LastTouchPolicyJSON(id, tenantID, window string) string {
	pj := PolicyJSON{
		ID:       id,
		TenantID: tenantID,
		Name:     "Last touch " + window,
		Mode:     string(engine.LastTouch),
		Window:   window,
	}
	b, _ := json.Marshal(pj)
	return string(b)
}
