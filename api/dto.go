/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Rules:
    RuleDTO (wraps factory.RuleJSON), CreateRuleRequest

  Policies:
    PolicyDTO (wraps factory.PolicyJSON), CreatePolicyRequest

  Runs:
    RunDTO, StartRunRequest, ItemDTO

  Exports:
    ExportDTO, CreateExportRequest

VALIDATION:
  Surface validation (required fields, enums) uses go-playground
  validator struct tags; operand semantics are validated by the engine
  (BonusRule.Validate) before anything is persisted.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleJSON and PolicyJSON types
*/
package api

import (
	"time"

	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/factory"
)

// =============================================================================
// RULES
// =============================================================================

// RuleDTO represents a bonus rule in API responses.
type RuleDTO struct {
	factory.RuleJSON
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateRuleRequest is the request to create (or revise) a rule.
type CreateRuleRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Dimension   string `json:"dimension" validate:"required"`
	Operator    string `json:"operator" validate:"required"`
	AmountType  string `json:"amount_type" validate:"required,oneof=fixed percent_of_sale"`
	AmountValue string `json:"amount_value" validate:"required"`

	NumFrom      string   `json:"num_from,omitempty"`
	NumTo        string   `json:"num_to,omitempty"`
	TsFrom       string   `json:"ts_from,omitempty"`
	TsTo         string   `json:"ts_to,omitempty"`
	IntervalFrom string   `json:"interval_from,omitempty"`
	IntervalTo   string   `json:"interval_to,omitempty"`
	TextValue    string   `json:"text_value,omitempty"`
	TextValues   []string `json:"text_values,omitempty"`

	CapAmount     string `json:"cap_amount,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	EffectiveFrom string `json:"effective_from,omitempty"`
	EffectiveTo   string `json:"effective_to,omitempty"`
}

func (r CreateRuleRequest) toRuleJSON(id string) factory.RuleJSON {
	return factory.RuleJSON{
		ID:            id,
		TenantID:      r.TenantID,
		Name:          r.Name,
		Dimension:     r.Dimension,
		Operator:      r.Operator,
		NumFrom:       r.NumFrom,
		NumTo:         r.NumTo,
		TsFrom:        r.TsFrom,
		TsTo:          r.TsTo,
		IntervalFrom:  r.IntervalFrom,
		IntervalTo:    r.IntervalTo,
		TextValue:     r.TextValue,
		TextValues:    r.TextValues,
		AmountType:    r.AmountType,
		AmountValue:   r.AmountValue,
		CapAmount:     r.CapAmount,
		Priority:      r.Priority,
		EffectiveFrom: r.EffectiveFrom,
		EffectiveTo:   r.EffectiveTo,
	}
}

// =============================================================================
// POLICIES
// =============================================================================

// PolicyDTO represents a commission policy in API responses.
type PolicyDTO struct {
	factory.PolicyJSON
	CreatedAt string `json:"created_at,omitempty"`
}

// CreatePolicyRequest is the request to create a commission policy.
type CreatePolicyRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Mode     string `json:"mode" validate:"required,oneof=LAST_TOUCH FIRST_TOUCH"`
	Window   string `json:"window" validate:"required"`

	EffectiveFrom string `json:"effective_from,omitempty"`
	EffectiveTo   string `json:"effective_to,omitempty"`
}

// =============================================================================
// RUNS
// =============================================================================

// StartRunRequest is the request to start a calculation run.
type StartRunRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	PeriodStart string `json:"period_start" validate:"required"`
	PeriodEnd   string `json:"period_end" validate:"required"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// RunDTO represents a calculation run in API responses.
type RunDTO struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ItemDTO represents one calculation item in API responses.
type ItemDTO struct {
	ID            string  `json:"id"`
	RunID         string  `json:"run_id"`
	AgentID       *string `json:"agent_id,omitempty"`
	OutletID      *string `json:"outlet_id,omitempty"`
	ConversionID  string  `json:"conversion_id"`
	LeadID        *string `json:"lead_id,omitempty"`
	AppliedRuleID *string `json:"applied_rule_id,omitempty"`
	GrossBonus    string  `json:"gross_bonus"`
	Notes         string  `json:"notes,omitempty"`
}

// =============================================================================
// EXPORTS
// =============================================================================

// CreateExportRequest records that a run's payout data was exported.
type CreateExportRequest struct {
	TenantID   string `json:"tenant_id" validate:"required"`
	RunID      string `json:"run_id" validate:"required"`
	Format     string `json:"format" validate:"required,oneof=csv pdf xml"`
	ExportedBy string `json:"exported_by,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

// ExportDTO represents an export record in API responses.
type ExportDTO struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	RunID      string `json:"run_id"`
	Format     string `json:"format"`
	ExportedBy string `json:"exported_by,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	ExportedAt string `json:"exported_at"`
}

// =============================================================================
// MISC
// =============================================================================

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a demo scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRuleDTO(f *factory.RuleFactory, r engine.BonusRule) RuleDTO {
	return RuleDTO{
		RuleJSON:  f.RuleToJSON(r),
		Version:   r.Version,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

func toPolicyDTO(f *factory.RuleFactory, p engine.CommissionPolicy) PolicyDTO {
	return PolicyDTO{
		PolicyJSON: f.PolicyToJSON(p),
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
	}
}

func toRunDTO(r engine.CalculationRun) RunDTO {
	dto := RunDTO{
		ID:          string(r.ID),
		TenantID:    string(r.TenantID),
		PeriodStart: r.PeriodStart.Format(time.RFC3339),
		PeriodEnd:   r.PeriodEnd.Format(time.RFC3339),
		TriggeredBy: r.TriggeredBy,
		Status:      string(r.Status),
		Message:     r.Message,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.StartedAt != nil {
		dto.StartedAt = r.StartedAt.Format(time.RFC3339)
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toItemDTO(it engine.CalculationItem) ItemDTO {
	return ItemDTO{
		ID:            string(it.ID),
		RunID:         string(it.RunID),
		AgentID:       idString(it.AgentID),
		OutletID:      idString(it.OutletID),
		ConversionID:  string(it.ConversionID),
		LeadID:        idString(it.LeadID),
		AppliedRuleID: idString(it.AppliedRuleID),
		GrossBonus:    it.GrossBonus.String(),
		Notes:         it.Notes,
	}
}

func toExportDTO(e engine.PayoutExport) ExportDTO {
	return ExportDTO{
		ID:         e.ID,
		TenantID:   string(e.TenantID),
		RunID:      string(e.RunID),
		Format:     string(e.Format),
		ExportedBy: e.ExportedBy,
		FilePath:   e.FilePath,
		ExportedAt: e.ExportedAt.Format(time.RFC3339),
	}
}

func idString[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
