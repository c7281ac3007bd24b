/*
handlers.go - HTTP handlers for the bonus engine API

PURPOSE:
  Implements every API endpoint: rule and policy management, run
  lifecycle, item queries, and export records. Handlers parse and
  validate input, delegate to the store/orchestrator, and shape the
  response via DTOs.

ERROR MAPPING:
  engine.IsNotFound     -> 404
  engine.IsClientError  -> 400 (validation, illegal transition, bad period)
  everything else       -> 500

TENANT SCOPING:
  Every list endpoint takes ?tenant_id=; rule timestamps with bare
  dates are anchored in that tenant's timezone via the factory.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route wiring
  - engine/orchestrator.go: Run execution
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/factory"
	"github.com/posightful/bonus-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Orchestrator *engine.Orchestrator

	validate *validator.Validate

	// Currently loaded scenario; handlers run concurrently.
	scenarioMu      sync.Mutex
	currentScenario string
}

func (h *Handler) setScenario(id string) {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	return h.currentScenario
}

// NewHandler creates a new handler with the given store and orchestrator.
func NewHandler(store *sqlite.Store, orch *engine.Orchestrator) *Handler {
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// tenantFactory builds a RuleFactory anchored to the tenant's timezone.
// Unknown tenants get a not-found error before any rule math happens.
func (h *Handler) tenantFactory(r *http.Request, tenantID string) (*factory.RuleFactory, error) {
	tenant, err := h.Store.GetTenant(r.Context(), engine.TenantID(tenantID))
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, engine.ErrTenantNotFound
	}
	return factory.NewRuleFactory(tenant.Location()), nil
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns a tenant's rules, active only by default.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	f, err := h.tenantFactory(r, tenantID)
	if err != nil {
		writeEngineError(w, "failed to load tenant", err)
		return
	}

	rules, err := h.Store.ListRules(r.Context(), engine.TenantID(tenantID), includeInactive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, 0, len(rules))
	for _, rule := range rules {
		dtos = append(dtos, toRuleDTO(f, rule))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule validates and persists a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	f, err := h.tenantFactory(r, req.TenantID)
	if err != nil {
		writeEngineError(w, "failed to load tenant", err)
		return
	}

	rule, err := f.RuleFromJSON(req.toRuleJSON(uuid.NewString()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := h.Store.SaveRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(f, rule))
}

// GetRule returns a single rule by id.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rule, err := h.Store.GetRule(r.Context(), engine.RuleID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rule", err)
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found", nil)
		return
	}

	f, err := h.tenantFactory(r, string(rule.TenantID))
	if err != nil {
		writeEngineError(w, "failed to load tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(f, *rule))
}

// ReviseRule replaces a rule with a new version. The old row is
// deactivated and keeps serving historical run references.
func (h *Handler) ReviseRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	f, err := h.tenantFactory(r, req.TenantID)
	if err != nil {
		writeEngineError(w, "failed to load tenant", err)
		return
	}

	next, err := f.RuleFromJSON(req.toRuleJSON(uuid.NewString()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := h.Store.ReviseRule(r.Context(), engine.RuleID(id), next); err != nil {
		writeEngineError(w, "failed to revise rule", err)
		return
	}

	revised, err := h.Store.GetRule(r.Context(), next.ID)
	if err != nil || revised == nil {
		writeError(w, http.StatusInternalServerError, "failed to reload revised rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(f, *revised))
}

// DeactivateRule soft-disables a rule. With ?hard=true the row is
// deleted outright, which is refused once any run references it.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("hard") == "true" {
		if err := h.Store.DeleteRule(r.Context(), engine.RuleID(id)); err != nil {
			if errors.Is(err, engine.ErrRuleImmutable) {
				writeError(w, http.StatusConflict, "rule is referenced by a run", err)
				return
			}
			writeEngineError(w, "failed to delete rule", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
		return
	}

	if err := h.Store.DeactivateRule(r.Context(), engine.RuleID(id)); err != nil {
		writeEngineError(w, "failed to deactivate rule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "id": id})
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns a tenant's commission policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}

	f, err := h.tenantFactory(r, tenantID)
	if err != nil {
		writeEngineError(w, "failed to load tenant", err)
		return
	}

	policies, err := h.Store.ListPolicies(r.Context(), engine.TenantID(tenantID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list policies", err)
		return
	}

	dtos := make([]PolicyDTO, 0, len(policies))
	for _, p := range policies {
		dtos = append(dtos, toPolicyDTO(f, p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy validates and persists a new commission policy.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	f, err := h.tenantFactory(r, req.TenantID)
	if err != nil {
		writeEngineError(w, "failed to load tenant", err)
		return
	}

	policy, err := f.PolicyFromJSON(factory.PolicyJSON{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		Name:          req.Name,
		Mode:          req.Mode,
		Window:        req.Window,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy", err)
		return
	}

	if err := h.Store.SavePolicy(r.Context(), policy); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(f, policy))
}

// DeactivatePolicy soft-disables a commission policy.
func (h *Handler) DeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Store.DeactivatePolicy(r.Context(), engine.PolicyID(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to deactivate policy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "id": id})
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// StartRun accepts a new calculation run and returns its id immediately.
// Execution is asynchronous; poll GET /api/runs/{id}.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	periodStart, err := time.Parse(time.RFC3339, req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "period_start: want RFC3339", err)
		return
	}
	periodEnd, err := time.Parse(time.RFC3339, req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "period_end: want RFC3339", err)
		return
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	runID, err := h.Orchestrator.StartRun(r.Context(), engine.TenantID(req.TenantID), periodStart, periodEnd, triggeredBy)
	if err != nil {
		writeEngineError(w, "failed to start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": string(runID), "status": string(engine.RunPending)})
}

// ListRuns returns a tenant's runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}

	runs, err := h.Store.ListRuns(r.Context(), engine.TenantID(tenantID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns one run by id.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.Store.GetRun(r.Context(), engine.RunID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// LatestRun returns the tenant's most recent completed run, optionally
// narrowed to an exact period via ?period_start=&period_end=.
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}

	var period engine.Period
	if ps := r.URL.Query().Get("period_start"); ps != "" {
		start, err := time.Parse(time.RFC3339, ps)
		if err != nil {
			writeError(w, http.StatusBadRequest, "period_start: want RFC3339", err)
			return
		}
		end, err := time.Parse(time.RFC3339, r.URL.Query().Get("period_end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "period_end: want RFC3339", err)
			return
		}
		period = engine.Period{Start: start, End: end}
	}

	run, err := h.Store.LatestCompletedRun(r.Context(), engine.TenantID(tenantID), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no completed runs", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// ListItems returns a run's calculation items, filterable by agent,
// conversion, and matched-only.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.Store.GetRun(r.Context(), engine.RunID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}

	var filter engine.ItemFilter
	if v := r.URL.Query().Get("agent_id"); v != "" {
		agentID := engine.AgentID(v)
		filter.AgentID = &agentID
	}
	if v := r.URL.Query().Get("conversion_id"); v != "" {
		convID := engine.ConversionID(v)
		filter.ConversionID = &convID
	}
	filter.MatchedOnly = r.URL.Query().Get("matched_only") == "true"

	items, err := h.Store.ListItems(r.Context(), engine.RunID(id), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items", err)
		return
	}

	dtos := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		dtos = append(dtos, toItemDTO(it))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EXPORT HANDLERS
// =============================================================================

// CreateExport records a payout export against a completed run.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req CreateExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	run, err := h.Store.GetRun(r.Context(), engine.RunID(req.RunID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}
	if run.Status != engine.RunCompleted {
		writeError(w, http.StatusConflict, "only completed runs can be exported", nil)
		return
	}

	export := engine.PayoutExport{
		ID:         uuid.NewString(),
		TenantID:   engine.TenantID(req.TenantID),
		RunID:      engine.RunID(req.RunID),
		Format:     engine.ExportFormat(req.Format),
		ExportedBy: req.ExportedBy,
		FilePath:   req.FilePath,
		ExportedAt: time.Now().UTC(),
	}
	if err := h.Store.SaveExport(r.Context(), export); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save export", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExportDTO(export))
}

// ListExports returns the export records for a run.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required", nil)
		return
	}

	exports, err := h.Store.ListExports(r.Context(), engine.RunID(runID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list exports", err)
		return
	}

	dtos := make([]ExportDTO, 0, len(exports))
	for _, e := range exports {
		dtos = append(dtos, toExportDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetDatabase wipes all data. Dev only.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset database", err)
		return
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrRunTerminal):
		writeError(w, http.StatusConflict, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
