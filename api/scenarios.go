/*
scenarios.go - Demo scenario loading

PURPOSE:
  Seeds the database with self-contained demo worlds so the engine can
  be exercised end to end without a real CRM feed: tenants, agents,
  leads, conversions, rules, and attribution policies.

SCENARIOS:
  tiered-retail:  Electronics retailer with a tiered rule set - capped
                  percent on big tickets, fixed bonus for fast closes,
                  product focus bonus - plus a 30d last-touch policy.
  new-territory:  Fresh tenant with conversions but no rules yet; every
                  run item comes back zero-bonus for audit completeness.

USAGE:
  POST /api/scenarios/load {"scenario_id": "tiered-retail"}
  POST /api/runs          {"tenant_id": "t-retail", ...}

SEE ALSO:
  - factory/rules.go: Rule presets used here
  - handlers.go: StartRun to exercise the seeded data
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/factory"
)

// Scenario describes a loadable demo world.
type Scenario struct {
	ID          string
	Name        string
	Description string
	Load        func(h *Handler, ctx context.Context) error
}

var scenarios = []Scenario{
	{
		ID:          "tiered-retail",
		Name:        "Tiered retail bonuses",
		Description: "Electronics retailer with capped percent, fast-close and product-focus rules plus 30d last-touch attribution",
		Load:        (*Handler).loadTieredRetailScenario,
	},
	{
		ID:          "new-territory",
		Name:        "New territory, no rules",
		Description: "Fresh tenant with conversions but no bonus rules; runs complete with zero-bonus items",
		Load:        (*Handler).loadNewTerritoryScenario,
	},
}

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": h.scenario()})
}

// LoadScenario wipes the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	var scenario *Scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
			break
		}
	}
	if scenario == nil {
		writeError(w, http.StatusNotFound, "unknown scenario", nil)
		return
	}

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset database", err)
		return
	}
	if err := scenario.Load(h, r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load scenario", err)
		return
	}

	h.setScenario(scenario.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": scenario.ID})
}

// =============================================================================
// TIERED RETAIL
// =============================================================================

func (h *Handler) loadTieredRetailScenario(ctx context.Context) error {
	loc, err := time.LoadLocation("Asia/Tashkent")
	if err != nil {
		loc = time.UTC
	}
	f := factory.NewRuleFactory(loc)

	tenant := engine.Tenant{
		ID:        "t-retail",
		Name:      "Mega Electronics",
		Code:      "MEGA",
		Timezone:  "Asia/Tashkent",
		Currency:  "UZS",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.SaveTenant(ctx, tenant); err != nil {
		return err
	}

	outlet := engine.Outlet{ID: "o-main", TenantID: tenant.ID, Name: "Main Street", Code: "MAIN"}
	if err := h.Store.SaveOutlet(ctx, outlet); err != nil {
		return err
	}

	regAt := time.Date(2025, 1, 10, 9, 0, 0, 0, loc)
	agents := []engine.Agent{
		{ID: "a-zarina", TenantID: tenant.ID, AgentCode: "ZAR", OutletID: &outlet.ID, UserRegisteredAt: &regAt, Status: engine.AgentActive},
		{ID: "a-bek", TenantID: tenant.ID, AgentCode: "BEK", OutletID: &outlet.ID, Status: engine.AgentActive},
	}
	for _, a := range agents {
		if err := h.Store.SaveAgent(ctx, a); err != nil {
			return err
		}
	}

	zarina := engine.AgentID("a-zarina")
	bek := engine.AgentID("a-bek")
	leads := []engine.Lead{
		{ID: "l-1", TenantID: tenant.ID, AgentID: &zarina, CustomerRef: "cust-100", PotentialProduct: "fridge", CapturedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, loc)},
		{ID: "l-2", TenantID: tenant.ID, AgentID: &bek, CustomerRef: "cust-100", PotentialProduct: "fridge", CapturedAt: time.Date(2025, 6, 10, 15, 0, 0, 0, loc)},
		{ID: "l-3", TenantID: tenant.ID, AgentID: &zarina, CustomerRef: "cust-200", PotentialProduct: "tv", CapturedAt: time.Date(2025, 6, 12, 11, 30, 0, 0, loc)},
	}
	for _, l := range leads {
		if err := h.Store.SaveLead(ctx, l); err != nil {
			return err
		}
	}

	l2 := engine.LeadID("l-2")
	l3 := engine.LeadID("l-3")
	conversions := []engine.Conversion{
		// Big ticket: 8000 at 15% would be 1200, capped at 1000.
		{ID: "c-1", TenantID: tenant.ID, LeadID: &l2, AgentID: &bek, OutletID: &outlet.ID,
			ExternalSaleID: "POS-8831", SaleAmount: engine.MustParseMoney("8000"),
			SaleCurrency: "UZS", ConvertedAt: time.Date(2025, 6, 14, 17, 0, 0, 0, loc), PotentialProduct: "fridge"},
		// Fast close: lead l-3 captured 2025-06-12, sold next day.
		{ID: "c-2", TenantID: tenant.ID, LeadID: &l3, AgentID: &zarina, OutletID: &outlet.ID,
			ExternalSaleID: "POS-8834", SaleAmount: engine.MustParseMoney("950"),
			SaleCurrency: "UZS", ConvertedAt: time.Date(2025, 6, 13, 12, 0, 0, 0, loc), PotentialProduct: "tv"},
		// Walk-in, no lead; only SELL_AMOUNT-family rules can fire.
		{ID: "c-3", TenantID: tenant.ID, AgentID: &bek, OutletID: &outlet.ID,
			ExternalSaleID: "POS-8840", SaleAmount: engine.MustParseMoney("120.50"),
			SaleCurrency: "UZS", ConvertedAt: time.Date(2025, 6, 20, 10, 45, 0, 0, loc), PotentialProduct: "microwave"},
	}
	for _, c := range conversions {
		if err := h.Store.SaveConversion(ctx, c); err != nil {
			return err
		}
	}

	ruleJSONs := []string{
		factory.BigTicketPercentJSON("r-big-ticket", string(tenant.ID), "5000", "15", "1000"),
		factory.FastCloseFixedJSON("r-fast-close", string(tenant.ID), "2d", "50"),
		factory.ProductFocusJSON("r-product-focus", string(tenant.ID), []string{"tv", "soundbar"}, "25"),
	}
	for _, js := range ruleJSONs {
		rule, err := f.ParseRule(js)
		if err != nil {
			return err
		}
		if err := h.Store.SaveRule(ctx, rule); err != nil {
			return err
		}
	}

	policy, err := f.ParsePolicy(factory.LastTouchPolicyJSON("p-last-30d", string(tenant.ID), "30d"))
	if err != nil {
		return err
	}
	return h.Store.SavePolicy(ctx, policy)
}

// =============================================================================
// NEW TERRITORY
// =============================================================================

func (h *Handler) loadNewTerritoryScenario(ctx context.Context) error {
	tenant := engine.Tenant{
		ID:        "t-fresh",
		Name:      "Fresh Start Trading",
		Code:      "FRESH",
		Timezone:  "UTC",
		Currency:  "USD",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.SaveTenant(ctx, tenant); err != nil {
		return err
	}

	agent := engine.Agent{ID: "a-new", TenantID: tenant.ID, AgentCode: "NEW", Status: engine.AgentActive}
	if err := h.Store.SaveAgent(ctx, agent); err != nil {
		return err
	}

	agentID := agent.ID
	conversions := []engine.Conversion{
		{ID: "c-f1", TenantID: tenant.ID, AgentID: &agentID,
			ExternalSaleID: "EXT-1", SaleAmount: engine.MustParseMoney("300"),
			SaleCurrency: "USD", ConvertedAt: time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC)},
		{ID: "c-f2", TenantID: tenant.ID, AgentID: &agentID,
			ExternalSaleID: "EXT-2", SaleAmount: engine.MustParseMoney("4200"),
			SaleCurrency: "USD", ConvertedAt: time.Date(2025, 7, 15, 14, 30, 0, 0, time.UTC)},
	}
	for _, c := range conversions {
		if err := h.Store.SaveConversion(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
