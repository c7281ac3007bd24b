package api_test

import (
	"encoding/json"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posightful/bonus-engine/api"
	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestAPI(t *testing.T) (*api.Handler, http.Handler) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	orch := engine.NewOrchestrator(db, engine.Config{Workers: 2, RunTimeout: time.Minute})
	h := api.NewHandler(db, orch)
	return h, api.NewRouter(h)
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func seedTenant(t *testing.T, h *api.Handler, id engine.TenantID) {
	t.Helper()
	require.NoError(t, h.Store.SaveTenant(context.Background(), engine.Tenant{
		ID: id, Name: "Test Tenant", Code: "TST", Timezone: "UTC",
		Currency: "USD", IsActive: true, CreatedAt: time.Now().UTC(),
	}))
}

const bigTicketBody = `{
	"tenant_id": "t1", "name": "big ticket",
	"dimension": "SELL_AMOUNT", "operator": "GTE", "num_from": "5000",
	"amount_type": "percent_of_sale", "amount_value": "15", "cap_amount": "1000",
	"priority": 10
}`

// =============================================================================
// RULES
// =============================================================================

func TestRulesEndpoints_CreateGetList(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")

	// Create
	rec := doRequest(t, router, http.MethodPost, "/api/rules", bigTicketBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[api.RuleDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "SELL_AMOUNT", created.Dimension)
	assert.Equal(t, 1, created.Version)

	// Get by id
	rec = doRequest(t, router, http.MethodGet, "/api/rules/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// List
	rec = doRequest(t, router, http.MethodGet, "/api/rules?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decodeBody[[]api.RuleDTO](t, rec)
	require.Len(t, rules, 1)
	assert.Equal(t, created.ID, rules[0].ID)
}

func TestRulesEndpoints_Validation(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")

	// Unknown amount type fails struct validation
	rec := doRequest(t, router, http.MethodPost, "/api/rules", `{
		"tenant_id": "t1", "name": "n",
		"dimension": "SELL_AMOUNT", "operator": "GTE", "num_from": "10",
		"amount_type": "multiplier", "amount_value": "5"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Operand errors from the factory also map to 400
	rec = doRequest(t, router, http.MethodPost, "/api/rules", `{
		"tenant_id": "t1", "name": "n",
		"dimension": "SELL_AMOUNT", "operator": "GTE",
		"amount_type": "fixed", "amount_value": "5"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// tenant_id is mandatory on list
	rec = doRequest(t, router, http.MethodGet, "/api/rules", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown tenant
	rec = doRequest(t, router, http.MethodGet, "/api/rules?tenant_id=ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRulesEndpoints_ReviseCreatesNewVersion(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")

	rec := doRequest(t, router, http.MethodPost, "/api/rules", bigTicketBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	v1 := decodeBody[api.RuleDTO](t, rec)

	revised := strings.Replace(bigTicketBody, `"num_from": "5000"`, `"num_from": "6000"`, 1)
	rec = doRequest(t, router, http.MethodPut, "/api/rules/"+v1.ID, revised)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v2 := decodeBody[api.RuleDTO](t, rec)
	assert.NotEqual(t, v1.ID, v2.ID, "revision is a new row")
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "6000", v2.NumFrom)

	// Both versions list with include_inactive, only v2 without
	rec = doRequest(t, router, http.MethodGet, "/api/rules?tenant_id=t1&include_inactive=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.RuleDTO](t, rec), 2)

	rec = doRequest(t, router, http.MethodGet, "/api/rules?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeBody[[]api.RuleDTO](t, rec)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)
}

func TestRulesEndpoints_DeactivateAndHardDelete(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")

	rec := doRequest(t, router, http.MethodPost, "/api/rules", bigTicketBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decodeBody[api.RuleDTO](t, rec)

	// Soft delete is the default
	rec = doRequest(t, router, http.MethodDelete, "/api/rules/"+rule.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, router, http.MethodGet, "/api/rules?tenant_id=t1&include_inactive=true", "")
	assert.Len(t, decodeBody[[]api.RuleDTO](t, rec), 1)

	// Hard delete works while unreferenced
	rec = doRequest(t, router, http.MethodDelete, "/api/rules/"+rule.ID+"?hard=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, router, http.MethodGet, "/api/rules/"+rule.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRulesEndpoints_HardDeleteRefusedOnceReferenced(t *testing.T) {
	// GIVEN: A completed run whose item references the rule
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")
	ctx := context.Background()

	rec := doRequest(t, router, http.MethodPost, "/api/rules", bigTicketBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decodeBody[api.RuleDTO](t, rec)

	now := time.Now().UTC()
	require.NoError(t, h.Store.CreateRun(ctx, engine.CalculationRun{
		ID: "run-1", TenantID: "t1", PeriodStart: now.Add(-time.Hour), PeriodEnd: now,
		TriggeredBy: "test", Status: engine.RunPending, CreatedAt: now,
	}))
	require.NoError(t, h.Store.MarkRunning(ctx, "run-1", now))
	rid := engine.RuleID(rule.ID)
	require.NoError(t, h.Store.CompleteRun(ctx, "run-1", []engine.CalculationItem{{
		ID: "i-1", RunID: "run-1", ConversionID: "c-1",
		AppliedRuleID: &rid, GrossBonus: engine.MustParseMoney("10"),
	}}, "ok", now))

	// WHEN / THEN: Hard delete conflicts, the audit trail wins
	rec = doRequest(t, router, http.MethodDelete, "/api/rules/"+rule.ID+"?hard=true", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// POLICIES
// =============================================================================

func TestPolicyEndpoints(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")

	rec := doRequest(t, router, http.MethodPost, "/api/policies", `{
		"tenant_id": "t1", "name": "last touch 30d",
		"mode": "LAST_TOUCH", "window": "30d"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[api.PolicyDTO](t, rec)
	assert.Equal(t, "LAST_TOUCH", created.Mode)

	rec = doRequest(t, router, http.MethodGet, "/api/policies?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.PolicyDTO](t, rec), 1)

	// Mode outside the allowed set is rejected before it reaches the factory
	rec = doRequest(t, router, http.MethodPost, "/api/policies", `{
		"tenant_id": "t1", "name": "n", "mode": "MOST_TOUCH", "window": "30d"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/policies/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// RUNS
// =============================================================================

func TestRunEndpoints_FullLifecycle(t *testing.T) {
	// GIVEN: The demo retail world
	h, router := newTestAPI(t)
	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "tiered-retail"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Starting a run over June 2025
	rec = doRequest(t, router, http.MethodPost, "/api/runs", `{
		"tenant_id": "t-retail",
		"period_start": "2025-06-01T00:00:00Z",
		"period_end": "2025-07-01T00:00:00Z"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decodeBody[map[string]string](t, rec)
	runID := accepted["run_id"]
	require.NotEmpty(t, runID)
	assert.Equal(t, "pending", accepted["status"])

	// Execution is asynchronous; wait for the worker to finish
	h.Orchestrator.Wait()

	// THEN: The run completed with one item per conversion
	rec = doRequest(t, router, http.MethodGet, "/api/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[api.RunDTO](t, rec)
	assert.Equal(t, "completed", run.Status, run.Message)
	assert.NotEmpty(t, run.CompletedAt)

	rec = doRequest(t, router, http.MethodGet, "/api/runs/"+runID+"/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]api.ItemDTO](t, rec)
	require.Len(t, items, 3)

	var big *api.ItemDTO
	for i := range items {
		if items[i].ConversionID == "c-1" {
			big = &items[i]
		}
	}
	require.NotNil(t, big)
	assert.Equal(t, "1000.00", big.GrossBonus, "15% of 8000 hits the 1000 cap")
	require.NotNil(t, big.AppliedRuleID)

	// matched_only drops zero-bonus audit items
	rec = doRequest(t, router, http.MethodGet, "/api/runs/"+runID+"/items?matched_only=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	matched := decodeBody[[]api.ItemDTO](t, rec)
	require.Len(t, matched, 2, "the walk-in microwave sale matches nothing")
	for _, it := range matched {
		assert.NotNil(t, it.AppliedRuleID)
	}

	// Latest completed run resolves to this one, with or without the
	// exact-period narrowing
	rec = doRequest(t, router, http.MethodGet, "/api/runs/latest?tenant_id=t-retail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decodeBody[api.RunDTO](t, rec)
	assert.Equal(t, runID, latest.ID)

	rec = doRequest(t, router, http.MethodGet,
		"/api/runs/latest?tenant_id=t-retail&period_start=2025-06-01T00:00:00Z&period_end=2025-07-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, decodeBody[api.RunDTO](t, rec).ID)

	rec = doRequest(t, router, http.MethodGet,
		"/api/runs/latest?tenant_id=t-retail&period_start=2025-05-01T00:00:00Z&period_end=2025-06-01T00:00:00Z", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "a different period has no completed run")

	rec = doRequest(t, router, http.MethodGet, "/api/runs?tenant_id=t-retail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.RunDTO](t, rec), 1)
}

func TestRunEndpoints_BadRequests(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")

	// Period end before start
	rec := doRequest(t, router, http.MethodPost, "/api/runs", `{
		"tenant_id": "t1",
		"period_start": "2025-07-01T00:00:00Z",
		"period_end": "2025-06-01T00:00:00Z"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown tenant
	rec = doRequest(t, router, http.MethodPost, "/api/runs", `{
		"tenant_id": "ghost",
		"period_start": "2025-06-01T00:00:00Z",
		"period_end": "2025-07-01T00:00:00Z"
	}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Bare dates are not accepted here
	rec = doRequest(t, router, http.MethodPost, "/api/runs", `{
		"tenant_id": "t1", "period_start": "2025-06-01", "period_end": "2025-07-01"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No completed run yet
	rec = doRequest(t, router, http.MethodGet, "/api/runs/latest?tenant_id=t1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/runs/run-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// EXPORTS
// =============================================================================

func TestExportEndpoints(t *testing.T) {
	h, router := newTestAPI(t)
	seedTenant(t, h, "t1")
	ctx := context.Background()

	now := time.Now().UTC()
	mkRun := func(id engine.RunID) {
		require.NoError(t, h.Store.CreateRun(ctx, engine.CalculationRun{
			ID: id, TenantID: "t1", PeriodStart: now.Add(-time.Hour), PeriodEnd: now,
			TriggeredBy: "test", Status: engine.RunPending, CreatedAt: now,
		}))
	}
	mkRun("run-done")
	require.NoError(t, h.Store.MarkRunning(ctx, "run-done", now))
	require.NoError(t, h.Store.CompleteRun(ctx, "run-done", nil, "ok", now))
	mkRun("run-pending")

	// Completed runs export fine
	rec := doRequest(t, router, http.MethodPost, "/api/exports", `{
		"tenant_id": "t1", "run_id": "run-done", "format": "csv", "exported_by": "finance"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/api/exports?run_id=run-done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	exports := decodeBody[[]api.ExportDTO](t, rec)
	require.Len(t, exports, 1)
	assert.Equal(t, "csv", exports[0].Format)

	// Pending runs cannot be exported
	rec = doRequest(t, router, http.MethodPost, "/api/exports", `{
		"tenant_id": "t1", "run_id": "run-pending", "format": "csv"
	}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown run and unknown format
	rec = doRequest(t, router, http.MethodPost, "/api/exports", `{
		"tenant_id": "t1", "run_id": "run-missing", "format": "csv"
	}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/exports", `{
		"tenant_id": "t1", "run_id": "run-done", "format": "xlsx"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SCENARIOS AND ADMIN
// =============================================================================

func TestScenarioEndpoints_ConcurrentLoadAndQuery(t *testing.T) {
	// Scenario loads and current-scenario reads arrive on concurrent
	// connections; exercised under -race
	_, router := newTestAPI(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doRequest(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "new-territory"}`)
			doRequest(t, router, http.MethodGet, "/api/scenarios/current", "")
			doRequest(t, router, http.MethodPost, "/api/reset", "")
		}()
	}
	wg.Wait()

	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "new-territory"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, router, http.MethodGet, "/api/scenarios/current", "")
	assert.Equal(t, "new-territory", decodeBody[map[string]string](t, rec)["scenario_id"])
}

func TestScenarioEndpoints(t *testing.T) {
	_, router := newTestAPI(t)

	rec := doRequest(t, router, http.MethodGet, "/api/scenarios", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]api.ScenarioDTO](t, rec)
	require.Len(t, list, 2)

	rec = doRequest(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "new-territory"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/api/scenarios/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "new-territory", current["scenario_id"])

	rec = doRequest(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Reset wipes the data and clears the scenario marker
	rec = doRequest(t, router, http.MethodPost, "/api/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, router, http.MethodGet, "/api/scenarios/current", "")
	current = decodeBody[map[string]string](t, rec)
	assert.Empty(t, current["scenario_id"])
}
