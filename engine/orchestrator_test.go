package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posightful/bonus-engine/engine"
	"github.com/posightful/bonus-engine/engine/store"
)

// =============================================================================
// TEST WORLD
// =============================================================================

// seedWorld populates a memory store with one tenant, two agents, a
// shared-customer lead history, and three conversions:
//   c-big:  8000 sale, matches the 15%-capped-at-1000 rule
//   c-fast: 950 sale closed 25h after its lead, matches the fast-close rule
//   c-walk: 120.50 walk-in without a lead, matches nothing
func seedWorld(mem *store.Memory) {
	mem.AddTenant(engine.Tenant{ID: "t1", Name: "Mega", Code: "MEGA", Timezone: "UTC", Currency: "UZS", IsActive: true})

	outlet := engine.OutletID("o-main")
	mem.AddAgent(engine.Agent{ID: "a-zarina", TenantID: "t1", AgentCode: "ZAR", OutletID: &outlet, Status: engine.AgentActive})
	mem.AddAgent(engine.Agent{ID: "a-bek", TenantID: "t1", AgentCode: "BEK", OutletID: &outlet, Status: engine.AgentActive})

	mem.AddLead(engine.Lead{ID: "l-1", TenantID: "t1", AgentID: agentPtr("a-zarina"), CustomerRef: "cust-100", CapturedAt: june(1, 10)})
	mem.AddLead(engine.Lead{ID: "l-2", TenantID: "t1", AgentID: agentPtr("a-bek"), CustomerRef: "cust-100", CapturedAt: june(10, 15)})
	mem.AddLead(engine.Lead{ID: "l-3", TenantID: "t1", AgentID: agentPtr("a-zarina"), CustomerRef: "cust-200", CapturedAt: june(12, 11)})

	mem.AddConversion(engine.Conversion{
		ID: "c-big", TenantID: "t1", LeadID: leadPtr("l-2"), AgentID: agentPtr("a-bek"),
		SaleAmount: engine.MustParseMoney("8000"), ConvertedAt: june(14, 17),
	})
	mem.AddConversion(engine.Conversion{
		ID: "c-fast", TenantID: "t1", LeadID: leadPtr("l-3"), AgentID: agentPtr("a-zarina"),
		SaleAmount: engine.MustParseMoney("950"), ConvertedAt: june(13, 12),
	})
	mem.AddConversion(engine.Conversion{
		ID: "c-walk", TenantID: "t1", AgentID: agentPtr("a-bek"),
		SaleAmount: engine.MustParseMoney("120.50"), ConvertedAt: june(20, 10),
	})

	bigTicket := sellAmountRule("r-big", engine.OpGTE, "5000", "")
	bigTicket.Priority = 10
	bigTicket.AmountType = engine.AmountPercentOfSale
	bigTicket.AmountValue = dec("15")
	bigTicket.CapAmount = decPtr("1000")
	mem.AddRule(bigTicket)

	mem.AddRule(engine.BonusRule{
		ID: "r-fast", TenantID: "t1", Name: "fast close",
		Dimension: engine.DimLeadToSellDelta, Operator: engine.OpLTE,
		IntervalTo: durPtr(48 * time.Hour),
		AmountType: engine.AmountFixed, AmountValue: dec("50"),
		Priority: 20, IsActive: true, Version: 1,
	})

	mem.AddPolicy(engine.CommissionPolicy{
		ID: "p-last-30d", TenantID: "t1", Name: "last touch 30d",
		Mode: engine.LastTouch, Window: 30 * 24 * time.Hour,
		IsActive: true, CreatedAt: june(1, 0),
	})
}

func newRun(id string) engine.CalculationRun {
	return engine.CalculationRun{
		ID: engine.RunID(id), TenantID: "t1",
		PeriodStart: june(1, 0), PeriodEnd: time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC),
		TriggeredBy: "test", Status: engine.RunPending, CreatedAt: june(1, 0),
	}
}

// executeRun drives one run synchronously to a terminal state.
func executeRun(t *testing.T, orch *engine.Orchestrator, mem *store.Memory, id string) *engine.CalculationRun {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.CreateRun(ctx, newRun(id)))
	require.NoError(t, orch.ExecuteRun(ctx, engine.RunID(id)))

	run, err := mem.GetRun(ctx, engine.RunID(id))
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func itemByConversion(t *testing.T, items []engine.CalculationItem, id engine.ConversionID) engine.CalculationItem {
	t.Helper()
	for _, it := range items {
		if it.ConversionID == id {
			return it
		}
	}
	t.Fatalf("no item for conversion %s", id)
	return engine.CalculationItem{}
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestExecuteRun_ComputesItemsForEveryConversion(t *testing.T) {
	mem := store.NewMemory()
	seedWorld(mem)
	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 2, RunTimeout: time.Minute})

	run := executeRun(t, orch, mem, "run-1")
	assert.Equal(t, engine.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	items, err := mem.ListItems(context.Background(), run.ID, engine.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3, "every conversion yields exactly one item")

	// 15% of 8000 = 1200, capped at 1000
	big := itemByConversion(t, items, "c-big")
	require.True(t, big.Matched())
	assert.Equal(t, engine.RuleID("r-big"), *big.AppliedRuleID)
	assert.Equal(t, "1000.00", big.GrossBonus.String())
	assert.Equal(t, engine.AgentID("a-bek"), *big.AgentID, "last touch credits the later lead's agent")

	// Fast close: lead l-3 captured June 12 11:00, sold June 13 12:00
	fast := itemByConversion(t, items, "c-fast")
	require.True(t, fast.Matched())
	assert.Equal(t, engine.RuleID("r-fast"), *fast.AppliedRuleID)
	assert.Equal(t, "50.00", fast.GrossBonus.String())

	// Walk-in matches nothing but still gets an audit line
	walk := itemByConversion(t, items, "c-walk")
	assert.False(t, walk.Matched())
	assert.True(t, walk.GrossBonus.IsZero())
	assert.Contains(t, walk.Notes, "no rule matched")
}

func TestExecuteRun_RerunsProduceIdenticalValues(t *testing.T) {
	// GIVEN: The same world evaluated twice
	mem := store.NewMemory()
	seedWorld(mem)
	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 4, RunTimeout: time.Minute})

	first := executeRun(t, orch, mem, "run-1")
	second := executeRun(t, orch, mem, "run-2")
	require.Equal(t, engine.RunCompleted, first.Status)
	require.Equal(t, engine.RunCompleted, second.Status)

	ctx := context.Background()
	firstItems, err := mem.ListItems(ctx, first.ID, engine.ItemFilter{})
	require.NoError(t, err)
	secondItems, err := mem.ListItems(ctx, second.ID, engine.ItemFilter{})
	require.NoError(t, err)

	// THEN: Distinct run records, identical per-conversion outcomes
	require.Equal(t, len(firstItems), len(secondItems))
	for i := range firstItems {
		assert.Equal(t, firstItems[i].ConversionID, secondItems[i].ConversionID)
		assert.Equal(t, firstItems[i].GrossBonus.String(), secondItems[i].GrossBonus.String())
		assert.Equal(t, firstItems[i].AppliedRuleID, secondItems[i].AppliedRuleID)
	}
}

func TestExecuteRun_NoRulesCompletesWithZeroBonuses(t *testing.T) {
	mem := store.NewMemory()
	mem.AddTenant(engine.Tenant{ID: "t1", Code: "T", Timezone: "UTC", IsActive: true})
	mem.AddConversion(engine.Conversion{
		ID: "c-1", TenantID: "t1", AgentID: agentPtr("a-1"),
		SaleAmount: engine.MustParseMoney("300"), ConvertedAt: june(2, 9),
	})
	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 1, RunTimeout: time.Minute})

	run := executeRun(t, orch, mem, "run-1")
	assert.Equal(t, engine.RunCompleted, run.Status)
	assert.Contains(t, run.Message, "no active bonus rules")
	assert.Contains(t, run.Message, "no active commission policy")

	items, err := mem.ListItems(context.Background(), run.ID, engine.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].GrossBonus.IsZero())
}

func TestExecuteRun_StackingSumsAllMatches(t *testing.T) {
	mem := store.NewMemory()
	seedWorld(mem)
	// A second rule the big sale also matches
	extra := sellAmountRule("r-extra", engine.OpGTE, "100", "")
	extra.Priority = 50
	extra.AmountValue = dec("7")
	mem.AddRule(extra)

	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 2, RunTimeout: time.Minute, StackMatches: true})
	run := executeRun(t, orch, mem, "run-1")
	require.Equal(t, engine.RunCompleted, run.Status)

	items, err := mem.ListItems(context.Background(), run.ID, engine.ItemFilter{})
	require.NoError(t, err)
	big := itemByConversion(t, items, "c-big")
	assert.Equal(t, "1007.00", big.GrossBonus.String(), "capped 1000 plus fixed 7")
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

// failingStore rejects CompleteRun to exercise the atomic failure path.
type failingStore struct {
	*store.Memory
}

func (f *failingStore) CompleteRun(ctx context.Context, id engine.RunID, items []engine.CalculationItem, message string, completedAt time.Time) error {
	return errors.New("disk full")
}

func TestExecuteRun_PersistenceFailureLeavesNoPartialItems(t *testing.T) {
	// GIVEN: A store that cannot persist the item batch
	mem := store.NewMemory()
	seedWorld(mem)
	st := &failingStore{Memory: mem}
	orch := engine.NewOrchestrator(st, engine.Config{Workers: 2, RunTimeout: time.Minute})

	ctx := context.Background()
	require.NoError(t, mem.CreateRun(ctx, newRun("run-1")))

	// WHEN: Executing
	err := orch.ExecuteRun(ctx, "run-1")
	require.Error(t, err)

	// THEN: The run is failed with the cause recorded and zero items visible
	run, gerr := mem.GetRun(ctx, "run-1")
	require.NoError(t, gerr)
	assert.Equal(t, engine.RunFailed, run.Status)
	assert.Contains(t, run.Message, "disk full")

	items, gerr := mem.ListItems(ctx, "run-1", engine.ItemFilter{})
	require.NoError(t, gerr)
	assert.Empty(t, items)
}

// claimFailStore rejects MarkRunning with a transient error.
type claimFailStore struct {
	*store.Memory
}

func (f *claimFailStore) MarkRunning(ctx context.Context, id engine.RunID, startedAt time.Time) error {
	return errors.New("database is locked")
}

func TestExecuteRun_ClaimFailureStillReachesTerminalState(t *testing.T) {
	// GIVEN: A store whose pending->running transition fails transiently
	mem := store.NewMemory()
	seedWorld(mem)
	st := &claimFailStore{Memory: mem}
	orch := engine.NewOrchestrator(st, engine.Config{Workers: 1, RunTimeout: time.Minute})

	ctx := context.Background()
	require.NoError(t, mem.CreateRun(ctx, newRun("run-1")))

	// WHEN: Executing
	err := orch.ExecuteRun(ctx, "run-1")
	require.Error(t, err)

	// THEN: The run must not be stranded in pending, where neither the
	// timeout nor the watchdog would ever reach it
	run, gerr := mem.GetRun(ctx, "run-1")
	require.NoError(t, gerr)
	assert.Equal(t, engine.RunFailed, run.Status)
	assert.Contains(t, run.Message, "database is locked")
}

func TestExecuteRun_TerminalRunsAreImmutable(t *testing.T) {
	mem := store.NewMemory()
	seedWorld(mem)
	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 1, RunTimeout: time.Minute})

	run := executeRun(t, orch, mem, "run-1")
	require.True(t, run.Status.Terminal())

	// Re-executing a completed run must not move it out of its terminal state
	err := orch.ExecuteRun(context.Background(), run.ID)
	assert.ErrorIs(t, err, engine.ErrRunTerminal)

	again, gerr := mem.GetRun(context.Background(), run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, engine.RunCompleted, again.Status)
}

// =============================================================================
// START RUN
// =============================================================================

func TestStartRun_ValidatesInput(t *testing.T) {
	mem := store.NewMemory()
	seedWorld(mem)
	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 1, RunTimeout: time.Minute})
	ctx := context.Background()

	_, err := orch.StartRun(ctx, "t1", june(30, 0), june(1, 0), "test")
	assert.ErrorIs(t, err, engine.ErrInvalidPeriod)

	_, err = orch.StartRun(ctx, "t-missing", june(1, 0), june(30, 0), "test")
	assert.ErrorIs(t, err, engine.ErrTenantNotFound)
}

func TestStartRun_ExecutesAsynchronously(t *testing.T) {
	mem := store.NewMemory()
	seedWorld(mem)
	orch := engine.NewOrchestrator(mem, engine.Config{Workers: 2, RunTimeout: time.Minute})

	var completed int
	orch.SetHooks(engine.Hooks{
		RunCompleted: func(tenantID engine.TenantID, items int, elapsed time.Duration) {
			completed = items
		},
	})

	runID, err := orch.StartRun(context.Background(), "t1", june(1, 0), time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), "test")
	require.NoError(t, err)
	orch.Wait()

	run, err := mem.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, run.Status)
	assert.Equal(t, 3, completed, "completion hook saw the full item count")
}

func TestRunStatus_TransitionTable(t *testing.T) {
	assert.True(t, engine.RunPending.CanTransition(engine.RunRunning))
	assert.True(t, engine.RunPending.CanTransition(engine.RunFailed))
	assert.False(t, engine.RunPending.CanTransition(engine.RunCompleted), "pending cannot skip running")
	assert.True(t, engine.RunRunning.CanTransition(engine.RunCompleted))
	assert.True(t, engine.RunRunning.CanTransition(engine.RunFailed))
	assert.False(t, engine.RunCompleted.CanTransition(engine.RunRunning))
	assert.False(t, engine.RunFailed.CanTransition(engine.RunRunning))
}
