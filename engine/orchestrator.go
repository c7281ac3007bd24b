/*
orchestrator.go - Calculation run lifecycle

PURPOSE:
  The orchestrator is the engine's only entry point. It owns the run
  state machine (pending -> running -> completed/failed), iterates the
  qualifying conversions for a period through attribution -> selection ->
  amount computation, and persists the full item set atomically.

EXECUTION MODEL:
  Runs are accepted synchronously (StartRun returns a pending run id
  immediately) and execute on a background goroutine bounded by the
  configured timeout. Per-event evaluation is embarrassingly parallel:
  events are independent and read-only against the shared rule/policy
  snapshot, so a worker pool fans them out and results are buffered for
  the single atomic write. Output order is irrelevant; only the item SET
  matters, and each item is individually deterministic.

FAILURE TAXONOMY (matches errors.go):
  - Per-event data problems (missing attribution source, negative sale,
    unreadable lead history) become zero-bonus items with notes and are
    summarized in the completion message. They never abort the run.
  - Failures to read the shared snapshot or write the item batch abort
    the run: it transitions to failed with the cause in Message and zero
    items visible.
  - A timeout forces the same failed transition; a run is never left in
    running indefinitely.

SEE ALSO:
  - store.go: Atomicity and terminal-state contracts the store honors
  - api/watchdog.go: Recovery for runs orphaned by a crashed process
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes run execution.
type Config struct {
	// Workers sizes the per-event evaluation pool.
	Workers int

	// RunTimeout bounds one run's execution; expiry forces failed.
	RunTimeout time.Duration

	// StackMatches applies every matching rule additively instead of
	// first-match-wins. Off in production; see selector.go.
	StackMatches bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		RunTimeout: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	return c
}

// Hooks are optional lifecycle callbacks (metrics, tests). Nil fields
// are skipped.
type Hooks struct {
	RunStarted   func(tenantID TenantID)
	RunCompleted func(tenantID TenantID, items int, elapsed time.Duration)
	RunFailed    func(tenantID TenantID)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator executes calculation runs against a Store.
type Orchestrator struct {
	store Store
	cfg   Config
	hooks Hooks

	now func() time.Time
	wg  sync.WaitGroup
}

// NewOrchestrator creates an orchestrator with the given store and config.
func NewOrchestrator(store Store, cfg Config) *Orchestrator {
	return &Orchestrator{
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// SetHooks installs lifecycle callbacks. Call before StartRun.
func (o *Orchestrator) SetHooks(h Hooks) { o.hooks = h }

// Wait blocks until all in-flight runs finish. For graceful shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// StartRun accepts a new calculation run: validates the request, persists
// a pending run, and kicks off asynchronous execution. Returns the run id
// immediately; completion is observed via GetRun.
func (o *Orchestrator) StartRun(ctx context.Context, tenantID TenantID, periodStart, periodEnd time.Time, triggeredBy string) (RunID, error) {
	period := Period{Start: periodStart, End: periodEnd}
	if !period.Valid() {
		return "", ErrInvalidPeriod
	}

	tenant, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("loading tenant: %w", err)
	}
	if tenant == nil {
		return "", ErrTenantNotFound
	}

	run := CalculationRun{
		ID:          RunID(uuid.NewString()),
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		TriggeredBy: triggeredBy,
		Status:      RunPending,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Detached from the caller's request context: acceptance is
		// synchronous, execution is not.
		execCtx, cancel := context.WithTimeout(context.Background(), o.cfg.RunTimeout)
		defer cancel()
		if err := o.ExecuteRun(execCtx, run.ID); err != nil {
			log.Printf("[Orchestrator] run %s failed: %v", run.ID, err)
		}
	}()

	return run.ID, nil
}

// ExecuteRun processes one run to a terminal state. Exported so callers
// that need synchronous completion (tests, CLIs) can drive it directly.
// The returned error is also recorded on the run.
func (o *Orchestrator) ExecuteRun(ctx context.Context, id RunID) error {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}

	start := o.now()
	if err := o.store.MarkRunning(ctx, id, start.UTC()); err != nil {
		if errors.Is(err, ErrRunTerminal) || errors.Is(err, ErrRunNotFound) {
			return err
		}
		// A transient claim failure must not strand the run in pending,
		// where neither the timeout nor the watchdog can reach it.
		return o.fail(run, fmt.Errorf("claiming run %s: %w", id, err))
	}
	if o.hooks.RunStarted != nil {
		o.hooks.RunStarted(run.TenantID)
	}
	log.Printf("[Orchestrator] run %s started: tenant=%s period=%s", id, run.TenantID, run.Period())

	items, message, err := o.evaluate(ctx, *run)
	if err != nil {
		return o.fail(run, fmt.Errorf("run %s: %w", id, err))
	}

	if err := o.store.CompleteRun(ctx, id, items, message, o.now().UTC()); err != nil {
		return o.fail(run, fmt.Errorf("persisting %d items: %w", len(items), err))
	}

	elapsed := o.now().Sub(start)
	if o.hooks.RunCompleted != nil {
		o.hooks.RunCompleted(run.TenantID, len(items), elapsed)
	}
	log.Printf("[Orchestrator] run %s completed: %d items in %v", id, len(items), elapsed)
	return nil
}

// fail drives the run to the failed terminal state. Uses a fresh context
// so a timed-out run still gets its terminal transition recorded.
func (o *Orchestrator) fail(run *CalculationRun, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.store.FailRun(ctx, run.ID, cause.Error(), o.now().UTC()); err != nil {
		log.Printf("[Orchestrator] could not record failure of run %s: %v", run.ID, err)
	}
	if o.hooks.RunFailed != nil {
		o.hooks.RunFailed(run.TenantID)
	}
	return cause
}

// =============================================================================
// EVALUATION
// =============================================================================

// evaluate produces the full item set for a run plus the human-readable
// completion message. Snapshot read errors are fatal; per-event problems
// are folded into items.
func (o *Orchestrator) evaluate(ctx context.Context, run CalculationRun) ([]CalculationItem, string, error) {
	tenant, err := o.store.GetTenant(ctx, run.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("loading tenant: %w", err)
	}
	if tenant == nil {
		return nil, "", ErrTenantNotFound
	}
	loc := tenant.Location()

	rules, err := o.store.ActiveRules(ctx, run.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("loading rules: %w", err)
	}
	policies, err := o.store.ActivePolicies(ctx, run.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("loading policies: %w", err)
	}
	conversions, err := o.store.ConversionsInPeriod(ctx, run.TenantID, run.Period())
	if err != nil {
		return nil, "", fmt.Errorf("loading conversions: %w", err)
	}

	items := o.evaluateAll(ctx, run, conversions, rules, policies, loc)

	return items, buildMessage(run, rules, policies, items), nil
}

// evaluateAll fans conversions out to the worker pool and collects the
// item set. Every conversion yields exactly one item.
func (o *Orchestrator) evaluateAll(ctx context.Context, run CalculationRun, conversions []Conversion, rules []BonusRule, policies []CommissionPolicy, loc *time.Location) []CalculationItem {
	jobs := make(chan Conversion)
	results := make(chan CalculationItem, len(conversions))

	var workers sync.WaitGroup
	for w := 0; w < o.cfg.Workers; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for conv := range jobs {
				results <- o.evaluateEvent(ctx, run, conv, rules, policies, loc)
			}
		}()
	}

	for _, conv := range conversions {
		jobs <- conv
	}
	close(jobs)
	workers.Wait()
	close(results)

	items := make([]CalculationItem, 0, len(conversions))
	for item := range results {
		items = append(items, item)
	}
	// Stable persistence order; the item SET is the contract, ordering
	// just keeps audit reads pleasant.
	sort.Slice(items, func(i, j int) bool { return items[i].ConversionID < items[j].ConversionID })
	return items
}

// evaluateEvent runs one conversion through attribution -> selection ->
// amount computation. Never fails: data problems produce a zero-bonus
// item with an explanatory note.
func (o *Orchestrator) evaluateEvent(ctx context.Context, run CalculationRun, conv Conversion, rules []BonusRule, policies []CommissionPolicy, loc *time.Location) CalculationItem {
	item := CalculationItem{
		ID:           ItemID(uuid.NewString()),
		RunID:        run.ID,
		ConversionID: conv.ID,
		AgentID:      conv.AgentID,
		OutletID:     conv.OutletID,
		LeadID:       conv.LeadID,
		GrossBonus:   ZeroMoney(),
	}
	var notes []string

	policy, ambiguous := ActivePolicy(policies, conv.ConvertedAt)
	if ambiguous {
		log.Printf("[Orchestrator] tenant %s: multiple active commission policies at %s; using latest created",
			run.TenantID, conv.ConvertedAt.Format(time.RFC3339))
		notes = append(notes, "multiple active policies; latest created applied")
	}

	attributed := o.attribute(ctx, conv, policy, &notes)
	item.AgentID = attributed.AgentID
	if attributed.Lead != nil {
		item.LeadID = &attributed.Lead.ID
	}

	ev := EventContext{Conversion: conv, Lead: attributed.Lead, Location: loc}
	if ev.Lead == nil && conv.LeadID != nil {
		// Attribution fell back, but the conversion's own lead still
		// feeds LEAD_TIME / LEAD_TO_SELL_DELTA dimensions.
		if lead, err := o.store.GetLead(ctx, *conv.LeadID); err == nil && lead != nil {
			ev.Lead = lead
		}
	}
	if item.AgentID != nil {
		if agent, err := o.store.GetAgent(ctx, *item.AgentID); err == nil && agent != nil {
			ev.Agent = agent
			if item.OutletID == nil {
				item.OutletID = agent.OutletID
			}
		}
	}

	sel := SelectRule(ev, rules, o.cfg.StackMatches)
	for _, w := range sel.Warnings {
		log.Printf("[Orchestrator] tenant %s: %s", run.TenantID, w)
	}
	notes = append(notes, sel.Warnings...)

	if sel.Applied == nil {
		notes = append(notes, "no rule matched")
		item.Notes = strings.Join(notes, "; ")
		return item
	}

	total := ZeroMoney()
	for i := range sel.Stacked {
		r := sel.Stacked[i]
		amount, err := ComputeAmount(r, conv.SaleAmount)
		if err != nil {
			notes = append(notes, err.Error())
			continue
		}
		total = total.Add(amount)
		notes = append(notes, fmt.Sprintf("rule %s fired: %s %s", r.ID, r.Dimension, r.Operator))
	}

	item.AppliedRuleID = &sel.Applied.ID
	item.GrossBonus = total
	item.Notes = strings.Join(notes, "; ")
	return item
}

// attribute resolves the credited agent/lead, treating lead-history read
// failures as per-item data problems (fallback attribution, note added).
func (o *Orchestrator) attribute(ctx context.Context, conv Conversion, policy *CommissionPolicy, notes *[]string) AttributedContext {
	var history []Lead
	if policy != nil && conv.LeadID != nil {
		lead, err := o.store.GetLead(ctx, *conv.LeadID)
		switch {
		case err != nil:
			*notes = append(*notes, "lead history unavailable: "+err.Error())
		case lead == nil:
			*notes = append(*notes, "conversion references missing lead")
		case lead.CustomerRef == "":
			history = []Lead{*lead}
		default:
			history, err = o.store.LeadsByCustomer(ctx, conv.TenantID, lead.CustomerRef)
			if err != nil {
				*notes = append(*notes, "lead history unavailable: "+err.Error())
				history = []Lead{*lead}
			}
		}
	}

	attributed := ResolveAttribution(conv, history, policy)
	if policy != nil && attributed.FellBack {
		*notes = append(*notes, "no interaction in attribution window; conversion agent credited")
	}
	return attributed
}

// =============================================================================
// COMPLETION MESSAGE
// =============================================================================

// buildMessage summarizes a completed run for its Message field.
func buildMessage(run CalculationRun, rules []BonusRule, policies []CommissionPolicy, items []CalculationItem) string {
	matched := 0
	flagged := 0
	for _, it := range items {
		if it.Matched() {
			matched++
		}
		if !it.Matched() && it.Notes != "" && it.Notes != "no rule matched" {
			flagged++
		}
	}

	parts := []string{fmt.Sprintf("processed %d conversions: %d matched, %d zero-bonus",
		len(items), matched, len(items)-matched)}

	if len(rules) == 0 {
		parts = append(parts, "tenant has no active bonus rules")
	}
	if active, _ := ActivePolicy(policies, run.PeriodEnd); active == nil {
		parts = append(parts, "no active commission policy; attribution from conversion records")
	}
	if flagged > 0 {
		parts = append(parts, fmt.Sprintf("%d items carry data warnings", flagged))
	}
	return strings.Join(parts, "; ")
}
