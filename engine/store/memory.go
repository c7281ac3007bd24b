// Package store provides engine.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/posightful/bonus-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds everything in maps behind one RWMutex. Seed methods (Add*)
// populate reference data; the engine.Store methods mirror the SQLite
// store's contracts, including atomic CompleteRun and terminal-state
// enforcement.
type Memory struct {
	mu sync.RWMutex

	tenants     map[engine.TenantID]engine.Tenant
	agents      map[engine.AgentID]engine.Agent
	outlets     map[engine.OutletID]engine.Outlet
	leads       map[engine.LeadID]engine.Lead
	conversions map[engine.ConversionID]engine.Conversion
	rules       map[engine.RuleID]engine.BonusRule
	policies    map[engine.PolicyID]engine.CommissionPolicy

	runs  map[engine.RunID]engine.CalculationRun
	items map[engine.RunID][]engine.CalculationItem
}

func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[engine.TenantID]engine.Tenant),
		agents:      make(map[engine.AgentID]engine.Agent),
		outlets:     make(map[engine.OutletID]engine.Outlet),
		leads:       make(map[engine.LeadID]engine.Lead),
		conversions: make(map[engine.ConversionID]engine.Conversion),
		rules:       make(map[engine.RuleID]engine.BonusRule),
		policies:    make(map[engine.PolicyID]engine.CommissionPolicy),
		runs:        make(map[engine.RunID]engine.CalculationRun),
		items:       make(map[engine.RunID][]engine.CalculationItem),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) AddTenant(t engine.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *Memory) AddAgent(a engine.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

func (m *Memory) AddOutlet(o engine.Outlet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outlets[o.ID] = o
}

func (m *Memory) AddLead(l engine.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[l.ID] = l
}

func (m *Memory) AddConversion(c engine.Conversion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversions[c.ID] = c
}

func (m *Memory) AddRule(r engine.BonusRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
}

func (m *Memory) AddPolicy(p engine.CommissionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
}

// =============================================================================
// RULE / POLICY SOURCES
// =============================================================================

func (m *Memory) ActiveRules(_ context.Context, tenantID engine.TenantID) ([]engine.BonusRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.BonusRule
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ActivePolicies(_ context.Context, tenantID engine.TenantID) ([]engine.CommissionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.CommissionPolicy
	for _, p := range m.policies {
		if p.TenantID == tenantID && p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// EVENT SOURCE
// =============================================================================

func (m *Memory) GetTenant(_ context.Context, id engine.TenantID) (*engine.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) ConversionsInPeriod(_ context.Context, tenantID engine.TenantID, period engine.Period) ([]engine.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Conversion
	for _, c := range m.conversions {
		if c.TenantID == tenantID && period.Contains(c.ConvertedAt) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LeadsByCustomer(_ context.Context, tenantID engine.TenantID, customerRef string) ([]engine.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Lead
	for _, l := range m.leads {
		if l.TenantID == tenantID && l.CustomerRef == customerRef {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *Memory) GetLead(_ context.Context, id engine.LeadID) (*engine.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leads[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *Memory) GetAgent(_ context.Context, id engine.AgentID) (*engine.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run engine.CalculationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[run.ID] = run
	return nil
}

func (m *Memory) MarkRunning(_ context.Context, id engine.RunID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return engine.ErrRunNotFound
	}
	if !run.Status.CanTransition(engine.RunRunning) {
		return engine.ErrRunTerminal
	}
	run.Status = engine.RunRunning
	run.StartedAt = &startedAt
	m.runs[id] = run
	return nil
}

// CompleteRun stores items and the completed status together; nothing is
// visible unless the transition succeeds.
func (m *Memory) CompleteRun(_ context.Context, id engine.RunID, items []engine.CalculationItem, message string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return engine.ErrRunNotFound
	}
	if !run.Status.CanTransition(engine.RunCompleted) {
		return engine.ErrRunTerminal
	}

	run.Status = engine.RunCompleted
	run.Message = message
	run.CompletedAt = &completedAt
	m.runs[id] = run
	m.items[id] = append([]engine.CalculationItem(nil), items...)
	return nil
}

func (m *Memory) FailRun(_ context.Context, id engine.RunID, message string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return engine.ErrRunNotFound
	}
	if !run.Status.CanTransition(engine.RunFailed) {
		return engine.ErrRunTerminal
	}

	run.Status = engine.RunFailed
	run.Message = message
	run.CompletedAt = &completedAt
	m.runs[id] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id engine.RunID) (*engine.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *Memory) ListRuns(_ context.Context, tenantID engine.TenantID) ([]engine.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.CalculationRun
	for _, r := range m.runs {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListItems(_ context.Context, runID engine.RunID, filter engine.ItemFilter) ([]engine.CalculationItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.CalculationItem
	for _, it := range m.items[runID] {
		if filter.AgentID != nil && (it.AgentID == nil || *it.AgentID != *filter.AgentID) {
			continue
		}
		if filter.ConversionID != nil && it.ConversionID != *filter.ConversionID {
			continue
		}
		if filter.MatchedOnly && !it.Matched() {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversionID < out[j].ConversionID })
	return out, nil
}

func (m *Memory) LatestCompletedRun(_ context.Context, tenantID engine.TenantID, period engine.Period) (*engine.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *engine.CalculationRun
	for _, r := range m.runs {
		if r.TenantID != tenantID || r.Status != engine.RunCompleted {
			continue
		}
		if !period.Start.IsZero() && (!r.PeriodStart.Equal(period.Start) || !r.PeriodEnd.Equal(period.End)) {
			continue
		}
		r := r
		// Same (created_at DESC, id) ordering as the sqlite store.
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.ID < latest.ID) {
			latest = &r
		}
	}
	return latest, nil
}

func (m *Memory) StaleRunningRuns(_ context.Context, cutoff time.Time) ([]engine.CalculationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.CalculationRun
	for _, r := range m.runs {
		if r.Status == engine.RunRunning && r.StartedAt != nil && r.StartedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
