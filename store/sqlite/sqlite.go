/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements engine.Store plus the administrative CRUD the HTTP API needs
  (rule/policy management, reference data, export records) using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  engine.RuleSource:   Active rule snapshots for runs
  engine.PolicySource: Active commission policy snapshots
  engine.EventSource:  Tenants, conversions, leads, agents
  engine.RunStore:     Run lifecycle and item persistence

ATOMICITY:
  CompleteRun writes every calculation item AND the completed status in
  one transaction. A run is never observable with a partial item set.

TERMINAL-STATE ENFORCEMENT:
  Status transitions use conditional UPDATEs (WHERE status = ...). A
  concurrent or repeated finalize loses the race at the database, not in
  application code: zero rows affected means someone else got there first.

RULE VERSIONING:
  Rules referenced by calculation items are immutable. ReviseRule
  deactivates the old row and inserts the replacement with version+1 in
  one transaction; historical runs keep pointing at the row they used.

KEY TABLES:
  bonus_rules:         Versioned declarative rules
  commission_policies: Attribution configuration
  calculation_runs:    Run state machine records
  calculation_items:   Per-conversion audit lines (insert-only)
  payout_exports:      Record-only export audit trail

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/bonus.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  orch := engine.NewOrchestrator(store, engine.DefaultConfig())

SEE ALSO:
  - engine/store.go: Interface definitions and contracts
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/posightful/bonus-engine/engine"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Tenants (isolation boundary; every query below is tenant-scoped)
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		currency TEXT NOT NULL DEFAULT 'UZS',
		is_active BOOLEAN DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Outlets
	CREATE TABLE IF NOT EXISTS outlets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		code TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outlets_tenant
		ON outlets(tenant_id);

	-- Agents
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		agent_code TEXT NOT NULL,
		outlet_id TEXT,
		user_registered_at TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		hired_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_agents_tenant
		ON agents(tenant_id);

	-- Leads (interaction history; feeds attribution and time dimensions)
	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		agent_id TEXT,
		customer_ref TEXT NOT NULL DEFAULT '',
		potential_product TEXT NOT NULL DEFAULT '',
		captured_at TEXT NOT NULL
	);

	-- Hot path: attribution walks a customer's full lead history
	CREATE INDEX IF NOT EXISTS idx_leads_customer
		ON leads(tenant_id, customer_ref, captured_at);

	-- Conversions (the events runs iterate)
	CREATE TABLE IF NOT EXISTS conversions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		lead_id TEXT,
		agent_id TEXT,
		outlet_id TEXT,
		external_sale_id TEXT NOT NULL DEFAULT '',
		sale_amount TEXT NOT NULL,
		sale_currency TEXT NOT NULL DEFAULT '',
		converted_at TEXT NOT NULL,
		potential_product TEXT NOT NULL DEFAULT '',
		source_system TEXT NOT NULL DEFAULT ''
	);

	-- Hot path: period scans
	CREATE INDEX IF NOT EXISTS idx_conversions_tenant_time
		ON conversions(tenant_id, converted_at);

	-- Commission policies (attribution configuration)
	CREATE TABLE IF NOT EXISTS commission_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		window_seconds INTEGER NOT NULL,
		effective_from TEXT,
		effective_to TEXT,
		is_active BOOLEAN DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_tenant_active
		ON commission_policies(tenant_id, is_active);

	-- Bonus rules (versioned; rows referenced by items are never mutated)
	CREATE TABLE IF NOT EXISTS bonus_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		dimension TEXT NOT NULL,
		operator TEXT NOT NULL,
		num_from TEXT,
		num_to TEXT,
		ts_from TEXT,
		ts_to TEXT,
		interval_from_secs INTEGER,
		interval_to_secs INTEGER,
		text_value TEXT NOT NULL DEFAULT '',
		text_values TEXT NOT NULL DEFAULT '',
		amount_type TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		cap_amount TEXT,
		priority INTEGER NOT NULL DEFAULT 100,
		effective_from TEXT,
		effective_to TEXT,
		is_active BOOLEAN DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_tenant_active
		ON bonus_rules(tenant_id, is_active, priority);

	-- Calculation runs (state machine records)
	CREATE TABLE IF NOT EXISTS calculation_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_tenant_created
		ON calculation_runs(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status
		ON calculation_runs(status);

	-- Calculation items (insert-only audit lines)
	CREATE TABLE IF NOT EXISTS calculation_items (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		agent_id TEXT,
		outlet_id TEXT,
		conversion_id TEXT NOT NULL,
		lead_id TEXT,
		applied_rule_id TEXT,
		gross_bonus TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	);

	-- One item per conversion per run
	CREATE UNIQUE INDEX IF NOT EXISTS idx_items_run_conversion
		ON calculation_items(run_id, conversion_id);
	CREATE INDEX IF NOT EXISTS idx_items_run_agent
		ON calculation_items(run_id, agent_id);
	CREATE INDEX IF NOT EXISTS idx_items_rule
		ON calculation_items(applied_rule_id) WHERE applied_rule_id IS NOT NULL;

	-- Payout exports (record-only; formatting happens outside the engine)
	CREATE TABLE IF NOT EXISTS payout_exports (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		format TEXT NOT NULL,
		exported_by TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		exported_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exports_run
		ON payout_exports(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REFERENCE DATA (tenants, outlets, agents, leads, conversions)
// =============================================================================

func (s *Store) SaveTenant(ctx context.Context, t engine.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tenants (id, name, code, timezone, currency, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Code, t.Timezone, t.Currency, t.IsActive, timeStr(t.CreatedAt))
	return err
}

func (s *Store) GetTenant(ctx context.Context, id engine.TenantID) (*engine.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, timezone, currency, is_active, created_at
		FROM tenants WHERE id = ?`, id)

	var t engine.Tenant
	var createdAt string
	err := row.Scan(&t.ID, &t.Name, &t.Code, &t.Timezone, &t.Currency, &t.IsActive, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]engine.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, timezone, currency, is_active, created_at
		FROM tenants ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Tenant
	for rows.Next() {
		var t engine.Tenant
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.Code, &t.Timezone, &t.Currency, &t.IsActive, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SaveOutlet(ctx context.Context, o engine.Outlet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO outlets (id, tenant_id, name, code)
		VALUES (?, ?, ?, ?)`,
		o.ID, o.TenantID, o.Name, o.Code)
	return err
}

func (s *Store) SaveAgent(ctx context.Context, a engine.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents (id, tenant_id, agent_code, outlet_id, user_registered_at, status, hired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.AgentCode, idPtr(a.OutletID), timePtrStr(a.UserRegisteredAt), a.Status, timePtrStr(a.HiredAt))
	return err
}

func (s *Store) GetAgent(ctx context.Context, id engine.AgentID) (*engine.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_code, outlet_id, user_registered_at, status, hired_at
		FROM agents WHERE id = ?`, id)

	var a engine.Agent
	var outletID, regAt, hiredAt sql.NullString
	err := row.Scan(&a.ID, &a.TenantID, &a.AgentCode, &outletID, &regAt, &a.Status, &hiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if outletID.Valid {
		v := engine.OutletID(outletID.String)
		a.OutletID = &v
	}
	a.UserRegisteredAt = parseTimePtr(regAt)
	a.HiredAt = parseTimePtr(hiredAt)
	return &a, nil
}

func (s *Store) SaveLead(ctx context.Context, l engine.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO leads (id, tenant_id, agent_id, customer_ref, potential_product, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, idPtr(l.AgentID), l.CustomerRef, l.PotentialProduct, timeStr(l.CapturedAt))
	return err
}

func (s *Store) GetLead(ctx context.Context, id engine.LeadID) (*engine.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leads, err := s.queryLeads(ctx, `
		SELECT id, tenant_id, agent_id, customer_ref, potential_product, captured_at
		FROM leads WHERE id = ?`, id)
	if err != nil || len(leads) == 0 {
		return nil, err
	}
	return &leads[0], nil
}

func (s *Store) LeadsByCustomer(ctx context.Context, tenantID engine.TenantID, customerRef string) ([]engine.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLeads(ctx, `
		SELECT id, tenant_id, agent_id, customer_ref, potential_product, captured_at
		FROM leads WHERE tenant_id = ? AND customer_ref = ?
		ORDER BY captured_at`, tenantID, customerRef)
}

func (s *Store) queryLeads(ctx context.Context, query string, args ...any) ([]engine.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Lead
	for rows.Next() {
		var l engine.Lead
		var agentID sql.NullString
		var capturedAt string
		if err := rows.Scan(&l.ID, &l.TenantID, &agentID, &l.CustomerRef, &l.PotentialProduct, &capturedAt); err != nil {
			return nil, err
		}
		if agentID.Valid {
			v := engine.AgentID(agentID.String)
			l.AgentID = &v
		}
		l.CapturedAt = parseTime(capturedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) SaveConversion(ctx context.Context, c engine.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversions
		(id, tenant_id, lead_id, agent_id, outlet_id, external_sale_id, sale_amount, sale_currency, converted_at, potential_product, source_system)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, idPtr(c.LeadID), idPtr(c.AgentID), idPtr(c.OutletID),
		c.ExternalSaleID, c.SaleAmount.Value.String(), c.SaleCurrency,
		timeStr(c.ConvertedAt), c.PotentialProduct, c.SourceSystem)
	return err
}

func (s *Store) ConversionsInPeriod(ctx context.Context, tenantID engine.TenantID, period engine.Period) ([]engine.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, lead_id, agent_id, outlet_id, external_sale_id, sale_amount, sale_currency, converted_at, potential_product, source_system
		FROM conversions
		WHERE tenant_id = ? AND converted_at >= ? AND converted_at < ?
		ORDER BY converted_at, id`,
		tenantID, timeStr(period.Start), timeStr(period.End))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Conversion
	for rows.Next() {
		var c engine.Conversion
		var leadID, agentID, outletID sql.NullString
		var amount, convertedAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &leadID, &agentID, &outletID,
			&c.ExternalSaleID, &amount, &c.SaleCurrency, &convertedAt, &c.PotentialProduct, &c.SourceSystem); err != nil {
			return nil, err
		}
		if leadID.Valid {
			v := engine.LeadID(leadID.String)
			c.LeadID = &v
		}
		if agentID.Valid {
			v := engine.AgentID(agentID.String)
			c.AgentID = &v
		}
		if outletID.Valid {
			v := engine.OutletID(outletID.String)
			c.OutletID = &v
		}
		dec, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("conversion %s: bad sale_amount %q: %w", c.ID, amount, err)
		}
		c.SaleAmount = engine.MoneyFromDecimal(dec)
		c.ConvertedAt = parseTime(convertedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// BONUS RULES
// =============================================================================

const ruleColumns = `id, tenant_id, name, dimension, operator,
	num_from, num_to, ts_from, ts_to, interval_from_secs, interval_to_secs,
	text_value, text_values, amount_type, amount_value, cap_amount,
	priority, effective_from, effective_to, is_active, version, created_at`

// SaveRule inserts a new rule row. Operand validation is the caller's
// job (api layer calls rule.Validate before persisting).
func (s *Store) SaveRule(ctx context.Context, r engine.BonusRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return execInsertRule(ctx, s.db, r)
}

func execInsertRule(ctx context.Context, db execer, r engine.BonusRule) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO bonus_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, r.Dimension, r.Operator,
		decPtrStr(r.NumFrom), decPtrStr(r.NumTo),
		timePtrStr(r.TsFrom), timePtrStr(r.TsTo),
		durSecs(r.IntervalFrom), durSecs(r.IntervalTo),
		r.TextValue, r.TextValues,
		r.AmountType, r.AmountValue.String(), decPtrStr(r.CapAmount),
		r.Priority, timePtrStr(r.EffectiveFrom), timePtrStr(r.EffectiveTo),
		r.IsActive, r.Version, timeStr(r.CreatedAt))
	return err
}

// ReviseRule replaces a rule with a new version: the old row is
// deactivated (never mutated beyond its active flag) and the replacement
// is inserted with version+1, atomically. Completed runs keep their
// reference to the old row.
func (s *Store) ReviseRule(ctx context.Context, id engine.RuleID, next engine.BonusRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.getRule(ctx, id)
	if err != nil {
		return err
	}
	if old == nil {
		return engine.ErrRuleNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE bonus_rules SET is_active = FALSE WHERE id = ?`, id); err != nil {
		return err
	}
	next.Version = old.Version + 1
	if err := execInsertRule(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// DeactivateRule soft-disables a rule. The row stays for audit.
func (s *Store) DeactivateRule(ctx context.Context, id engine.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE bonus_rules SET is_active = FALSE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrRuleNotFound
	}
	return nil
}

// DeleteRule hard-deletes a rule; refused once any calculation item
// references it.
func (s *Store) DeleteRule(ctx context.Context, id engine.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calculation_items WHERE applied_rule_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return engine.ErrRuleImmutable
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM bonus_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrRuleNotFound
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id engine.RuleID) (*engine.BonusRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRule(ctx, id)
}

func (s *Store) getRule(ctx context.Context, id engine.RuleID) (*engine.BonusRule, error) {
	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM bonus_rules WHERE id = ?`, id)
	if err != nil || len(rules) == 0 {
		return nil, err
	}
	return &rules[0], nil
}

// ActiveRules returns the evaluation snapshot: active rules ordered by
// (priority, id). Effectivity windows are evaluated per-event.
func (s *Store) ActiveRules(ctx context.Context, tenantID engine.TenantID) ([]engine.BonusRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM bonus_rules
		WHERE tenant_id = ? AND is_active = TRUE
		ORDER BY priority, id`, tenantID)
}

func (s *Store) ListRules(ctx context.Context, tenantID engine.TenantID, includeInactive bool) ([]engine.BonusRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + ruleColumns + ` FROM bonus_rules WHERE tenant_id = ?`
	if !includeInactive {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY priority, id`
	return s.queryRules(ctx, query, tenantID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]engine.BonusRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.BonusRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(rows *sql.Rows) (engine.BonusRule, error) {
	var r engine.BonusRule
	var numFrom, numTo, tsFrom, tsTo, capAmount, effFrom, effTo sql.NullString
	var intervalFrom, intervalTo sql.NullInt64
	var amountValue, createdAt string

	err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Dimension, &r.Operator,
		&numFrom, &numTo, &tsFrom, &tsTo, &intervalFrom, &intervalTo,
		&r.TextValue, &r.TextValues, &r.AmountType, &amountValue, &capAmount,
		&r.Priority, &effFrom, &effTo, &r.IsActive, &r.Version, &createdAt)
	if err != nil {
		return r, err
	}

	if r.NumFrom, err = parseDecPtr(numFrom); err != nil {
		return r, fmt.Errorf("rule %s: num_from: %w", r.ID, err)
	}
	if r.NumTo, err = parseDecPtr(numTo); err != nil {
		return r, fmt.Errorf("rule %s: num_to: %w", r.ID, err)
	}
	if r.CapAmount, err = parseDecPtr(capAmount); err != nil {
		return r, fmt.Errorf("rule %s: cap_amount: %w", r.ID, err)
	}
	av, err := decimal.NewFromString(amountValue)
	if err != nil {
		return r, fmt.Errorf("rule %s: amount_value %q: %w", r.ID, amountValue, err)
	}
	r.AmountValue = av

	r.TsFrom = parseTimePtr(tsFrom)
	r.TsTo = parseTimePtr(tsTo)
	r.IntervalFrom = parseDurPtr(intervalFrom)
	r.IntervalTo = parseDurPtr(intervalTo)
	r.EffectiveFrom = parseTimePtr(effFrom)
	r.EffectiveTo = parseTimePtr(effTo)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// =============================================================================
// COMMISSION POLICIES
// =============================================================================

func (s *Store) SavePolicy(ctx context.Context, p engine.CommissionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commission_policies
		(id, tenant_id, name, mode, window_seconds, effective_from, effective_to, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.Name, p.Mode, int64(p.Window/time.Second),
		timePtrStr(p.EffectiveFrom), timePtrStr(p.EffectiveTo), p.IsActive, timeStr(p.CreatedAt))
	return err
}

func (s *Store) DeactivatePolicy(ctx context.Context, id engine.PolicyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE commission_policies SET is_active = FALSE WHERE id = ?`, id)
	return err
}

func (s *Store) ActivePolicies(ctx context.Context, tenantID engine.TenantID) ([]engine.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPolicies(ctx, `
		SELECT id, tenant_id, name, mode, window_seconds, effective_from, effective_to, is_active, created_at
		FROM commission_policies
		WHERE tenant_id = ? AND is_active = TRUE
		ORDER BY created_at, id`, tenantID)
}

func (s *Store) ListPolicies(ctx context.Context, tenantID engine.TenantID) ([]engine.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPolicies(ctx, `
		SELECT id, tenant_id, name, mode, window_seconds, effective_from, effective_to, is_active, created_at
		FROM commission_policies
		WHERE tenant_id = ?
		ORDER BY created_at, id`, tenantID)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]engine.CommissionPolicy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.CommissionPolicy
	for rows.Next() {
		var p engine.CommissionPolicy
		var windowSecs int64
		var effFrom, effTo sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Mode, &windowSecs,
			&effFrom, &effTo, &p.IsActive, &createdAt); err != nil {
			return nil, err
		}
		p.Window = time.Duration(windowSecs) * time.Second
		p.EffectiveFrom = parseTimePtr(effFrom)
		p.EffectiveTo = parseTimePtr(effTo)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RUN STORE
// =============================================================================

const runColumns = `id, tenant_id, period_start, period_end, triggered_by,
	status, message, created_at, started_at, completed_at`

func (s *Store) CreateRun(ctx context.Context, run engine.CalculationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calculation_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, timeStr(run.PeriodStart), timeStr(run.PeriodEnd),
		run.TriggeredBy, run.Status, run.Message, timeStr(run.CreatedAt),
		timePtrStr(run.StartedAt), timePtrStr(run.CompletedAt))
	return err
}

// MarkRunning transitions pending -> running. The conditional UPDATE is
// the concurrency control: a second caller affects zero rows.
func (s *Store) MarkRunning(ctx context.Context, id engine.RunID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE calculation_runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		engine.RunRunning, timeStr(startedAt), id, engine.RunPending)
	if err != nil {
		return err
	}
	return s.classifyTransition(ctx, res, id)
}

// CompleteRun persists the full item set and the completed status in one
// transaction. If anything fails, the transaction rolls back and the run
// stays running with zero items visible.
func (s *Store) CompleteRun(ctx context.Context, id engine.RunID, items []engine.CalculationItem, message string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE calculation_runs SET status = ?, message = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		engine.RunCompleted, message, timeStr(completedAt), id, engine.RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO calculation_items
		(id, run_id, agent_id, outlet_id, conversion_id, lead_id, applied_rule_id, gross_bonus, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.RunID, idPtr(it.AgentID), idPtr(it.OutletID), it.ConversionID,
			idPtr(it.LeadID), idPtr(it.AppliedRuleID), it.GrossBonus.Value.String(), it.Notes); err != nil {
			return fmt.Errorf("inserting item for conversion %s: %w", it.ConversionID, err)
		}
	}

	return tx.Commit()
}

// FailRun transitions any non-terminal run to failed.
func (s *Store) FailRun(ctx context.Context, id engine.RunID, message string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE calculation_runs SET status = ?, message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		engine.RunFailed, message, timeStr(completedAt), id, engine.RunPending, engine.RunRunning)
	if err != nil {
		return err
	}
	return s.classifyTransition(ctx, res, id)
}

// classifyTransition turns a zero-rows conditional UPDATE into the right
// sentinel: missing run vs. illegal transition.
func (s *Store) classifyTransition(ctx context.Context, res sql.Result, id engine.RunID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.transitionError(ctx, id)
}

func (s *Store) transitionError(ctx context.Context, id engine.RunID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM calculation_runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return engine.ErrRunNotFound
	}
	if err != nil {
		return err
	}
	return engine.ErrRunTerminal
}

func (s *Store) GetRun(ctx context.Context, id engine.RunID) (*engine.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM calculation_runs WHERE id = ?`, id)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context, tenantID engine.TenantID) ([]engine.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM calculation_runs
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id`, tenantID)
}

func (s *Store) LatestCompletedRun(ctx context.Context, tenantID engine.TenantID, period engine.Period) (*engine.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + runColumns + ` FROM calculation_runs
		WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, engine.RunCompleted}
	if !period.Start.IsZero() {
		query += ` AND period_start = ? AND period_end = ?`
		args = append(args, timeStr(period.Start), timeStr(period.End))
	}
	query += ` ORDER BY created_at DESC, id LIMIT 1`

	runs, err := s.queryRuns(ctx, query, args...)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *Store) StaleRunningRuns(ctx context.Context, cutoff time.Time) ([]engine.CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM calculation_runs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at`, engine.RunRunning, timeStr(cutoff))
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]engine.CalculationRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.CalculationRun
	for rows.Next() {
		var r engine.CalculationRun
		var periodStart, periodEnd, createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &periodStart, &periodEnd, &r.TriggeredBy,
			&r.Status, &r.Message, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.PeriodStart = parseTime(periodStart)
		r.PeriodEnd = parseTime(periodEnd)
		r.CreatedAt = parseTime(createdAt)
		r.StartedAt = parseTimePtr(startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListItems(ctx context.Context, runID engine.RunID, filter engine.ItemFilter) ([]engine.CalculationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, run_id, agent_id, outlet_id, conversion_id, lead_id, applied_rule_id, gross_bonus, notes
		FROM calculation_items WHERE run_id = ?`
	args := []any{runID}

	if filter.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *filter.AgentID)
	}
	if filter.ConversionID != nil {
		query += ` AND conversion_id = ?`
		args = append(args, *filter.ConversionID)
	}
	if filter.MatchedOnly {
		query += ` AND applied_rule_id IS NOT NULL`
	}
	query += ` ORDER BY conversion_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.CalculationItem
	for rows.Next() {
		var it engine.CalculationItem
		var agentID, outletID, leadID, ruleID sql.NullString
		var bonus string
		if err := rows.Scan(&it.ID, &it.RunID, &agentID, &outletID, &it.ConversionID,
			&leadID, &ruleID, &bonus, &it.Notes); err != nil {
			return nil, err
		}
		if agentID.Valid {
			v := engine.AgentID(agentID.String)
			it.AgentID = &v
		}
		if outletID.Valid {
			v := engine.OutletID(outletID.String)
			it.OutletID = &v
		}
		if leadID.Valid {
			v := engine.LeadID(leadID.String)
			it.LeadID = &v
		}
		if ruleID.Valid {
			v := engine.RuleID(ruleID.String)
			it.AppliedRuleID = &v
		}
		dec, err := decimal.NewFromString(bonus)
		if err != nil {
			return nil, fmt.Errorf("item %s: bad gross_bonus %q: %w", it.ID, bonus, err)
		}
		it.GrossBonus = engine.MoneyFromDecimal(dec)
		out = append(out, it)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYOUT EXPORTS
// =============================================================================

func (s *Store) SaveExport(ctx context.Context, e engine.PayoutExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_exports (id, tenant_id, run_id, format, exported_by, file_path, exported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.RunID, e.Format, e.ExportedBy, e.FilePath, timeStr(e.ExportedAt))
	return err
}

func (s *Store) ListExports(ctx context.Context, runID engine.RunID) ([]engine.PayoutExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, format, exported_by, file_path, exported_at
		FROM payout_exports WHERE run_id = ?
		ORDER BY exported_at DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.PayoutExport
	for rows.Next() {
		var e engine.PayoutExport
		var exportedAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.Format, &e.ExportedBy, &e.FilePath, &exportedAt); err != nil {
			return nil, err
		}
		e.ExportedAt = parseTime(exportedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset wipes all data. Dev/demo only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"calculation_items", "calculation_runs", "payout_exports",
		"bonus_rules", "commission_policies",
		"conversions", "leads", "agents", "outlets", "tenants",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func timeStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timePtrStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func decPtrStr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func durSecs(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d / time.Second), Valid: true}
}

func parseDurPtr(ni sql.NullInt64) *time.Duration {
	if !ni.Valid {
		return nil
	}
	d := time.Duration(ni.Int64) * time.Second
	return &d
}

func idPtr[T ~string](v *T) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}
