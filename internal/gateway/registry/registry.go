package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	internalerrors "github.com/textguide/gateway/internal/errors"
	_ "modernc.org/sqlite"
)

// Registry is the account store: entitlement state, usage counters, opt-out
// flags and the per-message cost records, backed by SQLite.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the gateway database in dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "gateway.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open gateway db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db, now: time.Now}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		identity               TEXT PRIMARY KEY,
		is_paid                INTEGER NOT NULL DEFAULT 0,
		plan_cap_kind          TEXT NOT NULL DEFAULT '',
		plan_cap               INTEGER NOT NULL DEFAULT 0,
		subscription_status    TEXT NOT NULL DEFAULT 'none',
		customer_ref           TEXT NOT NULL DEFAULT '',
		subscription_ref       TEXT NOT NULL DEFAULT '',
		current_period_end     INTEGER,
		cancel_at_period_end   INTEGER NOT NULL DEFAULT 0,
		opted_out              INTEGER NOT NULL DEFAULT 0,
		opted_out_at           INTEGER,
		period_key             TEXT NOT NULL DEFAULT '',
		period_messages_sent   INTEGER NOT NULL DEFAULT 0,
		billing_event_at       INTEGER NOT NULL DEFAULT 0,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_customer_ref ON accounts(customer_ref);
	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(subscription_status);

	CREATE TABLE IF NOT EXISTS messages (
		correlation_id         TEXT PRIMARY KEY,
		identity               TEXT NOT NULL,
		direction              TEXT NOT NULL,
		reply_to_ref           TEXT NOT NULL DEFAULT '',
		content                TEXT NOT NULL DEFAULT '',
		transport_ref          TEXT,
		gen_model              TEXT,
		gen_input_units        INTEGER NOT NULL DEFAULT 0,
		gen_output_units       INTEGER NOT NULL DEFAULT 0,
		gen_amount             TEXT,
		gen_currency           TEXT NOT NULL DEFAULT '',
		gen_recorded_at        INTEGER,
		transport_status       TEXT NOT NULL DEFAULT '',
		transport_amount       TEXT,
		transport_currency     TEXT NOT NULL DEFAULT '',
		transport_updated_at   INTEGER,
		transport_swept_at     INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_transport_ref ON messages(transport_ref) WHERE transport_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_identity ON messages(identity, created_at);

	CREATE TABLE IF NOT EXISTS entitlement_audit (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		identity               TEXT NOT NULL,
		actor_id               TEXT NOT NULL DEFAULT '',
		reason                 TEXT NOT NULL DEFAULT '',
		before_state           TEXT NOT NULL DEFAULT '',
		after_state            TEXT NOT NULL DEFAULT '',
		client_ip              TEXT NOT NULL DEFAULT '',
		request_path           TEXT NOT NULL DEFAULT '',
		created_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlement_audit_identity ON entitlement_audit(identity, id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init gateway schema: %w", err)
	}
	// Databases created before the sweep cursor existed lack the column.
	if err := r.ensureColumn("messages", "transport_swept_at", "INTEGER"); err != nil {
		return fmt.Errorf("init gateway schema: %w", err)
	}
	return nil
}

func (r *Registry) ensureColumn(table, column, decl string) error {
	rows, err := r.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = r.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("registry not open")
	}
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const accountColumns = `
	identity, is_paid, plan_cap_kind, plan_cap, subscription_status,
	customer_ref, subscription_ref, current_period_end, cancel_at_period_end,
	opted_out, opted_out_at, period_key, period_messages_sent,
	billing_event_at, created_at, updated_at`

// GetAccount returns the account for identity, or nil when none exists.
func (r *Registry) GetAccount(ctx context.Context, identity string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+accountColumns+` FROM accounts WHERE identity = ?`, identity)
	return scanAccount(row)
}

// GetAccountByCustomerRef returns the account linked to a payment processor
// customer, or nil when none is linked.
func (r *Registry) GetAccountByCustomerRef(ctx context.Context, customerRef string) (*Account, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT`+accountColumns+`
		FROM accounts WHERE customer_ref = ? ORDER BY updated_at DESC LIMIT 1`, customerRef)
	return scanAccount(row)
}

// EnsureAccount returns the account for identity, creating a free-tier record
// on first contact.
func (r *Registry) EnsureAccount(ctx context.Context, identity string) (*Account, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, internalerrors.WrapValidation("ensure_account", "", errors.New("identity is required"))
	}
	now := r.now().UTC().Unix()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (identity, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO NOTHING`, identity, now, now); err != nil {
		return nil, internalerrors.WrapStore("ensure_account", identity, err)
	}
	acct, err := r.GetAccount(ctx, identity)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, internalerrors.WrapStore("ensure_account", identity, errors.New("account vanished after insert"))
	}
	return acct, nil
}

// ConsumeIfBelow increments the identity's counter for period only when the
// stored count is below limit, in a single statement. A stored counter from an
// earlier period counts as zero and is reset by the same write. It returns the
// new count and whether a unit was consumed.
func (r *Registry) ConsumeIfBelow(ctx context.Context, identity string, limit int, period string) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}
	now := r.now().UTC().Unix()
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts SET
			period_messages_sent = CASE WHEN period_key = ? THEN period_messages_sent + 1 ELSE 1 END,
			period_key = ?,
			updated_at = ?
		WHERE identity = ? AND (period_key <> ? OR period_messages_sent < ?)
		RETURNING period_messages_sent`,
		period, period, now, identity, period, limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, internalerrors.WrapStore("consume_quota", identity, err)
	}
	return count, true, nil
}

// RecordPeriodUsage mirrors a count kept by an external counter into the
// account. Counts never move backwards within a period and an older period
// never replaces a newer one.
func (r *Registry) RecordPeriodUsage(ctx context.Context, identity, period string, count int) error {
	now := r.now().UTC().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			period_messages_sent = CASE WHEN period_key = ? THEN MAX(period_messages_sent, ?) ELSE ? END,
			period_key = ?,
			updated_at = ?
		WHERE identity = ? AND period_key <= ?`,
		period, count, count, period, now, identity, period,
	)
	if err != nil {
		return internalerrors.WrapStore("record_period_usage", identity, err)
	}
	return nil
}

// UpdateEntitlement overwrites the entitlement fields of a from a billing
// event observed at eventAt. Events older than the last applied one are
// skipped; applied reports whether the write happened. Usage counters and
// opt-out state are never touched.
func (r *Registry) UpdateEntitlement(ctx context.Context, a *Account, eventAt int64) (bool, error) {
	if a == nil {
		return false, fmt.Errorf("account is nil")
	}
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			is_paid = ?, plan_cap_kind = ?, plan_cap = ?, subscription_status = ?,
			customer_ref = ?, subscription_ref = ?, current_period_end = ?,
			cancel_at_period_end = ?, billing_event_at = MAX(billing_event_at, ?), updated_at = ?
		WHERE identity = ? AND billing_event_at <= ?`,
		boolToInt(a.IsPaidSubscriber), string(a.PlanCap.Kind), a.PlanCap.N, string(a.SubscriptionStatus),
		a.CustomerRef, a.SubscriptionRef, nullableInt64(a.CurrentPeriodEnd),
		boolToInt(a.CancelAtPeriodEnd), eventAt, now.Unix(),
		a.Identity, eventAt,
	)
	if err != nil {
		return false, internalerrors.WrapStore("update_entitlement", a.Identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internalerrors.WrapStore("update_entitlement", a.Identity, err)
	}
	if n > 0 {
		a.UpdatedAt = time.Unix(now.Unix(), 0).UTC()
		if eventAt > a.BillingEventAt {
			a.BillingEventAt = eventAt
		}
	}
	return n > 0, nil
}

// SetOptOut records the identity's opt-out flag, creating the account if needed.
func (r *Registry) SetOptOut(ctx context.Context, identity string, optedOut bool, at time.Time) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return internalerrors.WrapValidation("set_opt_out", "", errors.New("identity is required"))
	}
	now := r.now().UTC().Unix()
	var optedOutAt any
	if optedOut {
		optedOutAt = at.UTC().Unix()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (identity, opted_out, opted_out_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			opted_out = excluded.opted_out,
			opted_out_at = excluded.opted_out_at,
			updated_at = excluded.updated_at`,
		identity, boolToInt(optedOut), optedOutAt, now, now,
	)
	if err != nil {
		return internalerrors.WrapStore("set_opt_out", identity, err)
	}
	return nil
}

// OverrideEntitlement sets paid status and plan cap by hand and records the
// change in the entitlement audit trail within one transaction. The billing
// event watermark is left alone so later processor events still apply.
func (r *Registry) OverrideEntitlement(ctx context.Context, identity string, paid bool, planCap Cap, audit EntitlementAudit) (*Account, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, internalerrors.WrapValidation("override_entitlement", "", errors.New("identity is required"))
	}
	now := r.now().UTC().Unix()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, internalerrors.WrapStore("override_entitlement", identity, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (identity, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO NOTHING`, identity, now, now); err != nil {
		return nil, internalerrors.WrapStore("override_entitlement", identity, err)
	}
	before, err := scanAccount(tx.QueryRowContext(ctx, `SELECT`+accountColumns+` FROM accounts WHERE identity = ?`, identity))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET is_paid = ?, plan_cap_kind = ?, plan_cap = ?, updated_at = ?
		WHERE identity = ?`,
		boolToInt(paid), string(planCap.Kind), planCap.N, now, identity); err != nil {
		return nil, internalerrors.WrapStore("override_entitlement", identity, err)
	}
	after, err := scanAccount(tx.QueryRowContext(ctx, `SELECT`+accountColumns+` FROM accounts WHERE identity = ?`, identity))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entitlement_audit (identity, actor_id, reason, before_state, after_state, client_ip, request_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		identity, audit.ActorID, audit.Reason, entitlementSummary(before), entitlementSummary(after),
		audit.ClientIP, audit.RequestPath, now); err != nil {
		return nil, internalerrors.WrapStore("override_entitlement", identity, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, internalerrors.WrapStore("override_entitlement", identity, err)
	}
	return after, nil
}

// ListEntitlementAudit returns the override history for identity, newest first.
func (r *Registry) ListEntitlementAudit(ctx context.Context, identity string) ([]*EntitlementAudit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity, actor_id, reason, before_state, after_state, client_ip, request_path, created_at
		FROM entitlement_audit WHERE identity = ? ORDER BY id DESC`, identity)
	if err != nil {
		return nil, fmt.Errorf("list entitlement audit: %w", err)
	}
	defer rows.Close()

	var out []*EntitlementAudit
	for rows.Next() {
		var e EntitlementAudit
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Identity, &e.ActorID, &e.Reason, &e.Before, &e.After, &e.ClientIP, &e.RequestPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entitlement audit: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AccountSummary aggregates account counts for metrics and status pages.
type AccountSummary struct {
	Total    int
	Paid     int
	OptedOut int
	ByStatus map[SubscriptionStatus]int
}

// Summary counts accounts by subscription status, paid flag and opt-out flag.
func (r *Registry) Summary(ctx context.Context) (AccountSummary, error) {
	summary := AccountSummary{ByStatus: make(map[SubscriptionStatus]int)}

	rows, err := r.db.QueryContext(ctx, `SELECT subscription_status, COUNT(*) FROM accounts GROUP BY subscription_status`)
	if err != nil {
		return summary, fmt.Errorf("count accounts by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan count: %w", err)
		}
		summary.ByStatus[SubscriptionStatus(status)] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	row := r.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN is_paid = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN opted_out = 1 THEN 1 ELSE 0 END), 0)
		FROM accounts`)
	if err := row.Scan(&summary.Paid, &summary.OptedOut); err != nil {
		return summary, fmt.Errorf("account summary: %w", err)
	}
	return summary, nil
}

// ListLapsedCancellations returns paid accounts scheduled to cancel at period
// end whose period ended before cutoff. Past-due accounts are excluded; they
// keep entitlement until the processor deletes the subscription.
func (r *Registry) ListLapsedCancellations(ctx context.Context, cutoff time.Time) ([]*Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+accountColumns+`
		FROM accounts
		WHERE is_paid = 1 AND cancel_at_period_end = 1
			AND current_period_end IS NOT NULL AND current_period_end < ?
			AND subscription_status <> ?
		ORDER BY current_period_end`,
		cutoff.UTC().Unix(), string(SubscriptionStatusPastDue))
	if err != nil {
		return nil, fmt.Errorf("list lapsed cancellations: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var isPaid, cancelAtPeriodEnd, optedOut int
	var capKind, status string
	var periodEnd, optedOutAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&a.Identity, &isPaid, &capKind, &a.PlanCap.N, &status,
		&a.CustomerRef, &a.SubscriptionRef, &periodEnd, &cancelAtPeriodEnd,
		&optedOut, &optedOutAt, &a.PeriodKey, &a.PeriodMessagesSent,
		&a.BillingEventAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.IsPaidSubscriber = isPaid != 0
	a.PlanCap.Kind = CapKind(capKind)
	if a.PlanCap.Kind != CapLimited {
		a.PlanCap.N = 0
	}
	a.SubscriptionStatus = SubscriptionStatus(status)
	if periodEnd.Valid {
		v := periodEnd.Int64
		a.CurrentPeriodEnd = &v
	}
	a.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	a.OptedOut = optedOut != 0
	if optedOutAt.Valid {
		ts := time.Unix(optedOutAt.Int64, 0).UTC()
		a.OptedOutAt = &ts
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func entitlementSummary(a *Account) string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("paid=%t cap=%s status=%s", a.IsPaidSubscriber, a.PlanCap, a.SubscriptionStatus)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
