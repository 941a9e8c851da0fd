// Package postgres implements the billing repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
	"github.com/shiftbill/shiftbill/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the billing schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("billing/postgres: migrate: %w", err)
	}
	return nil
}

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

var _ billing.Repository = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// Unique constraints guarding the invoice sequence.
const (
	sequenceConstraint = "invoices_sequence_key"
	numberConstraint   = "invoices_number_key"
)

// txOptions selects read committed. Every statement takes a fresh snapshot,
// so MaxInvoiceOrdinal after the sequence lock sees the invoice committed by
// the previous lock holder, and FOR UPDATE re-checks rows another assembly
// linked while this one waited.
var txOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// WithTx wraps fn in a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, billing.TxRepository) error) error {
	return classify(db.WithTxOptions(ctx, r.pool, txOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	}))
}

// classify tags failures worth a fresh attempt: connection-level errors pgx
// considers safe to retry and a lost race on the invoice sequence.
func classify(err error) error {
	if err == nil || billing.IsTransient(err) {
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || sequenceConflict(err) {
		return fmt.Errorf("%w: %w", billing.ErrTransient, err)
	}
	return err
}

func sequenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return pgErr.ConstraintName == sequenceConstraint || pgErr.ConstraintName == numberConstraint
}

const invoiceColumns = `id, number, seq_year, client_id, seq_ordinal, issue_date, period_start, period_end,
	subtotal::text, vat::text, total::text, status, text, breakdown, client_snapshot,
	created_at, updated_at, status_at`

func scanInvoice(row pgx.Row) (billing.Invoice, error) {
	var (
		inv                  billing.Invoice
		subtotal, vat, total string
		breakdown, snapshot  []byte
		status               string
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.SeqYear, &inv.ClientID, &inv.SeqOrdinal,
		&inv.IssueDate, &inv.PeriodStart, &inv.PeriodEnd,
		&subtotal, &vat, &total, &status, &inv.Text, &breakdown, &snapshot,
		&inv.CreatedAt, &inv.UpdatedAt, &inv.StatusAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Invoice{}, billing.ErrNotFound
		}
		return billing.Invoice{}, err
	}
	inv.Status = billing.InvoiceStatus(status)
	if inv.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return billing.Invoice{}, fmt.Errorf("invoice %d subtotal: %w", inv.ID, err)
	}
	if inv.VAT, err = decimal.NewFromString(vat); err != nil {
		return billing.Invoice{}, fmt.Errorf("invoice %d vat: %w", inv.ID, err)
	}
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return billing.Invoice{}, fmt.Errorf("invoice %d total: %w", inv.ID, err)
	}
	if err := json.Unmarshal(breakdown, &inv.Breakdown); err != nil {
		return billing.Invoice{}, fmt.Errorf("invoice %d breakdown: %w", inv.ID, err)
	}
	if err := json.Unmarshal(snapshot, &inv.Client); err != nil {
		return billing.Invoice{}, fmt.Errorf("invoice %d client snapshot: %w", inv.ID, err)
	}
	inv.ShiftIDs = make([]int64, 0, len(inv.Breakdown))
	for _, line := range inv.Breakdown {
		inv.ShiftIDs = append(inv.ShiftIDs, line.ShiftID)
	}
	return inv, nil
}

func getInvoice(ctx context.Context, q queryer, id int64, forUpdate bool) (billing.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if errors.Is(err, billing.ErrNotFound) {
		return billing.Invoice{}, fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	return inv, err
}

func collectInvoices(rows pgx.Rows) ([]billing.Invoice, error) {
	defer rows.Close()
	var out []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// GetInvoice returns a full invoice record.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (billing.Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

// ListInvoices returns invoices matching filter, newest issue date first.
func (r *Repository) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	query, args := buildListQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectInvoices(rows)
}

func buildListQuery(filter billing.InvoiceFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ClientID != 0 {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.IssuedFrom.IsZero() {
		add("issue_date >= $%d", filter.IssuedFrom)
	}
	if !filter.IssuedTo.IsZero() {
		add("issue_date <= $%d", filter.IssuedTo)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + invoiceColumns + ` FROM invoices`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY issue_date DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// ListClientIDs returns client ids in ascending order.
func (r *Repository) ListClientIDs(ctx context.Context, activeOnly bool) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM clients WHERE (NOT $1 OR active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// LastRun returns the most recently started tick.
func (r *Repository) LastRun(ctx context.Context) (billing.RunRecord, bool, error) {
	var run billing.RunRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, trigger, period_start, period_end, started_at, finished_at, created, noop, failed
		FROM billing_runs ORDER BY started_at DESC LIMIT 1`).Scan(
		&run.ID, &run.Trigger, &run.PeriodStart, &run.PeriodEnd,
		&run.StartedAt, &run.FinishedAt, &run.Created, &run.Noop, &run.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.RunRecord{}, false, nil
	}
	if err != nil {
		return billing.RunRecord{}, false, err
	}
	return run, true, nil
}

// RecordRun persists a tick summary.
func (r *Repository) RecordRun(ctx context.Context, run billing.RunRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO billing_runs (id, trigger, period_start, period_end, started_at, finished_at, created, noop, failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Trigger, run.PeriodStart, run.PeriodEnd, run.StartedAt, run.FinishedAt,
		run.Created, run.Noop, run.Failed)
	return err
}

// ============================================================================
// TRANSACTIONAL OPERATIONS
// ============================================================================

func (t *txRepo) GetClient(ctx context.Context, id int64) (billing.Client, error) {
	var c billing.Client
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, kvk_number, vat_number, address, postal_code, city, email, phone, active
		FROM clients WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.KvKNumber, &c.VATNumber, &c.Address, &c.PostalCode,
		&c.City, &c.Email, &c.Phone, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Client{}, fmt.Errorf("client %d: %w", id, billing.ErrClientNotFound)
	}
	return c, err
}

func (t *txRepo) ListEligibleShifts(ctx context.Context, clientID int64, period calendar.Period) ([]billing.Shift, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT s.id, s.shift_date, s.start_time, s.end_time, s.location_id, s.pass_type, s.employee_id, s.status
		FROM shifts s
		JOIN locations l ON l.id = s.location_id
		WHERE l.client_id = $1
		  AND s.shift_date BETWEEN $2 AND $3
		  AND s.invoice_id IS NULL
		  AND s.status IN ('approved', 'completed')
		ORDER BY s.shift_date, s.id
		FOR UPDATE OF s`, clientID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Shift
	for rows.Next() {
		var (
			sh         billing.Shift
			start, end pgtype.Time
			status     string
		)
		if err := rows.Scan(&sh.ID, &sh.Date, &start, &end, &sh.LocationID, &sh.PassType, &sh.EmployeeID, &status); err != nil {
			return nil, err
		}
		sh.Status = billing.ShiftStatus(status)
		sh.StartMinute = minuteOfDay(start)
		sh.EndMinute = minuteOfDay(end)
		out = append(out, sh)
	}
	return out, rows.Err()
}

// minuteOfDay drops seconds; shifts are planned in whole minutes.
func minuteOfDay(t pgtype.Time) int {
	return int(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func (t *txRepo) GetRate(ctx context.Context, locationID int64, passType string) (rates.Config, bool, error) {
	var fields [6]string
	err := t.tx.QueryRow(ctx, `
		SELECT base::text, evening::text, night::text, weekend::text, holiday::text, nye::text
		FROM location_rates WHERE location_id = $1 AND pass_type = $2`, locationID, passType).Scan(
		&fields[0], &fields[1], &fields[2], &fields[3], &fields[4], &fields[5])
	if errors.Is(err, pgx.ErrNoRows) {
		return rates.Config{}, false, nil
	}
	if err != nil {
		return rates.Config{}, false, err
	}
	var values [6]decimal.Decimal
	for i, f := range fields {
		d, err := decimal.NewFromString(f)
		if err != nil {
			return rates.Config{}, false, fmt.Errorf("%w: location %d pass %q value %q", rates.ErrInvalidRate, locationID, passType, f)
		}
		values[i] = d
	}
	return rates.Config{
		Base: values[0], Evening: values[1], Night: values[2],
		Weekend: values[3], Holiday: values[4], NYE: values[5],
	}, true, nil
}

func (t *txRepo) HasOpenDuplicate(ctx context.Context, clientID int64, period calendar.Period, total decimal.Decimal) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE client_id = $1 AND period_start = $2 AND period_end = $3
			  AND total = $4::numeric AND status = 'open'
		)`, clientID, period.Start, period.End, total.StringFixed(2)).Scan(&exists)
	return exists, err
}

// sequenceLockKey packs (year, client) into one advisory lock key.
func sequenceLockKey(year int, clientID int64) int64 {
	return int64(year)<<32 | (clientID & 0xffffffff)
}

func (t *txRepo) LockInvoiceSequence(ctx context.Context, year int, clientID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sequenceLockKey(year, clientID))
	return err
}

func (t *txRepo) MaxInvoiceOrdinal(ctx context.Context, year int, clientID int64) (int, error) {
	var max int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq_ordinal), 0) FROM invoices
		WHERE seq_year = $1 AND client_id = $2`, year, clientID).Scan(&max)
	return max, err
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv billing.Invoice) (int64, error) {
	breakdown, err := json.Marshal(inv.Breakdown)
	if err != nil {
		return 0, fmt.Errorf("encode breakdown: %w", err)
	}
	snapshot, err := json.Marshal(inv.Client)
	if err != nil {
		return 0, fmt.Errorf("encode client snapshot: %w", err)
	}
	var id int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO invoices (number, seq_year, client_id, seq_ordinal, issue_date, period_start, period_end,
			subtotal, vat, total, status, text, breakdown, client_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14)
		RETURNING id`,
		inv.Number, inv.SeqYear, inv.ClientID, inv.SeqOrdinal, inv.IssueDate, inv.PeriodStart, inv.PeriodEnd,
		inv.Subtotal.StringFixed(2), inv.VAT.StringFixed(2), inv.Total.StringFixed(2),
		string(inv.Status), inv.Text, breakdown, snapshot).Scan(&id)
	return id, err
}

func (t *txRepo) LinkShifts(ctx context.Context, invoiceID int64, shiftIDs []int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE shifts SET invoice_id = $1
		WHERE id = ANY($2) AND invoice_id IS NULL`, invoiceID, shiftIDs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(shiftIDs)) {
		return fmt.Errorf("%w: linked %d of %d shifts to invoice %d", billing.ErrTransient, tag.RowsAffected(), len(shiftIDs), invoiceID)
	}
	return nil
}

func (t *txRepo) LoadInvoiceForUpdate(ctx context.Context, id int64) (billing.Invoice, error) {
	return getInvoice(ctx, t.tx, id, true)
}

func (t *txRepo) UpdateInvoiceStatus(ctx context.Context, id int64, status billing.InvoiceStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET status = $2, status_at = $3, updated_at = $3 WHERE id = $1`,
		id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	return nil
}

func (t *txRepo) DetachShifts(ctx context.Context, invoiceID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE shifts SET invoice_id = NULL WHERE invoice_id = $1`, invoiceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) ListAgingCandidates(ctx context.Context, status billing.InvoiceStatus, issuedOnOrBefore time.Time) ([]billing.Invoice, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE status = $1 AND issue_date <= $2
		ORDER BY id
		FOR UPDATE`, string(status), issuedOnOrBefore)
	if err != nil {
		return nil, err
	}
	return collectInvoices(rows)
}
