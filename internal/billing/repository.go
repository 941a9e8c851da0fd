package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
)

// Repository is the persistent store behind the engine.
type Repository interface {
	// WithTx runs fn in a repeatable-read transaction. fn returning an error
	// rolls back everything it wrote.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	ListClientIDs(ctx context.Context, activeOnly bool) ([]int64, error)
	LastRun(ctx context.Context) (RunRecord, bool, error)
	RecordRun(ctx context.Context, run RunRecord) error
}

// TxRepository exposes the operations available inside a transaction.
type TxRepository interface {
	rates.Store
	SequenceStore
	DuplicateStore

	GetClient(ctx context.Context, id int64) (Client, error)
	// ListEligibleShifts returns, row-locked, the client's billable
	// uninvoiced shifts dated within period.
	ListEligibleShifts(ctx context.Context, clientID int64, period calendar.Period) ([]Shift, error)
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	LinkShifts(ctx context.Context, invoiceID int64, shiftIDs []int64) error
	LoadInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus, at time.Time) error
	DetachShifts(ctx context.Context, invoiceID int64) (int64, error)
	// ListAgingCandidates returns invoices in status issued on or before
	// the cutoff date.
	ListAgingCandidates(ctx context.Context, status InvoiceStatus, issuedOnOrBefore time.Time) ([]Invoice, error)
}

// sumBreakdown totals line amounts exactly.
func sumBreakdown(lines []BreakdownLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}
