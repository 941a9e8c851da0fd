package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/calendar"
)

// DuplicateStore finds open invoices matching a client, period and total.
type DuplicateStore interface {
	HasOpenDuplicate(ctx context.Context, clientID int64, period calendar.Period, total decimal.Decimal) (bool, error)
}

// DuplicateGuard blocks regenerating an invoice identical to one still open.
// Sent and paid invoices never block.
type DuplicateGuard struct{}

// IsDuplicate compares on the rounded grand total.
func (DuplicateGuard) IsDuplicate(ctx context.Context, store DuplicateStore, clientID int64, period calendar.Period, total decimal.Decimal) (bool, error) {
	return store.HasOpenDuplicate(ctx, clientID, period, RoundMoney(total))
}
