package billing

import (
	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing/rates"
)

// VATRate is fixed in code; stored invoices keep the amounts computed at issue.
var VATRate = decimal.RequireFromString("0.21")

// RoundMoney rounds half-up to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Price multiplies bucket hours by their rates. Products are exact; only the
// line total is rounded.
func Price(b Buckets, r rates.Config) decimal.Decimal {
	amount := b.Day.Mul(r.Base).
		Add(b.Evening.Mul(r.Evening)).
		Add(b.Night.Mul(r.Night)).
		Add(b.Weekend.Mul(r.Weekend)).
		Add(b.Holiday.Mul(r.Holiday)).
		Add(b.NYE.Mul(r.NYE))
	return RoundMoney(amount)
}

// VAT returns round_half_up(subtotal * 0.21, 2).
func VAT(subtotal decimal.Decimal) decimal.Decimal {
	return RoundMoney(subtotal.Mul(VATRate))
}

// Totals derives VAT and grand total from a subtotal.
func Totals(subtotal decimal.Decimal) (vat, total decimal.Decimal) {
	vat = VAT(subtotal)
	return vat, subtotal.Add(vat)
}
