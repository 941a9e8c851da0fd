// Package billing turns completed shifts into per-client invoices.
package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
)

// ShiftStatus enumerates shift lifecycle stages.
type ShiftStatus string

const (
	ShiftStatusOpen      ShiftStatus = "open"
	ShiftStatusAssigned  ShiftStatus = "assigned"
	ShiftStatusApproved  ShiftStatus = "approved"
	ShiftStatusCompleted ShiftStatus = "completed"
	ShiftStatusCanceled  ShiftStatus = "canceled"
)

// Billable reports whether the status makes a shift invoice-eligible.
func (s ShiftStatus) Billable() bool {
	return s == ShiftStatusApproved || s == ShiftStatusCompleted
}

// InvoiceStatus enumerates invoice lifecycle stages.
type InvoiceStatus string

const (
	InvoiceStatusOpen       InvoiceStatus = "open"
	InvoiceStatusSent       InvoiceStatus = "sent"
	InvoiceStatusPaid       InvoiceStatus = "paid"
	InvoiceStatusReminded14 InvoiceStatus = "reminded14"
	InvoiceStatusReminded30 InvoiceStatus = "reminded30"
	InvoiceStatusCanceled   InvoiceStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusOpen, InvoiceStatusSent, InvoiceStatusPaid,
		InvoiceStatusReminded14, InvoiceStatusReminded30, InvoiceStatusCanceled:
		return true
	}
	return false
}

// Client is a billed customer. Billing never mutates it.
type Client struct {
	ID         int64
	Name       string
	KvKNumber  string
	VATNumber  string
	Address    string
	PostalCode string
	City       string
	Email      string
	Phone      string
	Active     bool
}

// Snapshot copies the contact fields printed on an invoice.
func (c Client) Snapshot() ClientSnapshot {
	return ClientSnapshot{
		Name:       c.Name,
		KvKNumber:  c.KvKNumber,
		VATNumber:  c.VATNumber,
		Address:    c.Address,
		PostalCode: c.PostalCode,
		City:       c.City,
		Email:      c.Email,
		Phone:      c.Phone,
	}
}

// Location belongs to exactly one client.
type Location struct {
	ID         int64
	ClientID   int64
	Name       string
	Address    string
	PostalCode string
	City       string
}

// Shift is one scheduled work interval. Start and end are minutes after
// midnight; an end before the start wraps into the next day.
type Shift struct {
	ID          int64
	Date        time.Time
	StartMinute int
	EndMinute   int
	LocationID  int64
	PassType    string
	EmployeeID  int64
	Status      ShiftStatus
	InvoiceID   *int64
}

// Eligible reports whether the shift may be put on a new invoice.
func (s Shift) Eligible() bool {
	return s.Status.Billable() && s.InvoiceID == nil
}

// ClientSnapshot holds the client contact fields as of issue time.
type ClientSnapshot struct {
	Name       string `json:"name"`
	KvKNumber  string `json:"kvk_number,omitempty"`
	VATNumber  string `json:"vat_number,omitempty"`
	Address    string `json:"address,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	City       string `json:"city,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// BreakdownLine is the priced detail of one shift on an invoice.
type BreakdownLine struct {
	Key        string          `json:"key"`
	ShiftID    int64           `json:"shift_id"`
	Date       string          `json:"date"`
	Start      string          `json:"start"`
	End        string          `json:"end"`
	LocationID int64           `json:"location_id"`
	PassType   string          `json:"pass_type"`
	EmployeeID int64           `json:"employee_id"`
	Hours      Buckets         `json:"hours"`
	Rates      rates.Config    `json:"rates"`
	RateSource rates.Source    `json:"rate_source"`
	Amount     decimal.Decimal `json:"amount"`
}

// BreakdownKey returns the breakdown key for a shift id.
func BreakdownKey(shiftID int64) string {
	return fmt.Sprintf("shift_%d", shiftID)
}

// Invoice is a fully populated invoice aggregate.
type Invoice struct {
	ID          int64
	Number      string
	SeqYear     int
	SeqOrdinal  int
	ClientID    int64
	IssueDate   time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	Subtotal    decimal.Decimal
	VAT         decimal.Decimal
	Total       decimal.Decimal
	Status      InvoiceStatus
	Text        string
	Breakdown   []BreakdownLine
	Client      ClientSnapshot
	ShiftIDs    []int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StatusAt    time.Time
}

// Period returns the invoiced period.
func (inv Invoice) Period() calendar.Period {
	return calendar.Period{Start: inv.PeriodStart, End: inv.PeriodEnd}
}

// Line returns the breakdown line for key.
func (inv Invoice) Line(key string) (BreakdownLine, bool) {
	for _, line := range inv.Breakdown {
		if line.Key == key {
			return line, true
		}
	}
	return BreakdownLine{}, false
}

// InvoiceFilter narrows List results. Zero values are ignored.
type InvoiceFilter struct {
	ClientID   int64
	Status     InvoiceStatus
	IssuedFrom time.Time
	IssuedTo   time.Time
	Limit      int
	Offset     int
}

// Matches applies the filter to a single invoice.
func (f InvoiceFilter) Matches(inv Invoice) bool {
	if f.ClientID != 0 && inv.ClientID != f.ClientID {
		return false
	}
	if f.Status != "" && inv.Status != f.Status {
		return false
	}
	if !f.IssuedFrom.IsZero() && inv.IssueDate.Before(f.IssuedFrom) {
		return false
	}
	if !f.IssuedTo.IsZero() && inv.IssueDate.After(f.IssuedTo) {
		return false
	}
	return true
}

// Reason explains why an assembly produced no invoice.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoEligibleShifts Reason = "no_eligible_shifts"
	ReasonDuplicate        Reason = "duplicate"
	ReasonClientInactive   Reason = "client_inactive"
)

// Outcome is the result of one assembly: either an invoice or a reason.
type Outcome struct {
	Invoice *Invoice
	Reason  Reason
}

// Created reports whether an invoice was written.
func (o Outcome) Created() bool { return o.Invoice != nil }

// Label returns a short outcome name for logs and metrics.
func (o Outcome) Label() string {
	if o.Created() {
		return "created"
	}
	return string(o.Reason)
}

// RunRecord is the persisted summary of one scheduler tick.
type RunRecord struct {
	ID          uuid.UUID
	Trigger     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Created     int
	Noop        int
	Failed      int
}

// FormatClock renders minutes after midnight as HH:MM.
func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// ParseClock parses HH:MM into minutes after midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("billing: clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("billing: clock %q out of range", s)
	}
	return h*60 + m, nil
}
