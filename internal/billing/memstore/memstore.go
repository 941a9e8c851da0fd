// Package memstore is an in-memory billing repository used by tests and
// local tooling. Transactions are serialised by one mutex and run on a copy
// of the state that replaces the live state only on commit.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
)

// Operation names accepted by SetFault.
const (
	OpGetClient          = "get_client"
	OpListEligibleShifts = "list_eligible_shifts"
	OpGetRate            = "get_rate"
	OpHasOpenDuplicate   = "has_open_duplicate"
	OpLockSequence       = "lock_sequence"
	OpInsertInvoice      = "insert_invoice"
	OpLinkShifts         = "link_shifts"
	OpCommit             = "commit"
)

type rateKey struct {
	location int64
	pass     string
}

type state struct {
	clients   map[int64]billing.Client
	locations map[int64]billing.Location
	shifts    map[int64]billing.Shift
	rates     map[rateKey]rates.Config
	invoices  map[int64]billing.Invoice
	runs      []billing.RunRecord
	nextID    int64
}

func newState() *state {
	return &state{
		clients:   make(map[int64]billing.Client),
		locations: make(map[int64]billing.Location),
		shifts:    make(map[int64]billing.Shift),
		rates:     make(map[rateKey]rates.Config),
		invoices:  make(map[int64]billing.Invoice),
		nextID:    1,
	}
}

func (s *state) clone() *state {
	return &state{
		clients:   maps.Clone(s.clients),
		locations: maps.Clone(s.locations),
		shifts:    maps.Clone(s.shifts),
		rates:     maps.Clone(s.rates),
		invoices:  maps.Clone(s.invoices),
		runs:      append([]billing.RunRecord(nil), s.runs...),
		nextID:    s.nextID,
	}
}

type fault struct {
	err       error
	remaining int
}

// Store implements billing.Repository in memory.
type Store struct {
	mu     sync.Mutex
	state  *state
	faults map[string]*fault
	calls  map[string]int
	now    func() time.Time
}

var _ billing.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		state:  newState(),
		faults: make(map[string]*fault),
		calls:  make(map[string]int),
		now:    time.Now,
	}
}

// WithClock sets the timestamp source for created/updated columns.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// SetFault makes the next times calls of op fail with err. times < 0 fails forever.
func (s *Store) SetFault(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, remaining: times}
}

// Calls reports how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// hit must be called with mu held.
func (s *Store) hit(op string) error {
	s.calls[op]++
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// AddClient seeds a client.
func (s *Store) AddClient(c billing.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.clients[c.ID] = c
}

// AddLocation seeds a location.
func (s *Store) AddLocation(l billing.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.locations[l.ID] = l
}

// AddShift seeds a shift.
func (s *Store) AddShift(sh billing.Shift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.shifts[sh.ID] = sh
}

// SetRate seeds a rate row.
func (s *Store) SetRate(locationID int64, passType string, cfg rates.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rates[rateKey{locationID, passType}] = cfg
}

// Shift returns the current copy of a shift.
func (s *Store) Shift(id int64) (billing.Shift, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.state.shifts[id]
	return sh, ok
}

// Invoices returns every stored invoice ordered by id.
func (s *Store) Invoices() []billing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.Invoice, 0, len(s.state.invoices))
	for _, inv := range s.state.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runs returns the recorded tick runs in insertion order.
func (s *Store) Runs() []billing.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]billing.RunRecord(nil), s.state.runs...)
}

// WithTx runs fn against a private copy of the state and publishes it only
// when fn succeeds and ctx is still live.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, billing.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{store: s, st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.hit(OpCommit); err != nil {
		return err
	}
	s.state = work
	return nil
}

// GetInvoice returns a committed invoice.
func (s *Store) GetInvoice(_ context.Context, id int64) (billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.state.invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	return inv, nil
}

// ListInvoices returns invoices matching filter, newest issue date first.
func (s *Store) ListInvoices(_ context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range s.state.invoices {
		if filter.Matches(inv) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.After(out[j].IssueDate)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListClientIDs returns client ids in ascending order.
func (s *Store) ListClientIDs(_ context.Context, activeOnly bool) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.state.clients))
	for id, c := range s.state.clients {
		if activeOnly && !c.Active {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LastRun returns the most recently started run.
func (s *Store) LastRun(_ context.Context) (billing.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		last  billing.RunRecord
		found bool
	)
	for _, r := range s.state.runs {
		if !found || r.StartedAt.After(last.StartedAt) {
			last, found = r, true
		}
	}
	return last, found, nil
}

// RecordRun appends a run record.
func (s *Store) RecordRun(_ context.Context, run billing.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.runs = append(s.state.runs, run)
	return nil
}

type tx struct {
	store *Store
	st    *state
}

func (t *tx) GetClient(_ context.Context, id int64) (billing.Client, error) {
	if err := t.store.hit(OpGetClient); err != nil {
		return billing.Client{}, err
	}
	c, ok := t.st.clients[id]
	if !ok {
		return billing.Client{}, fmt.Errorf("client %d: %w", id, billing.ErrClientNotFound)
	}
	return c, nil
}

func (t *tx) ListEligibleShifts(_ context.Context, clientID int64, period calendar.Period) ([]billing.Shift, error) {
	if err := t.store.hit(OpListEligibleShifts); err != nil {
		return nil, err
	}
	var out []billing.Shift
	for _, sh := range t.st.shifts {
		loc, ok := t.st.locations[sh.LocationID]
		if !ok || loc.ClientID != clientID {
			continue
		}
		if sh.Eligible() && period.Contains(sh.Date) {
			out = append(out, sh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) GetRate(_ context.Context, locationID int64, passType string) (rates.Config, bool, error) {
	if err := t.store.hit(OpGetRate); err != nil {
		return rates.Config{}, false, err
	}
	cfg, ok := t.st.rates[rateKey{locationID, passType}]
	return cfg, ok, nil
}

func (t *tx) HasOpenDuplicate(_ context.Context, clientID int64, period calendar.Period, total decimal.Decimal) (bool, error) {
	if err := t.store.hit(OpHasOpenDuplicate); err != nil {
		return false, err
	}
	for _, inv := range t.st.invoices {
		if inv.ClientID == clientID &&
			inv.Status == billing.InvoiceStatusOpen &&
			inv.PeriodStart.Equal(period.Start) &&
			inv.PeriodEnd.Equal(period.End) &&
			inv.Total.Equal(total) {
			return true, nil
		}
	}
	return false, nil
}

// LockInvoiceSequence is satisfied by the store-wide transaction mutex.
func (t *tx) LockInvoiceSequence(_ context.Context, _ int, _ int64) error {
	return t.store.hit(OpLockSequence)
}

func (t *tx) MaxInvoiceOrdinal(_ context.Context, year int, clientID int64) (int, error) {
	max := 0
	for _, inv := range t.st.invoices {
		if inv.SeqYear == year && inv.ClientID == clientID && inv.SeqOrdinal > max {
			max = inv.SeqOrdinal
		}
	}
	return max, nil
}

func (t *tx) InsertInvoice(_ context.Context, inv billing.Invoice) (int64, error) {
	if err := t.store.hit(OpInsertInvoice); err != nil {
		return 0, err
	}
	for _, existing := range t.st.invoices {
		if existing.Number == inv.Number {
			return 0, fmt.Errorf("memstore: invoice number %s already exists", inv.Number)
		}
	}
	now := t.store.now()
	inv.ID = t.st.nextID
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.StatusAt = now
	inv.ShiftIDs = append([]int64(nil), inv.ShiftIDs...)
	inv.Breakdown = append([]billing.BreakdownLine(nil), inv.Breakdown...)
	t.st.invoices[inv.ID] = inv
	t.st.nextID++
	return inv.ID, nil
}

func (t *tx) LinkShifts(_ context.Context, invoiceID int64, shiftIDs []int64) error {
	if err := t.store.hit(OpLinkShifts); err != nil {
		return err
	}
	for _, id := range shiftIDs {
		sh, ok := t.st.shifts[id]
		if !ok {
			return fmt.Errorf("memstore: shift %d not found", id)
		}
		if sh.InvoiceID != nil {
			return fmt.Errorf("memstore: shift %d already on invoice %d", id, *sh.InvoiceID)
		}
		linked := invoiceID
		sh.InvoiceID = &linked
		t.st.shifts[id] = sh
	}
	return nil
}

func (t *tx) LoadInvoiceForUpdate(_ context.Context, id int64) (billing.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	return inv, nil
}

func (t *tx) UpdateInvoiceStatus(_ context.Context, id int64, status billing.InvoiceStatus, at time.Time) error {
	inv, ok := t.st.invoices[id]
	if !ok {
		return fmt.Errorf("invoice %d: %w", id, billing.ErrNotFound)
	}
	inv.Status = status
	inv.StatusAt = at
	inv.UpdatedAt = at
	t.st.invoices[id] = inv
	return nil
}

func (t *tx) DetachShifts(_ context.Context, invoiceID int64) (int64, error) {
	var n int64
	for id, sh := range t.st.shifts {
		if sh.InvoiceID != nil && *sh.InvoiceID == invoiceID {
			sh.InvoiceID = nil
			t.st.shifts[id] = sh
			n++
		}
	}
	return n, nil
}

func (t *tx) ListAgingCandidates(_ context.Context, status billing.InvoiceStatus, issuedOnOrBefore time.Time) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, inv := range t.st.invoices {
		if inv.Status == status && !inv.IssueDate.After(issuedOnOrBefore) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ErrInjected is a ready-made transient fault for tests.
var ErrInjected = fmt.Errorf("memstore: injected: %w", billing.ErrTransient)
