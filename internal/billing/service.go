package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
)

const (
	defaultAssembleTimeout = 60 * time.Second
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 250 * time.Millisecond
	defaultWorkers         = 4
)

// Settings tunes assembly behaviour.
type Settings struct {
	SkipInactive    bool
	AssembleTimeout time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
	Workers         int
}

func (s Settings) withDefaults() Settings {
	if s.AssembleTimeout <= 0 {
		s.AssembleTimeout = defaultAssembleTimeout
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaultRetryDelay
	}
	if s.Workers <= 0 {
		s.Workers = defaultWorkers
	}
	return s
}

// ServiceConfig collects the engine's collaborators.
type ServiceConfig struct {
	Repo     Repository
	Clock    calendar.Clock
	Resolver *rates.Resolver
	Holidays calendar.HolidayOracle
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Settings Settings
}

// Service is the billing engine: assembler, tick runner and invoice surface.
type Service struct {
	repo       Repository
	clock      calendar.Clock
	resolver   *rates.Resolver
	classifier *Classifier
	allocator  Allocator
	guard      DuplicateGuard
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
	settings   Settings
	flights    singleflight.Group
	sleep      func(context.Context, time.Duration) error
}

// NewService validates dependencies and builds the engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repo == nil {
		return nil, errors.New("billing: repository not configured")
	}
	if cfg.Clock == nil {
		return nil, errors.New("billing: clock not configured")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("billing: rate resolver not configured")
	}
	holidays := cfg.Holidays
	if holidays == nil {
		holidays = calendar.NationalHolidays()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       cfg.Repo,
		clock:      cfg.Clock,
		resolver:   cfg.Resolver,
		classifier: NewClassifier(holidays),
		logger:     logger.With(slog.String("component", "billing")),
		metrics:    cfg.Metrics,
		settings:   cfg.Settings.withDefaults(),
		sleep:      sleepContext,
	}, nil
}

// Clock exposes the engine clock to schedulers.
func (s *Service) Clock() calendar.Clock { return s.clock }

// Assemble builds at most one invoice for the client and period. Transient
// failures are retried with jittered backoff; each attempt runs under its own
// deadline and rolls back completely on failure.
func (s *Service) Assemble(ctx context.Context, clientID int64, period calendar.Period) (Outcome, error) {
	if clientID <= 0 {
		return Outcome{}, fmt.Errorf("%w: client id %d", ErrInvalidInput, clientID)
	}
	if err := period.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.settings.MaxAttempts; attempt++ {
		out, err := s.assembleWithDeadline(ctx, clientID, period)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return Outcome{}, err
		}
		lastErr = err
		s.logger.Warn("assemble transient failure",
			slog.Int64("client_id", clientID),
			slog.String("period", period.Key()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt < s.settings.MaxAttempts {
			if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
				return Outcome{}, err
			}
		}
	}
	return Outcome{}, fmt.Errorf("billing: client %d gave up after %d attempts: %w", clientID, s.settings.MaxAttempts, lastErr)
}

// RunFor is the targeted manual trigger. Concurrent calls for the same
// client and period share one assembly. The shared assembly is detached from
// the caller that started it; a canceled caller returns early while the
// others still get the result.
func (s *Service) RunFor(ctx context.Context, clientID int64, period calendar.Period) (Outcome, error) {
	key := fmt.Sprintf("%d:%s", clientID, period.Key())
	shared := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) {
		return s.Assemble(shared, clientID, period)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		out := res.Val.(Outcome)
		s.observe(clientID, period, out)
		return out, nil
	}
}

func (s *Service) assembleWithDeadline(ctx context.Context, clientID int64, period calendar.Period) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.AssembleTimeout)
	defer cancel()
	return s.assembleOnce(ctx, clientID, period)
}

func (s *Service) assembleOnce(ctx context.Context, clientID int64, period calendar.Period) (Outcome, error) {
	var out Outcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		client, err := tx.GetClient(ctx, clientID)
		if err != nil {
			return err
		}
		if !client.Active && s.settings.SkipInactive {
			out = Outcome{Reason: ReasonClientInactive}
			return nil
		}

		shifts, err := tx.ListEligibleShifts(ctx, clientID, period)
		if err != nil {
			return fmt.Errorf("billing: list shifts: %w", err)
		}
		if len(shifts) == 0 {
			out = Outcome{Reason: ReasonNoEligibleShifts}
			return nil
		}

		inv, err := s.price(ctx, tx, client, period, shifts)
		if err != nil {
			return err
		}

		dup, err := s.guard.IsDuplicate(ctx, tx, client.ID, period, inv.Total)
		if err != nil {
			return fmt.Errorf("billing: duplicate check: %w", err)
		}
		if dup {
			out = Outcome{Reason: ReasonDuplicate}
			return nil
		}

		number, err := s.allocator.Next(ctx, tx, client, inv.IssueDate)
		if err != nil {
			return err
		}
		inv.Number = number.String()
		inv.SeqYear = number.Year
		inv.SeqOrdinal = number.Ordinal
		if inv.Text, err = RenderText(inv); err != nil {
			return fmt.Errorf("billing: render: %w", err)
		}

		id, err := tx.InsertInvoice(ctx, inv)
		if err != nil {
			return fmt.Errorf("billing: insert invoice: %w", err)
		}
		inv.ID = id
		if err := tx.LinkShifts(ctx, id, inv.ShiftIDs); err != nil {
			return fmt.Errorf("billing: link shifts: %w", err)
		}
		out = Outcome{Invoice: &inv}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// price classifies and prices every shift and builds the invoice body.
func (s *Service) price(ctx context.Context, tx TxRepository, client Client, period calendar.Period, shifts []Shift) (Invoice, error) {
	sort.Slice(shifts, func(i, j int) bool {
		if !shifts[i].Date.Equal(shifts[j].Date) {
			return shifts[i].Date.Before(shifts[j].Date)
		}
		return shifts[i].ID < shifts[j].ID
	})

	type rateKey struct {
		location int64
		pass     string
	}
	resolved := make(map[rateKey]rates.Resolved)
	lines := make([]BreakdownLine, 0, len(shifts))
	ids := make([]int64, 0, len(shifts))
	for _, sh := range shifts {
		if !sh.Eligible() || !period.Contains(sh.Date) {
			return Invoice{}, &IntegrityError{ClientID: client.ID, ShiftIDs: []int64{sh.ID}, Reason: "shift is not eligible for the period"}
		}
		key := rateKey{sh.LocationID, sh.PassType}
		rate, ok := resolved[key]
		if !ok {
			r, err := s.resolver.Resolve(ctx, tx, sh.LocationID, sh.PassType)
			if err != nil {
				if errors.Is(err, rates.ErrInvalidRate) {
					return Invoice{}, &IntegrityError{ClientID: client.ID, ShiftIDs: []int64{sh.ID}, Reason: err.Error()}
				}
				return Invoice{}, fmt.Errorf("billing: resolve rate: %w", err)
			}
			rate = r
			resolved[key] = r
		}
		buckets, err := s.classifier.Classify(sh.Date, sh.StartMinute, sh.EndMinute)
		if err != nil {
			if errors.Is(err, ErrInvariant) {
				return Invoice{}, err
			}
			return Invoice{}, &IntegrityError{ClientID: client.ID, ShiftIDs: []int64{sh.ID}, Reason: err.Error()}
		}
		lines = append(lines, BreakdownLine{
			Key:        BreakdownKey(sh.ID),
			ShiftID:    sh.ID,
			Date:       sh.Date.Format(calendar.DateLayout),
			Start:      FormatClock(sh.StartMinute),
			End:        FormatClock(sh.EndMinute),
			LocationID: sh.LocationID,
			PassType:   sh.PassType,
			EmployeeID: sh.EmployeeID,
			Hours:      buckets,
			Rates:      rate.Config,
			RateSource: rate.Source,
			Amount:     Price(buckets, rate.Config),
		})
		ids = append(ids, sh.ID)
	}

	subtotal := sumBreakdown(lines)
	vat, total := Totals(subtotal)
	return Invoice{
		ClientID:    client.ID,
		IssueDate:   s.clock.Today(),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Subtotal:    subtotal,
		VAT:         vat,
		Total:       total,
		Status:      InvoiceStatusOpen,
		Breakdown:   lines,
		Client:      client.Snapshot(),
		ShiftIDs:    ids,
	}, nil
}

func (s *Service) observe(clientID int64, period calendar.Period, out Outcome) {
	attrs := []any{
		slog.Int64("client_id", clientID),
		slog.String("period", period.Key()),
		slog.String("outcome", out.Label()),
	}
	if out.Created() {
		attrs = append(attrs,
			slog.String("invoice_number", out.Invoice.Number),
			slog.String("total", out.Invoice.Total.StringFixed(2)))
		s.metrics.AddInvoiced(out.Invoice.Total.InexactFloat64())
	}
	s.metrics.RecordAssembly(out.Label())
	s.logger.Info("billing assemble", attrs...)
}

func (s *Service) backoff(attempt int) time.Duration {
	base := s.settings.RetryDelay << (attempt - 1)
	return base + rand.N(s.settings.RetryDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Get returns a full invoice record.
func (s *Service) Get(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// List returns invoices matching filter, newest first.
func (s *Service) List(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, filter.Status)
	}
	return s.repo.ListInvoices(ctx, filter)
}

// SetStatus applies a state-machine checked transition. Cancel goes through
// Cancel so linked shifts are detached.
func (s *Service) SetStatus(ctx context.Context, id int64, status InvoiceStatus) (Invoice, error) {
	if !status.Valid() {
		return Invoice{}, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	if status == InvoiceStatusCanceled {
		return s.Cancel(ctx, id)
	}
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LoadInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := Transition(inv.Status, status); err != nil {
			return err
		}
		now := s.clock.Now()
		if err := tx.UpdateInvoiceStatus(ctx, id, status, now); err != nil {
			return err
		}
		inv.Status = status
		inv.StatusAt = now
		updated = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice status changed", slog.Int64("invoice_id", id), slog.String("status", string(status)))
	return updated, nil
}

// Cancel cancels the invoice and clears invoice_id on its shifts in the same
// transaction, making them eligible again. The ordinal stays reserved.
func (s *Service) Cancel(ctx context.Context, id int64) (Invoice, error) {
	var canceled Invoice
	var detached int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LoadInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := Transition(inv.Status, InvoiceStatusCanceled); err != nil {
			return err
		}
		now := s.clock.Now()
		if err := tx.UpdateInvoiceStatus(ctx, id, InvoiceStatusCanceled, now); err != nil {
			return err
		}
		if detached, err = tx.DetachShifts(ctx, id); err != nil {
			return err
		}
		inv.Status = InvoiceStatusCanceled
		inv.StatusAt = now
		canceled = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice canceled", slog.Int64("invoice_id", id), slog.String("number", canceled.Number), slog.Int64("detached_shifts", detached))
	return canceled, nil
}

// AgeInvoices moves reminded14 invoices issued 30+ days ago to reminded30 and
// sent invoices issued 14+ days ago to reminded14. Each invoice advances at
// most one step per call.
func (s *Service) AgeInvoices(ctx context.Context) (int, error) {
	today := s.clock.Today()
	steps := []struct {
		from, to InvoiceStatus
		days     int
	}{
		{InvoiceStatusReminded14, InvoiceStatusReminded30, 30},
		{InvoiceStatusSent, InvoiceStatusReminded14, 14},
	}
	moved := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.clock.Now()
		for _, step := range steps {
			candidates, err := tx.ListAgingCandidates(ctx, step.from, calendar.AddDays(today, -step.days))
			if err != nil {
				return err
			}
			for _, inv := range candidates {
				if err := Transition(inv.Status, step.to); err != nil {
					return err
				}
				if err := tx.UpdateInvoiceStatus(ctx, inv.ID, step.to, now); err != nil {
					return err
				}
				moved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// VerifyTotals checks an invoice against its own breakdown.
func VerifyTotals(inv Invoice) error {
	sum := sumBreakdown(inv.Breakdown)
	if !sum.Equal(inv.Subtotal) {
		return fmt.Errorf("%w: breakdown %s != subtotal %s", ErrInvariant, sum.StringFixed(2), inv.Subtotal.StringFixed(2))
	}
	vat, total := Totals(inv.Subtotal)
	if !vat.Equal(inv.VAT) || !total.Equal(inv.Total) {
		return fmt.Errorf("%w: vat/total mismatch on %s", ErrInvariant, inv.Number)
	}
	return nil
}
