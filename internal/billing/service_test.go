package billing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/memstore"
	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
)

type fixture struct {
	store *memstore.Store
	clock *calendar.FixedClock
	svc   *billing.Service
}

var week = calendar.Period{Start: calendar.Date(2025, time.May, 12), End: calendar.Date(2025, time.May, 18)}

func newFixture(t *testing.T, settings billing.Settings) *fixture {
	t.Helper()
	loc, err := calendar.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	clock := calendar.NewFixedClock(time.Date(2025, time.May, 19, 9, 0, 0, 0, loc), loc)

	store := memstore.New().WithClock(clock.Now)
	store.SeedDemo()

	resolver, err := rates.NewResolver(decimal.NewFromInt(20))
	require.NoError(t, err)
	if settings.RetryDelay == 0 {
		settings.RetryDelay = time.Millisecond
	}
	settings.SkipInactive = true
	svc, err := billing.NewService(billing.ServiceConfig{
		Repo:     store,
		Clock:    clock,
		Resolver: resolver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings: settings,
	})
	require.NoError(t, err)
	return &fixture{store: store, clock: clock, svc: svc}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, want, got.StringFixed(2))
}

func TestAssembleSingleWeekdayShift(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.True(t, out.Created())

	inv := out.Invoice
	require.Equal(t, "2025007001-FOR", inv.Number)
	require.Equal(t, 2025, inv.SeqYear)
	require.Equal(t, 1, inv.SeqOrdinal)
	require.Equal(t, calendar.Date(2025, time.May, 19), inv.IssueDate)
	require.Equal(t, billing.InvoiceStatusOpen, inv.Status)
	requireMoney(t, "160.00", inv.Subtotal)
	requireMoney(t, "33.60", inv.VAT)
	requireMoney(t, "193.60", inv.Total)
	require.NoError(t, billing.VerifyTotals(*inv))

	line, ok := inv.Line("shift_1001")
	require.True(t, ok)
	require.True(t, line.Hours.Day.Equal(dec("8")))
	require.True(t, line.Hours.Total().Equal(dec("8")))
	requireMoney(t, "160.00", line.Amount)
	require.Equal(t, rates.SourceConfigured, line.RateSource)
	require.Equal(t, "Fortisec Beveiliging BV", inv.Client.Name)
	require.Contains(t, inv.Text, "FACTUUR 2025007001-FOR")
	require.Contains(t, inv.Text, "Totaal: 193.60")

	shift, _ := f.store.Shift(memstore.DemoFortisecShiftID)
	require.NotNil(t, shift.InvoiceID)
	require.Equal(t, inv.ID, *shift.InvoiceID)

	stored, err := f.svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, inv.Number, stored.Number)
	require.Equal(t, []int64{memstore.DemoFortisecShiftID}, stored.ShiftIDs)
}

func TestAssembleOvernightWeekendShiftWithDefaultRate(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	out, err := f.svc.Assemble(context.Background(), memstore.DemoCleanPlusID, week)
	require.NoError(t, err)
	require.True(t, out.Created())

	inv := out.Invoice
	require.Equal(t, "2025012001-CLE", inv.Number)
	requireMoney(t, "216.00", inv.Subtotal)
	requireMoney(t, "45.36", inv.VAT)
	requireMoney(t, "261.36", inv.Total)

	line, ok := inv.Line("shift_1201")
	require.True(t, ok)
	require.True(t, line.Hours.Weekend.Equal(dec("8")))
	require.True(t, line.Rates.Weekend.Equal(dec("27")))
	require.Equal(t, rates.SourceDefault, line.RateSource)
}

func TestAssembleTwiceYieldsOneInvoice(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()

	first, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.True(t, first.Created())

	second, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.False(t, second.Created())
	require.Len(t, f.store.Invoices(), 1)

	stored, err := f.svc.Get(ctx, first.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusOpen, stored.Status)
	require.Equal(t, first.Invoice.Number, stored.Number)
}

func TestDuplicateGuardBlocksIdenticalOpenInvoice(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()

	first, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.True(t, first.Created())

	// A re-entered copy of the same shift prices to the same total.
	f.store.AddShift(billing.Shift{
		ID: 1002, Date: calendar.Date(2025, time.May, 14), StartMinute: 8 * 60, EndMinute: 16 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
	})
	out, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.Equal(t, billing.ReasonDuplicate, out.Reason)
	require.Len(t, f.store.Invoices(), 1)
	shift, _ := f.store.Shift(1002)
	require.Nil(t, shift.InvoiceID)

	// Once delivered the open invoice no longer blocks.
	_, err = f.svc.SetStatus(ctx, first.Invoice.ID, billing.InvoiceStatusSent)
	require.NoError(t, err)
	out, err = f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.True(t, out.Created())
	require.Equal(t, "2025007002-FOR", out.Invoice.Number)
}

func TestConcurrentAssemblyForDifferentClients(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(map[int64]billing.Outcome)
	var mu sync.Mutex
	for _, id := range []int64{memstore.DemoFortisecID, memstore.DemoCleanPlusID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Assemble(ctx, id, week)
			require.NoError(t, err)
			mu.Lock()
			results[id] = out
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, "2025007001-FOR", results[memstore.DemoFortisecID].Invoice.Number)
	require.Equal(t, "2025012001-CLE", results[memstore.DemoCleanPlusID].Invoice.Number)
}

func TestConcurrentAssemblySameClientDifferentPeriods(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()
	periods := []calendar.Period{week}
	for w := 1; w < 4; w++ {
		start := calendar.AddDays(week.Start, -7*w)
		periods = append(periods, calendar.Period{Start: start, End: calendar.AddDays(start, 6)})
		f.store.AddShift(billing.Shift{
			ID: int64(1100 + w), Date: calendar.AddDays(start, 2), StartMinute: 8 * 60, EndMinute: 12 * 60,
			LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
		})
	}

	var wg sync.WaitGroup
	ordinals := make([]int, len(periods))
	for i, p := range periods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.RunFor(ctx, memstore.DemoFortisecID, p)
			require.NoError(t, err)
			require.True(t, out.Created())
			ordinals[i] = out.Invoice.SeqOrdinal
		}()
	}
	wg.Wait()

	require.ElementsMatch(t, []int{1, 2, 3, 4}, ordinals)
}

type gatedRepo struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRepo) WithTx(ctx context.Context, fn func(context.Context, billing.TxRepository) error) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.WithTx(ctx, fn)
}

func TestRunForSurvivesCanceledCaller(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	repo := &gatedRepo{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	resolver, err := rates.NewResolver(decimal.NewFromInt(20))
	require.NoError(t, err)
	svc, err := billing.NewService(billing.ServiceConfig{
		Repo:     repo,
		Clock:    f.clock,
		Resolver: resolver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings: billing.Settings{SkipInactive: true, RetryDelay: time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.RunFor(ctx, memstore.DemoFortisecID, week)
		errCh <- err
	}()
	<-repo.entered
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(repo.release)
	require.Eventually(t, func() bool { return len(f.store.Invoices()) == 1 }, time.Second, 5*time.Millisecond)

	out, err := svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.Equal(t, billing.ReasonNoEligibleShifts, out.Reason)
}

func TestAssembleMissingRateStoresEffectiveDefaults(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	out, err := f.svc.Assemble(context.Background(), memstore.DemoNordwachtID, week)
	require.NoError(t, err)
	require.True(t, out.Created())
	require.Equal(t, "2025099001-NOR", out.Invoice.Number)

	line, ok := out.Invoice.Line("shift_9901")
	require.True(t, ok)
	require.Equal(t, rates.SourceDefault, line.RateSource)
	want := map[string]decimal.Decimal{
		"base": line.Rates.Base, "evening": line.Rates.Evening, "night": line.Rates.Night,
		"weekend": line.Rates.Weekend, "holiday": line.Rates.Holiday, "nye": line.Rates.NYE,
	}
	expected := map[string]string{"base": "20", "evening": "22", "night": "24", "weekend": "27", "holiday": "30", "nye": "40"}
	for k, v := range expected {
		require.True(t, want[k].Equal(dec(v)), "%s: %s", k, want[k])
	}
	requireMoney(t, "80.00", out.Invoice.Subtotal)
}

func TestCancelAndReassemble(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()

	first, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)

	canceled, err := f.svc.Cancel(ctx, first.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusCanceled, canceled.Status)
	shift, _ := f.store.Shift(memstore.DemoFortisecShiftID)
	require.Nil(t, shift.InvoiceID)

	second, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.True(t, second.Created())
	require.Equal(t, "2025007002-FOR", second.Invoice.Number)
	require.True(t, second.Invoice.Subtotal.Equal(first.Invoice.Subtotal))

	_, err = f.svc.Cancel(ctx, first.Invoice.ID)
	require.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestAssembleNoEligibleShifts(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	empty := calendar.Period{Start: calendar.Date(2025, time.June, 2), End: calendar.Date(2025, time.June, 8)}
	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, empty)
	require.NoError(t, err)
	require.Equal(t, billing.ReasonNoEligibleShifts, out.Reason)
	require.Equal(t, "no_eligible_shifts", out.Label())
}

func TestAssembleSkipsIneligibleShifts(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	f.store.AddShift(billing.Shift{
		ID: 1003, Date: calendar.Date(2025, time.May, 15), StartMinute: 8 * 60, EndMinute: 12 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusAssigned,
	})
	f.store.AddShift(billing.Shift{
		ID: 1004, Date: calendar.Date(2025, time.May, 19), StartMinute: 8 * 60, EndMinute: 12 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
	})
	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.Equal(t, []int64{memstore.DemoFortisecShiftID}, out.Invoice.ShiftIDs)
}

func TestAssembleOrdersBreakdownByDateThenID(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	f.store.AddShift(billing.Shift{
		ID: 1000, Date: calendar.Date(2025, time.May, 16), StartMinute: 8 * 60, EndMinute: 9 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
	})
	f.store.AddShift(billing.Shift{
		ID: 1005, Date: calendar.Date(2025, time.May, 12), StartMinute: 8 * 60, EndMinute: 9 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
	})
	f.store.AddShift(billing.Shift{
		ID: 1006, Date: calendar.Date(2025, time.May, 14), StartMinute: 18 * 60, EndMinute: 19 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
	})
	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	keys := make([]string, 0, len(out.Invoice.Breakdown))
	for _, line := range out.Invoice.Breakdown {
		keys = append(keys, line.Key)
	}
	require.Equal(t, []string{"shift_1005", "shift_1001", "shift_1006", "shift_1000"}, keys)
	// 20 + 160 + 22 + 20
	requireMoney(t, "222.00", out.Invoice.Subtotal)
	require.NoError(t, billing.VerifyTotals(*out.Invoice))
}

func TestAssembleInactiveClient(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	f.store.AddClient(billing.Client{ID: memstore.DemoFortisecID, Name: "Fortisec Beveiliging BV", Active: false})
	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.Equal(t, billing.ReasonClientInactive, out.Reason)
	require.Empty(t, f.store.Invoices())
}

func TestAssembleRejectsBadInput(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()

	_, err := f.svc.Assemble(ctx, 0, week)
	require.ErrorIs(t, err, billing.ErrInvalidInput)

	inverted := calendar.Period{Start: week.End, End: week.Start}
	_, err = f.svc.Assemble(ctx, memstore.DemoFortisecID, inverted)
	require.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.svc.Assemble(ctx, 404, week)
	require.ErrorIs(t, err, billing.ErrClientNotFound)
}

func TestAssembleRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, billing.Settings{MaxAttempts: 3})
	f.store.SetFault(memstore.OpInsertInvoice, memstore.ErrInjected, 2)

	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.True(t, out.Created())
	require.Equal(t, "2025007001-FOR", out.Invoice.Number)
	require.Equal(t, 3, f.store.Calls(memstore.OpInsertInvoice))
	require.Len(t, f.store.Invoices(), 1)
}

func TestAssembleGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, billing.Settings{MaxAttempts: 2})
	f.store.SetFault(memstore.OpCommit, memstore.ErrInjected, -1)

	_, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.Error(t, err)
	require.True(t, billing.IsTransient(err))
	require.Equal(t, 2, f.store.Calls(memstore.OpCommit))
	require.Empty(t, f.store.Invoices())
	shift, _ := f.store.Shift(memstore.DemoFortisecShiftID)
	require.Nil(t, shift.InvoiceID)
}

func TestAssembleRollsBackOnFailureAndKeepsOrdinal(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	f.store.SetFault(memstore.OpLinkShifts, errors.New("disk full"), 1)

	_, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.Error(t, err)
	require.False(t, billing.IsTransient(err))
	require.Empty(t, f.store.Invoices())

	out, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.NoError(t, err)
	require.Equal(t, "2025007001-FOR", out.Invoice.Number)
}

func TestAssembleIntegrityFailures(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	f.store.AddShift(billing.Shift{
		ID: 1007, Date: calendar.Date(2025, time.May, 15), StartMinute: 25 * 60, EndMinute: 2 * 60,
		LocationID: 70, PassType: memstore.DemoPassType, Status: billing.ShiftStatusCompleted,
	})
	_, err := f.svc.Assemble(context.Background(), memstore.DemoFortisecID, week)
	require.ErrorIs(t, err, billing.ErrIntegrity)
	var integrity *billing.IntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, []int64{1007}, integrity.ShiftIDs)
	require.Empty(t, f.store.Invoices())

	g := newFixture(t, billing.Settings{})
	g.store.SetRate(120, memstore.DemoPassType, rates.Config{Base: dec("-1")})
	_, err = g.svc.Assemble(context.Background(), memstore.DemoCleanPlusID, week)
	require.ErrorIs(t, err, billing.ErrIntegrity)
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, []int64{memstore.DemoCleanPlusShiftID}, integrity.ShiftIDs)
}

func TestSetStatusFollowsStateMachine(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()
	out, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	id := out.Invoice.ID

	_, err = f.svc.SetStatus(ctx, id, billing.InvoiceStatusPaid)
	require.ErrorIs(t, err, billing.ErrInvalidTransition)

	inv, err := f.svc.SetStatus(ctx, id, billing.InvoiceStatusSent)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusSent, inv.Status)

	inv, err = f.svc.SetStatus(ctx, id, billing.InvoiceStatusPaid)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusPaid, inv.Status)

	_, err = f.svc.SetStatus(ctx, id, billing.InvoiceStatusCanceled)
	require.ErrorIs(t, err, billing.ErrInvalidTransition)
	shift, _ := f.store.Shift(memstore.DemoFortisecShiftID)
	require.NotNil(t, shift.InvoiceID)

	_, err = f.svc.SetStatus(ctx, id, "archived")
	require.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.svc.SetStatus(ctx, 9999, billing.InvoiceStatusSent)
	require.ErrorIs(t, err, billing.ErrNotFound)
}

func TestSetStatusCanceledDetachesShifts(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()
	out, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	_, err = f.svc.SetStatus(ctx, out.Invoice.ID, billing.InvoiceStatusSent)
	require.NoError(t, err)

	inv, err := f.svc.SetStatus(ctx, out.Invoice.ID, billing.InvoiceStatusCanceled)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusCanceled, inv.Status)
	shift, _ := f.store.Shift(memstore.DemoFortisecShiftID)
	require.Nil(t, shift.InvoiceID)
}

func TestAgeInvoices(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()
	out, err := f.svc.Assemble(ctx, memstore.DemoFortisecID, week)
	require.NoError(t, err)
	_, err = f.svc.SetStatus(ctx, out.Invoice.ID, billing.InvoiceStatusSent)
	require.NoError(t, err)

	f.clock.Advance(13 * 24 * time.Hour)
	moved, err := f.svc.AgeInvoices(ctx)
	require.NoError(t, err)
	require.Zero(t, moved)

	f.clock.Advance(24 * time.Hour)
	moved, err = f.svc.AgeInvoices(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	inv, _ := f.svc.Get(ctx, out.Invoice.ID)
	require.Equal(t, billing.InvoiceStatusReminded14, inv.Status)

	f.clock.Advance(16 * 24 * time.Hour)
	moved, err = f.svc.AgeInvoices(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	inv, _ = f.svc.Get(ctx, out.Invoice.ID)
	require.Equal(t, billing.InvoiceStatusReminded30, inv.Status)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, billing.Settings{})
	ctx := context.Background()
	for _, id := range []int64{memstore.DemoFortisecID, memstore.DemoCleanPlusID, memstore.DemoNordwachtID} {
		_, err := f.svc.Assemble(ctx, id, week)
		require.NoError(t, err)
	}
	all, err := f.svc.List(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byClient, err := f.svc.List(ctx, billing.InvoiceFilter{ClientID: memstore.DemoCleanPlusID})
	require.NoError(t, err)
	require.Len(t, byClient, 1)
	require.Equal(t, "2025012001-CLE", byClient[0].Number)

	_, err = f.svc.SetStatus(ctx, byClient[0].ID, billing.InvoiceStatusSent)
	require.NoError(t, err)
	sent, err := f.svc.List(ctx, billing.InvoiceFilter{Status: billing.InvoiceStatusSent})
	require.NoError(t, err)
	require.Len(t, sent, 1)

	none, err := f.svc.List(ctx, billing.InvoiceFilter{IssuedFrom: calendar.Date(2025, time.June, 1)})
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.svc.List(ctx, billing.InvoiceFilter{Status: "bogus"})
	require.ErrorIs(t, err, billing.ErrInvalidInput)
}
