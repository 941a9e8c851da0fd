package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/memstore"
	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
	"github.com/shiftbill/shiftbill/jobs"
)

type fakeQueue struct {
	ticks     []jobs.TickPayload
	runFor    []jobs.RunForPayload
	result    jobs.RunForResult
	runErr    error
	coalesced bool
	closed    int
}

func (q *fakeQueue) EnqueueTick(_ context.Context, p jobs.TickPayload) (*asynq.TaskInfo, bool, error) {
	q.ticks = append(q.ticks, p)
	if q.coalesced {
		return nil, true, nil
	}
	return &asynq.TaskInfo{ID: "tick-1"}, false, nil
}

func (q *fakeQueue) RunForAndWait(_ context.Context, p jobs.RunForPayload, _ time.Duration) (jobs.RunForResult, error) {
	q.runFor = append(q.runFor, p)
	return q.result, q.runErr
}

func (q *fakeQueue) InspectQueue(context.Context) (QueueStats, error) {
	return QueueStats{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}, nil
}

func (q *fakeQueue) ListScheduled(context.Context, int) ([]*asynq.TaskInfo, error) {
	return []*asynq.TaskInfo{{ID: "s1", Type: jobs.TaskBillingTick}}, nil
}

func (q *fakeQueue) Close() error {
	q.closed++
	return nil
}

type cliHarness struct {
	deps   Deps
	out    *bytes.Buffer
	errOut *bytes.Buffer
	queue  *fakeQueue
	store  *memstore.Store
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	loc, err := calendar.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	clock := calendar.NewFixedClock(time.Date(2025, time.May, 19, 9, 0, 0, 0, loc), loc)
	store := memstore.New().WithClock(clock.Now)
	store.SeedDemo()
	resolver, err := rates.NewResolver(decimal.NewFromInt(20))
	require.NoError(t, err)
	svc, err := billing.NewService(billing.ServiceConfig{
		Repo:     store,
		Clock:    clock,
		Resolver: resolver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings: billing.Settings{SkipInactive: true},
	})
	require.NoError(t, err)

	h := &cliHarness{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}, queue: &fakeQueue{}, store: store}
	h.deps = Deps{
		Out:   h.out,
		Clock: clock,
		OpenRunner: func(context.Context) (Runner, func(), error) {
			return svc, func() {}, nil
		},
		OpenQueue: func() (Queue, error) { return h.queue, nil },
	}
	return h
}

func (h *cliHarness) run(args ...string) int {
	h.out.Reset()
	h.errOut.Reset()
	return Execute(context.Background(), h.deps, args, h.errOut)
}

func TestRunForExitCodes(t *testing.T) {
	h := newCLIHarness(t)

	require.Equal(t, ExitCodeOK, h.run("run-for", "--client", "7", "--from", "2025-05-12", "--to", "2025-05-18"))
	var out runForOutput
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &out))
	require.Equal(t, "2025007001-FOR", out.Number)
	require.Equal(t, "193.60", out.Total)

	require.Equal(t, ExitCodeNoop, h.run("run-for", "--client", "7"))
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &out))
	require.Equal(t, string(billing.ReasonNoEligibleShifts), out.Reason)
	require.Equal(t, "2025-05-12", out.PeriodStart)
	require.Empty(t, h.errOut.String())

	require.Equal(t, ExitCodeError, h.run("run-for", "--client", "4242"))
	require.Contains(t, h.errOut.String(), "client not found")

	require.Equal(t, ExitCodeError, h.run("run-for", "--client", "7", "--from", "2025-05-12"))
	require.Equal(t, ExitCodeError, h.run("run-for"))
}

func TestRunForEnqueueWaitsForWorker(t *testing.T) {
	h := newCLIHarness(t)
	h.queue.result = jobs.RunForResult{InvoiceID: 11, Number: "2025007002-FOR"}

	require.Equal(t, ExitCodeOK, h.run("run-for", "--client", "7", "--enqueue"))
	require.Len(t, h.queue.runFor, 1)
	require.Equal(t, jobs.RunForPayload{ClientID: 7, PeriodStart: "2025-05-12", PeriodEnd: "2025-05-18"}, h.queue.runFor[0])
	require.Equal(t, 1, h.queue.closed)

	h.queue.result = jobs.RunForResult{Reason: string(billing.ReasonDuplicate)}
	require.Equal(t, ExitCodeNoop, h.run("run-for", "--client", "7", "--enqueue"))

	h.queue.runErr = errors.New("task archived")
	require.Equal(t, ExitCodeError, h.run("run-for", "--client", "7", "--enqueue"))
}

func TestRunNow(t *testing.T) {
	h := newCLIHarness(t)
	require.Equal(t, ExitCodeOK, h.run("run-now"))
	require.Contains(t, h.out.String(), "enqueued tick tick-1")
	require.Equal(t, billing.TriggerManual, h.queue.ticks[0].Trigger)

	h.queue.coalesced = true
	require.Equal(t, ExitCodeOK, h.run("run-now", "--from", "2025-05-05", "--to", "2025-05-11"))
	require.Contains(t, h.out.String(), "coalesced")
	require.Equal(t, "2025-05-05", h.queue.ticks[1].PeriodStart)

	require.Equal(t, ExitCodeError, h.run("run-now", "--from", "2025-05-11", "--to", "2025-05-05"))
	require.Len(t, h.queue.ticks, 2)
}

func TestQueueAndAge(t *testing.T) {
	h := newCLIHarness(t)
	require.Equal(t, ExitCodeOK, h.run("queue"))
	var body struct {
		Stats     QueueStats `json:"stats"`
		Scheduled []struct {
			Type string `json:"type"`
		} `json:"scheduled"`
	}
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &body))
	require.Equal(t, 3, body.Stats.Pending)
	require.Equal(t, jobs.TaskBillingTick, body.Scheduled[0].Type)

	require.Equal(t, ExitCodeOK, h.run("age"))
	require.Contains(t, h.out.String(), "advanced 0 invoices")
}

func TestMigrateWithoutDatabase(t *testing.T) {
	h := newCLIHarness(t)
	require.Equal(t, ExitCodeError, h.run("migrate"))

	called := false
	h.deps.Migrate = func(context.Context) error { called = true; return nil }
	require.Equal(t, ExitCodeOK, h.run("migrate"))
	require.True(t, called)
}
