package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/calendar"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
	"github.com/shiftbill/shiftbill/internal/scheduler"
)

// TickRunner executes one billing tick.
type TickRunner interface {
	RunTick(ctx context.Context, trigger string, period calendar.Period) (billing.TickReport, error)
}

// BillingTickJob handles billing:tick tasks. Overlapping ticks in this
// process are coalesced; the Redis lock covers other processes.
type BillingTickJob struct {
	Runner    TickRunner
	Clock     calendar.Clock
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	coalescer *scheduler.Coalescer
}

// NewBillingTickJob wires the job. locker may be nil.
func NewBillingTickJob(runner TickRunner, clock calendar.Clock, locker scheduler.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingTickJob {
	j := &BillingTickJob{Runner: runner, Clock: clock, Logger: logger, Metrics: metrics}
	j.coalescer = scheduler.NewCoalescer(j.tick, locker, logger)
	return j
}

// Coalescer exposes the job's coalescer for startup catch-up.
func (j *BillingTickJob) Coalescer() *scheduler.Coalescer { return j.coalescer }

// Handle executes a billing tick task.
func (j *BillingTickJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil || j.Clock == nil {
		return errors.New("billing tick: dependencies not configured")
	}
	var payload TickPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("billing tick: decode payload: %w", asynq.SkipRetry)
		}
	}
	if payload.Trigger == "" {
		payload.Trigger = billing.TriggerSchedule
	}
	period, err := payload.Period(j.Clock.Today())
	if err != nil {
		j.log().Error("resolve period", slog.Any("error", err))
		return fmt.Errorf("billing tick: %v: %w", err, asynq.SkipRetry)
	}

	res, err := j.coalescer.Trigger(ctx, scheduler.Request{Period: period, Trigger: payload.Trigger})
	if err != nil {
		if errors.Is(err, billing.ErrInvariant) {
			return fmt.Errorf("billing tick: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.log().Info("billing tick handled", slog.String("period", period.Key()), slog.String("result", string(res)))
	return nil
}

func (j *BillingTickJob) tick(ctx context.Context, req scheduler.Request) error {
	tracker := j.metrics().Track(TaskBillingTick)
	start := time.Now()
	report, err := j.Runner.RunTick(ctx, req.Trigger, req.Period)
	if report.Failures != nil {
		j.log().Warn("billing tick had client failures",
			slog.String("period", req.Period.Key()),
			slog.Int("failed", report.Run.Failed),
			slog.Any("error", report.Failures))
	}
	if err == nil {
		j.log().Info("billing tick summary",
			slog.String("run_id", report.Run.ID.String()),
			slog.String("period", req.Period.Key()),
			slog.Int("created", report.Run.Created),
			slog.Int("noop", report.Run.Noop),
			slog.Int("failed", report.Run.Failed),
			slog.Duration("duration", time.Since(start)))
	}
	return tracker.End(err)
}

func (j *BillingTickJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingTickJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingTick))
	}
	return slog.Default().With(slog.String("job", TaskBillingTick))
}
