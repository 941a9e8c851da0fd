package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/calendar"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
)

// ClientRunner assembles one client and period.
type ClientRunner interface {
	RunFor(ctx context.Context, clientID int64, period calendar.Period) (billing.Outcome, error)
}

// RunForJob handles billing:run_for tasks.
type RunForJob struct {
	Runner  ClientRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRunForJob constructs the job handler.
func NewRunForJob(runner ClientRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *RunForJob {
	return &RunForJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes a targeted assembly and writes a RunForResult.
func (j *RunForJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("billing run_for: dependencies not configured")
	}
	var payload RunForPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("billing run_for: decode payload: %w", asynq.SkipRetry)
	}
	period, err := calendar.ParsePeriod(payload.PeriodStart, payload.PeriodEnd)
	if err != nil {
		return fmt.Errorf("billing run_for: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBillingRunFor)
	out, err := j.Runner.RunFor(ctx, payload.ClientID, period)
	if err != nil {
		j.log().Error("run_for failed", slog.Int64("client_id", payload.ClientID), slog.String("period", period.Key()), slog.Any("error", err))
		err = tracker.End(err)
		if billing.IsTransient(err) {
			return err
		}
		return fmt.Errorf("billing run_for: %v: %w", err, asynq.SkipRetry)
	}
	_ = tracker.End(nil)

	result := RunForResult{Reason: string(out.Reason)}
	if out.Created() {
		result = RunForResult{InvoiceID: out.Invoice.ID, Number: out.Invoice.Number}
	}
	if w := task.ResultWriter(); w != nil {
		body, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			j.log().Warn("write run_for result", slog.Any("error", err))
		}
	}
	return nil
}

func (j *RunForJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RunForJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingRunFor))
	}
	return slog.Default().With(slog.String("job", TaskBillingRunFor))
}
