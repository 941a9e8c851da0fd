package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
)

// InvoiceAger moves overdue invoices to the next reminder status.
type InvoiceAger interface {
	AgeInvoices(ctx context.Context) (int, error)
}

// AgingJob handles billing:aging tasks.
type AgingJob struct {
	Ager    InvoiceAger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAgingJob constructs the job handler.
func NewAgingJob(ager InvoiceAger, logger *slog.Logger, metrics *jobmetrics.Metrics) *AgingJob {
	return &AgingJob{Ager: ager, Logger: logger, Metrics: metrics}
}

// Handle runs one aging pass.
func (j *AgingJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Ager == nil {
		return errors.New("billing aging: dependencies not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskBillingAging)
	moved, err := j.Ager.AgeInvoices(ctx)
	if err != nil {
		j.log().Error("age invoices", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("aged invoices", slog.Int("moved", moved))
	return tracker.End(nil)
}

func (j *AgingJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingAging))
	}
	return slog.Default().With(slog.String("job", TaskBillingAging))
}
