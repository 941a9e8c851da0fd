package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shiftbill/shiftbill/internal/calendar"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingTick assembles invoices for every client for one period.
	TaskBillingTick = "billing:tick"
	// TaskBillingRunFor assembles one client and period.
	TaskBillingRunFor = "billing:run_for"
	// TaskBillingAging advances sent invoices through the reminder statuses.
	TaskBillingAging = "billing:aging"
)

// tickUniqueTTL keeps identical queued ticks from piling up behind a slow run.
const tickUniqueTTL = time.Hour

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// TickPayload selects the period of a tick. Empty bounds mean the default
// weekly period relative to the day the task runs.
type TickPayload struct {
	PeriodStart string `json:"period_start,omitempty"`
	PeriodEnd   string `json:"period_end,omitempty"`
	Trigger     string `json:"trigger"`
}

// Period resolves the payload against today.
func (p TickPayload) Period(today time.Time) (calendar.Period, error) {
	if p.PeriodStart == "" && p.PeriodEnd == "" {
		return calendar.WeeklyPeriod(today), nil
	}
	return calendar.ParsePeriod(p.PeriodStart, p.PeriodEnd)
}

// RunForPayload targets a single client and period.
type RunForPayload struct {
	ClientID    int64  `json:"client_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// RunForResult is written as the task result of a run_for task.
type RunForResult struct {
	InvoiceID int64  `json:"invoice_id,omitempty"`
	Number    string `json:"number,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewBillingTickTask builds a tick task. Identical payloads are deduplicated
// while one is still queued.
func NewBillingTickTask(payload TickPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingTick, body,
		asynq.Queue(QueueDefault),
		asynq.Unique(tickUniqueTTL),
		asynq.MaxRetry(3)), nil
}

// NewRunForTask builds a targeted assembly task. Results are retained so the
// caller can read back the invoice or reason.
func NewRunForTask(payload RunForPayload) (*asynq.Task, error) {
	if payload.ClientID <= 0 {
		return nil, fmt.Errorf("jobs: client id must be positive")
	}
	if _, err := calendar.ParsePeriod(payload.PeriodStart, payload.PeriodEnd); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingRunFor, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour)), nil
}

// NewAgingTask builds the daily invoice aging task.
func NewAgingTask() *asynq.Task {
	return asynq.NewTask(TaskBillingAging, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}
