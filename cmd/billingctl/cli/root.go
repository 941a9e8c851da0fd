// Package cli implements the billingctl commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/calendar"
	"github.com/shiftbill/shiftbill/jobs"
)

// Exit codes of run-for.
const (
	ExitCodeOK    = 0
	ExitCodeError = 1
	ExitCodeNoop  = 2
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner is the synchronous billing surface used by the CLI.
type Runner interface {
	RunFor(ctx context.Context, clientID int64, period calendar.Period) (billing.Outcome, error)
	AgeInvoices(ctx context.Context) (int, error)
	Clock() calendar.Clock
}

// Queue is the asynchronous job surface used by the CLI.
type Queue interface {
	EnqueueTick(ctx context.Context, payload jobs.TickPayload) (*asynq.TaskInfo, bool, error)
	RunForAndWait(ctx context.Context, payload jobs.RunForPayload, wait time.Duration) (jobs.RunForResult, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
	Close() error
}

// Deps opens backends lazily so commands only connect to what they use.
type Deps struct {
	Out io.Writer
	// Clock resolves the default period when a command does not open a runner.
	Clock      calendar.Clock
	OpenRunner func(ctx context.Context) (Runner, func(), error)
	OpenQueue  func() (Queue, error)
	Migrate    func(ctx context.Context) error
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, deps Deps, args []string, stderr io.Writer) int {
	root := NewRootCmd(deps)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitCodeOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(stderr, "error:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(stderr, "error:", err)
	return ExitCodeError
}

// NewRootCmd assembles the command tree.
func NewRootCmd(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the shift billing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if deps.Out != nil {
		root.SetOut(deps.Out)
	}
	root.AddCommand(
		newRunForCmd(deps),
		newRunNowCmd(deps),
		newAgeCmd(deps),
		newQueueCmd(deps),
		newMigrateCmd(deps),
	)
	return root
}

type runForOutput struct {
	ClientID    int64  `json:"client_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	InvoiceID   int64  `json:"invoice_id,omitempty"`
	Number      string `json:"number,omitempty"`
	Total       string `json:"total,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func newRunForCmd(deps Deps) *cobra.Command {
	var (
		clientID int64
		from, to string
		enqueue  bool
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run-for",
		Short: "Assemble one client's invoice for a period",
		Long: `Assemble one client's invoice for a period.

Exits 0 when an invoice was created, 2 when nothing was invoiced
(no_eligible_shifts, duplicate, client_inactive) and 1 on error.`,
		Example: `  billingctl run-for --client 7 --from 2025-05-12 --to 2025-05-18
  billingctl run-for --client 7 --enqueue --wait 2m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID <= 0 {
				return &ExitError{Code: ExitCodeError, Err: errors.New("--client must be a positive id")}
			}
			if (from == "") != (to == "") {
				return &ExitError{Code: ExitCodeError, Err: errors.New("--from and --to go together")}
			}

			var out runForOutput
			if enqueue {
				res, period, err := runForQueued(cmd.Context(), deps, clientID, from, to, wait)
				if err != nil {
					return &ExitError{Code: ExitCodeError, Err: err}
				}
				out = runForOutput{
					ClientID:    clientID,
					PeriodStart: period.Start.Format(calendar.DateLayout),
					PeriodEnd:   period.End.Format(calendar.DateLayout),
					InvoiceID:   res.InvoiceID,
					Number:      res.Number,
					Reason:      res.Reason,
				}
			} else {
				outcome, period, err := runForDirect(cmd.Context(), deps, clientID, from, to)
				if err != nil {
					return &ExitError{Code: ExitCodeError, Err: err}
				}
				out = runForOutput{
					ClientID:    clientID,
					PeriodStart: period.Start.Format(calendar.DateLayout),
					PeriodEnd:   period.End.Format(calendar.DateLayout),
					Reason:      string(outcome.Reason),
				}
				if outcome.Created() {
					out.InvoiceID = outcome.Invoice.ID
					out.Number = outcome.Invoice.Number
					out.Total = outcome.Invoice.Total.StringFixed(2)
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return &ExitError{Code: ExitCodeError, Err: err}
			}
			if out.InvoiceID == 0 {
				return &ExitError{Code: ExitCodeNoop}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&clientID, "client", 0, "client id")
	cmd.Flags().StringVar(&from, "from", "", "period start YYYY-MM-DD (default: previous Monday)")
	cmd.Flags().StringVar(&to, "to", "", "period end YYYY-MM-DD (default: previous Sunday)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "hand the run to the worker queue and wait for its result")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long --enqueue waits for the worker")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func resolvePeriod(from, to string, today time.Time) (calendar.Period, error) {
	if from == "" && to == "" {
		return calendar.WeeklyPeriod(today), nil
	}
	return calendar.ParsePeriod(from, to)
}

func runForDirect(ctx context.Context, deps Deps, clientID int64, from, to string) (billing.Outcome, calendar.Period, error) {
	if deps.OpenRunner == nil {
		return billing.Outcome{}, calendar.Period{}, errors.New("billing backend not configured")
	}
	runner, closeFn, err := deps.OpenRunner(ctx)
	if err != nil {
		return billing.Outcome{}, calendar.Period{}, err
	}
	defer closeFn()
	period, err := resolvePeriod(from, to, runner.Clock().Today())
	if err != nil {
		return billing.Outcome{}, calendar.Period{}, err
	}
	out, err := runner.RunFor(ctx, clientID, period)
	return out, period, err
}

func runForQueued(ctx context.Context, deps Deps, clientID int64, from, to string, wait time.Duration) (jobs.RunForResult, calendar.Period, error) {
	if deps.OpenQueue == nil {
		return jobs.RunForResult{}, calendar.Period{}, errors.New("job queue not configured")
	}
	if from == "" {
		today := calendar.DateOf(time.Now(), time.UTC)
		if deps.Clock != nil {
			today = deps.Clock.Today()
		}
		period := calendar.WeeklyPeriod(today)
		from = period.Start.Format(calendar.DateLayout)
		to = period.End.Format(calendar.DateLayout)
	}
	period, err := calendar.ParsePeriod(from, to)
	if err != nil {
		return jobs.RunForResult{}, calendar.Period{}, err
	}
	queue, err := deps.OpenQueue()
	if err != nil {
		return jobs.RunForResult{}, calendar.Period{}, err
	}
	defer queue.Close()
	res, err := queue.RunForAndWait(ctx, jobs.RunForPayload{ClientID: clientID, PeriodStart: from, PeriodEnd: to}, wait)
	return res, period, err
}

func newRunNowCmd(deps Deps) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "run-now",
		Short: "Enqueue a billing tick for every client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (from == "") != (to == "") {
				return errors.New("--from and --to go together")
			}
			if from != "" {
				if _, err := calendar.ParsePeriod(from, to); err != nil {
					return err
				}
			}
			if deps.OpenQueue == nil {
				return errors.New("job queue not configured")
			}
			queue, err := deps.OpenQueue()
			if err != nil {
				return err
			}
			defer queue.Close()
			info, coalesced, err := queue.EnqueueTick(cmd.Context(), jobs.TickPayload{
				PeriodStart: from,
				PeriodEnd:   to,
				Trigger:     billing.TriggerManual,
			})
			if err != nil {
				return err
			}
			if coalesced {
				fmt.Fprintln(cmd.OutOrStdout(), "tick already queued; request coalesced")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued tick %s\n", info.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start YYYY-MM-DD (default: previous week)")
	cmd.Flags().StringVar(&to, "to", "", "period end YYYY-MM-DD")
	return cmd
}

func newAgeCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "age",
		Short: "Advance sent invoices to their reminder statuses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deps.OpenRunner == nil {
				return errors.New("billing backend not configured")
			}
			runner, closeFn, err := deps.OpenRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			moved, err := runner.AgeInvoices(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "advanced %d invoices\n", moved)
			return nil
		},
	}
}

func newQueueCmd(deps Deps) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show job queue statistics and scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deps.OpenQueue == nil {
				return errors.New("job queue not configured")
			}
			queue, err := deps.OpenQueue()
			if err != nil {
				return err
			}
			defer queue.Close()
			stats, err := queue.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			scheduled, err := queue.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			type entry struct {
				ID   string    `json:"id"`
				Type string    `json:"type"`
				At   time.Time `json:"next_process_at"`
			}
			entries := make([]entry, 0, len(scheduled))
			for _, info := range scheduled {
				entries = append(entries, entry{ID: info.ID, Type: info.Type, At: info.NextProcessAt})
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"stats": stats, "scheduled": entries})
		},
	}
	cmd.Flags().IntVar(&size, "size", 10, "number of scheduled tasks to list")
	return cmd
}

func newMigrateCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deps.Migrate == nil {
				return errors.New("database not configured")
			}
			if err := deps.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
