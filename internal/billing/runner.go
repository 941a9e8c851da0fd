package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/shiftbill/shiftbill/internal/calendar"
)

// Trigger names recorded on run log entries.
const (
	TriggerSchedule = "schedule"
	TriggerCatchUp  = "catchup"
	TriggerManual   = "manual"
)

// TickReport summarises one tick. Failures aggregates per-client errors that
// did not abort the tick.
type TickReport struct {
	Run      RunRecord
	Failures error
}

// RunTick assembles every client for period using a bounded worker pool.
// Per-client failures are isolated and reported; a broken invariant stops
// new clients from starting and is returned as the tick error.
func (s *Service) RunTick(ctx context.Context, trigger string, period calendar.Period) (TickReport, error) {
	if err := period.Validate(); err != nil {
		return TickReport{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	run := RunRecord{
		ID:          uuid.New(),
		Trigger:     trigger,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		StartedAt:   s.clock.Now(),
	}
	logger := s.logger.With(slog.String("run_id", run.ID.String()), slog.String("period", period.Key()))

	clients, err := s.repo.ListClientIDs(ctx, s.settings.SkipInactive)
	if err != nil {
		return TickReport{}, fmt.Errorf("billing: list clients: %w", err)
	}
	logger.Info("billing tick started", slog.String("trigger", trigger), slog.Int("clients", len(clients)))

	var (
		mu       sync.Mutex
		failures *multierror.Error
		fatal    error
		aborted  atomic.Bool
		created  atomic.Int64
		noop     atomic.Int64
		failed   atomic.Int64
	)
	group := new(errgroup.Group)
	group.SetLimit(s.settings.Workers)
	for _, clientID := range clients {
		if aborted.Load() {
			break
		}
		group.Go(func() error {
			if aborted.Load() {
				return nil
			}
			out, err := s.RunFor(ctx, clientID, period)
			switch {
			case err == nil && out.Created():
				created.Add(1)
			case err == nil:
				noop.Add(1)
			case errors.Is(err, ErrInvariant):
				aborted.Store(true)
				failed.Add(1)
				mu.Lock()
				if fatal == nil {
					fatal = fmt.Errorf("billing: client %d: %w", clientID, err)
				}
				mu.Unlock()
				logger.Error("billing tick aborted", slog.Int64("client_id", clientID), slog.Any("error", err))
			default:
				failed.Add(1)
				s.metrics.RecordAssembly("failed")
				mu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("client %d: %w", clientID, err))
				mu.Unlock()
				logger.Error("billing assemble failed",
					slog.Int64("client_id", clientID),
					slog.String("outcome", "failed"),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = group.Wait()

	run.FinishedAt = s.clock.Now()
	run.Created = int(created.Load())
	run.Noop = int(noop.Load())
	run.Failed = int(failed.Load())
	if err := s.repo.RecordRun(ctx, run); err != nil {
		logger.Warn("record billing run failed", slog.Any("error", err))
	}
	logger.Info("billing tick finished",
		slog.Int("created", run.Created),
		slog.Int("noop", run.Noop),
		slog.Int("failed", run.Failed))

	report := TickReport{Run: run, Failures: failures.ErrorOrNil()}
	if fatal != nil {
		return report, fatal
	}
	return report, nil
}

// LastRun returns the most recent tick record.
func (s *Service) LastRun(ctx context.Context) (RunRecord, bool, error) {
	return s.repo.LastRun(ctx)
}

// CatchUpPeriod returns the period a startup make-up run should bill, if the
// most recent scheduled tick was missed. Only that single period is ever
// returned; older gaps need a manual trigger.
func (s *Service) CatchUpPeriod(ctx context.Context, weekday time.Weekday, hour int) (calendar.Period, bool, error) {
	now := s.clock.Now()
	tick := calendar.LastTick(now, s.clock.Location(), weekday, hour)
	due := calendar.WeeklyPeriod(calendar.DateOf(tick, s.clock.Location()))
	last, ok, err := s.repo.LastRun(ctx)
	if err != nil {
		return calendar.Period{}, false, err
	}
	if ok && !last.PeriodEnd.Before(due.End) {
		return calendar.Period{}, false, nil
	}
	return due, true, nil
}
