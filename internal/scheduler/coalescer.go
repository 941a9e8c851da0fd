// Package scheduler serialises billing ticks: one tick at a time per process
// via the Coalescer and one per deployment via the Redis TickLock.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/shiftbill/shiftbill/internal/calendar"
)

// Request names the period a tick should bill and what asked for it.
type Request struct {
	Period  calendar.Period
	Trigger string
}

// TickFunc executes one billing tick.
type TickFunc func(ctx context.Context, req Request) error

// Result describes what happened to a trigger.
type Result string

const (
	// ResultRan means the caller executed the tick (and any follow-up).
	ResultRan Result = "ran"
	// ResultCoalesced means a tick was in flight; the trigger became its follow-up.
	ResultCoalesced Result = "coalesced"
	// ResultLocked means another process holds the global tick lock.
	ResultLocked Result = "locked"
)

// Coalescer lets at most one tick execute at a time. Triggers that arrive
// while a tick runs collapse into a single follow-up for the most recently
// requested period.
type Coalescer struct {
	run    TickFunc
	locker Locker
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	pending *Request
}

// NewCoalescer wraps run. locker may be nil for single-process deployments.
func NewCoalescer(run TickFunc, locker Locker, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{run: run, locker: locker, logger: logger.With(slog.String("component", "scheduler"))}
}

// Trigger requests a tick. If no tick is running it executes synchronously,
// then drains the follow-up if one was queued meanwhile.
func (c *Coalescer) Trigger(ctx context.Context, req Request) (Result, error) {
	c.mu.Lock()
	if c.running {
		c.pending = &req
		c.mu.Unlock()
		c.logger.Info("billing tick coalesced", slog.String("period", req.Period.Key()), slog.String("trigger", req.Trigger))
		return ResultCoalesced, nil
	}
	c.running = true
	c.mu.Unlock()

	var errs *multierror.Error
	result := ResultRan
	for {
		ran, err := c.runLocked(ctx, req)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if !ran {
			result = ResultLocked
		}

		c.mu.Lock()
		if c.pending == nil {
			c.running = false
			c.mu.Unlock()
			break
		}
		req = *c.pending
		c.pending = nil
		c.mu.Unlock()
		result = ResultRan
	}
	return result, errs.ErrorOrNil()
}

// Busy reports whether a tick is currently executing.
func (c *Coalescer) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coalescer) runLocked(ctx context.Context, req Request) (bool, error) {
	if c.locker == nil {
		return true, c.run(ctx, req)
	}
	release, acquired, err := c.locker.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		c.logger.Info("billing tick skipped, lock held elsewhere", slog.String("period", req.Period.Key()))
		return false, nil
	}
	runErr := c.run(ctx, req)
	// Release on a fresh context so a canceled tick still frees the lock.
	if err := release(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, ErrLockLost) {
			c.logger.Warn("billing tick lock expired before release", slog.String("period", req.Period.Key()))
		} else {
			runErr = errors.Join(runErr, err)
		}
	}
	return true, runErr
}
