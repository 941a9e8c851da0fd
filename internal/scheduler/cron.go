package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shiftbill/shiftbill/internal/calendar"
)

// DefaultTickSpec fires Mondays at 09:00 local time.
const DefaultTickSpec = "0 9 * * 1"

// Weekly is a cron schedule firing once a week on the hour.
type Weekly struct {
	Weekday time.Weekday
	Hour    int
}

// ParseWeekly accepts "0 H * * D" cron expressions. Catch-up needs to know
// the last fire time, so other shapes are rejected.
func ParseWeekly(spec string) (Weekly, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return Weekly{}, fmt.Errorf("scheduler: cron %q: want 5 fields", spec)
	}
	if fields[0] != "0" || fields[2] != "*" || fields[3] != "*" {
		return Weekly{}, fmt.Errorf("scheduler: cron %q is not a weekly on-the-hour schedule", spec)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return Weekly{}, fmt.Errorf("scheduler: cron %q: bad hour", spec)
	}
	day, err := strconv.Atoi(fields[4])
	if err != nil || day < 0 || day > 7 {
		return Weekly{}, fmt.Errorf("scheduler: cron %q: bad weekday", spec)
	}
	return Weekly{Weekday: time.Weekday(day % 7), Hour: hour}, nil
}

// CatchUpSource reports the single period a startup make-up run should bill.
type CatchUpSource interface {
	CatchUpPeriod(ctx context.Context, weekday time.Weekday, hour int) (calendar.Period, bool, error)
}

// CatchUp runs at most one make-up tick for the most recently missed
// schedule. Older gaps are left to manual triggers.
func CatchUp(ctx context.Context, src CatchUpSource, c *Coalescer, schedule Weekly, trigger string) (bool, error) {
	period, due, err := src.CatchUpPeriod(ctx, schedule.Weekday, schedule.Hour)
	if err != nil {
		return false, fmt.Errorf("scheduler: catch-up lookup: %w", err)
	}
	if !due {
		c.logger.Info("billing catch-up not needed")
		return false, nil
	}
	c.logger.Info("billing catch-up", slog.String("period", period.Key()))
	if _, err := c.Trigger(ctx, Request{Period: period, Trigger: trigger}); err != nil {
		return true, err
	}
	return true, nil
}
