package app

import (
	"fmt"
	"log/slog"

	"github.com/shiftbill/shiftbill/internal/billing"
	"github.com/shiftbill/shiftbill/internal/billing/rates"
	"github.com/shiftbill/shiftbill/internal/calendar"
	jobmetrics "github.com/shiftbill/shiftbill/internal/jobs"
)

// Clock returns the wall clock in the billing timezone.
func (c *Config) Clock() (calendar.SystemClock, error) {
	loc, err := calendar.LoadLocation(c.BillingTimezone)
	if err != nil {
		return calendar.SystemClock{}, fmt.Errorf("BILLING_TIMEZONE: %w", err)
	}
	return calendar.NewSystemClock(loc), nil
}

// NewBillingService builds the billing engine on repo from configuration.
func NewBillingService(cfg *Config, repo billing.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) (*billing.Service, error) {
	clock, err := cfg.Clock()
	if err != nil {
		return nil, err
	}
	base, err := cfg.DefaultBaseRate()
	if err != nil {
		return nil, err
	}
	resolver, err := rates.NewResolver(base)
	if err != nil {
		return nil, err
	}
	return billing.NewService(billing.ServiceConfig{
		Repo:     repo,
		Clock:    clock,
		Resolver: resolver,
		Holidays: calendar.NationalHolidays(),
		Logger:   logger,
		Metrics:  metrics,
		Settings: cfg.BillingSettings(),
	})
}
