// Package rates resolves the hourly rate six-tuple for a location and pass type.
package rates

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Source records where an effective rate came from.
type Source string

const (
	SourceConfigured Source = "configured"
	SourceDefault    Source = "default"
)

// Default multipliers applied to the base rate when no rate row exists.
var (
	EveningMultiplier = decimal.RequireFromString("1.10")
	NightMultiplier   = decimal.RequireFromString("1.20")
	WeekendMultiplier = decimal.RequireFromString("1.35")
	HolidayMultiplier = decimal.RequireFromString("1.50")
	NYEMultiplier     = decimal.RequireFromString("2.00")
)

// ErrInvalidRate marks a stored rate that cannot be used for pricing.
var ErrInvalidRate = errors.New("rates: invalid rate")

// Config is the money-per-hour six-tuple for a (location, pass type).
type Config struct {
	Base    decimal.Decimal `json:"base"`
	Evening decimal.Decimal `json:"evening"`
	Night   decimal.Decimal `json:"night"`
	Weekend decimal.Decimal `json:"weekend"`
	Holiday decimal.Decimal `json:"holiday"`
	NYE     decimal.Decimal `json:"nye"`
}

// Validate checks every field is non-negative. The fields are independent; no
// ratio between them is enforced.
func (c Config) Validate() error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"base", c.Base},
		{"evening", c.Evening},
		{"night", c.Night},
		{"weekend", c.Weekend},
		{"holiday", c.Holiday},
		{"nye", c.NYE},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return fmt.Errorf("%w: %s rate %s is negative", ErrInvalidRate, f.name, f.value.String())
		}
	}
	return nil
}

// Synthesize derives a full tuple from a base rate using the default multipliers.
func Synthesize(base decimal.Decimal) Config {
	return Config{
		Base:    base,
		Evening: base.Mul(EveningMultiplier),
		Night:   base.Mul(NightMultiplier),
		Weekend: base.Mul(WeekendMultiplier),
		Holiday: base.Mul(HolidayMultiplier),
		NYE:     base.Mul(NYEMultiplier),
	}
}

// Store looks up a stored rate row. found is false when no row exists.
type Store interface {
	GetRate(ctx context.Context, locationID int64, passType string) (cfg Config, found bool, err error)
}

// Resolved is an effective rate tuple plus its provenance.
type Resolved struct {
	Config Config
	Source Source
}

// Resolver resolves rates with a configured default base.
type Resolver struct {
	defaultBase decimal.Decimal
}

// NewResolver constructs a resolver. defaultBase must be non-negative.
func NewResolver(defaultBase decimal.Decimal) (*Resolver, error) {
	if defaultBase.IsNegative() {
		return nil, fmt.Errorf("%w: default base %s is negative", ErrInvalidRate, defaultBase.String())
	}
	return &Resolver{defaultBase: defaultBase}, nil
}

// DefaultBase returns the configured fallback base rate.
func (r *Resolver) DefaultBase() decimal.Decimal { return r.defaultBase }

// Resolve performs an exact (location, pass type) lookup and synthesises the
// default tuple on a miss.
func (r *Resolver) Resolve(ctx context.Context, store Store, locationID int64, passType string) (Resolved, error) {
	cfg, found, err := store.GetRate(ctx, locationID, passType)
	if err != nil {
		return Resolved{}, err
	}
	if !found {
		return Resolved{Config: Synthesize(r.defaultBase), Source: SourceDefault}, nil
	}
	if err := cfg.Validate(); err != nil {
		return Resolved{}, fmt.Errorf("location %d pass %q: %w", locationID, passType, err)
	}
	return Resolved{Config: cfg, Source: SourceConfigured}, nil
}
