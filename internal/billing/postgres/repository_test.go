package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/shiftbill/shiftbill/internal/billing"
)

func TestSequenceLockKeyIsDistinctPerYearAndClient(t *testing.T) {
	a := sequenceLockKey(2025, 7)
	b := sequenceLockKey(2025, 8)
	c := sequenceLockKey(2026, 7)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, int64(2025)<<32|7, a)
}

func TestMinuteOfDay(t *testing.T) {
	at := func(h, m, s int) pgtype.Time {
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
		return pgtype.Time{Microseconds: d.Microseconds(), Valid: true}
	}
	require.Equal(t, 0, minuteOfDay(at(0, 0, 0)))
	require.Equal(t, 22*60, minuteOfDay(at(22, 0, 0)))
	require.Equal(t, 23*60+59, minuteOfDay(at(23, 59, 30)))
}

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(billing.InvoiceFilter{})
	require.NotContains(t, query, "WHERE")
	require.Empty(t, args)

	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args = buildListQuery(billing.InvoiceFilter{
		ClientID:   7,
		Status:     billing.InvoiceStatusOpen,
		IssuedFrom: from,
		Limit:      20,
		Offset:     40,
	})
	require.Contains(t, query, "WHERE client_id = $1 AND status = $2 AND issue_date >= $3")
	require.Contains(t, query, "LIMIT $4")
	require.Contains(t, query, "OFFSET $5")
	require.Equal(t, []any{int64(7), "open", from, 20, 40}, args)
}

func TestClassifyTagsOnlyRetryableErrors(t *testing.T) {
	require.NoError(t, classify(nil))

	plain := errors.New("syntax error")
	require.False(t, billing.IsTransient(classify(plain)))

	already := fmt.Errorf("%w: boom", billing.ErrTransient)
	require.Same(t, already, classify(already))

	timeout := fmt.Errorf("begin: %w", context.DeadlineExceeded)
	require.True(t, billing.IsTransient(classify(timeout)))
}

func TestClassifyRetriesLostSequenceRace(t *testing.T) {
	for _, constraint := range []string{sequenceConstraint, numberConstraint} {
		err := fmt.Errorf("billing: insert invoice: %w", &pgconn.PgError{Code: "23505", ConstraintName: constraint})
		require.True(t, billing.IsTransient(classify(err)), constraint)
	}

	other := &pgconn.PgError{Code: "23505", ConstraintName: "clients_pkey"}
	require.False(t, billing.IsTransient(classify(other)))

	check := &pgconn.PgError{Code: "23514", ConstraintName: sequenceConstraint}
	require.False(t, billing.IsTransient(classify(check)))
}

func TestTransactionsReadCommitted(t *testing.T) {
	require.Equal(t, pgx.ReadCommitted, txOptions.IsoLevel)
}

func TestClockTimeRoundTrip(t *testing.T) {
	for _, minute := range []int{0, 6 * 60, 22*60 + 30, 1439} {
		require.Equal(t, minute, minuteOfDay(clockTime(minute)))
	}
}
