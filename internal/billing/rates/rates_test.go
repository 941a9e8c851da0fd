package rates

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type rateKey struct {
	location int64
	pass     string
}

type stubStore struct {
	rows map[rateKey]Config
	err  error
}

func (s stubStore) GetRate(_ context.Context, locationID int64, passType string) (Config, bool, error) {
	if s.err != nil {
		return Config{}, false, s.err
	}
	cfg, ok := s.rows[rateKey{locationID, passType}]
	return cfg, ok, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolveSynthesizesDefault(t *testing.T) {
	resolver, err := NewResolver(d("20"))
	require.NoError(t, err)

	got, err := resolver.Resolve(context.Background(), stubStore{}, 3, "B")
	require.NoError(t, err)
	require.Equal(t, SourceDefault, got.Source)
	require.True(t, got.Config.Base.Equal(d("20")))
	require.True(t, got.Config.Evening.Equal(d("22")))
	require.True(t, got.Config.Night.Equal(d("24")))
	require.True(t, got.Config.Weekend.Equal(d("27")))
	require.True(t, got.Config.Holiday.Equal(d("30")))
	require.True(t, got.Config.NYE.Equal(d("40")))
}

func TestResolveExactMatchOnly(t *testing.T) {
	stored := Config{Base: d("25"), Evening: d("25"), Night: d("31"), Weekend: d("29"), Holiday: d("45"), NYE: d("60")}
	store := stubStore{rows: map[rateKey]Config{{3, "A"}: stored}}
	resolver, err := NewResolver(d("20"))
	require.NoError(t, err)

	got, err := resolver.Resolve(context.Background(), store, 3, "A")
	require.NoError(t, err)
	require.Equal(t, SourceConfigured, got.Source)
	require.Equal(t, stored, got.Config)

	other, err := resolver.Resolve(context.Background(), store, 3, "B")
	require.NoError(t, err)
	require.Equal(t, SourceDefault, other.Source)
}

func TestResolveRejectsNegativeStoredRate(t *testing.T) {
	store := stubStore{rows: map[rateKey]Config{{1, "A"}: {Base: d("20"), Night: d("-1")}}}
	resolver, err := NewResolver(d("20"))
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), store, 1, "A")
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestResolvePropagatesStoreError(t *testing.T) {
	boom := errors.New("connection reset")
	resolver, err := NewResolver(d("20"))
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), stubStore{err: boom}, 1, "A")
	require.ErrorIs(t, err, boom)
}

func TestNewResolverRejectsNegativeBase(t *testing.T) {
	_, err := NewResolver(d("-5"))
	require.ErrorIs(t, err, ErrInvalidRate)
}
