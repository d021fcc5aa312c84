package feed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/types"
)

func TestReplay(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewReplay([]types.Tick{
		{Timestamp: ts, Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)},
		{Timestamp: ts.Add(time.Second), Symbol: "BTCUSDT", Price: decimal.NewFromInt(101)},
	})

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, src.Remaining())

	_, err = src.Next(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReplayHonorsCancellation(t *testing.T) {
	src := NewReplay([]types.Tick{{Symbol: "BTCUSDT", Price: decimal.NewFromInt(1)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCSVSource(t *testing.T) {
	input := strings.Join([]string{
		"timestamp,symbol,price,volume",
		"2024-01-01T00:00:00Z,BTCUSDT,42000.5,1.25",
		"1704067260,ETHUSDT,2200,",
	}, "\n")
	src, err := NewCSVSource(strings.NewReader(input))
	require.NoError(t, err)

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.True(t, first.Price.Equal(decimal.RequireFromString("42000.5")))
	assert.True(t, first.Volume.Equal(decimal.RequireFromString("1.25")))

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", second.Symbol)
	assert.Equal(t, int64(1704067260), second.Timestamp.Unix())
	assert.True(t, second.Volume.IsZero())

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestCSVSourceRejectsBadInput(t *testing.T) {
	t.Run("missing column", func(t *testing.T) {
		_, err := NewCSVSource(strings.NewReader("timestamp,symbol\n"))
		assert.Error(t, err)
	})

	t.Run("bad price", func(t *testing.T) {
		src, err := NewCSVSource(strings.NewReader("timestamp,symbol,price\n2024-01-01T00:00:00Z,BTCUSDT,abc\n"))
		require.NoError(t, err)
		_, err = src.Next(context.Background())
		assert.Error(t, err)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		src, err := NewCSVSource(strings.NewReader("timestamp,symbol,price\nyesterday,BTCUSDT,10\n"))
		require.NoError(t, err)
		_, err = src.Next(context.Background())
		assert.Error(t, err)
	})

	t.Run("non-positive price rejected at boundary", func(t *testing.T) {
		src, err := NewCSVSource(strings.NewReader("timestamp,symbol,price\n2024-01-01T00:00:00Z,BTCUSDT,0\n"))
		require.NoError(t, err)
		_, err = src.Next(context.Background())
		assert.Error(t, err)
	})
}
