package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/broker"
)

func barsFromCloses(closes []float64) []broker.Bar {
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	bars := make([]broker.Bar, len(closes))
	for i, c := range closes {
		bars[i] = broker.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
		}
	}
	return bars
}

func TestSma(t *testing.T) {
	bars := barsFromCloses([]float64{1, 2, 3, 4, 5})

	out, err := Sma(bars, 3)
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.InDelta(t, 2, out[2], 1e-9)
	assert.InDelta(t, 4, out[4], 1e-9)
}

func TestSmaInsufficientData(t *testing.T) {
	_, err := Sma(barsFromCloses([]float64{1, 2}), 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestVwap(t *testing.T) {
	bars := []broker.Bar{
		{High: 11, Low: 9, Close: 10, Volume: 100},
		{High: 21, Low: 19, Close: 20, Volume: 300},
	}

	vwap, err := Vwap(bars)
	require.NoError(t, err)
	// (10*100 + 20*300) / 400 = 17.5
	assert.InDelta(t, 17.5, vwap, 1e-9)
}

func TestVwapZeroVolumeFallsBack(t *testing.T) {
	bars := []broker.Bar{
		{High: 11, Low: 9, Close: 10, Volume: 0},
		{High: 21, Low: 19, Close: 20, Volume: 0},
	}

	vwap, err := Vwap(bars)
	require.NoError(t, err)
	assert.InDelta(t, 15, vwap, 1e-9)
}

func TestMomentum(t *testing.T) {
	bars := barsFromCloses([]float64{100, 101, 102, 110})

	m, err := Momentum(bars, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, m, 1e-9)
}

func TestMomentumInsufficientData(t *testing.T) {
	_, err := Momentum(barsFromCloses([]float64{100, 110}), 5)
	assert.ErrorIs(t, err, ErrInsufficientData)
}
