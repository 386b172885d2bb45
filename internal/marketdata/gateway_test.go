package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebot/internal/broker"
)

type fakeDataClient struct {
	bars   map[string][]broker.Bar
	quotes map[string]float64
	errs   map[string]error
}

func (f *fakeDataClient) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]broker.Bar, error) {
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.bars[symbol], nil
}

func (f *fakeDataClient) FetchQuote(ctx context.Context, symbol string) (float64, error) {
	if err := f.errs[symbol]; err != nil {
		return 0, err
	}
	return f.quotes[symbol], nil
}

func makeBars(n int) []broker.Bar {
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	bars := make([]broker.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, broker.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100.5,
			Volume:    1000,
		})
	}
	return bars
}

func TestBarsValidatesOrdering(t *testing.T) {
	bars := makeBars(5)
	bars[3].Timestamp = bars[1].Timestamp

	gw := New(&fakeDataClient{bars: map[string][]broker.Bar{"AAPL": bars}}, zap.NewNop())

	_, err := gw.Bars(context.Background(), "AAPL", "1m", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrDataUnavailable))
}

func TestBarsEmptyIsUnavailable(t *testing.T) {
	gw := New(&fakeDataClient{bars: map[string][]broker.Bar{}}, zap.NewNop())

	_, err := gw.Bars(context.Background(), "AAPL", "1m", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrDataUnavailable))
}

func TestBarsHappyPath(t *testing.T) {
	gw := New(&fakeDataClient{bars: map[string][]broker.Bar{"AAPL": makeBars(10)}}, zap.NewNop())

	bars, err := gw.Bars(context.Background(), "AAPL", "1m", 10)
	require.NoError(t, err)
	assert.Len(t, bars, 10)
}

func TestQuoteRejectsNonPositive(t *testing.T) {
	gw := New(&fakeDataClient{quotes: map[string]float64{"AAPL": 0}}, zap.NewNop())

	_, err := gw.Quote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrDataUnavailable))
}

func TestQuotesIsolatesFailures(t *testing.T) {
	gw := New(&fakeDataClient{
		quotes: map[string]float64{"AAPL": 190.5, "MSFT": 410.2},
		errs:   map[string]error{"TSLA": broker.ErrDataUnavailable},
	}, zap.NewNop())

	quotes := gw.Quotes(context.Background(), []string{"AAPL", "TSLA", "MSFT"})

	assert.Len(t, quotes, 2)
	assert.Equal(t, 190.5, quotes["AAPL"])
	assert.Equal(t, 410.2, quotes["MSFT"])
	_, ok := quotes["TSLA"]
	assert.False(t, ok)
}
