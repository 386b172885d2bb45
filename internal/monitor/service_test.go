package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebot/internal/config"
	"tradebot/internal/engine"
	"tradebot/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	service, err := NewService(db, nil, zap.NewNop())
	require.NoError(t, err)
	return service
}

func TestEmitAndRecentEvents(t *testing.T) {
	service := newTestService(t)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	service.Emit(engine.Event{
		Kind:      engine.EventOrderSubmitted,
		Symbol:    "AAPL",
		Timestamp: now,
		Payload:   map[string]interface{}{"quantity": 5.0},
	})
	service.Emit(engine.Event{
		Kind:      engine.EventRiskRejected,
		Symbol:    "TSLA",
		Timestamp: now.Add(time.Second),
		Payload:   map[string]interface{}{"reason": "max_position_size"},
	})

	events, err := service.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// 倒序:最新的在前
	assert.Equal(t, string(engine.EventRiskRejected), events[0].Kind)
	assert.Equal(t, "TSLA", events[0].Symbol)
	assert.JSONEq(t, `{"reason": "max_position_size"}`, string(events[0].Payload))
	assert.Equal(t, string(engine.EventOrderSubmitted), events[1].Kind)
}

func TestRecentEventsLimitClamped(t *testing.T) {
	service := newTestService(t)

	for i := 0; i < 5; i++ {
		service.Emit(engine.Event{Kind: engine.EventSignal, Symbol: "AAPL"})
	}

	events, err := service.RecentEvents(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = service.RecentEvents(-1)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
