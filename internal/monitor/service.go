package monitor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/engine"
	"tradebot/internal/store"
)

// StoredEvent 是落库后的事件记录。
type StoredEvent struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Service 消费引擎事件:持久化到 sqlite 并广播给 WebSocket 订阅者。
type Service struct {
	db     *sql.DB
	hub    *Hub
	logger *zap.Logger
}

var _ engine.EventSink = (*Service)(nil)

// NewService 初始化监控服务,创建所需表结构。
func NewService(st *store.Store, hub *Hub, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		hub:    hub,
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_kind TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_kind ON monitor_events(event_kind);
CREATE INDEX IF NOT EXISTS idx_monitor_events_created ON monitor_events(created_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Emit 实现引擎事件出口。落库失败只记日志,绝不反向影响交易循环。
func (s *Service) Emit(event engine.Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Warn("序列化事件失败", zap.String("kind", string(event.Kind)), zap.Error(err))
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if _, err := s.db.Exec(
		`INSERT INTO monitor_events (event_kind, symbol, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Kind), event.Symbol, string(payload), ts.UTC().Format(time.RFC3339Nano),
	); err != nil {
		s.logger.Warn("写入事件失败", zap.String("kind", string(event.Kind)), zap.Error(err))
	}

	if s.hub != nil {
		message, err := json.Marshal(map[string]interface{}{
			"kind":       string(event.Kind),
			"symbol":     event.Symbol,
			"payload":    event.Payload,
			"created_at": ts.UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			s.hub.Broadcast(message)
		}
	}
}

// RecentEvents 返回最近 limit 条事件,按时间倒序。
func (s *Service) RecentEvents(limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, event_kind, symbol, payload, created_at
         FROM monitor_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var event StoredEvent
		var payload, createdAt string
		if err := rows.Scan(&event.ID, &event.Kind, &event.Symbol, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("monitor: 扫描事件失败: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			event.CreatedAt = ts
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 遍历事件失败: %w", err)
	}
	return events, nil
}
