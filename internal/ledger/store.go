package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

const createFillsTable = `
CREATE TABLE IF NOT EXISTS fills (
    fill_id    TEXT PRIMARY KEY,
    order_id   TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    quantity   REAL NOT NULL,
    price      REAL NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);
CREATE INDEX IF NOT EXISTS idx_fills_created_at ON fills(created_at);
`

// SQLiteFillStore 把成交事件落到 sqlite,作为账本的检查点。
type SQLiteFillStore struct {
	db *sql.DB
}

var _ FillStore = (*SQLiteFillStore)(nil)

// NewSQLiteFillStore 建表并返回成交存储。
func NewSQLiteFillStore(db *sql.DB) (*SQLiteFillStore, error) {
	if _, err := db.Exec(createFillsTable); err != nil {
		return nil, fmt.Errorf("创建成交表失败: %w", err)
	}
	return &SQLiteFillStore{db: db}, nil
}

// AppendFill 追加一笔成交。FillID 为主键,数据库层再兜底一次去重。
func (s *SQLiteFillStore) AppendFill(fill Fill) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO fills (fill_id, order_id, symbol, quantity, price, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		fill.FillID, fill.OrderID, fill.Symbol, fill.Quantity, fill.Price, fill.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入成交记录失败: %w", err)
	}
	return nil
}

// LoadFills 按时间顺序读出全部成交。
func (s *SQLiteFillStore) LoadFills() ([]Fill, error) {
	rows, err := s.db.Query(
		`SELECT fill_id, order_id, symbol, quantity, price, created_at
         FROM fills ORDER BY created_at ASC, fill_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询成交记录失败: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var fill Fill
		var createdAt int64
		if err := rows.Scan(&fill.FillID, &fill.OrderID, &fill.Symbol,
			&fill.Quantity, &fill.Price, &createdAt); err != nil {
			return nil, fmt.Errorf("扫描成交记录失败: %w", err)
		}
		fill.Timestamp = time.UnixMilli(createdAt).UTC()
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历成交记录失败: %w", err)
	}

	return fills, nil
}
