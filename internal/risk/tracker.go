package risk

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const createDailyTable = `
CREATE TABLE IF NOT EXISTS risk_daily (
    trading_day    TEXT PRIMARY KEY,
    start_equity   REAL NOT NULL,
    current_equity REAL NOT NULL,
    halted         INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL
);
`

// DailyTracker 维护日内盈亏熔断器的状态并落库,进程重启后状态不丢。
// 交易日按配置的重置小时切换,而不是按自然日零点。
type DailyTracker struct {
	db        *sql.DB
	resetHour int
	maxLoss   float64
	location  *time.Location
	logger    *zap.Logger
}

// NewDailyTracker 建表并返回日度追踪器。maxLoss 为绝对金额,0 表示不熔断。
func NewDailyTracker(db *sql.DB, resetHour int, maxLoss float64, location *time.Location, logger *zap.Logger) (*DailyTracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.UTC
	}
	if _, err := db.Exec(createDailyTable); err != nil {
		return nil, fmt.Errorf("创建日度风控表失败: %w", err)
	}
	return &DailyTracker{
		db:        db,
		resetHour: resetHour,
		maxLoss:   maxLoss,
		location:  location,
		logger:    logger,
	}, nil
}

// tradingDay 把时刻归入交易日。重置小时之前的时刻仍属于前一交易日。
func (t *DailyTracker) tradingDay(now time.Time) string {
	local := now.In(t.location)
	if local.Hour() < t.resetHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// Update 用最新权益刷新当日状态。首次见到新交易日时以当前权益
// 作为起点开新账,亏损达到上限时置位熔断,熔断一旦置位当日不再复位。
func (t *DailyTracker) Update(equity float64, now time.Time) (DailyStatus, error) {
	day := t.tradingDay(now)

	var status DailyStatus
	var haltedInt int
	err := t.db.QueryRow(
		`SELECT start_equity, current_equity, halted FROM risk_daily WHERE trading_day = ?`, day,
	).Scan(&status.StartEquity, &status.CurrentEquity, &haltedInt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		status.StartEquity = equity
		if _, err := t.db.Exec(
			`INSERT INTO risk_daily (trading_day, start_equity, current_equity, halted, updated_at)
             VALUES (?, ?, ?, 0, ?)`,
			day, equity, equity, now.UnixMilli(),
		); err != nil {
			return DailyStatus{}, fmt.Errorf("初始化交易日 %s 失败: %w", day, err)
		}
		t.logger.Info("新交易日开账",
			zap.String("trading_day", day),
			zap.Float64("start_equity", equity))
	case err != nil:
		return DailyStatus{}, fmt.Errorf("读取交易日 %s 状态失败: %w", day, err)
	}

	status.TradingDay = day
	status.CurrentEquity = equity
	status.Halted = haltedInt == 1
	if loss := status.StartEquity - equity; loss > 0 {
		status.Loss = loss
	}

	if !status.Halted && t.maxLoss > 0 && status.Loss >= t.maxLoss {
		status.Halted = true
		t.logger.Warn("日内亏损触发熔断",
			zap.String("trading_day", day),
			zap.Float64("loss", status.Loss),
			zap.Float64("max_loss", t.maxLoss))
	}

	haltedInt = 0
	if status.Halted {
		haltedInt = 1
	}
	if _, err := t.db.Exec(
		`UPDATE risk_daily SET current_equity = ?, halted = ?, updated_at = ? WHERE trading_day = ?`,
		equity, haltedInt, now.UnixMilli(), day,
	); err != nil {
		return DailyStatus{}, fmt.Errorf("更新交易日 %s 状态失败: %w", day, err)
	}

	return status, nil
}
