package ledger

import (
	"errors"
	"time"
)

// ErrInconsistent 表示账本状态与成交回报无法调和,
// 属于不可恢复错误,引擎收到后必须停机。
var ErrInconsistent = errors.New("账本状态不一致")

// ErrInsufficientCash 表示登记买入委托时可用资金不足。
// 账本是跨标的购买力的最终仲裁者:同一轮次并发审批的多笔买入
// 在这里串行预留资金,后到者拿不到预留即被拒绝,属于可恢复错误。
var ErrInsufficientCash = errors.New("可用资金不足")

// Position 表示单个标的的持仓。Quantity 带符号,正为多头负为空头。
// AvgEntryPrice 为按数量加权的滚动开仓均价。
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

// MarketValue 按给定标记价计算持仓市值。
func (p Position) MarketValue(mark float64) float64 {
	return p.Quantity * mark
}

// UnrealizedPnl 按给定标记价计算浮动盈亏。
func (p Position) UnrealizedPnl(mark float64) float64 {
	return p.Quantity * (mark - p.AvgEntryPrice)
}

// Fill 是一笔成交回报。FillID 在券商侧唯一,用于幂等去重。
type Fill struct {
	OrderID   string
	FillID    string
	Symbol    string
	Quantity  float64 // 带符号,买入为正卖出为负
	Price     float64
	Timestamp time.Time
}

// OpenOrder 是账本登记的在途委托,用于敞口预留与成交校验。
// 买入委托按 Price 预留未成交部分的资金,成交推进时预留随之缩小。
type OpenOrder struct {
	OrderID  string
	Symbol   string
	Quantity float64 // 带符号
	Price    float64 // 登记时的预留价格
	Filled   float64 // 已累计成交(绝对值)
}

// PortfolioSnapshot 是某一时刻的组合全景,按标记价估值。
// ReservedCash 是在途买入委托未成交部分预留的资金,
// 不影响权益,但从购买力中扣除。
type PortfolioSnapshot struct {
	Timestamp     time.Time           `json:"timestamp"`
	Cash          float64             `json:"cash"`
	ReservedCash  float64             `json:"reserved_cash"`
	Equity        float64             `json:"equity"`
	RealizedPnl   float64             `json:"realized_pnl"`
	UnrealizedPnl float64             `json:"unrealized_pnl"`
	Positions     map[string]Position `json:"positions"`
	OpenOrders    int                 `json:"open_orders"`
}

// BuyingPower 返回扣除在途买入预留后的可用资金。
func (s PortfolioSnapshot) BuyingPower() float64 {
	return s.Cash - s.ReservedCash
}

// PositionFor 返回指定标的的持仓,不存在时返回零值。
func (s PortfolioSnapshot) PositionFor(symbol string) Position {
	if pos, ok := s.Positions[symbol]; ok {
		return pos
	}
	return Position{Symbol: symbol}
}
