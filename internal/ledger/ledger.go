package ledger

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	quantityEpsilon = 1e-9
	cashEpsilon     = 1e-6
)

// FillStore 负责成交事件的持久化,账本重启后据此重放恢复状态。
type FillStore interface {
	AppendFill(fill Fill) error
	LoadFills() ([]Fill, error)
}

// Ledger 是持仓与资金的唯一权威。所有写入都经过同一把锁,
// 成交按 FillID 幂等,重复回报不会重复记账。
type Ledger struct {
	mu           sync.Mutex
	cash         float64
	realizedPnl  float64
	positions    map[string]Position
	openOrders   map[string]*OpenOrder
	appliedFills map[string]bool
	store        FillStore
	logger       *zap.Logger
}

// New 创建账本并从持久化存储重放历史成交。
func New(initialCash float64, store FillStore, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		cash:         initialCash,
		positions:    make(map[string]Position),
		openOrders:   make(map[string]*OpenOrder),
		appliedFills: make(map[string]bool),
		store:        store,
		logger:       logger,
	}

	if store != nil {
		fills, err := store.LoadFills()
		if err != nil {
			return nil, fmt.Errorf("加载历史成交失败: %w", err)
		}
		for _, fill := range fills {
			l.applyLocked(fill)
			l.appliedFills[fill.FillID] = true
		}
		if len(fills) > 0 {
			logger.Info("账本重放完成",
				zap.Int("fills", len(fills)),
				zap.Float64("cash", l.cash),
				zap.Int("positions", len(l.positions)))
		}
	}

	return l, nil
}

// RegisterOrder 登记一笔在途委托并预留买入资金。重复登记视为状态不一致。
// 买入委托的名义金额必须落在扣除已有预留后的现金之内,
// 同一轮次并发审批的多笔买入在此串行排队,超出者拿 ErrInsufficientCash。
func (l *Ledger) RegisterOrder(orderID, symbol string, quantity, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.openOrders[orderID]; exists {
		return fmt.Errorf("%w: 委托 %s 重复登记", ErrInconsistent, orderID)
	}
	if quantity > 0 && price > 0 {
		available := l.cash - l.reservedLocked()
		if cost := quantity * price; cost > available+cashEpsilon {
			return fmt.Errorf("%w: 委托 %s 需要 %.2f,可用 %.2f",
				ErrInsufficientCash, orderID, cost, available)
		}
	}
	l.openOrders[orderID] = &OpenOrder{
		OrderID:  orderID,
		Symbol:   symbol,
		Quantity: quantity,
		Price:    price,
	}
	return nil
}

// reservedLocked 汇总在途买入委托未成交部分的预留资金,调用方必须已持锁。
func (l *Ledger) reservedLocked() float64 {
	reserved := 0.0
	for _, order := range l.openOrders {
		if order.Quantity <= 0 {
			continue
		}
		if remaining := order.Quantity - order.Filled; remaining > quantityEpsilon {
			reserved += remaining * order.Price
		}
	}
	return reserved
}

// ReleaseOrder 在委托进入终态后释放其登记。释放不存在的委托是无害空操作。
func (l *Ledger) ReleaseOrder(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.openOrders, orderID)
}

// OpenOrderCount 返回当前登记的在途委托数。
func (l *Ledger) OpenOrderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.openOrders)
}

// ApplyFill 记入一笔成交。重复的 FillID 幂等忽略;
// 未登记委托、方向不符或超额成交均判定为账本不一致。
func (l *Ledger) ApplyFill(fill Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.appliedFills[fill.FillID] {
		l.logger.Debug("重复成交回报,幂等忽略",
			zap.String("fill_id", fill.FillID),
			zap.String("order_id", fill.OrderID))
		return nil
	}

	order, ok := l.openOrders[fill.OrderID]
	if !ok {
		return fmt.Errorf("%w: 成交 %s 对应的委托 %s 未登记", ErrInconsistent, fill.FillID, fill.OrderID)
	}
	if order.Symbol != fill.Symbol {
		return fmt.Errorf("%w: 成交标的 %s 与委托标的 %s 不符", ErrInconsistent, fill.Symbol, order.Symbol)
	}
	if fill.Quantity == 0 || fill.Quantity*order.Quantity < 0 {
		return fmt.Errorf("%w: 成交方向或数量异常 (order=%s fill=%s qty=%f)",
			ErrInconsistent, fill.OrderID, fill.FillID, fill.Quantity)
	}
	if order.Filled+math.Abs(fill.Quantity) > math.Abs(order.Quantity)+quantityEpsilon {
		return fmt.Errorf("%w: 委托 %s 成交量超出委托量 (%f + %f > %f)",
			ErrInconsistent, fill.OrderID, order.Filled, math.Abs(fill.Quantity), math.Abs(order.Quantity))
	}
	if fill.Price <= 0 {
		return fmt.Errorf("%w: 成交 %s 价格非正", ErrInconsistent, fill.FillID)
	}

	if l.store != nil {
		if err := l.store.AppendFill(fill); err != nil {
			return fmt.Errorf("持久化成交失败: %w", err)
		}
	}

	l.applyLocked(fill)
	l.appliedFills[fill.FillID] = true
	order.Filled += math.Abs(fill.Quantity)

	l.logger.Info("成交入账",
		zap.String("symbol", fill.Symbol),
		zap.String("order_id", fill.OrderID),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.Float64("cash", l.cash))

	return nil
}

// applyLocked 更新持仓与资金,调用方必须已持锁。
func (l *Ledger) applyLocked(fill Fill) {
	pos := l.positions[fill.Symbol]
	pos.Symbol = fill.Symbol

	q, d := pos.Quantity, fill.Quantity
	switch {
	case q == 0 || q*d > 0:
		// 开仓或加仓:按数量加权更新开仓均价
		pos.AvgEntryPrice = (q*pos.AvgEntryPrice + d*fill.Price) / (q + d)
		pos.Quantity = q + d
	case math.Abs(d) <= math.Abs(q)+quantityEpsilon:
		// 减仓或平仓:均价不变,差价计入已实现盈亏
		l.realizedPnl += -d * (fill.Price - pos.AvgEntryPrice)
		pos.Quantity = q + d
	default:
		// 反手:先平旧仓,剩余数量以成交价开新仓
		l.realizedPnl += q * (fill.Price - pos.AvgEntryPrice)
		pos.Quantity = q + d
		pos.AvgEntryPrice = fill.Price
	}

	l.cash -= d * fill.Price

	if math.Abs(pos.Quantity) < quantityEpsilon {
		delete(l.positions, fill.Symbol)
	} else {
		l.positions[fill.Symbol] = pos
	}
}

// Snapshot 按给定标记价生成组合全景。缺失标记价的持仓退回开仓均价估值。
func (l *Ledger) Snapshot(marks map[string]float64) PortfolioSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := PortfolioSnapshot{
		Timestamp:    time.Now().UTC(),
		Cash:         l.cash,
		ReservedCash: l.reservedLocked(),
		RealizedPnl:  l.realizedPnl,
		Positions:    make(map[string]Position, len(l.positions)),
		OpenOrders:   len(l.openOrders),
	}

	equity := l.cash
	for symbol, pos := range l.positions {
		mark, ok := marks[symbol]
		if !ok || mark <= 0 {
			mark = pos.AvgEntryPrice
		}
		snapshot.Positions[symbol] = pos
		snapshot.UnrealizedPnl += pos.UnrealizedPnl(mark)
		equity += pos.MarketValue(mark)
	}
	snapshot.Equity = equity

	return snapshot
}

// Fills 返回全部历史成交,供绩效统计使用。无持久化存储时返回空。
func (l *Ledger) Fills() ([]Fill, error) {
	if l.store == nil {
		return nil, nil
	}
	return l.store.LoadFills()
}
