package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/ledger"
	"tradebot/internal/marketdata"
	"tradebot/internal/risk"
	"tradebot/internal/signal"
)

// Engine 是唯一的交易控制循环。每个轮次分三个阶段:
// 先对账在途委托并拉取行情,再统一刷新权益与熔断状态,
// 最后按标的并发决策下单。标的之间互不影响,
// 单个标的行情缺失只会跳过该标的本轮处理。
type Engine struct {
	cfg      *config.Config
	gateway  *marketdata.Gateway
	orders   broker.OrderClient
	book     *ledger.Ledger
	tracker  *risk.DailyTracker
	provider signal.Provider
	sink     EventSink
	logger   *zap.Logger
	location *time.Location
	clock    func() time.Time

	mu   sync.Mutex
	open map[string]*Order
}

// New 创建交易引擎。sink 为空时事件被丢弃。
func New(
	cfg *config.Config,
	gateway *marketdata.Gateway,
	orders broker.OrderClient,
	book *ledger.Ledger,
	tracker *risk.DailyTracker,
	provider signal.Provider,
	sink EventSink,
	logger *zap.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}

	location := time.UTC
	if cfg.Scheduler.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return nil, fmt.Errorf("解析时区 %q 失败: %w", cfg.Scheduler.Timezone, err)
		}
		location = loc
	}

	return &Engine{
		cfg:      cfg,
		gateway:  gateway,
		orders:   orders,
		book:     book,
		tracker:  tracker,
		provider: provider,
		sink:     sink,
		logger:   logger,
		location: location,
		clock:    time.Now,
		open:     make(map[string]*Order),
	}, nil
}

// Run 驱动交易循环直到上下文取消或发生不可恢复错误。
// 账本不一致是唯一主动停机的错误,其余轮次错误记录后继续。
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Scheduler.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("交易引擎启动",
		zap.Duration("poll_interval", interval),
		zap.Strings("symbols", e.cfg.Trading.Symbols))

	for {
		now := e.clock()
		if e.inSession(now) {
			if err := e.Tick(ctx); err != nil {
				if errors.Is(err, ledger.ErrInconsistent) {
					e.sink.Emit(Event{
						Kind:      EventHalted,
						Timestamp: now,
						Payload:   map[string]interface{}{"error": err.Error()},
					})
					e.logger.Error("账本不一致,引擎停机", zap.Error(err))
					return err
				}
				e.logger.Error("交易轮次失败", zap.Error(err))
				e.sink.Emit(Event{
					Kind:      EventCycleError,
					Timestamp: now,
					Payload:   map[string]interface{}{"error": err.Error()},
				})
			}
		} else {
			e.logger.Debug("不在交易时段内,跳过本轮")
		}

		select {
		case <-ctx.Done():
			e.logger.Info("交易引擎收到退出信号")
			return nil
		case <-ticker.C:
		}
	}
}

// inSession 判断时刻是否落在配置的交易时段内。未配置时段则全天交易。
func (e *Engine) inSession(now time.Time) bool {
	open, close := e.cfg.Scheduler.SessionOpen, e.cfg.Scheduler.SessionClose
	if open == "" || close == "" {
		return true
	}

	openClock, err := time.Parse("15:04", open)
	if err != nil {
		return true
	}
	closeClock, err := time.Parse("15:04", close)
	if err != nil {
		return true
	}

	local := now.In(e.location)
	minute := local.Hour()*60 + local.Minute()
	openMinute := openClock.Hour()*60 + openClock.Minute()
	closeMinute := closeClock.Hour()*60 + closeClock.Minute()

	if openMinute <= closeMinute {
		return minute >= openMinute && minute < closeMinute
	}
	// 跨午夜时段
	return minute >= openMinute || minute < closeMinute
}

// Tick 执行一个完整轮次。允许并发调用不同标的的处理,
// 但轮次本身由 Run 串行驱动。
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock()

	if err := e.reconcile(ctx, now); err != nil {
		return err
	}

	quotes := e.gateway.Quotes(ctx, e.cfg.Trading.Symbols)

	snap := e.book.Snapshot(quotes)
	daily, err := e.tracker.Update(snap.Equity, now)
	if err != nil {
		return fmt.Errorf("刷新日度风控状态失败: %w", err)
	}
	if daily.Halted {
		e.logger.Warn("日内熔断生效,仅允许平仓",
			zap.String("trading_day", daily.TradingDay),
			zap.Float64("loss", daily.Loss))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, symbol := range e.cfg.Trading.Symbols {
		symbol := symbol
		price, ok := quotes[symbol]
		if !ok {
			// 行情缺失只影响该标的,不影响整个轮次
			e.logger.Warn("标的行情缺失,跳过本轮", zap.String("symbol", symbol))
			continue
		}
		group.Go(func() error {
			if err := e.processSymbol(groupCtx, symbol, price, snap, daily, now); err != nil {
				if errors.Is(err, ledger.ErrInconsistent) {
					return err
				}
				e.logger.Warn("标的处理失败",
					zap.String("symbol", symbol),
					zap.Error(err))
			}
			return nil
		})
	}

	return group.Wait()
}

// reconcile 轮询所有在途委托的券商状态,把新增成交记入账本,
// 终态委托释放登记并发事件。每笔终态跃迁恰好对应一次释放和一个事件。
func (e *Engine) reconcile(ctx context.Context, now time.Time) error {
	orders := e.openOrders()
	if len(orders) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, order := range orders {
		order := order
		group.Go(func() error {
			err := e.reconcileOrder(groupCtx, order, now)
			if err != nil && errors.Is(err, ledger.ErrInconsistent) {
				return err
			}
			if err != nil {
				e.logger.Warn("委托对账失败,留待下轮",
					zap.String("client_id", order.ClientID),
					zap.String("broker_id", order.BrokerID),
					zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

func (e *Engine) reconcileOrder(ctx context.Context, order *Order, now time.Time) error {
	report, err := e.orders.PollStatus(ctx, order.BrokerID, order.Symbol)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return fmt.Errorf("%w: 券商侧找不到委托 %s", ledger.ErrInconsistent, order.BrokerID)
		}
		return err
	}

	// 新增成交增量记账。成交编号由券商委托号与累计量确定,
	// 同一回报重复到达时账本幂等去重。
	// 券商回报的是累计成交均价,增量价格从名义金额差反推,
	// 直接用累计均价记增量会在分批价格不同时让资金与开仓均价漂移。
	if delta := report.FilledQuantity - order.FilledQuantity; delta > fillEpsilon {
		sign := 1.0
		if order.Side == broker.OrderSideSell {
			sign = -1
		}
		cumNotional := report.FilledQuantity * report.AvgFillPrice
		fill := ledger.Fill{
			OrderID:   order.ClientID,
			FillID:    fmt.Sprintf("%s#%d", order.BrokerID, int64(math.Round(report.FilledQuantity*1e8))),
			Symbol:    order.Symbol,
			Quantity:  sign * delta,
			Price:     (cumNotional - order.FilledNotional) / delta,
			Timestamp: report.Timestamp,
		}
		if err := e.book.ApplyFill(fill); err != nil {
			return err
		}
		if err := order.RecordFill(report.FilledQuantity, now); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInconsistent, err)
		}
		order.FilledNotional = cumNotional
		if order.State == StatePartiallyFilled {
			e.sink.Emit(orderEvent(EventOrderPartial, order, now))
		}
	}

	switch report.Status {
	case broker.OrderStatusClosed:
		if order.State != StateFilled {
			// 券商已终结但成交不足,剩余部分视为撤销
			if err := order.MarkCancelled("券商终结时未完全成交", now); err != nil {
				return fmt.Errorf("%w: %v", ledger.ErrInconsistent, err)
			}
		}
	case broker.OrderStatusCanceled:
		if err := order.MarkCancelled("券商侧撤销", now); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInconsistent, err)
		}
	case broker.OrderStatusRejected:
		if err := order.MarkRejected("券商侧拒绝", now); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInconsistent, err)
		}
	}

	if order.Terminal() {
		e.finalize(order, now)
	}
	return nil
}

// finalize 对终态委托做一次性的释放与事件发布。
func (e *Engine) finalize(order *Order, now time.Time) {
	e.book.ReleaseOrder(order.ClientID)
	e.removeOpen(order.ClientID)

	kind := EventOrderFilled
	switch order.State {
	case StateRejected:
		kind = EventOrderRejected
	case StateCancelled:
		kind = EventOrderCancelled
	}
	e.sink.Emit(orderEvent(kind, order, now))

	e.logger.Info("委托终结",
		zap.String("client_id", order.ClientID),
		zap.String("symbol", order.Symbol),
		zap.String("state", string(order.State)),
		zap.Float64("filled", order.FilledQuantity))
}

// processSymbol 为单个标的跑一遍决策:保护性退出优先,
// 然后生成信号、过风控、下单。
func (e *Engine) processSymbol(ctx context.Context, symbol string, price float64, snap ledger.PortfolioSnapshot, daily risk.DailyStatus, now time.Time) error {
	pos := snap.PositionFor(symbol)

	if exit, reason := e.protectiveExit(pos, price); exit {
		e.logger.Info("触发保护性退出",
			zap.String("symbol", symbol),
			zap.String("reason", reason),
			zap.Float64("price", price),
			zap.Float64("avg_entry", pos.AvgEntryPrice))
		if err := e.cancelOpenFor(ctx, symbol, reason, now); err != nil {
			return err
		}
		return e.submit(ctx, symbol, -pos.Quantity, price, snap, daily, now, reason)
	}

	if e.hasOpenFor(symbol) {
		// 同一标的同时只挂一笔委托,等它终结再做新决策
		return nil
	}

	bars, err := e.gateway.Bars(ctx, symbol, e.cfg.Trading.BarInterval, e.cfg.Trading.BarLookback)
	if err != nil {
		if errors.Is(err, broker.ErrDataUnavailable) {
			e.logger.Warn("K线不可用,跳过本轮", zap.String("symbol", symbol), zap.Error(err))
			return nil
		}
		return err
	}

	intent, err := e.provider.GenerateIntent(ctx, symbol, bars, e.cfg.Indicators)
	if err != nil {
		return fmt.Errorf("生成信号失败 (%s): %w", symbol, err)
	}

	e.sink.Emit(Event{
		Kind:      EventSignal,
		Symbol:    symbol,
		Timestamp: now,
		Payload: map[string]interface{}{
			"direction":  string(intent.Direction),
			"conviction": intent.Conviction,
			"price":      price,
		},
	})

	if intent.Direction == signal.DirectionFlat || intent.Conviction <= 0 {
		return nil
	}

	quantity := intent.Sign() * e.cfg.Trading.OrderQuantity * intent.Conviction

	// 单笔名义金额上限
	if notionalCap := e.cfg.Trading.BuyingPowerCap; notionalCap > 0 && math.Abs(quantity)*price > notionalCap {
		quantity = math.Copysign(notionalCap/price, quantity)
	}

	return e.submit(ctx, symbol, quantity, price, snap, daily, now, "")
}

// protectiveExit 检查止损与止盈。返回是否需要立即平仓及原因。
func (e *Engine) protectiveExit(pos ledger.Position, price float64) (bool, string) {
	if pos.Quantity == 0 || pos.AvgEntryPrice <= 0 {
		return false, ""
	}
	stopLoss, takeProfit := e.cfg.Risk.StopLossPct, e.cfg.Risk.TakeProfitPct

	if pos.Quantity > 0 {
		if stopLoss > 0 && price <= pos.AvgEntryPrice*(1-stopLoss) {
			return true, "stop_loss"
		}
		if takeProfit > 0 && price >= pos.AvgEntryPrice*(1+takeProfit) {
			return true, "take_profit"
		}
		return false, ""
	}

	if stopLoss > 0 && price >= pos.AvgEntryPrice*(1+stopLoss) {
		return true, "stop_loss"
	}
	if takeProfit > 0 && price <= pos.AvgEntryPrice*(1-takeProfit) {
		return true, "take_profit"
	}
	return false, ""
}

// cancelOpenFor 撤销指定标的的在途委托,为保护性退出让路。
func (e *Engine) cancelOpenFor(ctx context.Context, symbol, reason string, now time.Time) error {
	for _, order := range e.openOrders() {
		if order.Symbol != symbol {
			continue
		}
		if err := e.orders.Cancel(ctx, order.BrokerID, order.Symbol); err != nil {
			if !errors.Is(err, broker.ErrOrderNotFound) {
				return fmt.Errorf("撤销委托 %s 失败: %w", order.BrokerID, err)
			}
		}
		if err := order.MarkCancelled(reason, now); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInconsistent, err)
		}
		e.finalize(order, now)
	}
	return nil
}

// submit 过风控并提交委托。提交失败由券商适配器内部重试,
// 重试耗尽即把委托记为拒绝,不影响其他标的。
func (e *Engine) submit(ctx context.Context, symbol string, quantity, price float64, snap ledger.PortfolioSnapshot, daily risk.DailyStatus, now time.Time, note string) error {
	decision := risk.Evaluate(
		risk.Proposal{Symbol: symbol, Quantity: quantity, Price: price},
		snap, daily, e.cfg.Risk,
	)
	if !decision.Approved {
		e.logger.Info("风控拒绝",
			zap.String("symbol", symbol),
			zap.Float64("quantity", quantity),
			zap.String("reason", string(decision.Reason)),
			zap.String("notes", decision.Notes))
		e.sink.Emit(Event{
			Kind:      EventRiskRejected,
			Symbol:    symbol,
			Timestamp: now,
			Payload: map[string]interface{}{
				"quantity": quantity,
				"price":    price,
				"reason":   string(decision.Reason),
				"notes":    decision.Notes,
			},
		})
		return nil
	}

	orderType := broker.OrderType(e.cfg.Trading.OrderType)
	limitPrice := 0.0
	if orderType == broker.OrderTypeLimit {
		limitPrice = price
	}

	order := NewOrder(symbol, orderType, decision.Quantity, limitPrice, now)
	order.Reason = note
	if err := order.Approve(math.Abs(decision.Quantity), now); err != nil {
		return err
	}
	// 账本登记同时做跨标的资金预留:同一轮次并发审批的多笔买入
	// 在账本锁内串行排队,拿不到预留的委托按风控拒绝处理
	if err := e.book.RegisterOrder(order.ClientID, symbol, decision.Quantity, price); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCash) {
			if markErr := order.MarkRejected(err.Error(), now); markErr != nil {
				return markErr
			}
			e.logger.Info("资金预留失败,委托拒绝",
				zap.String("symbol", symbol),
				zap.Float64("quantity", decision.Quantity),
				zap.Error(err))
			e.sink.Emit(Event{
				Kind:      EventRiskRejected,
				Symbol:    symbol,
				Timestamp: now,
				Payload: map[string]interface{}{
					"quantity": decision.Quantity,
					"price":    price,
					"reason":   string(risk.ReasonInsufficientBuyingPwr),
					"notes":    err.Error(),
				},
			})
			return nil
		}
		return err
	}

	brokerID, err := e.orders.Submit(ctx, broker.OrderRequest{
		ClientID:   order.ClientID,
		Symbol:     symbol,
		Side:       order.Side,
		Type:       orderType,
		Quantity:   order.Quantity,
		LimitPrice: limitPrice,
	})
	if err != nil {
		e.book.ReleaseOrder(order.ClientID)
		if markErr := order.MarkRejected(fmt.Sprintf("提交失败: %v", err), now); markErr != nil {
			return markErr
		}
		e.sink.Emit(orderEvent(EventOrderRejected, order, now))
		e.logger.Error("委托提交失败,已拒绝",
			zap.String("symbol", symbol),
			zap.String("client_id", order.ClientID),
			zap.Error(err))
		return nil
	}

	if err := order.MarkSubmitted(brokerID, now); err != nil {
		return err
	}
	e.addOpen(order)
	e.sink.Emit(orderEvent(EventOrderSubmitted, order, now))

	e.logger.Info("委托已提交",
		zap.String("symbol", symbol),
		zap.String("client_id", order.ClientID),
		zap.String("broker_id", brokerID),
		zap.String("side", string(order.Side)),
		zap.Float64("quantity", order.Quantity),
		zap.String("notes", decision.Notes))
	return nil
}

func (e *Engine) openOrders() []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Order, 0, len(e.open))
	for _, order := range e.open {
		out = append(out, order)
	}
	return out
}

func (e *Engine) hasOpenFor(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, order := range e.open {
		if order.Symbol == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) addOpen(order *Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open[order.ClientID] = order
}

func (e *Engine) removeOpen(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.open, clientID)
}
