package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/ledger"
	"tradebot/internal/marketdata"
	"tradebot/internal/risk"
	"tradebot/internal/signal"
	"tradebot/internal/store"
)

type fakeMarketData struct {
	mu       sync.Mutex
	quotes   map[string]float64
	quoteErr map[string]error
	barsErr  map[string]error
}

func (f *fakeMarketData) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]broker.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.barsErr[symbol]; err != nil {
		return nil, err
	}
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]broker.Bar, 20)
	for i := range bars {
		bars[i] = broker.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 1000,
		}
	}
	return bars, nil
}

func (f *fakeMarketData) FetchQuote(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.quoteErr[symbol]; err != nil {
		return 0, err
	}
	return f.quotes[symbol], nil
}

type fakeOrderClient struct {
	mu        sync.Mutex
	nextID    int
	submitErr error
	submitted []broker.OrderRequest
	reports   map[string]broker.StatusReport
	ids       map[string]string
	pollErr   error
	cancelled []string
}

func newFakeOrderClient() *fakeOrderClient {
	return &fakeOrderClient{
		reports: make(map[string]broker.StatusReport),
		ids:     make(map[string]string),
	}
}

func (f *fakeOrderClient) Submit(ctx context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("b-%d", f.nextID)
	f.submitted = append(f.submitted, req)
	f.ids[req.Symbol] = id
	f.reports[id] = broker.StatusReport{
		BrokerID: id,
		Status:   broker.OrderStatusOpen,
	}
	return id, nil
}

func (f *fakeOrderClient) idFor(t *testing.T, symbol string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[symbol]
	if !ok {
		t.Fatalf("标的 %s 没有提交过委托", symbol)
	}
	return id
}

func (f *fakeOrderClient) PollStatus(ctx context.Context, brokerID, symbol string) (broker.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return broker.StatusReport{}, f.pollErr
	}
	report, ok := f.reports[brokerID]
	if !ok {
		return broker.StatusReport{}, broker.ErrOrderNotFound
	}
	return report, nil
}

func (f *fakeOrderClient) Cancel(ctx context.Context, brokerID, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, brokerID)
	report := f.reports[brokerID]
	report.Status = broker.OrderStatusCanceled
	f.reports[brokerID] = report
	return nil
}

func (f *fakeOrderClient) setReport(brokerID string, status broker.OrderStatus, filled, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[brokerID] = broker.StatusReport{
		BrokerID:       brokerID,
		Status:         status,
		FilledQuantity: filled,
		AvgFillPrice:   price,
		Timestamp:      time.Now().UTC(),
	}
}

func (f *fakeOrderClient) lastSubmitted(t *testing.T) broker.OrderRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		t.Fatal("没有提交过委托")
	}
	return f.submitted[len(f.submitted)-1]
}

type fakeProvider struct {
	intents map[string]signal.Intent
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GenerateIntent(ctx context.Context, symbol string, bars []broker.Bar, cfg config.IndicatorsConfig) (signal.Intent, error) {
	if f.err != nil {
		return signal.Flat(), f.err
	}
	if intent, ok := f.intents[symbol]; ok {
		return intent, nil
	}
	return signal.Flat(), nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Emit(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSink) count(kind EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, event := range f.events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

type testHarness struct {
	engine  *Engine
	data    *fakeMarketData
	orders  *fakeOrderClient
	book    *ledger.Ledger
	tracker *risk.DailyTracker
	sink    *fakeSink
}

func testConfig(symbols ...string) *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Symbols:       symbols,
			OrderType:     "market",
			OrderQuantity: 5,
			InitialCash:   100000,
			BarInterval:   "1m",
			BarLookback:   20,
		},
		Risk: config.RiskConfig{
			MaxPositionSize: 10,
			MaxDailyLoss:    500,
			MaxOpenOrders:   5,
		},
		Scheduler: config.SchedulerConfig{PollInterval: time.Minute},
	}
}

func newTestHarness(t *testing.T, cfg *config.Config, intents map[string]signal.Intent) *testHarness {
	t.Helper()

	db, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("初始化内存库失败: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	book, err := ledger.New(cfg.Trading.InitialCash, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化账本失败: %v", err)
	}

	tracker, err := risk.NewDailyTracker(db.DB(), 0, cfg.Risk.MaxDailyLoss, time.UTC, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化日度追踪失败: %v", err)
	}

	data := &fakeMarketData{
		quotes:   map[string]float64{},
		quoteErr: map[string]error{},
		barsErr:  map[string]error{},
	}
	for _, symbol := range cfg.Trading.Symbols {
		data.quotes[symbol] = 100
	}

	orders := newFakeOrderClient()
	sink := &fakeSink{}

	eng, err := New(cfg, marketdata.New(data, zap.NewNop()), orders, book, tracker,
		&fakeProvider{intents: intents}, sink, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化引擎失败: %v", err)
	}

	return &testHarness{engine: eng, data: data, orders: orders, book: book, tracker: tracker, sink: sink}
}

func TestTickSubmitsApprovedOrder(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	req := h.orders.lastSubmitted(t)
	if req.Side != broker.OrderSideBuy || req.Quantity != 5 {
		t.Fatalf("期望买入 5,实际 %s %f", req.Side, req.Quantity)
	}
	if h.book.OpenOrderCount() != 1 {
		t.Fatalf("账本应登记一笔在途委托,实际 %d", h.book.OpenOrderCount())
	}
	if h.sink.count(EventOrderSubmitted) != 1 {
		t.Fatal("应发出一次提交事件")
	}
}

func TestTickResizesOversizedOrder(t *testing.T) {
	cfg := testConfig("AAPL")
	cfg.Trading.OrderQuantity = 15

	h := newTestHarness(t, cfg, map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	// 申请 15 超出上限 10,应缩量放行而不是拒绝
	req := h.orders.lastSubmitted(t)
	if req.Quantity != 10 {
		t.Fatalf("期望缩量至 10,实际 %f", req.Quantity)
	}
}

func TestTickIsolatesUnavailableSymbol(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL", "TSLA"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
		"TSLA": {Direction: signal.DirectionLong, Conviction: 1},
	})
	h.data.quoteErr["TSLA"] = broker.ErrDataUnavailable

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("单标的行情缺失不应让轮次失败: %v", err)
	}

	if len(h.orders.submitted) != 1 || h.orders.submitted[0].Symbol != "AAPL" {
		t.Fatalf("应只提交 AAPL 一笔,实际 %v", h.orders.submitted)
	}
}

func TestTickSubmissionFailureRejectsOrder(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})
	h.orders.submitErr = broker.ErrSubmissionFailed

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("提交失败应被吸收: %v", err)
	}

	if h.book.OpenOrderCount() != 0 {
		t.Fatal("提交失败后账本不应残留登记")
	}
	if h.sink.count(EventOrderRejected) != 1 {
		t.Fatal("应发出一次拒绝事件")
	}
}

func TestReconcileAppliesIncrementalFills(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	ctx := context.Background()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}
	h.orders.setReport("b-1", broker.OrderStatusOpen, 2, 100)
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("部分成交轮失败: %v", err)
	}

	snap := h.book.Snapshot(nil)
	if pos := snap.PositionFor("AAPL").Quantity; pos != 2 {
		t.Fatalf("部分成交后持仓应为 2,实际 %f", pos)
	}
	if h.sink.count(EventOrderPartial) != 1 {
		t.Fatal("应发出一次部分成交事件")
	}

	h.orders.setReport("b-1", broker.OrderStatusClosed, 5, 100)
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("完全成交轮失败: %v", err)
	}

	snap = h.book.Snapshot(nil)
	if pos := snap.PositionFor("AAPL").Quantity; pos != 5 {
		t.Fatalf("完全成交后持仓应为 5,实际 %f", pos)
	}
	if h.book.OpenOrderCount() != 0 {
		t.Fatal("终态委托应释放账本登记")
	}
	if h.sink.count(EventOrderFilled) != 1 {
		t.Fatal("应发出一次成交事件")
	}
}

func TestReconcileRepeatedReportIsIdempotent(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	ctx := context.Background()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}

	h.orders.setReport("b-1", broker.OrderStatusOpen, 3, 100)
	for i := 0; i < 3; i++ {
		if err := h.engine.Tick(ctx); err != nil {
			t.Fatalf("第 %d 轮失败: %v", i, err)
		}
	}

	if pos := h.book.Snapshot(nil).PositionFor("AAPL").Quantity; pos != 3 {
		t.Fatalf("重复回报不得重复记账,持仓应为 3,实际 %f", pos)
	}
}

func TestReconcilePricesPartialFillsFromNotionalDelta(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	ctx := context.Background()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}

	// 先 2 股均价 100,后累计 5 股均价 102:总名义金额 510
	h.orders.setReport("b-1", broker.OrderStatusOpen, 2, 100)
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("部分成交轮失败: %v", err)
	}
	h.orders.setReport("b-1", broker.OrderStatusClosed, 5, 102)
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("完全成交轮失败: %v", err)
	}

	snap := h.book.Snapshot(nil)
	pos := snap.PositionFor("AAPL")
	if math.Abs(pos.Quantity-5) > 1e-9 {
		t.Fatalf("持仓应为 5,实际 %f", pos.Quantity)
	}
	if math.Abs(pos.AvgEntryPrice-102) > 1e-6 {
		t.Fatalf("开仓均价应与券商累计均价一致 102,实际 %f", pos.AvgEntryPrice)
	}
	if math.Abs(snap.Cash-(100000-510)) > 1e-6 {
		t.Fatalf("现金应扣减总名义金额 510,实际余额 %f", snap.Cash)
	}
}

func TestTickFillForOneSymbolLeavesOtherUntouched(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL", "TSLA"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
		"TSLA": {Direction: signal.DirectionLong, Conviction: 1},
	})

	ctx := context.Background()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}
	if len(h.orders.submitted) != 2 {
		t.Fatalf("两个标的应各提交一笔,实际 %d", len(h.orders.submitted))
	}

	// 只成交 AAPL;AAPL 行情缺失让它本轮不再开新仓
	h.orders.setReport(h.orders.idFor(t, "AAPL"), broker.OrderStatusClosed, 5, 100)
	h.data.mu.Lock()
	h.data.quoteErr["AAPL"] = broker.ErrDataUnavailable
	h.data.mu.Unlock()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("次轮失败: %v", err)
	}

	snap := h.book.Snapshot(nil)
	if pos := snap.PositionFor("AAPL").Quantity; pos != 5 {
		t.Fatalf("AAPL 持仓应为 5,实际 %f", pos)
	}
	if pos := snap.PositionFor("TSLA").Quantity; pos != 0 {
		t.Fatalf("AAPL 的成交不得影响 TSLA 持仓,实际 %f", pos)
	}
	if h.book.OpenOrderCount() != 1 {
		t.Fatalf("TSLA 委托应仍在途,实际登记 %d 笔", h.book.OpenOrderCount())
	}
	if len(h.orders.submitted) != 2 {
		t.Fatalf("不应有新增提交,实际 %d", len(h.orders.submitted))
	}
}

func TestTickConcurrentBuysShareBuyingPower(t *testing.T) {
	cfg := testConfig("AAPL", "TSLA")
	cfg.Trading.InitialCash = 1000
	cfg.Trading.OrderQuantity = 15

	h := newTestHarness(t, cfg, map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
		"TSLA": {Direction: signal.DirectionLong, Conviction: 1},
	})

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	// 两笔各缩量至 10 股 @100,名义各 1000;现金只有 1000,
	// 账本预留只放行先到的一笔,后到的按风控拒绝
	if len(h.orders.submitted) != 1 {
		t.Fatalf("资金只够一笔,实际提交 %d 笔", len(h.orders.submitted))
	}
	if h.sink.count(EventRiskRejected) != 1 {
		t.Fatal("超出资金的委托应发风控拒绝事件")
	}

	snap := h.book.Snapshot(nil)
	if math.Abs(snap.ReservedCash-1000) > 1e-9 {
		t.Fatalf("预留资金应为 1000,实际 %f", snap.ReservedCash)
	}
	if math.Abs(snap.BuyingPower()) > 1e-9 {
		t.Fatalf("购买力应耗尽,实际 %f", snap.BuyingPower())
	}
}

func TestTickInconsistencyIsFatal(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	ctx := context.Background()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}

	// 券商侧委托凭空消失,属于无法调和的状态
	h.orders.mu.Lock()
	delete(h.orders.reports, "b-1")
	h.orders.mu.Unlock()

	err := h.engine.Tick(ctx)
	if !errors.Is(err, ledger.ErrInconsistent) {
		t.Fatalf("期望账本不一致错误,实际 %v", err)
	}
}

func TestTickDailyLossHaltBlocksNewEntries(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	// 先以更高权益开账,使本轮权益表现为亏损 1000
	if _, err := h.tracker.Update(101000, time.Now().UTC()); err != nil {
		t.Fatalf("预置日度状态失败: %v", err)
	}

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	if len(h.orders.submitted) != 0 {
		t.Fatal("熔断后不应提交新开仓委托")
	}
	if h.sink.count(EventRiskRejected) != 1 {
		t.Fatal("应发出一次风控拒绝事件")
	}
}

func TestTickProtectiveStopLoss(t *testing.T) {
	cfg := testConfig("AAPL")
	cfg.Risk.StopLossPct = 0.05

	h := newTestHarness(t, cfg, nil)

	// 预置 8 股 @100 的持仓
	if err := h.book.RegisterOrder("seed", "AAPL", 8, 100); err != nil {
		t.Fatalf("登记失败: %v", err)
	}
	if err := h.book.ApplyFill(ledger.Fill{
		OrderID: "seed", FillID: "seed-1", Symbol: "AAPL",
		Quantity: 8, Price: 100, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("预置持仓失败: %v", err)
	}
	h.book.ReleaseOrder("seed")

	// 价格击穿止损线
	h.data.mu.Lock()
	h.data.quotes["AAPL"] = 94
	h.data.mu.Unlock()

	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	req := h.orders.lastSubmitted(t)
	if req.Side != broker.OrderSideSell || req.Quantity != 8 {
		t.Fatalf("止损应卖出全部 8 股,实际 %s %f", req.Side, req.Quantity)
	}
}

func TestTickSkipsSymbolWithOpenOrder(t *testing.T) {
	h := newTestHarness(t, testConfig("AAPL"), map[string]signal.Intent{
		"AAPL": {Direction: signal.DirectionLong, Conviction: 1},
	})

	ctx := context.Background()
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("次轮失败: %v", err)
	}

	if len(h.orders.submitted) != 1 {
		t.Fatalf("在途委托未终结前不应再下单,实际提交 %d 笔", len(h.orders.submitted))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig("AAPL")
	cfg.Scheduler.PollInterval = 10 * time.Millisecond

	h := newTestHarness(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("取消上下文应平滑退出,实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}
}

func TestInSessionWindow(t *testing.T) {
	cfg := testConfig("AAPL")
	cfg.Scheduler.SessionOpen = "09:30"
	cfg.Scheduler.SessionClose = "16:00"

	h := newTestHarness(t, cfg, nil)

	inside := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	if !h.engine.inSession(inside) {
		t.Fatal("10:00 应在交易时段内")
	}
	if h.engine.inSession(outside) {
		t.Fatal("18:00 应在交易时段外")
	}
}
