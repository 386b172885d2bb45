package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaperClient 是本地模拟撮合的委托客户端,用于干跑模式。
// 委托按提交时刻的最新行情价立即全部成交。
type PaperClient struct {
	quotes MarketDataClient
	logger *zap.Logger

	mu     sync.Mutex
	orders map[string]StatusReport
}

var _ OrderClient = (*PaperClient)(nil)

// NewPaperClient 创建模拟撮合客户端。行情来源复用真实的数据客户端。
func NewPaperClient(quotes MarketDataClient, logger *zap.Logger) *PaperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperClient{
		quotes: quotes,
		logger: logger,
		orders: make(map[string]StatusReport),
	}
}

// Submit 以当前行情价立即成交。
func (p *PaperClient) Submit(ctx context.Context, req OrderRequest) (string, error) {
	price := req.LimitPrice
	if req.Type == OrderTypeMarket || price <= 0 {
		quoted, err := p.quotes.FetchQuote(ctx, req.Symbol)
		if err != nil {
			return "", fmt.Errorf("%w: 模拟撮合取价失败: %v", ErrSubmissionFailed, err)
		}
		price = quoted
	}

	brokerID := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.orders[brokerID] = StatusReport{
		BrokerID:       brokerID,
		Status:         OrderStatusClosed,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   price,
		Timestamp:      time.Now().UTC(),
	}
	p.mu.Unlock()

	p.logger.Info("模拟撮合成交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("price", price))

	return brokerID, nil
}

// PollStatus 返回模拟委托的状态。
func (p *PaperClient) PollStatus(ctx context.Context, brokerID, symbol string) (StatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report, ok := p.orders[brokerID]
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, brokerID)
	}
	return report, nil
}

// Cancel 撤销模拟委托。已成交的委托无法撤销。
func (p *PaperClient) Cancel(ctx context.Context, brokerID, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	report, ok := p.orders[brokerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, brokerID)
	}
	if report.Status == OrderStatusClosed {
		return fmt.Errorf("委托 %s 已全部成交,无法撤销", brokerID)
	}
	report.Status = OrderStatusCanceled
	report.Timestamp = time.Now().UTC()
	p.orders[brokerID] = report
	return nil
}
