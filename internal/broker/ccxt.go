package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"tradebot/internal/config"
)

// CCXTClient 通过 ccxt 对接加密货币交易所，同时承担行情与委托两个端点。
type CCXTClient struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var (
	_ MarketDataClient = (*CCXTClient)(nil)
	_ OrderClient      = (*CCXTClient)(nil)
)

// NewCCXTClient 构造 ccxt 适配器。
func NewCCXTClient(cfg config.BrokerConfig, logger *zap.Logger) (*CCXTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPassword != "" {
		userConfig["password"] = cfg.APIPassword
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTClient{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// FetchBars 获取指定周期的K线数据。
func (c *CCXTClient) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, fmt.Sprintf("fetch_ohlcv_%s", interval), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(interval),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(raw))
	for _, item := range raw {
		bars = append(bars, Bar{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return bars, nil
}

// FetchQuote 返回最新成交价。
func (c *CCXTClient) FetchQuote(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		ticker, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}

		switch {
		case ticker.Last != nil && *ticker.Last > 0:
			price = *ticker.Last
		case ticker.Close != nil && *ticker.Close > 0:
			price = *ticker.Close
		default:
			return fmt.Errorf("%w: ticker 无有效价格 (%s)", ErrDataUnavailable, symbol)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

// Submit 提交委托并返回交易所订单编号。
func (c *CCXTClient) Submit(ctx context.Context, req OrderRequest) (string, error) {
	var brokerID string
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "create_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var opts []ccxt.CreateOrderOptions
		if req.Type == OrderTypeLimit {
			opts = append(opts, ccxt.WithCreateOrderPrice(req.LimitPrice))
		}

		order, err := c.exchange.CreateOrder(req.Symbol, string(req.Type), string(req.Side), req.Quantity, opts...)
		if err != nil {
			return err
		}
		if order.Id == nil || *order.Id == "" {
			return fmt.Errorf("%w: 交易所未返回订单编号", ErrSubmissionFailed)
		}

		brokerID = *order.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	return brokerID, nil
}

// PollStatus 查询委托当前状态与成交进度。
func (c *CCXTClient) PollStatus(ctx context.Context, brokerID, symbol string) (StatusReport, error) {
	var report StatusReport
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "fetch_order", func() error {
		order, err := c.exchange.FetchOrder(brokerID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			var ccxtErr *ccxt.Error
			if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, brokerID)
			}
			return err
		}

		report = StatusReport{
			BrokerID:  brokerID,
			Status:    convertStatus(order.Status),
			Timestamp: time.Now().UTC(),
		}
		if order.Filled != nil {
			report.FilledQuantity = *order.Filled
		}
		if order.Average != nil {
			report.AvgFillPrice = *order.Average
		}
		return nil
	})
	if err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

// Cancel 撤销委托。
func (c *CCXTClient) Cancel(ctx context.Context, brokerID, symbol string) error {
	return callWithRetry(ctx, c.cfg.Retry, c.logger, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(brokerID, ccxt.WithCancelOrderSymbol(symbol))
		if err != nil {
			var ccxtErr *ccxt.Error
			if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, brokerID)
			}
		}
		return err
	})
}

func (c *CCXTClient) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func convertStatus(status *string) OrderStatus {
	if status == nil {
		return OrderStatusOpen
	}
	switch strings.ToLower(*status) {
	case "closed":
		return OrderStatusClosed
	case "canceled", "cancelled", "expired":
		return OrderStatusCanceled
	case "rejected":
		return OrderStatusRejected
	default:
		return OrderStatusOpen
	}
}
