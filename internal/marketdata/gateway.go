package marketdata

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradebot/internal/broker"
)

// Gateway 统一行情入口。对底层客户端的返回做完整性校验,
// 不合格的数据一律归类为行情不可用,由上层跳过本轮处理。
type Gateway struct {
	client broker.MarketDataClient
	logger *zap.Logger
}

// New 创建行情网关。
func New(client broker.MarketDataClient, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{client: client, logger: logger}
}

// Bars 拉取指定标的的K线并校验时序。
func (g *Gateway) Bars(ctx context.Context, symbol, interval string, limit int) ([]broker.Bar, error) {
	bars, err := g.client.FetchBars(ctx, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("拉取K线失败 (%s): %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s 无K线数据", broker.ErrDataUnavailable, symbol)
	}

	for i, bar := range bars {
		if bar.Close <= 0 || bar.High < bar.Low {
			return nil, fmt.Errorf("%w: %s 第 %d 根K线数据异常", broker.ErrDataUnavailable, symbol, i)
		}
		if i > 0 && !bars[i-1].Timestamp.Before(bar.Timestamp) {
			return nil, fmt.Errorf("%w: %s K线时间戳乱序", broker.ErrDataUnavailable, symbol)
		}
	}

	return bars, nil
}

// Quote 拉取最新价。非正价格视为行情不可用。
func (g *Gateway) Quote(ctx context.Context, symbol string) (float64, error) {
	price, err := g.client.FetchQuote(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("拉取行情失败 (%s): %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s 行情价格非正", broker.ErrDataUnavailable, symbol)
	}
	return price, nil
}

// Quotes 并发拉取多个标的的最新价。单个标的失败不影响其他标的,
// 失败的标的从结果中缺席并记录日志。
func (g *Gateway) Quotes(ctx context.Context, symbols []string) map[string]float64 {
	var mu sync.Mutex
	result := make(map[string]float64, len(symbols))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			price, err := g.Quote(groupCtx, symbol)
			if err != nil {
				g.logger.Warn("标的行情拉取失败,跳过",
					zap.String("symbol", symbol),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			result[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return result
}
