package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tradebot/internal/config"
)

// RESTClient 对接通用 REST 风格的券商网关。请求经过限流器，
// 重试策略与其他适配器共用。
type RESTClient struct {
	cfg     config.BrokerConfig
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var (
	_ MarketDataClient = (*RESTClient)(nil)
	_ OrderClient      = (*RESTClient)(nil)
)

// NewRESTClient 创建 REST 券商适配器。
func NewRESTClient(cfg config.BrokerConfig, logger *zap.Logger) *RESTClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("X-API-KEY", cfg.APIKey)

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &RESTClient{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), burst),
		logger:  logger,
	}
}

type barPayload struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

type quotePayload struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type orderPayload struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
}

// FetchBars 拉取历史K线。
func (c *RESTClient) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	if limit <= 0 {
		limit = 1
	}

	var payload []barPayload
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "fetch_bars", func() error {
		req := c.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol":   symbol,
				"interval": interval,
				"limit":    strconv.Itoa(limit),
			}).
			SetResult(&payload)
		return c.execute(ctx, req, http.MethodGet, "/v1/bars")
	})
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(payload))
	for _, item := range payload {
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
func (c *RESTClient) FetchQuote(ctx context.Context, symbol string) (float64, error) {
	var payload quotePayload
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "fetch_quote", func() error {
		req := c.client.R().
			SetContext(ctx).
			SetQueryParam("symbol", symbol).
			SetResult(&payload)
		return c.execute(ctx, req, http.MethodGet, "/v1/quote")
	})
	if err != nil {
		return 0, err
	}
	if payload.Price <= 0 {
		return 0, fmt.Errorf("%w: 行情价格无效 (%s)", ErrDataUnavailable, symbol)
	}
	return payload.Price, nil
}

// Submit 提交委托。
func (c *RESTClient) Submit(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]interface{}{
		"client_id": req.ClientID,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"type":      string(req.Type),
		"quantity":  req.Quantity,
	}
	if req.Type == OrderTypeLimit {
		body["limit_price"] = req.LimitPrice
	}

	var payload orderPayload
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "submit_order", func() error {
		r := c.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&payload)
		return c.execute(ctx, r, http.MethodPost, "/v1/orders")
	})
	if err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", fmt.Errorf("%w: 券商未返回订单编号", ErrSubmissionFailed)
	}
	return payload.ID, nil
}

// PollStatus 查询委托状态。
func (c *RESTClient) PollStatus(ctx context.Context, brokerID, symbol string) (StatusReport, error) {
	var payload orderPayload
	err := callWithRetry(ctx, c.cfg.Retry, c.logger, "poll_order", func() error {
		req := c.client.R().
			SetContext(ctx).
			SetResult(&payload)
		return c.execute(ctx, req, http.MethodGet, "/v1/orders/"+brokerID)
	})
	if err != nil {
		return StatusReport{}, err
	}

	status := OrderStatus(payload.Status)
	switch status {
	case OrderStatusOpen, OrderStatusClosed, OrderStatusCanceled, OrderStatusRejected:
	default:
		status = OrderStatusOpen
	}

	return StatusReport{
		BrokerID:       brokerID,
		Status:         status,
		FilledQuantity: payload.FilledQuantity,
		AvgFillPrice:   payload.AvgFillPrice,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// Cancel 撤销委托。
func (c *RESTClient) Cancel(ctx context.Context, brokerID, symbol string) error {
	return callWithRetry(ctx, c.cfg.Retry, c.logger, "cancel_order", func() error {
		req := c.client.R().SetContext(ctx)
		return c.execute(ctx, req, http.MethodDelete, "/v1/orders/"+brokerID)
	})
}

// execute 统一处理限流、签名与状态码分类。
func (c *RESTClient) execute(ctx context.Context, req *resty.Request, method, url string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("等待限流器失败: %w", err)
	}

	if c.cfg.APISecret != "" {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.SetHeader("X-TIMESTAMP", ts)
		req.SetHeader("X-SIGNATURE", c.sign(method+url+ts))
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrOrderNotFound, method, url)
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError:
		return &TransientError{Err: fmt.Errorf("券商返回 %d: %s", resp.StatusCode(), resp.String())}
	case resp.IsError():
		return fmt.Errorf("券商返回 %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

func (c *RESTClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
