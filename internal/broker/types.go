package broker

import (
	"context"
	"time"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite 返回相反方向。
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Bar 代表单根K线。时间戳升序由市场数据网关校验。
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderRequest 抽象一笔具体委托。ClientID 在提交前由引擎生成，
// 券商侧编号只在提交成功后出现。
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	LimitPrice float64
}

// OrderStatus 为券商侧订单状态。
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// StatusReport 为一次订单状态查询的结果。
type StatusReport struct {
	BrokerID       string
	Status         OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	Timestamp      time.Time
}

// MarketDataClient 抽象行情拉取端点。实现方负责有界重试与退避。
type MarketDataClient interface {
	// FetchBars 返回指定标的最近 limit 根K线，按时间升序。
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error)
	// FetchQuote 返回标的最新成交价。
	FetchQuote(ctx context.Context, symbol string) (float64, error)
}

// OrderClient 抽象券商委托端点。Submit 成功时返回券商侧订单编号。
type OrderClient interface {
	Submit(ctx context.Context, req OrderRequest) (string, error)
	PollStatus(ctx context.Context, brokerID, symbol string) (StatusReport, error)
	Cancel(ctx context.Context, brokerID, symbol string) error
}
