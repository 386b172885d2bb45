package signal

import (
	"context"

	"tradebot/internal/broker"
	"tradebot/internal/config"
)

// Direction 是信号方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Intent 是策略对单个标的给出的交易意图。
// Conviction 取值 [0, 1],表示信心强度,0 等价于无信号。
type Intent struct {
	Direction  Direction
	Conviction float64
}

// Flat 是无信号意图。
func Flat() Intent {
	return Intent{Direction: DirectionFlat}
}

// Sign 把方向折算成 +1/-1/0,便于加权合成。
func (i Intent) Sign() float64 {
	switch i.Direction {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Provider 是信号提供方。实现必须无副作用:
// 同一批K线多次调用应得到相同意图。
type Provider interface {
	Name() string
	GenerateIntent(ctx context.Context, symbol string, bars []broker.Bar, cfg config.IndicatorsConfig) (Intent, error)
}
