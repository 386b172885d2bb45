package strategy

import (
	"context"
	"math"

	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/indicator"
	"tradebot/internal/signal"
)

// VWAPReversion 是均值回归策略:价格显著低于成交量加权均价时看多,
// 显著高于时看空。偏离阈值由指标配置给出。
type VWAPReversion struct{}

var _ signal.Provider = (*VWAPReversion)(nil)

// NewVWAPReversion 创建 VWAP 回归策略。
func NewVWAPReversion() *VWAPReversion {
	return &VWAPReversion{}
}

func (s *VWAPReversion) Name() string {
	return "vwap_reversion"
}

func (s *VWAPReversion) GenerateIntent(ctx context.Context, symbol string, bars []broker.Bar, cfg config.IndicatorsConfig) (signal.Intent, error) {
	vwap, err := indicator.Vwap(bars)
	if err != nil {
		return signal.Flat(), err
	}
	if vwap <= 0 {
		return signal.Flat(), nil
	}

	last := bars[len(bars)-1].Close
	deviation := (last - vwap) / vwap

	threshold := cfg.VWAPThreshold
	if threshold <= 0 {
		threshold = 0.01
	}
	if math.Abs(deviation) < threshold {
		return signal.Flat(), nil
	}

	conviction := math.Min(math.Abs(deviation)/(threshold*3), 1)
	if deviation < 0 {
		return signal.Intent{Direction: signal.DirectionLong, Conviction: conviction}, nil
	}
	return signal.Intent{Direction: signal.DirectionShort, Conviction: conviction}, nil
}
