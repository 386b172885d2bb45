package strategy

import (
	"context"
	"errors"
	"math"

	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/indicator"
	"tradebot/internal/signal"
)

// SMACrossover 是均线交叉策略:短均线上穿长均线看多,下穿看空,
// 并用动量过滤掉趋势不明的交叉。信心随均线偏离度放大。
type SMACrossover struct{}

var _ signal.Provider = (*SMACrossover)(nil)

// NewSMACrossover 创建均线交叉策略。
func NewSMACrossover() *SMACrossover {
	return &SMACrossover{}
}

func (s *SMACrossover) Name() string {
	return "sma_crossover"
}

func (s *SMACrossover) GenerateIntent(ctx context.Context, symbol string, bars []broker.Bar, cfg config.IndicatorsConfig) (signal.Intent, error) {
	short, err := indicator.Sma(bars, cfg.SMAShortPeriod)
	if err != nil {
		return signal.Flat(), err
	}
	long, err := indicator.Sma(bars, cfg.SMALongPeriod)
	if err != nil {
		return signal.Flat(), err
	}

	lastShort := short[len(short)-1]
	lastLong := long[len(long)-1]
	if lastLong <= 0 {
		return signal.Flat(), errors.New("长均线数值异常")
	}

	momentum, err := indicator.Momentum(bars, cfg.MomentumLookback)
	if err != nil {
		return signal.Flat(), err
	}

	spread := (lastShort - lastLong) / lastLong
	conviction := math.Min(math.Abs(spread)*50, 1)

	switch {
	case spread > 0 && momentum >= cfg.MomentumThreshold:
		return signal.Intent{Direction: signal.DirectionLong, Conviction: conviction}, nil
	case spread < 0 && momentum <= -cfg.MomentumThreshold:
		return signal.Intent{Direction: signal.DirectionShort, Conviction: conviction}, nil
	default:
		return signal.Flat(), nil
	}
}
