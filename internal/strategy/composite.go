package strategy

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/signal"
)

// Composite 把多个信号源按权重合成为单一意图。
// 单个信号源失败只会被记录并跳过,全部失败才算整体失败。
type Composite struct {
	providers []weightedProvider
	threshold float64
	logger    *zap.Logger
}

type weightedProvider struct {
	provider signal.Provider
	weight   float64
}

var _ signal.Provider = (*Composite)(nil)

// NewComposite 创建合成策略。weights 里缺席的信号源权重记为 1。
// threshold 是触发交易的最低合成得分,非正时取 0.2。
func NewComposite(providers []signal.Provider, cfg config.StrategyConfig, logger *zap.Logger) (*Composite, error) {
	if len(providers) == 0 {
		return nil, errors.New("至少需要一个信号源")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.2
	}

	weighted := make([]weightedProvider, 0, len(providers))
	for _, p := range providers {
		weight, ok := cfg.Weights[p.Name()]
		if !ok {
			weight = 1
		}
		if weight <= 0 {
			continue
		}
		weighted = append(weighted, weightedProvider{provider: p, weight: weight})
	}
	if len(weighted) == 0 {
		return nil, errors.New("所有信号源权重均为零")
	}

	return &Composite{providers: weighted, threshold: threshold, logger: logger}, nil
}

func (c *Composite) Name() string {
	return "composite"
}

func (c *Composite) GenerateIntent(ctx context.Context, symbol string, bars []broker.Bar, cfg config.IndicatorsConfig) (signal.Intent, error) {
	var score, totalWeight float64
	var lastErr error
	succeeded := 0

	for _, wp := range c.providers {
		intent, err := wp.provider.GenerateIntent(ctx, symbol, bars, cfg)
		if err != nil {
			c.logger.Warn("信号源失败,跳过",
				zap.String("provider", wp.provider.Name()),
				zap.String("symbol", symbol),
				zap.Error(err))
			lastErr = err
			continue
		}
		succeeded++
		totalWeight += wp.weight
		score += wp.weight * intent.Sign() * intent.Conviction
	}

	if succeeded == 0 {
		return signal.Flat(), errors.Join(errors.New("所有信号源均失败"), lastErr)
	}
	if totalWeight <= 0 {
		return signal.Flat(), nil
	}

	normalized := score / totalWeight
	if math.Abs(normalized) < c.threshold {
		return signal.Flat(), nil
	}

	intent := signal.Intent{Conviction: math.Min(math.Abs(normalized), 1)}
	if normalized > 0 {
		intent.Direction = signal.DirectionLong
	} else {
		intent.Direction = signal.DirectionShort
	}
	return intent, nil
}
