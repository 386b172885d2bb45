package indicator

import (
	"errors"

	"github.com/markcheno/go-talib"

	"tradebot/internal/broker"
)

// ErrInsufficientData 表示K线数量不足以计算指标。
var ErrInsufficientData = errors.New("K线数量不足")

// Closes 提取收盘价序列。
func Closes(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, bar := range bars {
		out[i] = bar.Close
	}
	return out
}

// Sma 返回简单移动平均序列。
func Sma(bars []broker.Bar, period int) ([]float64, error) {
	if len(bars) < period || period <= 0 {
		return nil, ErrInsufficientData
	}
	return talib.Sma(Closes(bars), period), nil
}

// Rsi 返回相对强弱指标序列。
func Rsi(bars []broker.Bar, period int) ([]float64, error) {
	if len(bars) <= period || period <= 0 {
		return nil, ErrInsufficientData
	}
	return talib.Rsi(Closes(bars), period), nil
}

// Macd 返回 MACD 线、信号线与柱状图。
func Macd(bars []broker.Bar, short, long, signalPeriod int) (macd, signalLine, hist []float64, err error) {
	if len(bars) < long+signalPeriod || short <= 0 || long <= short {
		return nil, nil, nil, ErrInsufficientData
	}
	macd, signalLine, hist = talib.Macd(Closes(bars), short, long, signalPeriod)
	return macd, signalLine, hist, nil
}

// Atr 返回平均真实波幅序列。
func Atr(bars []broker.Bar, period int) ([]float64, error) {
	if len(bars) <= period || period <= 0 {
		return nil, ErrInsufficientData
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i] = bar.High
		lows[i] = bar.Low
	}
	return talib.Atr(highs, lows, Closes(bars), period), nil
}

// StdDev 返回收盘价滚动标准差序列。
func StdDev(bars []broker.Bar, period int) ([]float64, error) {
	if len(bars) < period || period <= 0 {
		return nil, ErrInsufficientData
	}
	return talib.StdDev(Closes(bars), period, 1.0), nil
}

// Vwap 返回整段K线的成交量加权均价。无成交量时退化为收盘均价。
func Vwap(bars []broker.Bar) (float64, error) {
	if len(bars) == 0 {
		return 0, ErrInsufficientData
	}

	var notional, volume float64
	for _, bar := range bars {
		typical := (bar.High + bar.Low + bar.Close) / 3
		notional += typical * bar.Volume
		volume += bar.Volume
	}
	if volume <= 0 {
		var sum float64
		for _, bar := range bars {
			sum += bar.Close
		}
		return sum / float64(len(bars)), nil
	}
	return notional / volume, nil
}

// Momentum 返回最近 lookback 根K线的收益率。
func Momentum(bars []broker.Bar, lookback int) (float64, error) {
	if lookback <= 0 || len(bars) <= lookback {
		return 0, ErrInsufficientData
	}
	base := bars[len(bars)-1-lookback].Close
	if base <= 0 {
		return 0, ErrInsufficientData
	}
	return (bars[len(bars)-1].Close - base) / base, nil
}
