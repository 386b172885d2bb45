package analytics

import (
	"math"

	"github.com/montanaflynn/stats"

	"tradebot/internal/ledger"
)

// Report 是基于历史成交的绩效汇总。盈亏口径为已实现盈亏,
// 在途持仓的浮动盈亏不计入。
type Report struct {
	Trades       int     `json:"trades"`
	ClosedTrades int     `json:"closed_trades"`
	RealizedPnl  float64 `json:"realized_pnl"`
	TotalReturn  float64 `json:"total_return"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
}

type bookState struct {
	quantity float64
	avgEntry float64
}

// Compute 重放成交流水并汇总绩效。每次减仓产生一笔已实现盈亏,
// 以其序列计算胜率、盈亏比、回撤与夏普。
func Compute(fills []ledger.Fill, initialCash float64) Report {
	report := Report{Trades: len(fills)}
	if len(fills) == 0 {
		return report
	}

	books := make(map[string]*bookState)
	var realized []float64

	for _, fill := range fills {
		book, ok := books[fill.Symbol]
		if !ok {
			book = &bookState{}
			books[fill.Symbol] = book
		}

		q, d := book.quantity, fill.Quantity
		switch {
		case q == 0 || q*d > 0:
			book.avgEntry = (q*book.avgEntry + d*fill.Price) / (q + d)
			book.quantity = q + d
		case math.Abs(d) <= math.Abs(q):
			realized = append(realized, -d*(fill.Price-book.avgEntry))
			book.quantity = q + d
		default:
			realized = append(realized, q*(fill.Price-book.avgEntry))
			book.quantity = q + d
			book.avgEntry = fill.Price
		}
	}

	report.ClosedTrades = len(realized)
	if len(realized) == 0 {
		return report
	}

	var wins, grossProfit, grossLoss float64
	equity := initialCash
	peak := initialCash
	for _, pnl := range realized {
		report.RealizedPnl += pnl
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}

		equity += pnl
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if drawdown := (peak - equity) / peak; drawdown > report.MaxDrawdown {
				report.MaxDrawdown = drawdown
			}
		}
	}

	report.WinRate = wins / float64(len(realized))
	if grossLoss > 0 {
		report.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		report.ProfitFactor = math.Inf(1)
	}
	if initialCash > 0 {
		report.TotalReturn = report.RealizedPnl / initialCash
	}

	if len(realized) >= 2 {
		mean, err1 := stats.Mean(realized)
		stdev, err2 := stats.StandardDeviationSample(realized)
		if err1 == nil && err2 == nil && stdev > 0 {
			report.SharpeRatio = mean / stdev * math.Sqrt(float64(len(realized)))
		}
	}

	return report
}
