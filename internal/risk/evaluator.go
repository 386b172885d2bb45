package risk

import (
	"fmt"
	"math"

	"tradebot/internal/config"
	"tradebot/internal/ledger"
)

const quantityEpsilon = 1e-9

// Evaluate 对交易意图做风控裁决。纯函数:相同输入必然得到相同裁决,
// 不读写任何外部状态,熔断器状态由调用方以 DailyStatus 传入。
//
// 平仓方向的意图豁免仓位上限与熔断,但数量被钳制在现有持仓以内,
// 不允许借平仓通道反手开新仓。开仓方向依次检查熔断、在途委托数、
// 仓位上限与购买力;超出仓位上限或购买力时先尝试缩量放行,
// 完全没有空间才拒绝。
func Evaluate(p Proposal, snap ledger.PortfolioSnapshot, daily DailyStatus, cfg config.RiskConfig) Decision {
	if math.Abs(p.Quantity) < quantityEpsilon || p.Price <= 0 {
		return reject(ReasonZeroQuantity, "数量或价格无效")
	}

	pos := snap.PositionFor(p.Symbol)

	// 平仓方向:钳制到持仓量,其余限制豁免
	if pos.Quantity*p.Quantity < 0 {
		quantity := p.Quantity
		if math.Abs(quantity) > math.Abs(pos.Quantity) {
			quantity = -pos.Quantity
		}
		return Decision{
			Approved: true,
			Quantity: quantity,
			Reason:   ReasonApproved,
			Notes:    "平仓方向,钳制至现有持仓",
		}
	}

	if daily.Halted || (cfg.MaxDailyLoss > 0 && daily.Loss >= cfg.MaxDailyLoss) {
		return reject(ReasonDailyLossLimit,
			fmt.Sprintf("日内亏损 %.2f 已达上限 %.2f", daily.Loss, cfg.MaxDailyLoss))
	}

	if cfg.MaxOpenOrders > 0 && snap.OpenOrders >= cfg.MaxOpenOrders {
		return reject(ReasonMaxOpenOrders,
			fmt.Sprintf("在途委托数 %d 已达上限 %d", snap.OpenOrders, cfg.MaxOpenOrders))
	}

	quantity := p.Quantity
	resized := false

	if cfg.MaxPositionSize > 0 {
		room := cfg.MaxPositionSize - math.Abs(pos.Quantity)
		if room <= quantityEpsilon {
			return reject(ReasonMaxPositionSize,
				fmt.Sprintf("持仓 %.4f 已达上限 %.4f", math.Abs(pos.Quantity), cfg.MaxPositionSize))
		}
		if math.Abs(quantity) > room {
			quantity = math.Copysign(room, quantity)
			resized = true
		}
	}

	// 购买力仅约束买入方向,且扣除在途买入委托的预留资金
	if quantity > 0 {
		available := snap.BuyingPower()
		if available < quantityEpsilon {
			return reject(ReasonInsufficientBuyingPwr,
				fmt.Sprintf("可用资金 %.2f 不足 (现金 %.2f 预留 %.2f)",
					available, snap.Cash, snap.ReservedCash))
		}
		if cost := quantity * p.Price; cost > available {
			quantity = available / p.Price
			resized = true
		}
	}

	if math.Abs(quantity) < quantityEpsilon {
		return reject(ReasonInsufficientBuyingPwr, "缩量后数量归零")
	}

	if resized {
		return Decision{
			Approved: true,
			Quantity: quantity,
			Reason:   ReasonResized,
			Notes:    fmt.Sprintf("申请 %.4f 缩量至 %.4f", p.Quantity, quantity),
		}
	}

	return Decision{Approved: true, Quantity: quantity, Reason: ReasonApproved}
}

func reject(reason Reason, notes string) Decision {
	return Decision{Approved: false, Reason: reason, Notes: notes}
}
