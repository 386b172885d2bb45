package risk

// Reason 是风控裁决的原因码,会原样出现在事件与日志里。
type Reason string

const (
	ReasonApproved              Reason = "approved"
	ReasonResized               Reason = "resized_to_limit"
	ReasonZeroQuantity          Reason = "zero_quantity"
	ReasonMaxPositionSize       Reason = "max_position_size"
	ReasonDailyLossLimit        Reason = "daily_loss_limit"
	ReasonMaxOpenOrders         Reason = "max_open_orders"
	ReasonInsufficientBuyingPwr Reason = "insufficient_buying_power"
)

// Proposal 是一笔待裁决的交易意图。Quantity 带符号,正为买负为卖。
type Proposal struct {
	Symbol   string
	Quantity float64
	Price    float64
}

// Decision 是风控裁决结果。通过时 Quantity 为放行数量,
// 可能小于申请数量(被缩量到限额以内)。
type Decision struct {
	Approved bool
	Quantity float64
	Reason   Reason
	Notes    string
}

// DailyStatus 是日内盈亏熔断器的当前状态,由 DailyTracker 维护,
// 作为纯函数 Evaluate 的输入。
type DailyStatus struct {
	TradingDay    string
	StartEquity   float64
	CurrentEquity float64
	Loss          float64
	Halted        bool
}
