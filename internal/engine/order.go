package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/broker"
)

// State 是委托生命周期状态。
type State string

const (
	StatePending         State = "pending"
	StateApproved        State = "approved"
	StateSubmitted       State = "submitted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateRejected        State = "rejected"
	StateCancelled       State = "cancelled"
)

// ErrInvalidTransition 表示非法的状态跃迁。
var ErrInvalidTransition = errors.New("非法的委托状态跃迁")

// transitions 列出每个状态允许跃迁到的目标状态。
var transitions = map[State][]State{
	StatePending:         {StateApproved, StateRejected, StateCancelled},
	StateApproved:        {StateSubmitted, StateRejected, StateCancelled},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateRejected, StateCancelled},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCancelled},
}

const fillEpsilon = 1e-9

// Order 是引擎内部跟踪的委托。Quantity 恒为正,方向由 Side 表达。
// FilledQuantity 不会超过 Quantity,两者相等当且仅当状态为 Filled。
type Order struct {
	ClientID       string
	BrokerID       string
	Symbol         string
	Side           broker.OrderSide
	Type           broker.OrderType
	Quantity       float64
	LimitPrice     float64
	FilledQuantity float64
	FilledNotional float64 // 已入账的成交名义金额,用于从累计均价反推增量成交价
	State          State
	Reason         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder 创建一笔待审批委托。signedQuantity 的符号决定方向。
func NewOrder(symbol string, orderType broker.OrderType, signedQuantity, limitPrice float64, now time.Time) *Order {
	side := broker.OrderSideBuy
	if signedQuantity < 0 {
		side = broker.OrderSideSell
	}
	return &Order{
		ClientID:   uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       orderType,
		Quantity:   math.Abs(signedQuantity),
		LimitPrice: limitPrice,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SignedQuantity 返回带符号的委托数量,买为正卖为负。
func (o *Order) SignedQuantity() float64 {
	if o.Side == broker.OrderSideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Terminal 判断委托是否处于终态。
func (o *Order) Terminal() bool {
	switch o.State {
	case StateFilled, StateRejected, StateCancelled:
		return true
	}
	return false
}

func (o *Order) transition(to State, now time.Time) error {
	for _, allowed := range transitions[o.State] {
		if allowed == to {
			o.State = to
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (order=%s)", ErrInvalidTransition, o.State, to, o.ClientID)
}

// Approve 记录风控放行,可能附带缩量后的数量。
func (o *Order) Approve(quantity float64, now time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("放行数量必须为正: %f", quantity)
	}
	if err := o.transition(StateApproved, now); err != nil {
		return err
	}
	o.Quantity = quantity
	return nil
}

// MarkSubmitted 记录券商受理,保存券商侧委托编号。
func (o *Order) MarkSubmitted(brokerID string, now time.Time) error {
	if brokerID == "" {
		return errors.New("券商委托编号不能为空")
	}
	if err := o.transition(StateSubmitted, now); err != nil {
		return err
	}
	o.BrokerID = brokerID
	return nil
}

// RecordFill 用券商回报的累计成交量推进状态。
// 回报只能单调递增,且不得超过委托量。
func (o *Order) RecordFill(cumulative float64, now time.Time) error {
	if cumulative < o.FilledQuantity-fillEpsilon {
		return fmt.Errorf("累计成交量回退: %f -> %f (order=%s)", o.FilledQuantity, cumulative, o.ClientID)
	}
	if cumulative > o.Quantity+fillEpsilon {
		return fmt.Errorf("累计成交量 %f 超出委托量 %f (order=%s)", cumulative, o.Quantity, o.ClientID)
	}

	if o.Quantity-cumulative <= fillEpsilon {
		if err := o.transition(StateFilled, now); err != nil {
			return err
		}
		o.FilledQuantity = o.Quantity
		return nil
	}

	if cumulative > fillEpsilon {
		if err := o.transition(StatePartiallyFilled, now); err != nil {
			return err
		}
	}
	o.FilledQuantity = cumulative
	o.UpdatedAt = now
	return nil
}

// MarkRejected 记录拒绝并保存原因。
func (o *Order) MarkRejected(reason string, now time.Time) error {
	if err := o.transition(StateRejected, now); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// MarkCancelled 记录撤销。已有的部分成交保留。
func (o *Order) MarkCancelled(reason string, now time.Time) error {
	if err := o.transition(StateCancelled, now); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}
