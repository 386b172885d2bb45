package engine

import "time"

// EventKind 是引擎对外事件的类型。
type EventKind string

const (
	EventOrderSubmitted EventKind = "order_submitted"
	EventOrderFilled    EventKind = "order_filled"
	EventOrderPartial   EventKind = "order_partially_filled"
	EventOrderRejected  EventKind = "order_rejected"
	EventOrderCancelled EventKind = "order_cancelled"
	EventRiskRejected   EventKind = "risk_rejected"
	EventSignal         EventKind = "signal"
	EventHalted         EventKind = "halted"
	EventCycleError     EventKind = "cycle_error"
)

// Event 是引擎发出的结构化事件,Payload 必须可被 JSON 序列化。
type Event struct {
	Kind      EventKind
	Symbol    string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// EventSink 消费引擎事件。实现不得阻塞交易循环,
// 且必须容忍任意顺序的并发调用。
type EventSink interface {
	Emit(event Event)
}

// NopSink 丢弃所有事件。
type NopSink struct{}

func (NopSink) Emit(Event) {}

// orderEvent 把委托的关键字段折叠成事件负载。
func orderEvent(kind EventKind, o *Order, now time.Time) Event {
	return Event{
		Kind:      kind,
		Symbol:    o.Symbol,
		Timestamp: now,
		Payload: map[string]interface{}{
			"client_id":       o.ClientID,
			"broker_id":       o.BrokerID,
			"side":            string(o.Side),
			"type":            string(o.Type),
			"quantity":        o.Quantity,
			"filled_quantity": o.FilledQuantity,
			"state":           string(o.State),
			"reason":          o.Reason,
		},
	}
}
