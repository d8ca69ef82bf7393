package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TradeType distinguishes opening activity from closing activity.
type TradeType string

const (
	// TradeTypeOpen marks trades that establish or add to a position.
	TradeTypeOpen TradeType = "open"
	// TradeTypeClose marks trades that reduce or eliminate a position.
	TradeTypeClose TradeType = "close"
)

// Valid returns true if the TradeType is one of the defined constants.
func (t TradeType) Valid() bool {
	return t == TradeTypeOpen || t == TradeTypeClose
}

// LifecycleEvent names the position event a trade records.
type LifecycleEvent string

const (
	// EventEntry is the initial fill that opened the position.
	EventEntry LifecycleEvent = "entry"
	// EventProfitTargetFill is an independent profit-target fill.
	EventProfitTargetFill LifecycleEvent = "profit_target_fill"
	// EventDTEClosure is a DTE-escalation forced close.
	EventDTEClosure LifecycleEvent = "dte_closure"
	// EventAssignment is a broker-side assignment.
	EventAssignment LifecycleEvent = "assignment"
	// EventExpiration is an expiration removal.
	EventExpiration LifecycleEvent = "expiration"
)

// Valid returns true if the LifecycleEvent is one of the defined constants.
func (e LifecycleEvent) Valid() bool {
	switch e {
	case EventEntry, EventProfitTargetFill, EventDTEClosure, EventAssignment, EventExpiration:
		return true
	default:
		return false
	}
}

// TradeStatus tracks a trade record through the submission protocol.
type TradeStatus string

const (
	// TradePending means the trade is registered but not yet at the broker.
	TradePending TradeStatus = "pending"
	// TradeSubmitted means the broker accepted the order and returned a real id.
	TradeSubmitted TradeStatus = "submitted"
	// TradeFilled means the order filled and fill fields are populated.
	TradeFilled TradeStatus = "filled"
	// TradeErrored means broker submission failed; retry is the caller's concern.
	TradeErrored TradeStatus = "errored"
)

// Valid returns true if the TradeStatus is one of the defined constants.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradePending, TradeSubmitted, TradeFilled, TradeErrored:
		return true
	default:
		return false
	}
}

// PlaceholderOrderPrefix marks broker order ids that have not yet been
// assigned by the broker. A Trade carrying one proves closing intent was
// registered before submission.
const PlaceholderOrderPrefix = "pending-"

// IsPlaceholderOrderID reports whether id is a locally generated placeholder
// rather than a broker-assigned order id.
func IsPlaceholderOrderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderOrderPrefix)
}

// Trade is an immutable audit record of one lifecycle event applied to a
// position. For closing actions it is persisted before the broker order is
// submitted, so broker-side fills can never be misread as new openings.
type Trade struct {
	ID               string          `json:"id"`
	PositionID       string          `json:"position_id"`
	Type             TradeType       `json:"trade_type"`
	Event            LifecycleEvent  `json:"lifecycle_event"`
	BrokerOrderID    string          `json:"broker_order_id"`
	Status           TradeStatus     `json:"status"`
	LimitPrice       float64         `json:"limit_price,omitempty"`
	FillPrice        float64         `json:"fill_price,omitempty"`
	FilledQuantity   int             `json:"filled_quantity,omitempty"`
	RealizedPnL      float64         `json:"realized_pnl,omitempty"`
	PositionSnapshot json.RawMessage `json:"position_snapshot,omitempty"`
	ErrorDetail      string          `json:"error_detail,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
