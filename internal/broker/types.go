package broker

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// OrderLeg is one leg of a multileg order.
type OrderLeg struct {
	OptionSymbol string
	Side         models.TxnAction
	Quantity     int
}

// OrderSpec describes one order to submit. The closing engine only ever
// produces limit orders.
type OrderSpec struct {
	Symbol     string
	Legs       []OrderLeg
	OrderType  string // "credit", "debit" or "even"
	LimitPrice float64
	Duration   string // "day" or "gtc"
	Tag        string // idempotency tag surfaced in broker history
}

// Validate checks an OrderSpec before it goes on the wire.
func (s OrderSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("order spec: symbol is required")
	}
	if len(s.Legs) == 0 {
		return fmt.Errorf("order spec: at least one leg is required")
	}
	for i, leg := range s.Legs {
		if leg.OptionSymbol == "" {
			return fmt.Errorf("order spec: leg %d missing option symbol", i)
		}
		if !leg.Side.Valid() {
			return fmt.Errorf("order spec: leg %d has invalid side %q", i, leg.Side)
		}
		if leg.Quantity <= 0 {
			return fmt.Errorf("order spec: leg %d quantity must be > 0 (got %d)", i, leg.Quantity)
		}
	}
	switch s.OrderType {
	case "credit", "debit", "even":
	default:
		return fmt.Errorf("order spec: invalid order type %q", s.OrderType)
	}
	if s.OrderType != "even" && s.LimitPrice <= 0 {
		return fmt.Errorf("order spec: invalid %s price %.2f (must be > 0)", s.OrderType, s.LimitPrice)
	}
	switch s.Duration {
	case "day", "gtc":
	default:
		return fmt.Errorf("order spec: invalid duration %q", s.Duration)
	}
	return nil
}

// OrderState is the broker-reported state of an order, normalized to a
// closed set at the boundary.
type OrderState string

const (
	// OrderPending means the order is accepted but not yet working.
	OrderPending OrderState = "pending"
	// OrderOpen means the order is working, nothing filled.
	OrderOpen OrderState = "open"
	// OrderPartial means some contracts filled, order still working.
	OrderPartial OrderState = "partial"
	// OrderFilled means every contract filled. Terminal.
	OrderFilled OrderState = "filled"
	// OrderCanceled means the order was cancelled. Terminal.
	OrderCanceled OrderState = "canceled"
	// OrderRejected means the broker refused the order. Terminal.
	OrderRejected OrderState = "rejected"
	// OrderExpired means the order lapsed unfilled. Terminal.
	OrderExpired OrderState = "expired"
)

// Terminal reports whether the order can change no further.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// NormalizeOrderState maps raw broker status strings onto OrderState.
// Unknown strings normalize to OrderPending so pollers keep watching.
func NormalizeOrderState(raw string) OrderState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled":
		return OrderFilled
	case "canceled", "cancelled":
		return OrderCanceled
	case "rejected", "error":
		return OrderRejected
	case "expired":
		return OrderExpired
	case "partial", "partially_filled":
		return OrderPartial
	case "open":
		return OrderOpen
	default:
		return OrderPending
	}
}

// OrderStatus is a point-in-time view of one broker order.
type OrderStatus struct {
	ID                string
	State             OrderState
	FilledQuantity    float64
	RemainingQuantity float64
	AvgFillPrice      float64
}

// CompletelyFilled checks executed quantity rather than trusting the status
// string alone; brokers have reported "partial" with nothing remaining.
func (o *OrderStatus) CompletelyFilled() bool {
	if o == nil {
		return false
	}
	if o.State == OrderFilled {
		return true
	}
	const epsilon = 1e-6
	if o.FilledQuantity <= epsilon {
		return false
	}
	return o.RemainingQuantity <= epsilon
}

// EventSession is a short-lived handle for the broker's order event stream.
// Sessions are acquired fresh per connection and never cached across
// invocations.
type EventSession struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// OrderEvent is one order-state-change message from the broker stream. Size
// is the broker's raw signed fill size; consumers must normalize it with
// FilledQuantity before touching business logic.
type OrderEvent struct {
	OrderID   string  `json:"order_id"`
	Event     string  `json:"event"`
	Status    string  `json:"status"`
	FillPrice float64 `json:"fill_price"`
	// Size is the contracts executed by this event alone.
	Size float64 `json:"size"`
	// ExecutedQuantity is the broker's running total of contracts executed
	// on the order across all of its fills.
	ExecutedQuantity float64   `json:"exec_quantity"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// FilledQuantity returns the unsigned contract count of the event. Brokers
// report closing-direction fills with negative size; the sign carries no
// quantity information.
func (e OrderEvent) FilledQuantity() int {
	return int(math.Round(math.Abs(e.Size)))
}

// CumulativeQuantity returns the total contracts executed on the order so
// far. When the broker omits the running total, the event's own size stands
// in for it.
func (e OrderEvent) CumulativeQuantity() int {
	if q := int(math.Round(math.Abs(e.ExecutedQuantity))); q > 0 {
		return q
	}
	return e.FilledQuantity()
}

// IsFill reports whether the event represents executed contracts.
func (e OrderEvent) IsFill() bool {
	state := NormalizeOrderState(e.Status)
	return state == OrderFilled || state == OrderPartial
}

// FormatOCCSymbol builds an OCC option symbol:
// TICKER + YYMMDD + C/P + strike x 1000 zero-padded to 8 digits.
// Example: SPY, 2026-03-20, put, 500.0 -> SPY260320P00500000.
func FormatOCCSymbol(symbol string, expiration time.Time, optType models.OptionType, strike float64) string {
	cp := "C"
	if optType == models.OptionTypePut {
		cp = "P"
	}
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", symbol, expiration.Format("060102"), cp, strikeInt)
}
