package models

import "time"

// TxnAction is the broker-reported action of one account transaction.
type TxnAction string

const (
	// ActionSellToOpen opens a short leg for a credit.
	ActionSellToOpen TxnAction = "sell_to_open"
	// ActionBuyToOpen opens a long leg for a debit.
	ActionBuyToOpen TxnAction = "buy_to_open"
	// ActionSellToClose closes a long leg for a credit.
	ActionSellToClose TxnAction = "sell_to_close"
	// ActionBuyToClose closes a short leg for a debit.
	ActionBuyToClose TxnAction = "buy_to_close"
)

// Valid returns true if the TxnAction is one of the defined constants.
func (a TxnAction) Valid() bool {
	switch a {
	case ActionSellToOpen, ActionBuyToOpen, ActionSellToClose, ActionBuyToClose:
		return true
	default:
		return false
	}
}

// IsOpening reports whether the action establishes exposure.
func (a TxnAction) IsOpening() bool {
	return a == ActionSellToOpen || a == ActionBuyToOpen
}

// IsClosing reports whether the action reduces exposure.
func (a TxnAction) IsClosing() bool {
	return a == ActionSellToClose || a == ActionBuyToClose
}

// Transaction is one fill reported by the broker's account history. Amount is
// the absolute dollar value of the fill (price x quantity x multiplier); the
// cash-flow sign is derived from Action, never stored.
type Transaction struct {
	OccurredAt   time.Time `json:"occurred_at"`
	Symbol       string    `json:"symbol"`
	OptionSymbol string    `json:"option_symbol,omitempty"`
	Action       TxnAction `json:"action"`
	Quantity     int       `json:"quantity"`
	Amount       float64   `json:"amount"`
	OrderID      string    `json:"order_id,omitempty"`
	Description  string    `json:"description,omitempty"`
}
