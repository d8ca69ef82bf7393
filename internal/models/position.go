package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SharesPerContract is the standard option contract multiplier.
const SharesPerContract = 100.0

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "call"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == OptionTypePut || t == OptionTypeCall
}

// LegSide is the direction of one leg of a multi-leg structure.
type LegSide string

const (
	// LegSideShort is a sold (credit) leg.
	LegSideShort LegSide = "short"
	// LegSideLong is a bought (debit) leg.
	LegSideLong LegSide = "long"
)

// Valid returns true if the LegSide is one of the defined constants.
func (s LegSide) Valid() bool {
	return s == LegSideShort || s == LegSideLong
}

// Leg is one strike of a multi-leg options structure.
type Leg struct {
	OptionType OptionType `json:"option_type"`
	Side       LegSide    `json:"side"`
	Strike     float64    `json:"strike"`
}

// TargetStatus is the status of a single profit-target order.
type TargetStatus string

const (
	// TargetActive means the target's limit order is working at the broker.
	TargetActive TargetStatus = "active"
	// TargetFilled means the target's order filled; terminal for the target.
	TargetFilled TargetStatus = "filled"
	// TargetCancelled means the target was cancelled (normally by DTE escalation).
	TargetCancelled TargetStatus = "cancelled"
)

// Valid returns true if the TargetStatus is one of the defined constants.
func (s TargetStatus) Valid() bool {
	switch s {
	case TargetActive, TargetFilled, TargetCancelled:
		return true
	default:
		return false
	}
}

// ProfitTarget is one standing exit order harvesting part of the position.
type ProfitTarget struct {
	BrokerOrderID string       `json:"broker_order_id"`
	TargetPercent float64      `json:"target_percent"`
	EntryPrice    float64      `json:"entry_price"`
	LimitPrice    float64      `json:"limit_price"`
	Quantity      int          `json:"quantity"`
	Status        TargetStatus `json:"status"`
	FillPrice     float64      `json:"fill_price,omitempty"`
	FilledAt      time.Time    `json:"filled_at,omitempty"`
	RealizedPnL   float64      `json:"realized_pnl,omitempty"`
}

// CancelledTarget records a profit target removed by DTE escalation.
type CancelledTarget struct {
	OriginalLimitPrice float64   `json:"original_limit_price"`
	CancelledAt        time.Time `json:"cancelled_at"`
	Reason             string    `json:"reason"`
}

// DTEAutomationState carries everything the escalation engine persists
// between sweeps. The engine itself is stateless.
type DTEAutomationState struct {
	LastProcessedDTE      *int                       `json:"last_processed_dte,omitempty"`
	CurrentClosingOrderID string                     `json:"current_closing_order_id,omitempty"`
	CurrentLimitPrice     float64                    `json:"current_limit_price,omitempty"`
	RetryCount            int                        `json:"retry_count"`
	RetriesExhausted      bool                       `json:"retries_exhausted,omitempty"`
	CancelledTargets      map[string]CancelledTarget `json:"cancelled_targets,omitempty"`
}

// Position represents one multi-leg options structure tracked by the ledger.
type Position struct {
	ID               string                   `json:"id"`
	Symbol           string                   `json:"symbol"`
	Strategy         string                   `json:"strategy"`
	Legs             []Leg                    `json:"legs"`
	EntryOrderID     string                   `json:"entry_order_id,omitempty"`
	EntryPrice       float64                  `json:"entry_price"`
	IsCredit         bool                     `json:"is_credit"`
	SpreadWidth      float64                  `json:"spread_width"`
	Quantity         int                      `json:"quantity"`
	OriginalQuantity int                      `json:"original_quantity"`
	Lifecycle        LifecycleState           `json:"lifecycle_state"`
	ProfitTargets    map[string]*ProfitTarget `json:"profit_targets"`
	TotalRealizedPnL float64                  `json:"total_realized_pnl"`
	DTEState         DTEAutomationState       `json:"dte_automation_state"`
	EntryDate        time.Time                `json:"entry_date"`
	Expiration       time.Time                `json:"expiration"`
	ClosedAt         time.Time                `json:"closed_at,omitempty"`
	LastChecked      time.Time                `json:"last_checked,omitempty"`
}

// NewPosition creates an open position at full size.
func NewPosition(id, symbol, strategy string, legs []Leg, entryPrice float64,
	isCredit bool, spreadWidth float64, quantity int, expiration time.Time) *Position {
	return &Position{
		ID:               id,
		Symbol:           symbol,
		Strategy:         strategy,
		Legs:             legs,
		EntryPrice:       entryPrice,
		IsCredit:         isCredit,
		SpreadWidth:      spreadWidth,
		Quantity:         quantity,
		OriginalQuantity: quantity,
		Lifecycle:        StateOpenFull,
		ProfitTargets:    make(map[string]*ProfitTarget),
		DTEState:         DTEAutomationState{CancelledTargets: make(map[string]CancelledTarget)},
		EntryDate:        time.Now().UTC(),
		Expiration:       expiration,
	}
}

// TransitionLifecycle moves the position to a new state, validating against
// the transition table. ClosedAt is stamped on the first transition to closed.
func (p *Position) TransitionLifecycle(to LifecycleState, condition string) error {
	if to == p.Lifecycle {
		return nil
	}
	if err := CheckLifecycleTransition(p.Lifecycle, to, condition); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.Lifecycle = to
	if to == StateClosed && p.ClosedAt.IsZero() {
		p.ClosedAt = time.Now().UTC()
	}
	return nil
}

// CalculateDTE returns calendar days until expiration, floored at zero.
func (p *Position) CalculateDTE(now time.Time) int {
	n := now.UTC().Truncate(24 * time.Hour)
	exp := p.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(n).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// MaxLoss returns the worst-case per-spread loss. For credit structures it is
// spread width minus the credit received; for debit structures the entire
// amount paid.
func (p *Position) MaxLoss() float64 {
	if p.IsCredit {
		return p.SpreadWidth - p.EntryPrice
	}
	return p.EntryPrice
}

// FindTargetByOrderID returns the key and target whose broker order id
// matches, or "" and nil when the order is not one of ours.
func (p *Position) FindTargetByOrderID(orderID string) (string, *ProfitTarget) {
	// Bounded scan: positions carry at most a handful of targets.
	for key, t := range p.ProfitTargets {
		if t.BrokerOrderID == orderID {
			return key, t
		}
	}
	return "", nil
}

// ActiveTargetKeys returns the keys of still-working targets in sorted order
// so cancellation sweeps are deterministic.
func (p *Position) ActiveTargetKeys() []string {
	keys := make([]string, 0, len(p.ProfitTargets))
	for key, t := range p.ProfitTargets {
		if t.Status == TargetActive {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot serializes the position for a Trade audit record.
func (p *Position) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("snapshot position %s: %w", p.ID, err)
	}
	return data, nil
}

// Validate ensures position data is consistent with its lifecycle state.
func (p *Position) Validate() error {
	if !p.Lifecycle.Valid() {
		return fmt.Errorf("position %s: unknown lifecycle state %q", p.ID, p.Lifecycle)
	}
	if p.Quantity < 0 {
		return fmt.Errorf("position %s: quantity cannot be negative (current: %d)", p.ID, p.Quantity)
	}
	if p.Quantity > p.OriginalQuantity {
		return fmt.Errorf("position %s: quantity %d exceeds original quantity %d",
			p.ID, p.Quantity, p.OriginalQuantity)
	}

	// closed <=> quantity == 0
	if p.Lifecycle == StateClosed && p.Quantity != 0 {
		return fmt.Errorf("position %s: closed with non-zero quantity %d", p.ID, p.Quantity)
	}
	if p.Lifecycle != StateClosed && p.Lifecycle != StatePendingEntry && p.Quantity == 0 {
		return fmt.Errorf("position %s in state %s: quantity must be > 0", p.ID, p.Lifecycle)
	}

	targetQty := 0
	for key, t := range p.ProfitTargets {
		if !t.Status.Valid() {
			return fmt.Errorf("position %s target %s: unknown status %q", p.ID, key, t.Status)
		}
		if t.Quantity <= 0 {
			return fmt.Errorf("position %s target %s: quantity must be > 0 (current: %d)",
				p.ID, key, t.Quantity)
		}
		targetQty += t.Quantity
	}
	if targetQty > p.OriginalQuantity {
		return fmt.Errorf("position %s: target quantities sum to %d, exceeding original quantity %d",
			p.ID, targetQty, p.OriginalQuantity)
	}

	switch p.Lifecycle {
	case StateOpenPartial:
		if p.Quantity == p.OriginalQuantity {
			return fmt.Errorf("position %s: open_partial at full quantity %d", p.ID, p.Quantity)
		}
	case StateClosed:
		if p.ClosedAt.IsZero() {
			return fmt.Errorf("position %s: closed without ClosedAt timestamp", p.ID)
		}
	case StatePendingEntry, StateOpenFull, StateClosing:
		// No extra field constraints beyond the globals above.
	}

	return nil
}
