// Package tracker applies broker fill events to the ledger. Each profit
// target is independent: one target's fill never touches its siblings. Fill
// events for the forced DTE closing order flow through the same entry point.
package tracker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/bus"
	"github.com/eddiefleurent/scranton_closer/internal/metrics"
	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/pnl"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
)

// Tracker routes order fill events onto positions and persists the outcome.
type Tracker struct {
	storage     storage.Interface
	broadcaster bus.Broadcaster
	notifier    bus.Notifier
	logger      *log.Logger
	userID      string
}

// New creates a fill tracker.
func New(store storage.Interface, b bus.Broadcaster, n bus.Notifier, logger *log.Logger, userID string) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "tracker: ", log.LstdFlags)
	}
	if store == nil {
		panic("tracker.New: storage must not be nil")
	}
	return &Tracker{
		storage:     store,
		broadcaster: b,
		notifier:    n,
		logger:      logger,
		userID:      userID,
	}
}

// ApplyFillEvent applies one order-state-change event from the broker stream.
// Events that match no tracked order are logged and dropped; they belong to
// someone else. Replays of an already-applied fill are no-ops.
func (t *Tracker) ApplyFillEvent(_ context.Context, event broker.OrderEvent) error {
	if !event.IsFill() {
		t.logger.Printf("Ignoring non-fill event for order %s (status %s)", event.OrderID, event.Status)
		return nil
	}
	if event.OrderID == "" {
		t.logger.Printf("Ignoring fill event with empty order id")
		metrics.UnknownFills.Inc()
		return nil
	}

	posID, isClosingOrder := t.findOwner(event.OrderID)
	if posID == "" {
		t.logger.Printf("Fill event for order %s matches no tracked order; ignoring", event.OrderID)
		metrics.UnknownFills.Inc()
		return nil
	}

	return t.storage.WithPositionLock(posID, func() error {
		// Re-read under the lock; the owner scan above ran unlocked.
		pos, ok := t.storage.GetPositionByID(posID)
		if !ok {
			t.logger.Printf("Position %s vanished before fill for order %s could apply", posID, event.OrderID)
			return nil
		}
		if isClosingOrder {
			return t.applyClosingFill(pos, event)
		}
		return t.applyTargetFill(pos, event)
	})
}

// findOwner scans open positions for the order id. Returns the position id and
// whether the order is the position's forced closing order (as opposed to a
// profit target).
func (t *Tracker) findOwner(orderID string) (string, bool) {
	for _, pos := range t.storage.GetOpenPositions() {
		if pos.DTEState.CurrentClosingOrderID == orderID {
			return pos.ID, true
		}
		if _, target := pos.FindTargetByOrderID(orderID); target != nil {
			return pos.ID, false
		}
	}
	// A just-submitted closing order may not be on its position yet: the
	// coordinator persists the close trade with the broker order id before
	// the sweep records DTE state under the position lock. The trade still
	// names the owner.
	if trade, ok := t.storage.GetCloseTradeByOrderID(orderID); ok {
		return trade.PositionID, true
	}
	return "", false
}

func (t *Tracker) applyTargetFill(pos *models.Position, event broker.OrderEvent) error {
	key, target := pos.FindTargetByOrderID(event.OrderID)
	if target == nil {
		t.logger.Printf("Order %s no longer on position %s; ignoring", event.OrderID, pos.ID)
		metrics.UnknownFills.Inc()
		return nil
	}

	// active -> filled is the replay guard. A second fill event for a filled
	// or cancelled target changes nothing.
	if target.Status != models.TargetActive {
		t.logger.Printf("Target %s on position %s already %s; replay ignored", key, pos.ID, target.Status)
		return nil
	}

	filledQty := event.FilledQuantity()
	if filledQty == 0 {
		t.logger.Printf("Fill event for order %s carries zero quantity; ignoring", event.OrderID)
		return nil
	}
	if filledQty > pos.Quantity {
		t.logger.Printf("Fill quantity %d for order %s exceeds remaining %d on position %s; capping",
			filledQty, event.OrderID, pos.Quantity, pos.ID)
		filledQty = pos.Quantity
	}

	realized := pnl.FromFill(target.EntryPrice, event.FillPrice, filledQty, pos.IsCredit)

	pos.Quantity -= filledQty
	target.Status = models.TargetFilled
	target.FillPrice = event.FillPrice
	target.FilledAt = eventTime(event)
	target.RealizedPnL = realized
	pos.TotalRealizedPnL += realized
	pos.LastChecked = time.Now().UTC()

	next := models.StateOpenPartial
	if pos.Quantity == 0 {
		next = models.StateClosed
	}
	// A forced closure stays in closing when an in-flight target fill only
	// reduces quantity; the sweep re-prices the remainder.
	if next == models.StateClosed || pos.Lifecycle != models.StateClosing {
		if err := pos.TransitionLifecycle(next, models.ConditionTargetFilled); err != nil {
			return err
		}
	}

	if err := t.storage.UpdatePosition(pos); err != nil {
		return fmt.Errorf("persist position %s after target fill: %w", pos.ID, err)
	}
	if err := t.recordFillTrade(pos, event, models.EventProfitTargetFill, filledQty, realized); err != nil {
		return err
	}
	t.storage.RecordDailyPnL(eventTime(event).Format("2006-01-02"), realized)
	if pos.Lifecycle == models.StateClosed {
		t.storage.RecordClosedPosition(pos.TotalRealizedPnL)
	}

	metrics.FillsApplied.WithLabelValues(string(models.EventProfitTargetFill)).Inc()
	t.logger.Printf("Target %s filled on position %s: %d @ %.2f, realized %.2f, remaining %d",
		key, pos.ID, filledQty, event.FillPrice, realized, pos.Quantity)

	t.broadcast(pos)
	if t.notifier != nil {
		t.notifier.Notify(t.userID, bus.Notification{
			PositionID: pos.ID,
			Kind:       bus.NotifyTargetFilled,
			Message: fmt.Sprintf("Profit target %s filled: %d contract(s) @ $%.2f, realized $%.2f",
				key, filledQty, event.FillPrice, realized),
		})
	}
	return nil
}

func (t *Tracker) applyClosingFill(pos *models.Position, event broker.OrderEvent) error {
	// The pre-registered close Trade is the replay guard for closing fills.
	trade, ok := t.storage.GetCloseTradeByOrderID(event.OrderID)
	if ok && trade.Status == models.TradeFilled {
		t.logger.Printf("Closing order %s on position %s already applied; replay ignored", event.OrderID, pos.ID)
		return nil
	}

	filledQty := event.FilledQuantity()
	if ok {
		// The broker reports a running executed total per order. Only the
		// portion beyond what the trade already booked is new; anything at
		// or below it is a replayed partial.
		delta := event.CumulativeQuantity() - trade.FilledQuantity
		if delta <= 0 {
			t.logger.Printf("Closing order %s on position %s already booked %d contract(s); replay ignored",
				event.OrderID, pos.ID, trade.FilledQuantity)
			return nil
		}
		filledQty = delta
	}
	if filledQty == 0 {
		return nil
	}
	if filledQty > pos.Quantity {
		filledQty = pos.Quantity
	}

	realized := pnl.FromFill(pos.EntryPrice, event.FillPrice, filledQty, pos.IsCredit)

	pos.Quantity -= filledQty
	pos.TotalRealizedPnL += realized
	pos.LastChecked = time.Now().UTC()

	if pos.Quantity == 0 {
		if err := pos.TransitionLifecycle(models.StateClosed, models.ConditionClosingFilled); err != nil {
			return err
		}
		pos.DTEState.CurrentClosingOrderID = ""
	}
	// A partial closing fill leaves the order working; the next sweep
	// re-prices whatever remains.

	if err := t.storage.UpdatePosition(pos); err != nil {
		return fmt.Errorf("persist position %s after closing fill: %w", pos.ID, err)
	}

	if ok {
		// Partial fills leave the trade submitted so later partials still
		// apply; only a terminal fill arms the replay guard.
		if pos.Quantity == 0 || broker.NormalizeOrderState(event.Status) == broker.OrderFilled {
			trade.Status = models.TradeFilled
		}
		trade.FillPrice = event.FillPrice
		trade.FilledQuantity += filledQty
		trade.RealizedPnL += realized
		trade.UpdatedAt = time.Now().UTC()
		if err := t.storage.UpdateTrade(trade); err != nil {
			t.logger.Printf("Failed to update close trade %s: %v", trade.ID, err)
		}
	} else {
		t.logger.Printf("No registered close trade for order %s on position %s; recording one", event.OrderID, pos.ID)
		if err := t.recordFillTrade(pos, event, models.EventDTEClosure, filledQty, realized); err != nil {
			return err
		}
	}

	t.storage.RecordDailyPnL(eventTime(event).Format("2006-01-02"), realized)
	if pos.Lifecycle == models.StateClosed {
		t.storage.RecordClosedPosition(pos.TotalRealizedPnL)
	}

	metrics.FillsApplied.WithLabelValues(string(models.EventDTEClosure)).Inc()
	t.logger.Printf("Closing order %s filled on position %s: %d @ %.2f, realized %.2f, remaining %d",
		event.OrderID, pos.ID, filledQty, event.FillPrice, realized, pos.Quantity)

	t.broadcast(pos)
	return nil
}

func (t *Tracker) recordFillTrade(
	pos *models.Position,
	event broker.OrderEvent,
	lifecycleEvent models.LifecycleEvent,
	filledQty int,
	realized float64,
) error {
	snapshot, err := pos.Snapshot()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	trade := &models.Trade{
		ID:               fmt.Sprintf("%s-%s-%d", pos.ID, event.OrderID, eventTime(event).UnixNano()),
		PositionID:       pos.ID,
		Type:             models.TradeTypeClose,
		Event:            lifecycleEvent,
		BrokerOrderID:    event.OrderID,
		Status:           models.TradeFilled,
		FillPrice:        event.FillPrice,
		FilledQuantity:   filledQty,
		RealizedPnL:      realized,
		PositionSnapshot: snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := t.storage.AddTrade(trade); err != nil {
		return fmt.Errorf("record fill trade for position %s: %w", pos.ID, err)
	}
	return nil
}

func (t *Tracker) broadcast(pos *models.Position) {
	if t.broadcaster == nil {
		return
	}
	t.broadcaster.PublishState(bus.StateChange{
		PositionID:       pos.ID,
		LifecycleState:   string(pos.Lifecycle),
		Quantity:         pos.Quantity,
		TotalRealizedPnL: pos.TotalRealizedPnL,
	})
}

func eventTime(event broker.OrderEvent) time.Time {
	if event.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return event.OccurredAt
}
