// Package escalation forces positions closed as expiration approaches. Each
// sweep cancels remaining profit targets on due positions and works an
// increasingly aggressive closing order, trading a bounded known loss for
// elimination of assignment risk.
package escalation

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/bus"
	"github.com/eddiefleurent/scranton_closer/internal/metrics"
	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/orders"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
)

// Config contains configuration for the escalation engine.
type Config struct {
	// ThresholdDTE arms the engine; positions above it are left alone.
	ThresholdDTE int
	// MaxRetries is the number of failed submissions tolerated at one DTE
	// level before the engine notifies and holds.
	MaxRetries int
	// SweepConcurrency bounds the worker pool per sweep.
	SweepConcurrency int
	// CancelPollInterval and CancelPollAttempts bound how long the engine
	// waits for a prior closing order's cancellation to confirm.
	CancelPollInterval time.Duration
	CancelPollAttempts int
}

// DefaultConfig is the default configuration for the escalation engine.
var DefaultConfig = Config{
	ThresholdDTE:       7,
	MaxRetries:         3,
	SweepConcurrency:   4,
	CancelPollInterval: 500 * time.Millisecond,
	CancelPollAttempts: 10,
}

// ladderFraction maps days-to-expiration to the fraction of max loss the
// engine is willing to give up. At and below three days the position is
// closed at any price up to the full max loss.
func ladderFraction(dte int) decimal.Decimal {
	switch {
	case dte >= 7:
		return decimal.Zero
	case dte == 6:
		return decimal.NewFromFloat(0.70)
	case dte == 5:
		return decimal.NewFromFloat(0.80)
	case dte == 4:
		return decimal.NewFromFloat(0.90)
	default:
		return decimal.NewFromInt(1)
	}
}

// LadderPrice computes the closing limit price for a position at the given
// DTE. Credit structures pay entry plus a growing share of max loss; debit
// structures accept entry minus the same share, floored at zero.
func LadderPrice(entryPrice, maxLoss float64, dte int, isCredit bool) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	give := ladderFraction(dte).Mul(decimal.NewFromFloat(maxLoss))

	var price decimal.Decimal
	if isCredit {
		price = entry.Add(give)
	} else {
		price = entry.Sub(give)
		if price.IsNegative() {
			price = decimal.Zero
		}
	}
	f, _ := price.Round(2).Float64()
	return f
}

// ClampPrice enforces the profit-target floor on credit closing prices: never
// accept a close worse than 110% of the best cancelled target's original
// limit. Returns the corrected price and whether a correction was applied.
func ClampPrice(price float64, cancelled map[string]models.CancelledTarget, isCredit bool) (float64, bool) {
	if !isCredit || len(cancelled) == 0 {
		return price, false
	}
	highest := decimal.Zero
	for _, ct := range cancelled {
		limit := decimal.NewFromFloat(ct.OriginalLimitPrice)
		if limit.GreaterThan(highest) {
			highest = limit
		}
	}
	floor := highest.Mul(decimal.NewFromFloat(1.10)).Round(2)
	if decimal.NewFromFloat(price).GreaterThanOrEqual(floor) {
		return price, false
	}
	f, _ := floor.Float64()
	return f, true
}

// Engine is the per-sweep escalation state machine. All durable state lives
// on the position's DTEAutomationState; the engine itself holds nothing
// between sweeps.
type Engine struct {
	storage     storage.Interface
	coordinator *orders.Coordinator
	broadcaster bus.Broadcaster
	notifier    bus.Notifier
	logger      *log.Logger
	config      Config
	userID      string
}

// New creates an escalation engine.
func New(
	store storage.Interface,
	coordinator *orders.Coordinator,
	b bus.Broadcaster,
	n bus.Notifier,
	logger *log.Logger,
	userID string,
	config ...Config,
) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.ThresholdDTE <= 0 {
		cfg.ThresholdDTE = DefaultConfig.ThresholdDTE
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultConfig.SweepConcurrency
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultConfig.CancelPollInterval
	}
	if cfg.CancelPollAttempts <= 0 {
		cfg.CancelPollAttempts = DefaultConfig.CancelPollAttempts
	}

	if logger == nil {
		logger = log.New(os.Stderr, "escalation: ", log.LstdFlags)
	}
	if store == nil {
		panic("escalation.New: storage must not be nil")
	}
	if coordinator == nil {
		panic("escalation.New: coordinator must not be nil")
	}

	return &Engine{
		storage:     store,
		coordinator: coordinator,
		broadcaster: b,
		notifier:    n,
		logger:      logger,
		config:      cfg,
		userID:      userID,
	}
}

// RunSweep processes every open position once. One position's failure never
// blocks the others; errors are logged and the sweep continues.
func (e *Engine) RunSweep(ctx context.Context, now time.Time) error {
	positions := e.storage.GetOpenPositions()
	if len(positions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.SweepConcurrency)
	for _, pos := range positions {
		id := pos.ID
		g.Go(func() error {
			if err := e.processPosition(gctx, now, id); err != nil {
				e.logger.Printf("Sweep error for position %s: %v", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) processPosition(ctx context.Context, now time.Time, posID string) error {
	pos, ok := e.storage.GetPositionByID(posID)
	if !ok {
		return nil
	}
	if pos.Lifecycle.Terminal() || pos.Quantity == 0 {
		return nil
	}
	// Nothing to force-close until the entry fills. An entry that never
	// fills is reconciliation's to clean up.
	if pos.Lifecycle == models.StatePendingEntry {
		return nil
	}

	dte := pos.CalculateDTE(now)
	if dte > e.config.ThresholdDTE {
		return nil
	}

	state := pos.DTEState
	sameLevel := state.LastProcessedDTE != nil && *state.LastProcessedDTE == dte

	if sameLevel && state.RetriesExhausted {
		// Held for a human or a DTE change.
		return nil
	}

	// If a closing order is already working at this level, nothing to do.
	// At a new level the prior order must be cancelled (or confirmed filled)
	// before any replacement goes out.
	if state.CurrentClosingOrderID != "" {
		terminal, status, err := e.coordinator.IsOrderTerminal(ctx, state.CurrentClosingOrderID)
		if err != nil {
			return fmt.Errorf("check closing order %s: %w", state.CurrentClosingOrderID, err)
		}
		if !terminal {
			if sameLevel {
				return nil
			}
			if err := e.coordinator.CancelOrder(ctx, state.CurrentClosingOrderID); err != nil {
				return fmt.Errorf("cancel prior closing order: %w", err)
			}
			confirmed, err := e.awaitTerminal(ctx, state.CurrentClosingOrderID)
			if err != nil {
				return err
			}
			status = confirmed
		}
		if status.CompletelyFilled() {
			// Filled out from under us; the fill event closes the books.
			e.logger.Printf("Closing order %s on position %s already filled; skipping escalation", state.CurrentClosingOrderID, pos.ID)
			return nil
		}
	}

	// Cancel still-active profit targets at the broker.
	cancelledNow := make(map[string]models.CancelledTarget)
	for _, key := range pos.ActiveTargetKeys() {
		target := pos.ProfitTargets[key]
		if err := e.coordinator.CancelOrder(ctx, target.BrokerOrderID); err != nil {
			return fmt.Errorf("cancel target %s (order %s): %w", key, target.BrokerOrderID, err)
		}
		cancelledNow[key] = models.CancelledTarget{
			OriginalLimitPrice: target.LimitPrice,
			CancelledAt:        now.UTC(),
			Reason:             fmt.Sprintf("dte_escalation_%d", dte),
		}
	}

	// Price the replacement off the full cancelled-target history.
	allCancelled := make(map[string]models.CancelledTarget, len(state.CancelledTargets)+len(cancelledNow))
	for k, v := range state.CancelledTargets {
		allCancelled[k] = v
	}
	for k, v := range cancelledNow {
		allCancelled[k] = v
	}

	price := LadderPrice(pos.EntryPrice, pos.MaxLoss(), dte, pos.IsCredit)
	price, clamped := ClampPrice(price, allCancelled, pos.IsCredit)
	if clamped {
		metrics.ClampCorrections.Inc()
		e.logger.Printf("WARNING: position %s DTE %d ladder price below cancelled-target floor; raised to %.2f", pos.ID, dte, price)
	}

	spec := orders.BuildCloseSpec(pos, pos.Quantity, price, fmt.Sprintf("dte%d-%s", dte, pos.ID))
	trade, submitErr := e.coordinator.SubmitClose(ctx, pos, models.EventDTEClosure, spec)

	// Re-acquire the position lock to persist the outcome; the tracker may
	// have applied fills while the broker calls were in flight.
	return e.storage.WithPositionLock(posID, func() error {
		cur, ok := e.storage.GetPositionByID(posID)
		if !ok {
			return nil
		}
		if cur.Lifecycle.Terminal() {
			return nil
		}

		for key, ct := range cancelledNow {
			if target, exists := cur.ProfitTargets[key]; exists && target.Status == models.TargetActive {
				target.Status = models.TargetCancelled
			}
			if cur.DTEState.CancelledTargets == nil {
				cur.DTEState.CancelledTargets = make(map[string]models.CancelledTarget)
			}
			cur.DTEState.CancelledTargets[key] = ct
		}

		level := dte
		if sameLevel {
			cur.DTEState.RetryCount = state.RetryCount
		} else {
			cur.DTEState.RetryCount = 0
			cur.DTEState.RetriesExhausted = false
		}
		cur.DTEState.LastProcessedDTE = &level
		cur.LastChecked = time.Now().UTC()

		if submitErr != nil {
			cur.DTEState.RetryCount++
			if trade != nil {
				e.logger.Printf("Closing submission errored for position %s (trade %s), retry %d/%d",
					cur.ID, trade.ID, cur.DTEState.RetryCount, e.config.MaxRetries)
			}
			if cur.DTEState.RetryCount >= e.config.MaxRetries {
				cur.DTEState.RetriesExhausted = true
				e.notify(cur.ID, bus.NotifyRetriesExhausted, fmt.Sprintf(
					"Closing order for %s failed %d times at DTE %d; holding for intervention",
					cur.Symbol, cur.DTEState.RetryCount, dte))
			}
			return e.storage.UpdatePosition(cur)
		}

		cur.DTEState.CurrentClosingOrderID = trade.BrokerOrderID
		cur.DTEState.CurrentLimitPrice = price
		cur.DTEState.RetryCount = 0
		cur.DTEState.RetriesExhausted = false

		if cur.Lifecycle != models.StateClosing {
			if err := cur.TransitionLifecycle(models.StateClosing, models.ConditionDTEArmed); err != nil {
				return err
			}
		}
		if err := e.storage.UpdatePosition(cur); err != nil {
			return err
		}

		metrics.Escalations.WithLabelValues(fmt.Sprintf("%d", dte)).Inc()
		e.logger.Printf("Position %s escalated at DTE %d: closing order %s working at %.2f for %d contract(s)",
			cur.ID, dte, trade.BrokerOrderID, price, cur.Quantity)

		if e.broadcaster != nil {
			e.broadcaster.PublishState(bus.StateChange{
				PositionID:       cur.ID,
				LifecycleState:   string(cur.Lifecycle),
				Quantity:         cur.Quantity,
				TotalRealizedPnL: cur.TotalRealizedPnL,
			})
		}
		e.notify(cur.ID, bus.NotifyDTEClosure, fmt.Sprintf(
			"DTE %d closure submitted for %s: %d contract(s) at $%.2f", dte, cur.Symbol, cur.Quantity, price))
		return nil
	})
}

// awaitTerminal polls until the order reaches a terminal state.
func (e *Engine) awaitTerminal(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	for attempt := 0; attempt < e.config.CancelPollAttempts; attempt++ {
		terminal, status, err := e.coordinator.IsOrderTerminal(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if terminal {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.config.CancelPollInterval):
		}
	}
	return nil, fmt.Errorf("order %s did not reach a terminal state after cancel", orderID)
}

func (e *Engine) notify(positionID, kind, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(e.userID, bus.Notification{
		PositionID: positionID,
		Kind:       kind,
		Message:    message,
	})
}
