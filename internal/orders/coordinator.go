// Package orders coordinates closing-order submission against the ledger.
// Closing intent is persisted before any order reaches the broker, so that a
// broker-side fill can always be traced back to a registered Trade and never
// mistaken for a new opening.
package orders

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/metrics"
	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
	"github.com/eddiefleurent/scranton_closer/internal/util"
)

// optionTick is the minimum price increment brokers accept on option orders.
const optionTick = 0.01

// Config contains configuration for the coordinator.
type Config struct {
	CallTimeout time.Duration
}

// DefaultConfig is the default configuration for the coordinator.
var DefaultConfig = Config{
	CallTimeout: 10 * time.Second,
}

// Coordinator submits closing orders using the pre-register protocol:
// persist a close Trade under a placeholder order id, submit, then overwrite
// the placeholder with the broker's id. A submission that errors leaves the
// Trade marked errored; retrying is the caller's decision, never this one's.
type Coordinator struct {
	broker  broker.Broker
	storage storage.Interface
	logger  *log.Logger
	config  Config
}

// NewCoordinator creates a coordinator instance.
func NewCoordinator(b broker.Broker, store storage.Interface, logger *log.Logger, config ...Config) *Coordinator {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	// Fail fast to avoid later panics mid-submission.
	if b == nil {
		panic("orders.NewCoordinator: broker must not be nil")
	}
	if store == nil {
		panic("orders.NewCoordinator: storage must not be nil")
	}

	return &Coordinator{
		broker:  b,
		storage: store,
		logger:  logger,
		config:  cfg,
	}
}

// BuildCloseSpec constructs the multileg order that closes quantity contracts
// of the position: short legs get bought back, long legs get sold. Closing a
// credit structure pays a debit and vice versa; a zero limit is an even order.
func BuildCloseSpec(pos *models.Position, quantity int, limitPrice float64, tag string) broker.OrderSpec {
	legs := make([]broker.OrderLeg, 0, len(pos.Legs))
	for _, leg := range pos.Legs {
		side := models.ActionSellToClose
		if leg.Side == models.LegSideShort {
			side = models.ActionBuyToClose
		}
		legs = append(legs, broker.OrderLeg{
			OptionSymbol: broker.FormatOCCSymbol(pos.Symbol, pos.Expiration, leg.OptionType, leg.Strike),
			Side:         side,
			Quantity:     quantity,
		})
	}

	limitPrice = util.RoundToTick(limitPrice, optionTick)

	orderType := "credit"
	if pos.IsCredit {
		orderType = "debit"
	}
	if limitPrice == 0 {
		orderType = "even"
	}

	return broker.OrderSpec{
		Symbol:     pos.Symbol,
		Legs:       legs,
		OrderType:  orderType,
		LimitPrice: limitPrice,
		Duration:   "day",
		Tag:        tag,
	}
}

// SubmitClose registers closing intent in the ledger, then submits the order.
// The returned Trade reflects the final status: submitted with the broker's
// order id on success, errored with detail on failure. The error from a failed
// submission is returned alongside the errored Trade.
func (c *Coordinator) SubmitClose(
	ctx context.Context,
	pos *models.Position,
	event models.LifecycleEvent,
	spec broker.OrderSpec,
) (*models.Trade, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("close order for position %s: %w", pos.ID, err)
	}

	snapshot, err := pos.Snapshot()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	trade := &models.Trade{
		ID:               uuid.NewString(),
		PositionID:       pos.ID,
		Type:             models.TradeTypeClose,
		Event:            event,
		BrokerOrderID:    models.PlaceholderOrderPrefix + uuid.NewString(),
		Status:           models.TradePending,
		LimitPrice:       spec.LimitPrice,
		PositionSnapshot: snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Intent goes to disk first. If this fails we never touch the broker.
	if err := c.storage.AddTrade(trade); err != nil {
		return nil, fmt.Errorf("register closing intent for position %s: %w", pos.ID, err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	orderID, err := c.broker.SubmitOrder(submitCtx, spec)
	cancel()

	if err != nil {
		trade.Status = models.TradeErrored
		trade.ErrorDetail = err.Error()
		trade.UpdatedAt = time.Now().UTC()
		if uerr := c.storage.UpdateTrade(trade); uerr != nil {
			c.logger.Printf("Failed to mark trade %s errored: %v", trade.ID, uerr)
		}
		metrics.SubmissionFailures.Inc()
		c.logger.Printf("Close submission failed for position %s: %v", pos.ID, err)
		return trade, fmt.Errorf("submit close order for position %s: %w", pos.ID, err)
	}

	trade.BrokerOrderID = orderID
	trade.Status = models.TradeSubmitted
	trade.UpdatedAt = time.Now().UTC()
	if err := c.storage.UpdateTrade(trade); err != nil {
		// The order is live at the broker; reconciliation will repair the
		// linkage from transaction history if this write is lost.
		c.logger.Printf("Failed to record broker order id %s on trade %s: %v", orderID, trade.ID, err)
	}

	c.logger.Printf("Close order %s submitted for position %s (%s, limit %.2f)",
		orderID, pos.ID, event, spec.LimitPrice)
	return trade, nil
}

// CancelOrder cancels a working broker order.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	if err := c.broker.CancelOrder(cancelCtx, orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// OrderStatus fetches the current broker status of an order.
func (c *Coordinator) OrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	statusCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	status, err := c.broker.GetOrderStatus(statusCtx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if status == nil || status.ID == "" {
		return nil, fmt.Errorf("order status %s: empty response", orderID)
	}
	return status, nil
}

// IsOrderTerminal reports whether an order can change no further.
func (c *Coordinator) IsOrderTerminal(ctx context.Context, orderID string) (bool, *broker.OrderStatus, error) {
	status, err := c.OrderStatus(ctx, orderID)
	if err != nil {
		return false, nil, err
	}
	return status.State.Terminal(), status, nil
}
