// Package reconcile is the backstop against missed fill events: a periodic
// sweep that re-derives each open position's truth from broker transaction
// history and repairs the ledger where they disagree.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_closer/internal/bus"
	"github.com/eddiefleurent/scranton_closer/internal/metrics"
	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/pnl"
	"github.com/eddiefleurent/scranton_closer/internal/retry"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
)

// pnlTolerance is the largest ledger/history divergence treated as rounding
// rather than drift.
const pnlTolerance = 0.01

// Config contains configuration for the reconciliation service.
type Config struct {
	// SweepConcurrency bounds the worker pool per sweep.
	SweepConcurrency int
	// PhantomThreshold is how long a pending_entry position may sit unfilled
	// before it is closed as never-opened.
	PhantomThreshold time.Duration
}

// DefaultConfig is the default configuration for the reconciliation service.
var DefaultConfig = Config{
	SweepConcurrency: 4,
	PhantomThreshold: 30 * time.Minute,
}

// Service compares ledger state against broker history and repairs drift.
// Repairs are logged with both values and never re-notified as new events.
type Service struct {
	storage     storage.Interface
	history     *retry.Client
	broadcaster bus.Broadcaster
	logger      *log.Logger
	config      Config
}

// New creates a reconciliation service. The broker is consumed through the
// retrying client because history reads are idempotent.
func New(store storage.Interface, history *retry.Client, b bus.Broadcaster, logger *log.Logger, config ...Config) *Service {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultConfig.SweepConcurrency
	}
	if cfg.PhantomThreshold <= 0 {
		cfg.PhantomThreshold = DefaultConfig.PhantomThreshold
	}
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile: ", log.LstdFlags)
	}
	if store == nil {
		panic("reconcile.New: storage must not be nil")
	}
	if history == nil {
		panic("reconcile.New: history client must not be nil")
	}
	return &Service{
		storage:     store,
		history:     history,
		broadcaster: b,
		logger:      logger,
		config:      cfg,
	}
}

// Run sweeps every non-closed position once. One position's failure never
// blocks the others.
func (s *Service) Run(ctx context.Context) error {
	positions := s.storage.GetOpenPositions()
	metrics.OpenPositions.Set(float64(len(positions)))
	if len(positions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.SweepConcurrency)
	for _, pos := range positions {
		id := pos.ID
		g.Go(func() error {
			if err := s.reconcilePosition(gctx, id); err != nil {
				s.logger.Printf("Reconciliation error for position %s: %v", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.OpenPositions.Set(float64(len(s.storage.GetOpenPositions())))
	return nil
}

func (s *Service) reconcilePosition(ctx context.Context, posID string) error {
	pos, ok := s.storage.GetPositionByID(posID)
	if !ok || pos.Lifecycle.Terminal() {
		return nil
	}

	if s.isPhantom(pos) {
		return s.closePhantom(posID)
	}

	since := pos.EntryDate.AddDate(0, 0, -1)
	txns, err := s.history.GetTransactionHistoryWithRetry(ctx, pos.Symbol, since)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	opening, closing := pnl.SplitByDirection(txns)
	if len(opening) == 0 {
		// History has no record of this position opening; leave it for the
		// phantom check rather than guessing.
		s.logger.Printf("No opening transactions found for position %s; skipping repair", posID)
		return nil
	}

	truthQty := derivedQuantity(pos, opening, closing)

	// Realized P&L covers only the closed share of the position, so opening
	// cash flows are prorated down to the fraction history shows closed
	// before the two figures are comparable.
	truthPnL := pnl.FromTransactionHistory(prorateToClosed(opening, closing), closing)

	return s.storage.WithPositionLock(posID, func() error {
		cur, ok := s.storage.GetPositionByID(posID)
		if !ok || cur.Lifecycle.Terminal() {
			return nil
		}

		repaired := false

		if cur.Quantity != truthQty {
			s.logger.Printf("RECONCILE: position %s quantity drift: ledger=%d history=%d; repairing",
				cur.ID, cur.Quantity, truthQty)
			cur.Quantity = truthQty
			repaired = true
		}

		if math.Abs(cur.TotalRealizedPnL-truthPnL) > pnlTolerance {
			s.logger.Printf("RECONCILE: position %s pnl drift: ledger=%.2f history=%.2f; repairing",
				cur.ID, cur.TotalRealizedPnL, truthPnL)
			cur.TotalRealizedPnL = truthPnL
			repaired = true
		}

		if cur.Quantity == 0 && cur.Lifecycle != models.StateClosed {
			if err := cur.TransitionLifecycle(models.StateClosed, models.ConditionReconciled); err != nil {
				return err
			}
			repaired = true
		}

		cur.LastChecked = time.Now().UTC()
		if err := s.storage.UpdatePosition(cur); err != nil {
			return err
		}

		if repaired {
			metrics.ReconcileRepairs.Inc()
			// Repairs broadcast state so dashboards converge, but never
			// re-fire user notifications.
			if s.broadcaster != nil {
				s.broadcaster.PublishState(bus.StateChange{
					PositionID:       cur.ID,
					LifecycleState:   string(cur.Lifecycle),
					Quantity:         cur.Quantity,
					TotalRealizedPnL: cur.TotalRealizedPnL,
				})
			}
		}
		return nil
	})
}

// isPhantom reports whether the position is a pending entry that never filled.
func (s *Service) isPhantom(pos *models.Position) bool {
	if pos.Lifecycle != models.StatePendingEntry {
		return false
	}
	age := time.Since(pos.EntryDate)
	if pos.EntryDate.IsZero() && !pos.LastChecked.IsZero() {
		age = time.Since(pos.LastChecked)
	}
	return age > s.config.PhantomThreshold
}

func (s *Service) closePhantom(posID string) error {
	return s.storage.WithPositionLock(posID, func() error {
		cur, ok := s.storage.GetPositionByID(posID)
		if !ok || cur.Lifecycle != models.StatePendingEntry {
			return nil
		}
		s.logger.Printf("PHANTOM POSITION: %s pending entry for over %v with no fill; closing as never-opened",
			cur.ID, s.config.PhantomThreshold)
		cur.Quantity = 0
		if err := cur.TransitionLifecycle(models.StateClosed, models.ConditionEntryTimeout); err != nil {
			return err
		}
		cur.LastChecked = time.Now().UTC()
		if err := s.storage.UpdatePosition(cur); err != nil {
			return err
		}
		metrics.ReconcileRepairs.Inc()
		return nil
	})
}

// prorateToClosed scales opening transaction amounts by the fraction of
// opened contracts that history shows closed, so the batch P&L matches the
// realized share of a partially closed position.
func prorateToClosed(opening, closing []models.Transaction) []models.Transaction {
	opened := 0
	for _, txn := range opening {
		opened += txn.Quantity
	}
	closed := 0
	for _, txn := range closing {
		closed += txn.Quantity
	}
	if opened == 0 || closed >= opened {
		return opening
	}
	frac := float64(closed) / float64(opened)
	scaled := make([]models.Transaction, len(opening))
	for i, txn := range opening {
		txn.Amount *= frac
		scaled[i] = txn
	}
	return scaled
}

// derivedQuantity reconstructs remaining contracts from history: opened minus
// closed, normalized by the structure's leg count, floored at zero.
func derivedQuantity(pos *models.Position, opening, closing []models.Transaction) int {
	legCount := len(pos.Legs)
	if legCount == 0 {
		legCount = 1
	}
	opened := 0
	for _, txn := range opening {
		opened += txn.Quantity
	}
	closed := 0
	for _, txn := range closing {
		closed += txn.Quantity
	}
	remaining := (opened - closed) / legCount
	if remaining < 0 {
		return 0
	}
	if remaining > pos.OriginalQuantity {
		return pos.OriginalQuantity
	}
	return remaining
}
