// Package storage provides the persistent position and trade ledger.
package storage

import (
	"github.com/eddiefleurent/scranton_closer/internal/models"
)

// Statistics summarizes closed-position outcomes for the dashboard.
type Statistics struct {
	TotalClosed int     `json:"total_closed"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AverageWin  float64 `json:"average_win"`
	AverageLoss float64 `json:"average_loss"`
}

// Interface defines the contract for position and trade ledger persistence.
//
// Implementations must be safe for concurrent use; all methods are
// goroutine-safe. Read methods return deep copies so callers can never
// mutate ledger state outside a position lock.
//
// WithPositionLock serializes read-modify-write cycles per position: the
// profit-target tracker, DTE escalation engine and reconciler all wrap their
// mutations of one position in it so their cycles never interleave. Broker
// network calls belong outside the lock.
type Interface interface {
	// Position management
	AddPosition(pos *models.Position) error
	GetPositionByID(id string) (*models.Position, bool)
	GetOpenPositions() []models.Position
	GetAllPositions() []models.Position
	UpdatePosition(pos *models.Position) error

	// Trade audit records
	AddTrade(trade *models.Trade) error
	UpdateTrade(trade *models.Trade) error
	GetTradeByID(id string) (*models.Trade, bool)
	GetTradesForPosition(positionID string) []models.Trade
	// GetCloseTradeByOrderID finds the closing trade pre-registered for a
	// broker order id; the linkage that proves a fill is a close, not an open.
	GetCloseTradeByOrderID(orderID string) (*models.Trade, bool)

	// RecordDailyPnL accumulates realized P&L under today's date.
	RecordDailyPnL(date string, pnl float64)
	GetDailyPnL(date string) float64

	// RecordClosedPosition updates win/loss statistics for one fully closed
	// position. Callers invoke it exactly once per position.
	RecordClosedPosition(finalPnL float64)
	GetStatistics() Statistics

	// Per-position mutual exclusion scope.
	WithPositionLock(id string, fn func() error) error

	// Data persistence
	Save() error
	Load() error
}

// NewStorage creates a new storage implementation (currently JSON-based).
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface.
var _ Interface = (*JSONStorage)(nil)
