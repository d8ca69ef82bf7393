package storage

import (
	"fmt"
	"sync"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

// MockStorage implements Interface for testing. It mirrors JSONStorage
// semantics (deep copies, keyed locks) without touching disk.
type MockStorage struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	trades    []*models.Trade
	dailyPnL  map[string]float64
	stats     Statistics
	posLocks  sync.Map

	// Error injection
	SaveError   error
	UpdateError error

	// Call counters
	SaveCalls int
}

// Ensure MockStorage implements Interface.
var _ Interface = (*MockStorage)(nil)

// NewMockStorage creates a new mock ledger for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: make(map[string]*models.Position),
		dailyPnL:  make(map[string]float64),
	}
}

// AddPosition inserts a position.
func (m *MockStorage) AddPosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[pos.ID]; exists {
		return fmt.Errorf("add position %s: %w", pos.ID, ErrDuplicatePosition)
	}
	m.positions[pos.ID] = clonePosition(pos)
	return nil
}

// GetPositionByID returns a deep copy of the position, if present.
func (m *MockStorage) GetPositionByID(id string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	return clonePosition(pos), true
}

// GetOpenPositions returns copies of every non-closed position.
func (m *MockStorage) GetOpenPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, pos := range m.positions {
		if pos.Lifecycle != models.StateClosed {
			out = append(out, *clonePosition(pos))
		}
	}
	sortPositions(out)
	return out
}

// GetAllPositions returns copies of every position.
func (m *MockStorage) GetAllPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *clonePosition(pos))
	}
	sortPositions(out)
	return out
}

// UpdatePosition replaces a stored position.
func (m *MockStorage) UpdatePosition(pos *models.Position) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[pos.ID]; !exists {
		return fmt.Errorf("update position %s: %w", pos.ID, ErrPositionNotFound)
	}
	m.positions[pos.ID] = clonePosition(pos)
	return nil
}

// AddTrade appends a trade record.
func (m *MockStorage) AddTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.trades {
		if existing.ID == trade.ID {
			return fmt.Errorf("add trade %s: %w", trade.ID, ErrDuplicateTrade)
		}
	}
	m.trades = append(m.trades, cloneTrade(trade))
	return nil
}

// UpdateTrade replaces a stored trade by id.
func (m *MockStorage) UpdateTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.trades {
		if existing.ID == trade.ID {
			m.trades[i] = cloneTrade(trade)
			return nil
		}
	}
	return fmt.Errorf("update trade %s: %w", trade.ID, ErrTradeNotFound)
}

// GetTradeByID returns a copy of the trade, if present.
func (m *MockStorage) GetTradeByID(id string) (*models.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, trade := range m.trades {
		if trade.ID == id {
			return cloneTrade(trade), true
		}
	}
	return nil, false
}

// GetTradesForPosition returns copies of the position's trades in insertion order.
func (m *MockStorage) GetTradesForPosition(positionID string) []models.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trade
	for _, trade := range m.trades {
		if trade.PositionID == positionID {
			out = append(out, *cloneTrade(trade))
		}
	}
	return out
}

// GetCloseTradeByOrderID finds the closing trade linked to a broker order id.
func (m *MockStorage) GetCloseTradeByOrderID(orderID string) (*models.Trade, bool) {
	if orderID == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, trade := range m.trades {
		if trade.Type == models.TradeTypeClose && trade.BrokerOrderID == orderID {
			return cloneTrade(trade), true
		}
	}
	return nil, false
}

// RecordDailyPnL accumulates realized P&L under the given date key.
func (m *MockStorage) RecordDailyPnL(date string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL[date] += pnl
}

// GetDailyPnL returns accumulated P&L for the given date key.
func (m *MockStorage) GetDailyPnL(date string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL[date]
}

// RecordClosedPosition updates win/loss statistics.
func (m *MockStorage) RecordClosedPosition(finalPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalClosed++
	m.stats.TotalPnL += finalPnL
	if finalPnL > 0 {
		m.stats.Wins++
	} else {
		m.stats.Losses++
	}
	if m.stats.TotalClosed > 0 {
		m.stats.WinRate = float64(m.stats.Wins) / float64(m.stats.TotalClosed)
	}
}

// GetStatistics returns a copy of the statistics.
func (m *MockStorage) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// WithPositionLock runs fn while holding the keyed mutex for position id.
func (m *MockStorage) WithPositionLock(id string, fn func() error) error {
	muAny, _ := m.posLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Save counts calls and optionally injects an error.
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	return m.SaveError
}

// Load is a no-op for the mock.
func (m *MockStorage) Load() error {
	return nil
}
