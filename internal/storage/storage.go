package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

// JSONStorage persists the ledger to a single JSON file with atomic writes.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *ledgerData

	// posLocks holds one mutex per position id for read-modify-write scopes.
	posLocks sync.Map // map[string]*sync.Mutex
}

type ledgerData struct {
	Positions   map[string]*models.Position `json:"positions"`
	Trades      []*models.Trade             `json:"trades"`
	DailyPnL    map[string]float64          `json:"daily_pnl"`
	Statistics  Statistics                  `json:"statistics"`
	LastUpdated time.Time                   `json:"last_updated"`
}

// NewJSONStorage creates a JSON-file ledger, loading existing data if present.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data: &ledgerData{
			Positions: make(map[string]*models.Position),
			DailyPnL:  make(map[string]float64),
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading ledger: %w", err)
		}
	}

	return s, nil
}

// Load reads the ledger file from disk.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, s.data); err != nil {
		return err
	}
	if s.data.Positions == nil {
		s.data.Positions = make(map[string]*models.Position)
	}
	if s.data.DailyPnL == nil {
		s.data.DailyPnL = make(map[string]float64)
	}
	return nil
}

// Save writes the ledger to disk.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes the ledger to a temp file and atomically renames it.
// Caller must hold s.mu.
func (s *JSONStorage) persistLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// WithPositionLock runs fn while holding the keyed mutex for position id.
func (s *JSONStorage) WithPositionLock(id string, fn func() error) error {
	muAny, _ := s.posLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// AddPosition inserts a new position into the ledger and persists.
func (s *JSONStorage) AddPosition(pos *models.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("add position: position with id is required")
	}
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("add position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Positions[pos.ID]; exists {
		return fmt.Errorf("add position %s: %w", pos.ID, ErrDuplicatePosition)
	}
	s.data.Positions[pos.ID] = clonePosition(pos)
	return s.persistLocked()
}

// GetPositionByID returns a deep copy of the position, if present.
func (s *JSONStorage) GetPositionByID(id string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.data.Positions[id]
	if !ok {
		return nil, false
	}
	return clonePosition(pos), true
}

// GetOpenPositions returns copies of every position not yet closed.
func (s *JSONStorage) GetOpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.Lifecycle != models.StateClosed {
			out = append(out, *clonePosition(pos))
		}
	}
	sortPositions(out)
	return out
}

// GetAllPositions returns copies of every ledger position, open and closed.
func (s *JSONStorage) GetAllPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0, len(s.data.Positions))
	for _, pos := range s.data.Positions {
		out = append(out, *clonePosition(pos))
	}
	sortPositions(out)
	return out
}

// UpdatePosition replaces the stored position and persists. The position must
// already exist; positions are never deleted, only closed.
func (s *JSONStorage) UpdatePosition(pos *models.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("update position: position with id is required")
	}
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("update position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Positions[pos.ID]; !exists {
		return fmt.Errorf("update position %s: %w", pos.ID, ErrPositionNotFound)
	}
	s.data.Positions[pos.ID] = clonePosition(pos)
	return s.persistLocked()
}

// AddTrade appends a trade audit record and persists.
func (s *JSONStorage) AddTrade(trade *models.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("add trade: trade with id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Trades {
		if existing.ID == trade.ID {
			return fmt.Errorf("add trade %s: %w", trade.ID, ErrDuplicateTrade)
		}
	}
	s.data.Trades = append(s.data.Trades, cloneTrade(trade))
	return s.persistLocked()
}

// UpdateTrade replaces a stored trade by id and persists.
func (s *JSONStorage) UpdateTrade(trade *models.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("update trade: trade with id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.data.Trades {
		if existing.ID == trade.ID {
			s.data.Trades[i] = cloneTrade(trade)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("update trade %s: %w", trade.ID, ErrTradeNotFound)
}

// GetTradeByID returns a copy of the trade, if present.
func (s *JSONStorage) GetTradeByID(id string) (*models.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, trade := range s.data.Trades {
		if trade.ID == id {
			return cloneTrade(trade), true
		}
	}
	return nil, false
}

// GetTradesForPosition returns copies of the position's trades, oldest first.
func (s *JSONStorage) GetTradesForPosition(positionID string) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Trade
	for _, trade := range s.data.Trades {
		if trade.PositionID == positionID {
			out = append(out, *cloneTrade(trade))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetCloseTradeByOrderID finds the closing trade linked to a broker order id.
func (s *JSONStorage) GetCloseTradeByOrderID(orderID string) (*models.Trade, bool) {
	if orderID == "" {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, trade := range s.data.Trades {
		if trade.Type == models.TradeTypeClose && trade.BrokerOrderID == orderID {
			return cloneTrade(trade), true
		}
	}
	return nil, false
}

// RecordDailyPnL accumulates realized P&L under the given date key.
func (s *JSONStorage) RecordDailyPnL(date string, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DailyPnL[date] += pnl
}

// GetDailyPnL returns accumulated P&L for the given date key.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

// RecordClosedPosition updates win/loss statistics for one closed position.
func (s *JSONStorage) RecordClosedPosition(finalPnL float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &s.data.Statistics
	stats.TotalClosed++
	stats.TotalPnL += finalPnL

	if finalPnL > 0 {
		stats.Wins++
		totalWins := stats.AverageWin*float64(stats.Wins-1) + finalPnL
		stats.AverageWin = totalWins / float64(stats.Wins)
	} else {
		stats.Losses++
		totalLosses := stats.AverageLoss*float64(stats.Losses-1) + finalPnL
		stats.AverageLoss = totalLosses / float64(stats.Losses)
	}
	if stats.TotalClosed > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalClosed)
	}
}

// GetStatistics returns a copy of the closed-position statistics.
func (s *JSONStorage) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Statistics
}

// clonePosition deep-copies a position so callers never share ledger maps.
func clonePosition(pos *models.Position) *models.Position {
	cp := *pos

	cp.Legs = append([]models.Leg(nil), pos.Legs...)

	cp.ProfitTargets = make(map[string]*models.ProfitTarget, len(pos.ProfitTargets))
	for key, t := range pos.ProfitTargets {
		tc := *t
		cp.ProfitTargets[key] = &tc
	}

	if pos.DTEState.LastProcessedDTE != nil {
		v := *pos.DTEState.LastProcessedDTE
		cp.DTEState.LastProcessedDTE = &v
	}
	cp.DTEState.CancelledTargets = make(map[string]models.CancelledTarget, len(pos.DTEState.CancelledTargets))
	for key, ct := range pos.DTEState.CancelledTargets {
		cp.DTEState.CancelledTargets[key] = ct
	}

	return &cp
}

// cloneTrade deep-copies a trade record.
func cloneTrade(trade *models.Trade) *models.Trade {
	cp := *trade
	cp.PositionSnapshot = append([]byte(nil), trade.PositionSnapshot...)
	return &cp
}

// sortPositions orders positions by entry date then id for stable output.
func sortPositions(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].EntryDate.Equal(positions[j].EntryDate) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].EntryDate.Before(positions[j].EntryDate)
	})
}
