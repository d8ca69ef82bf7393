package reconcile

import (
	"context"
	"errors"
	"log"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/bus"
	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/retry"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
)

type historyBroker struct {
	broker.Broker

	mu      sync.Mutex
	history map[string][]models.Transaction
	err     error
}

func (h *historyBroker) GetTransactionHistory(_ context.Context, symbol string, _ time.Time) ([]models.Transaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return h.history[symbol], nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	states []bus.StateChange
}

func (r *recordingBroadcaster) PublishState(c bus.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c)
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[reconcile-test] ", log.LstdFlags)
}

func newService(store storage.Interface, hb *historyBroker, rb *recordingBroadcaster) *Service {
	client := retry.NewClient(hb, testLogger(), retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})
	return New(store, client, rb, testLogger(), Config{
		SweepConcurrency: 2,
		PhantomThreshold: 30 * time.Minute,
	})
}

// singleLegPosition keeps quantity math direct: one leg, one contract per
// structure contract.
func singleLegPosition(id string, qty int) *models.Position {
	legs := []models.Leg{
		{OptionType: models.OptionTypePut, Side: models.LegSideShort, Strike: 500},
	}
	exp := time.Now().UTC().AddDate(0, 0, 20)
	pos := models.NewPosition(id, "SPY", "put", legs, 2.50, true, 5.0, qty, exp)
	pos.EntryDate = time.Now().UTC().AddDate(0, 0, -5)
	return pos
}

func TestRepairsMissedFill(t *testing.T) {
	store := storage.NewMockStorage()
	pos := singleLegPosition("pos-1", 3)
	if err := store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}

	// History: 3 contracts sold to open at $2.50, one bought back at $1.00.
	// The ledger never saw the closing fill.
	hb := &historyBroker{history: map[string][]models.Transaction{
		"SPY": {
			{Action: models.ActionSellToOpen, Quantity: 3, Amount: 750.0, Symbol: "SPY"},
			{Action: models.ActionBuyToClose, Quantity: 1, Amount: 100.0, Symbol: "SPY"},
		},
	}}
	rb := &recordingBroadcaster{}
	svc := newService(store, hb, rb)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetPositionByID("pos-1")
	if got.Quantity != 2 {
		t.Errorf("quantity = %d, want repaired to 2", got.Quantity)
	}
	// Realized share: (2.50 - 1.00) x 1 x 100 = 150, same as the fill path.
	if math.Abs(got.TotalRealizedPnL-150.0) > 0.01 {
		t.Errorf("TotalRealizedPnL = %v, want 150", got.TotalRealizedPnL)
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.states) != 1 {
		t.Errorf("broadcasts = %d, want 1 repair broadcast", len(rb.states))
	}
}

func TestInSyncPositionUntouched(t *testing.T) {
	store := storage.NewMockStorage()
	if err := store.AddPosition(singleLegPosition("pos-1", 3)); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	hb := &historyBroker{history: map[string][]models.Transaction{
		"SPY": {
			{Action: models.ActionSellToOpen, Quantity: 3, Amount: 750.0, Symbol: "SPY"},
		},
	}}
	rb := &recordingBroadcaster{}
	svc := newService(store, hb, rb)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetPositionByID("pos-1")
	if got.Quantity != 3 || got.TotalRealizedPnL != 0 {
		t.Errorf("in-sync position mutated: %+v", got)
	}
	if got.LastChecked.IsZero() {
		t.Error("LastChecked not stamped")
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.states) != 0 {
		t.Error("in-sync position broadcast a repair")
	}
}

func TestClosesPositionFlatInHistory(t *testing.T) {
	store := storage.NewMockStorage()
	pos := singleLegPosition("pos-1", 3)
	pos.Quantity = 1
	pos.Lifecycle = models.StateOpenPartial
	pos.TotalRealizedPnL = 300.0
	if err := store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}

	// All three contracts closed at $1.00.
	hb := &historyBroker{history: map[string][]models.Transaction{
		"SPY": {
			{Action: models.ActionSellToOpen, Quantity: 3, Amount: 750.0, Symbol: "SPY"},
			{Action: models.ActionBuyToClose, Quantity: 3, Amount: 300.0, Symbol: "SPY"},
		},
	}}
	svc := newService(store, hb, &recordingBroadcaster{})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetPositionByID("pos-1")
	if got.Quantity != 0 || got.Lifecycle != models.StateClosed {
		t.Errorf("position = qty %d state %s, want 0/closed", got.Quantity, got.Lifecycle)
	}
	// 750 - 300 = 450
	if math.Abs(got.TotalRealizedPnL-450.0) > 0.01 {
		t.Errorf("TotalRealizedPnL = %v, want 450", got.TotalRealizedPnL)
	}
	if got.ClosedAt.IsZero() {
		t.Error("ClosedAt not stamped on reconciled close")
	}
}

func TestPhantomPendingEntryCleanup(t *testing.T) {
	store := storage.NewMockStorage()
	pos := singleLegPosition("pos-phantom", 2)
	pos.Lifecycle = models.StatePendingEntry
	pos.EntryDate = time.Now().UTC().Add(-2 * time.Hour)
	if err := store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	hb := &historyBroker{history: map[string][]models.Transaction{}}
	svc := newService(store, hb, &recordingBroadcaster{})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetPositionByID("pos-phantom")
	if got.Lifecycle != models.StateClosed || got.Quantity != 0 {
		t.Errorf("phantom = qty %d state %s, want 0/closed", got.Quantity, got.Lifecycle)
	}
}

func TestFreshPendingEntryLeftAlone(t *testing.T) {
	store := storage.NewMockStorage()
	pos := singleLegPosition("pos-fresh", 2)
	pos.Lifecycle = models.StatePendingEntry
	pos.EntryDate = time.Now().UTC().Add(-time.Minute)
	if err := store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	hb := &historyBroker{history: map[string][]models.Transaction{}}
	svc := newService(store, hb, &recordingBroadcaster{})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.GetPositionByID("pos-fresh")
	if got.Lifecycle != models.StatePendingEntry {
		t.Errorf("fresh pending entry closed early: %s", got.Lifecycle)
	}
}

func TestHistoryErrorDoesNotBlockOthers(t *testing.T) {
	store := storage.NewMockStorage()
	bad := singleLegPosition("pos-bad", 2)
	bad.Symbol = "QQQ"
	good := singleLegPosition("pos-good", 3)
	if err := store.AddPosition(bad); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	if err := store.AddPosition(good); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}

	hb := &historyBroker{history: map[string][]models.Transaction{
		"SPY": {
			{Action: models.ActionSellToOpen, Quantity: 3, Amount: 750.0, Symbol: "SPY"},
			{Action: models.ActionBuyToClose, Quantity: 3, Amount: 0, Symbol: "SPY"},
		},
		// QQQ missing: no opening transactions, skipped with a log line.
	}}
	svc := newService(store, hb, &recordingBroadcaster{})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gotGood, _ := store.GetPositionByID("pos-good")
	if gotGood.Lifecycle != models.StateClosed {
		t.Errorf("pos-good not repaired: %s", gotGood.Lifecycle)
	}
	gotBad, _ := store.GetPositionByID("pos-bad")
	if gotBad.Quantity != 2 {
		t.Errorf("pos-bad mutated despite missing history: %+v", gotBad)
	}
}

func TestUnreachableBrokerLeavesLedgerAlone(t *testing.T) {
	store := storage.NewMockStorage()
	if err := store.AddPosition(singleLegPosition("pos-1", 3)); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	hb := &historyBroker{err: errors.New("connection refused")}
	svc := newService(store, hb, &recordingBroadcaster{})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.GetPositionByID("pos-1")
	if got.Quantity != 3 || got.TotalRealizedPnL != 0 {
		t.Errorf("ledger mutated while broker unreachable: %+v", got)
	}
}
