package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

func testSpec() OrderSpec {
	return OrderSpec{
		Symbol: "SPY",
		Legs: []OrderLeg{
			{OptionSymbol: "SPY260320P00500000", Side: models.ActionBuyToClose, Quantity: 2},
			{OptionSymbol: "SPY260320P00497000", Side: models.ActionSellToClose, Quantity: 2},
		},
		OrderType:  "debit",
		LimitPrice: 1.55,
		Duration:   "day",
		Tag:        "dte-close",
	}
}

func TestSubmitOrder(t *testing.T) {
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"class":            r.PostForm.Get("class"),
			"type":             r.PostForm.Get("type"),
			"price":            r.PostForm.Get("price"),
			"option_symbol[0]": r.PostForm.Get("option_symbol[0]"),
			"side[1]":          r.PostForm.Get("side[1]"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"id":873210,"status":"ok"}}`))
	}))
	defer server.Close()

	api := NewTradierAPI("key", "acct", true).WithBaseURL(server.URL)
	id, err := api.SubmitOrder(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if id != "873210" {
		t.Errorf("expected order id 873210, got %s", id)
	}
	if gotForm["class"] != "multileg" || gotForm["type"] != "debit" || gotForm["price"] != "1.55" {
		t.Errorf("unexpected form payload: %v", gotForm)
	}
	if gotForm["option_symbol[0]"] != "SPY260320P00500000" || gotForm["side[1]"] != "sell_to_close" {
		t.Errorf("unexpected leg encoding: %v", gotForm)
	}
}

func TestSubmitOrderRejectsInvalidSpec(t *testing.T) {
	api := NewTradierAPI("key", "acct", true)

	spec := testSpec()
	spec.LimitPrice = 0
	if _, err := api.SubmitOrder(context.Background(), spec); err == nil {
		t.Error("zero limit price should be rejected before hitting the wire")
	}

	spec = testSpec()
	spec.Legs = nil
	if _, err := api.SubmitOrder(context.Background(), spec); err == nil {
		t.Error("order without legs should be rejected")
	}
}

func TestSubmitOrderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":{"error":"account not authorized"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	api := NewTradierAPI("key", "acct", true).WithBaseURL(server.URL)
	_, err := api.SubmitOrder(context.Background(), testSpec())

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", apiErr.Status)
	}
}

func TestGetOrderStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"id":873210,"status":"partially_filled",` +
			`"quantity":3,"exec_quantity":1,"remaining_quantity":2,"avg_fill_price":1.52}}`))
	}))
	defer server.Close()

	api := NewTradierAPI("key", "acct", true).WithBaseURL(server.URL)
	status, err := api.GetOrderStatus(context.Background(), "873210")
	if err != nil {
		t.Fatalf("GetOrderStatus failed: %v", err)
	}
	if status.State != OrderPartial {
		t.Errorf("expected partial, got %s", status.State)
	}
	if status.FilledQuantity != 1 || status.RemainingQuantity != 2 {
		t.Errorf("unexpected quantities: %+v", status)
	}
}

func TestGetTransactionHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "SPY" {
			t.Errorf("expected symbol=SPY, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"history":{"event":[
			{"type":"trade","date":"2026-03-02T15:04:05Z","amount":450.00,
			 "trade":{"symbol":"SPY260320P00500000","quantity":-3,"price":1.50,
			          "trade_type":"Option","description":"Sell to Open SPY Mar 20 Put"}},
			{"type":"trade","date":"2026-03-10T15:04:05Z","amount":-150.00,
			 "trade":{"symbol":"SPY260320P00500000","quantity":1,"price":1.50,
			          "trade_type":"Option","description":"Buy to Close SPY Mar 20 Put"}},
			{"type":"journal","date":"2026-03-11T00:00:00Z","amount":12.00,"trade":{}}
		]}}`))
	}))
	defer server.Close()

	api := NewTradierAPI("key", "acct", true).WithBaseURL(server.URL)
	txns, err := api.GetTransactionHistory(context.Background(), "SPY",
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 option trades, got %d", len(txns))
	}
	if txns[0].Action != models.ActionSellToOpen || txns[0].Amount != 450.0 || txns[0].Quantity != 3 {
		t.Errorf("unexpected first transaction: %+v", txns[0])
	}
	if txns[1].Action != models.ActionBuyToClose || txns[1].Amount != 150.0 {
		t.Errorf("unexpected second transaction: %+v", txns[1])
	}
}

func TestCreateEventSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stream":{"url":"wss://stream.example/v1/accounts/events","sessionid":"abc123"}}`))
	}))
	defer server.Close()

	api := NewTradierAPI("key", "acct", true).WithBaseURL(server.URL)
	session, err := api.CreateEventSession(context.Background())
	if err != nil {
		t.Fatalf("CreateEventSession failed: %v", err)
	}
	if session.SessionID != "abc123" || session.URL == "" {
		t.Errorf("unexpected session: %+v", session)
	}
}

func TestNormalizeOrderState(t *testing.T) {
	cases := map[string]OrderState{
		"Filled":           OrderFilled,
		"canceled":         OrderCanceled,
		"cancelled":        OrderCanceled,
		"rejected":         OrderRejected,
		"expired":          OrderExpired,
		"partially_filled": OrderPartial,
		"open":             OrderOpen,
		"whatever":         OrderPending,
	}
	for raw, want := range cases {
		if got := NormalizeOrderState(raw); got != want {
			t.Errorf("NormalizeOrderState(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestOrderStatusCompletelyFilled(t *testing.T) {
	// Status string wins when explicit.
	s := &OrderStatus{State: OrderFilled}
	if !s.CompletelyFilled() {
		t.Error("filled status should report complete")
	}

	// "partial" with zero remaining and something executed is complete.
	s = &OrderStatus{State: OrderPartial, FilledQuantity: 3, RemainingQuantity: 0}
	if !s.CompletelyFilled() {
		t.Error("partial with zero remaining should report complete")
	}

	// Rejected orders execute nothing; never complete.
	s = &OrderStatus{State: OrderRejected, FilledQuantity: 0, RemainingQuantity: 0}
	if s.CompletelyFilled() {
		t.Error("nothing executed must not report complete")
	}
}

func TestOrderEventFilledQuantity(t *testing.T) {
	// Brokers report closing fills with negative size; quantity is unsigned.
	e := OrderEvent{Size: -2}
	if e.FilledQuantity() != 2 {
		t.Errorf("expected 2, got %d", e.FilledQuantity())
	}
	e = OrderEvent{Size: 1}
	if e.FilledQuantity() != 1 {
		t.Errorf("expected 1, got %d", e.FilledQuantity())
	}
}

func TestOrderEventCumulativeQuantity(t *testing.T) {
	// The running total wins when present; otherwise the event size stands in.
	e := OrderEvent{Size: -1, ExecutedQuantity: 2}
	if e.CumulativeQuantity() != 2 {
		t.Errorf("expected 2, got %d", e.CumulativeQuantity())
	}
	e = OrderEvent{Size: -1}
	if e.CumulativeQuantity() != 1 {
		t.Errorf("expected 1, got %d", e.CumulativeQuantity())
	}
}

func TestFormatOCCSymbol(t *testing.T) {
	exp := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	got := FormatOCCSymbol("SPY", exp, models.OptionTypePut, 500.0)
	if got != "SPY260320P00500000" {
		t.Errorf("unexpected OCC symbol: %s", got)
	}
	got = FormatOCCSymbol("SPY", exp, models.OptionTypeCall, 612.5)
	if got != "SPY260320C00612500" {
		t.Errorf("unexpected OCC symbol: %s", got)
	}
}
