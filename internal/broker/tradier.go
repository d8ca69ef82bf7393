package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

const (
	productionBaseURL = "https://api.tradier.com/v1"
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"

	defaultHTTPTimeout = 15 * time.Second

	// errorBodyCap bounds error payloads copied into APIError.
	errorBodyCap = 64 << 10
)

// TradierAPI is the Tradier-backed implementation of the Broker interface.
type TradierAPI struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// Ensure TradierAPI implements Broker at compile time.
var _ Broker = (*TradierAPI)(nil)

// NewTradierAPI creates a new Tradier client.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	baseURL := productionBaseURL
	if sandbox {
		baseURL = sandboxBaseURL
	}
	return &TradierAPI{
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		sandbox:   sandbox,
	}
}

// WithBaseURL overrides the API endpoint; used by tests with httptest servers.
func (t *TradierAPI) WithBaseURL(baseURL string) *TradierAPI {
	if baseURL != "" {
		t.baseURL = strings.TrimRight(baseURL, "/")
	}
	return t
}

// WithHTTPClient overrides the HTTP client.
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// orderEnvelope is the shared shape of Tradier order responses.
type orderEnvelope struct {
	Order struct {
		ID                int64   `json:"id"`
		Status            string  `json:"status"`
		Quantity          float64 `json:"quantity"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
	} `json:"order"`
}

// SubmitOrder places a multileg order and returns the broker order id.
func (t *TradierAPI) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", spec.Symbol)
	params.Add("type", spec.OrderType)
	params.Add("duration", spec.Duration)
	if spec.OrderType != "even" {
		params.Add("price", fmt.Sprintf("%.2f", spec.LimitPrice))
	}
	if spec.Tag != "" {
		params.Add("tag", spec.Tag)
	}
	for i, leg := range spec.Legs {
		params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.OptionSymbol)
		params.Add(fmt.Sprintf("side[%d]", i), string(leg.Side))
		params.Add(fmt.Sprintf("quantity[%d]", i), fmt.Sprintf("%d", leg.Quantity))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var resp orderEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return "", err
	}
	if resp.Order.ID == 0 {
		return "", fmt.Errorf("broker returned no order id (status %q)", resp.Order.Status)
	}
	return fmt.Sprintf("%d", resp.Order.ID), nil
}

// CancelOrder cancels a working order.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("cancel order: order id is required")
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))

	var resp orderEnvelope
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &resp)
}

// GetOrderStatus retrieves the current state of an order.
func (t *TradierAPI) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order status: order id is required")
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))

	var resp orderEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Order.ID == 0 {
		return nil, fmt.Errorf("order payload missing for %s", orderID)
	}
	return &OrderStatus{
		ID:                fmt.Sprintf("%d", resp.Order.ID),
		State:             NormalizeOrderState(resp.Order.Status),
		FilledQuantity:    resp.Order.ExecQuantity,
		RemainingQuantity: resp.Order.RemainingQuantity,
		AvgFillPrice:      resp.Order.AvgFillPrice,
	}, nil
}

// historyEnvelope is the shape of Tradier account history responses.
type historyEnvelope struct {
	History struct {
		Event []historyEvent `json:"event"`
	} `json:"history"`
}

type historyEvent struct {
	Type   string  `json:"type"`
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
	Trade  struct {
		Symbol      string  `json:"symbol"`
		Quantity    float64 `json:"quantity"`
		Price       float64 `json:"price"`
		TradeType   string  `json:"trade_type"`
		Description string  `json:"description"`
	} `json:"trade"`
}

// GetTransactionHistory returns option trade transactions for symbol since the
// given time, normalized to ledger transactions.
func (t *TradierAPI) GetTransactionHistory(
	ctx context.Context, symbol string, since time.Time,
) ([]models.Transaction, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/history?limit=500&start=%s&symbol=%s",
		t.baseURL, t.accountID, since.Format("2006-01-02"), url.QueryEscape(symbol))

	var resp historyEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	txns := make([]models.Transaction, 0, len(resp.History.Event))
	for _, ev := range resp.History.Event {
		if ev.Type != "trade" || !strings.EqualFold(ev.Trade.TradeType, "option") {
			continue
		}
		action := parseTradeAction(ev.Trade.Description, ev.Trade.Quantity)
		if !action.Valid() {
			// Not a position-related option trade (journal, exercise note).
			continue
		}
		occurred, err := time.Parse(time.RFC3339, ev.Date)
		if err != nil {
			occurred = time.Time{}
		}
		qty := int(ev.Trade.Quantity)
		if qty < 0 {
			qty = -qty
		}
		amount := ev.Amount
		if amount < 0 {
			amount = -amount
		}
		txns = append(txns, models.Transaction{
			OccurredAt:   occurred,
			Symbol:       symbol,
			OptionSymbol: ev.Trade.Symbol,
			Action:       action,
			Quantity:     qty,
			Amount:       amount,
			Description:  ev.Trade.Description,
		})
	}
	return txns, nil
}

// parseTradeAction recovers the broker action from a history event. Tradier
// spells it out in the description; the signed quantity disambiguates when
// the description is terse.
func parseTradeAction(description string, signedQty float64) models.TxnAction {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "sell to open"):
		return models.ActionSellToOpen
	case strings.Contains(d, "buy to open"):
		return models.ActionBuyToOpen
	case strings.Contains(d, "sell to close"):
		return models.ActionSellToClose
	case strings.Contains(d, "buy to close"):
		return models.ActionBuyToClose
	case strings.Contains(d, "open") && signedQty < 0:
		return models.ActionSellToOpen
	case strings.Contains(d, "open") && signedQty > 0:
		return models.ActionBuyToOpen
	case strings.Contains(d, "close") && signedQty > 0:
		return models.ActionBuyToClose
	case strings.Contains(d, "close") && signedQty < 0:
		return models.ActionSellToClose
	default:
		return models.TxnAction("")
	}
}

// sessionEnvelope is the shape of Tradier streaming session responses.
type sessionEnvelope struct {
	Stream struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionid"`
	} `json:"stream"`
}

// CreateEventSession mints a fresh account event stream session. Tradier
// sessions expire after five minutes; callers dial immediately and request a
// new session on every reconnect.
func (t *TradierAPI) CreateEventSession(ctx context.Context) (*EventSession, error) {
	endpoint := fmt.Sprintf("%s/accounts/events/session", t.baseURL)

	var resp sessionEnvelope
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, url.Values{}, &resp); err != nil {
		return nil, err
	}
	if resp.Stream.URL == "" || resp.Stream.SessionID == "" {
		return nil, fmt.Errorf("event session response missing url or session id")
	}
	return &EventSession{
		URL:       resp.Stream.URL,
		SessionID: resp.Stream.SessionID,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}, nil
}

// makeRequestCtx makes an HTTP request with context support for
// timeout/cancellation.
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "scranton-closer/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusNoContent:
		return nil
	default:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode,
			Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
