// Package stream consumes the broker's order event websocket and feeds fill
// events into the tracker. Every connection starts with a freshly acquired
// event session; session handles are never cached across connections because
// stale handles outlive broker-side expiry.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// Handler receives each decoded order event.
type Handler func(ctx context.Context, event broker.OrderEvent) error

// Consumer owns one logical subscription to the broker's order event stream.
type Consumer struct {
	broker  broker.Broker
	handler Handler
	logger  *log.Logger
	dialer  *websocket.Dialer
}

// New creates a stream consumer.
func New(b broker.Broker, handler Handler, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.New(os.Stderr, "stream: ", log.LstdFlags)
	}
	if b == nil {
		panic("stream.New: broker must not be nil")
	}
	if handler == nil {
		panic("stream.New: handler must not be nil")
	}
	return &Consumer{
		broker:  b,
		handler: handler,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Run connects and consumes events until ctx is cancelled, reconnecting with
// capped exponential backoff. Each (re)connection acquires a new event
// session first.
func (c *Consumer) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("Stream disconnected: %v; reconnecting in %v", err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// consumeOnce runs one full connection lifecycle: fresh session, dial,
// subscribe, read until failure. A healthy read resets no state; everything
// is reacquired on the next call.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	sessionCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	session, err := c.broker.CreateEventSession(sessionCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("create event session: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, session.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", session.URL, err)
	}
	defer conn.Close()

	if err := c.subscribe(conn, session.SessionID); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-done:
		}
	}()
	go c.pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, message)
	}
}

// subscribe sends the session handshake asking for order events only.
func (c *Consumer) subscribe(conn *websocket.Conn, sessionID string) error {
	payload := struct {
		SessionID string   `json:"sessionid"`
		Events    []string `json:"events"`
	}{SessionID: sessionID, Events: []string{"order"}}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *Consumer) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one raw message and hands order events to the handler.
// Undecodable messages are logged and dropped; the stream carries heartbeats
// and acks this consumer has no use for.
func (c *Consumer) dispatch(ctx context.Context, raw []byte) {
	var envelope struct {
		Event     string  `json:"event"`
		OrderID   any     `json:"id"`
		Status    string  `json:"status"`
		AvgPrice  float64 `json:"avg_fill_price"`
		ExecQty   float64 `json:"exec_quantity"`
		LastFill  float64 `json:"last_fill_price"`
		LastQty   float64 `json:"last_fill_quantity"`
		Timestamp string  `json:"create_date"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Printf("Undecodable stream message dropped: %v", err)
		return
	}
	if envelope.Event != "order" {
		return
	}

	event := broker.OrderEvent{
		OrderID:          normalizeID(envelope.OrderID),
		Event:            envelope.Event,
		Status:           envelope.Status,
		FillPrice:        envelope.LastFill,
		Size:             envelope.LastQty,
		ExecutedQuantity: envelope.ExecQty,
	}
	if event.FillPrice == 0 {
		event.FillPrice = envelope.AvgPrice
	}
	if event.Size == 0 {
		event.Size = envelope.ExecQty
	}
	if ts, err := time.Parse(time.RFC3339, envelope.Timestamp); err == nil {
		event.OccurredAt = ts
	}

	if err := c.handler(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Printf("Handler error for order %s: %v", event.OrderID, err)
	}
}

// normalizeID renders broker order ids, which arrive as either numbers or
// strings, into the string domain the ledger uses.
func normalizeID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", id)
	}
}
