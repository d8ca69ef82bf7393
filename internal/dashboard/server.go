// Package dashboard exposes a read-only HTTP view of the position ledger.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
)

// Server serves ledger state as JSON. It never mutates the ledger.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    *logrus.Logger
	addr      string
	authToken string
}

// Config holds dashboard server settings.
type Config struct {
	ListenAddr string
	AuthToken  string
}

// PositionView is the wire representation of one ledger position.
type PositionView struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	Strategy          string    `json:"strategy"`
	Lifecycle         string    `json:"lifecycle"`
	EntryDate         time.Time `json:"entry_date"`
	Expiration        time.Time `json:"expiration"`
	DTE               int       `json:"dte"`
	EntryPrice        float64   `json:"entry_price"`
	IsCredit          bool      `json:"is_credit"`
	Quantity          int       `json:"quantity"`
	OriginalQuantity  int       `json:"original_quantity"`
	TotalRealizedPnL  float64   `json:"total_realized_pnl"`
	ActiveTargets     int       `json:"active_targets"`
	FilledTargets     int       `json:"filled_targets"`
	CancelledTargets  int       `json:"cancelled_targets"`
	ClosingOrderID    string    `json:"closing_order_id,omitempty"`
	ClosingLimitPrice float64   `json:"closing_limit_price,omitempty"`
	RetriesExhausted  bool      `json:"retries_exhausted,omitempty"`
}

// NewServer builds the router with all routes registered.
func NewServer(cfg Config, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		logger:    logger,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/positions/{id}", s.handleGetPosition)
	s.router.Get("/api/positions/{id}/trades", s.handleGetTrades)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

// authMiddleware requires the configured token on every route except the
// health probe and the Prometheus scrape endpoint.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	var positions []models.Position
	if r.URL.Query().Get("all") == "true" {
		positions = s.storage.GetAllPositions()
	} else {
		positions = s.storage.GetOpenPositions()
	}

	views := make([]PositionView, 0, len(positions))
	now := time.Now()
	for i := range positions {
		views = append(views, convertPositionToView(&positions[i], now))
	}

	s.writeJSON(w, views)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	position, found := s.storage.GetPositionByID(id)
	if !found {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	view := convertPositionToView(position, time.Now())
	s.writeJSON(w, view)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, found := s.storage.GetPositionByID(id); !found {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	trades := s.storage.GetTradesForPosition(id)
	s.writeJSON(w, trades)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.storage.GetStatistics()

	today := time.Now().UTC().Format("2006-01-02")
	payload := struct {
		storage.Statistics
		OpenPositions int     `json:"open_positions"`
		DailyPnL      float64 `json:"daily_pnl"`
	}{
		Statistics:    stats,
		OpenPositions: len(s.storage.GetOpenPositions()),
		DailyPnL:      s.storage.GetDailyPnL(today),
	}

	s.writeJSON(w, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func convertPositionToView(pos *models.Position, now time.Time) PositionView {
	view := PositionView{
		ID:                pos.ID,
		Symbol:            pos.Symbol,
		Strategy:          pos.Strategy,
		Lifecycle:         string(pos.Lifecycle),
		EntryDate:         pos.EntryDate,
		Expiration:        pos.Expiration,
		DTE:               pos.CalculateDTE(now),
		EntryPrice:        pos.EntryPrice,
		IsCredit:          pos.IsCredit,
		Quantity:          pos.Quantity,
		OriginalQuantity:  pos.OriginalQuantity,
		TotalRealizedPnL:  pos.TotalRealizedPnL,
		ClosingOrderID:    pos.DTEState.CurrentClosingOrderID,
		ClosingLimitPrice: pos.DTEState.CurrentLimitPrice,
		RetriesExhausted:  pos.DTEState.RetriesExhausted,
	}
	for _, t := range pos.ProfitTargets {
		switch t.Status {
		case models.TargetActive:
			view.ActiveTargets++
		case models.TargetFilled:
			view.FilledTargets++
		case models.TargetCancelled:
			view.CancelledTargets++
		}
	}
	return view
}
