// audit_positions - A utility to audit the position ledger against broker
// transaction history. It reports the drift the reconciliation service would
// repair, without touching the ledger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/config"
	"github.com/eddiefleurent/scranton_closer/internal/models"
	"github.com/eddiefleurent/scranton_closer/internal/pnl"
	"github.com/eddiefleurent/scranton_closer/internal/retry"
	"github.com/eddiefleurent/scranton_closer/internal/storage"
)

// PositionAudit is one position's ledger-vs-history comparison.
type PositionAudit struct {
	PositionID      string  `json:"position_id"`
	Symbol          string  `json:"symbol"`
	Lifecycle       string  `json:"lifecycle"`
	LedgerQuantity  int     `json:"ledger_quantity"`
	HistoryQuantity int     `json:"history_quantity"`
	LedgerPnL       float64 `json:"ledger_pnl"`
	HistoryPnL      float64 `json:"history_pnl"`
	Drifted         bool    `json:"drifted"`
	Error           string  `json:"error,omitempty"`
}

// maskAccountID masks all but the last 4 characters of an account ID to prevent PII exposure
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Broker: %s (sandbox: %t)\n", cfg.Broker.Provider, cfg.IsPaperTrading())
		fmt.Printf("Account ID: %s\n", maskAccountID(cfg.Broker.AccountID))
		fmt.Printf("Ledger: %s\n\n", cfg.Storage.Path)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}

	tradierAPI := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading())
	history := retry.NewClient(broker.NewCircuitBreakerBroker(tradierAPI), log.Default())

	positions := store.GetOpenPositions()
	fmt.Printf("Auditing %d open position(s) against broker history...\n", len(positions))

	ctx := context.Background()
	audits := make([]PositionAudit, 0, len(positions))
	for i := range positions {
		audits = append(audits, auditPosition(ctx, history, &positions[i]))
	}

	if *jsonOutput {
		output, err := json.MarshalIndent(audits, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}

	printReport(audits)
}

// auditPosition recomputes one position's quantity and realized P&L from
// transaction history, mirroring the reconciler's derivation.
func auditPosition(ctx context.Context, history *retry.Client, pos *models.Position) PositionAudit {
	audit := PositionAudit{
		PositionID:     pos.ID,
		Symbol:         pos.Symbol,
		Lifecycle:      string(pos.Lifecycle),
		LedgerQuantity: pos.Quantity,
		LedgerPnL:      pos.TotalRealizedPnL,
	}

	txns, err := history.GetTransactionHistoryWithRetry(ctx, pos.Symbol, pos.EntryDate.AddDate(0, 0, -1))
	if err != nil {
		audit.Error = err.Error()
		return audit
	}

	opening, closing := pnl.SplitByDirection(txns)
	if len(opening) == 0 {
		audit.Error = "no opening transactions in history"
		return audit
	}

	opened, closed := 0, 0
	for _, txn := range opening {
		opened += txn.Quantity
	}
	for _, txn := range closing {
		closed += txn.Quantity
	}
	legCount := len(pos.Legs)
	if legCount == 0 {
		legCount = 1
	}
	remaining := (opened - closed) / legCount
	if remaining < 0 {
		remaining = 0
	}
	if remaining > pos.OriginalQuantity {
		remaining = pos.OriginalQuantity
	}
	audit.HistoryQuantity = remaining

	if closed < opened && opened > 0 {
		frac := float64(closed) / float64(opened)
		scaled := make([]models.Transaction, len(opening))
		for i, txn := range opening {
			txn.Amount *= frac
			scaled[i] = txn
		}
		opening = scaled
	}
	audit.HistoryPnL = pnl.FromTransactionHistory(opening, closing)

	audit.Drifted = audit.LedgerQuantity != audit.HistoryQuantity ||
		math.Abs(audit.LedgerPnL-audit.HistoryPnL) > 0.01
	return audit
}

func printReport(audits []PositionAudit) {
	drifted := 0
	for _, a := range audits {
		if a.Error != "" {
			fmt.Printf("  %s (%s): ERROR: %s\n", a.PositionID, a.Symbol, a.Error)
			continue
		}
		status := "OK"
		if a.Drifted {
			status = "DRIFT"
			drifted++
		}
		fmt.Printf("  %s (%s) [%s]: qty ledger=%d history=%d, pnl ledger=%.2f history=%.2f  %s\n",
			a.PositionID, a.Symbol, a.Lifecycle,
			a.LedgerQuantity, a.HistoryQuantity, a.LedgerPnL, a.HistoryPnL, status)
	}

	fmt.Printf("\n=== SUMMARY ===\n")
	fmt.Printf("Positions audited: %d\n", len(audits))
	fmt.Printf("Drifted: %d\n", drifted)
	if drifted > 0 {
		fmt.Printf("\nThe reconciliation sweep will repair these on its next run,\n")
		fmt.Printf("or run the engine with a shorter reconcile_interval to repair sooner.\n")
		os.Exit(1)
	}
	fmt.Printf("Ledger agrees with broker history.\n")
}
