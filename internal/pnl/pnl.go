// Package pnl computes realized profit and loss for closed contracts.
//
// Two entry points exist: FromFill for the real-time path (one fill event
// against a recorded entry price) and FromTransactionHistory for the batch
// path (ground truth from broker account history). Both must agree to the
// cent for the same economic event; the reconciliation service treats any
// divergence as ledger drift. Arithmetic runs on decimals so the two paths
// cannot disagree by float accumulation.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

var contractMultiplier = decimal.NewFromInt(100)

// FromFill returns the realized P&L of closing quantity contracts at
// fillPrice against the recorded entryPrice.
//
// Credit structures profit when bought back below the entry credit:
// (entry - fill) x qty x 100. Debit structures mirror:
// (fill - entry) x qty x 100.
func FromFill(entryPrice, fillPrice float64, quantity int, isCredit bool) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	fill := decimal.NewFromFloat(fillPrice)
	qty := decimal.NewFromInt(int64(quantity))

	var perShare decimal.Decimal
	if isCredit {
		perShare = entry.Sub(fill)
	} else {
		perShare = fill.Sub(entry)
	}

	v, _ := perShare.Mul(qty).Mul(contractMultiplier).Round(2).Float64()
	return v
}

// FromTransactionHistory sums the signed net value of every opening and
// closing transaction for a position, producing a figure independent of which
// pathway closed it. Sells contribute cash in, buys contribute cash out;
// whatever remains after the position is flat is realized P&L.
func FromTransactionHistory(opening, closing []models.Transaction) float64 {
	total := decimal.Zero
	for _, txn := range opening {
		total = total.Add(signedAmount(txn))
	}
	for _, txn := range closing {
		total = total.Add(signedAmount(txn))
	}
	v, _ := total.Round(2).Float64()
	return v
}

// signedAmount converts a transaction's absolute amount into a cash flow.
func signedAmount(txn models.Transaction) decimal.Decimal {
	amount := decimal.NewFromFloat(txn.Amount)
	switch txn.Action {
	case models.ActionSellToOpen, models.ActionSellToClose:
		return amount
	case models.ActionBuyToOpen, models.ActionBuyToClose:
		return amount.Neg()
	default:
		return decimal.Zero
	}
}

// SplitByDirection partitions a transaction history into opening and closing
// legs, dropping anything that is neither (dividends, fees already netted by
// the broker, corporate actions).
func SplitByDirection(txns []models.Transaction) (opening, closing []models.Transaction) {
	for _, txn := range txns {
		switch {
		case txn.Action.IsOpening():
			opening = append(opening, txn)
		case txn.Action.IsClosing():
			closing = append(closing, txn)
		}
	}
	return opening, closing
}
