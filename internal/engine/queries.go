package engine

import (
	"github.com/shopspring/decimal"

	"spot-matching-core/internal/models"
)

const maxQueryLimit = 500

// GetOrder returns the ledger's current view of an order.
func (e *Engine) GetOrder(id int64) (*models.Order, error) {
	return e.ledger.GetOrder(id)
}

// Snapshot returns the top levels of both sides, with running cumulative
// quantities. The snapshot is consistent per side but the two sides may
// straddle a matching step.
func (e *Engine) Snapshot(levels int) *models.BookSnapshot {
	if levels <= 0 {
		levels = e.cfg.PriceLevelsDefault
	}
	if levels > maxQueryLimit {
		levels = maxQueryLimit
	}
	return &models.BookSnapshot{
		Instrument: e.cfg.Instrument,
		Asks:       accumulate(e.book.Levels(models.SideSell, levels)),
		Bids:       accumulate(e.book.Levels(models.SideBuy, levels)),
	}
}

// RecentTrades returns the newest trades, most recent first.
func (e *Engine) RecentTrades(limit int) ([]models.Trade, error) {
	return e.ledger.RecentTrades(e.clampLimit(limit))
}

// DetailedTrades returns the newest trades joined with counterparty client
// ids, most recent first.
func (e *Engine) DetailedTrades(limit int) ([]models.DetailedTrade, error) {
	return e.ledger.DetailedTrades(e.clampLimit(limit))
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.RecentTradesDefault
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func accumulate(levels []models.BookLevel) []models.BookLevel {
	sum := decimal.Zero
	for i := range levels {
		sum = sum.Add(levels[i].Quantity)
		levels[i].Cumulative = sum
	}
	return levels
}
