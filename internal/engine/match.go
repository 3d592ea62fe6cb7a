package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

// processSubmit runs one submit job through the match state machine and
// writes the taker's terminal (or resting) state.
func (e *Engine) processSubmit(snapshot *models.Order) error {
	if snapshot == nil {
		e.log.Error("dropping submit job without order snapshot")
		return nil
	}

	taker := *snapshot
	normalize(&taker)

	// A redelivered job resumes from the ledger's view of the taker rather
	// than the snapshot's, so fills persisted by the failed attempt are not
	// counted again.
	current, err := e.ledger.GetOrder(taker.ID)
	if err == nil {
		if current.Status.Terminal() {
			e.log.Warn("skipping submit job for terminal order",
				zap.Int64("order_id", taker.ID),
				zap.String("status", string(current.Status)),
			)
			return nil
		}
		taker.Status = current.Status
		taker.FilledQuantity = current.FilledQuantity
	} else if !models.IsKind(err, models.KindNotFound) {
		return err
	}

	if err := e.matchLoop(&taker); err != nil {
		return err
	}
	if taker.Type == models.OrderTypeMarket {
		return e.finalizeMarket(&taker)
	}
	return e.finalizeLimit(&taker)
}

// matchLoop walks the opposite side of the book while the taker has claimable
// quantity and the price condition holds, executing one trade per iteration
// against the FIFO head of the best opposing level.
//
// Side-effect order within a trade step: trade + maker update in one ledger
// transaction, then the book mutation of the maker, then the taker's ledger
// update, then events. The book is never mutated ahead of a durable trade.
func (e *Engine) matchLoop(taker *models.Order) error {
	makerSide := taker.Side.Opposite()

	for taker.Remaining().Cmp(e.cfg.Epsilon) > 0 {
		best, ok := e.book.BestOpposite(taker.Side)
		if !ok {
			return nil
		}
		if taker.Type == models.OrderTypeLimit && !crosses(taker, best) {
			return nil
		}

		makerID, ok := e.book.PopOldestAt(makerSide, best)
		if !ok {
			// Orphaned level, cleaned by the book; look for the next best.
			continue
		}
		maker, ok := e.book.Fetch(makerID)
		if !ok {
			e.log.Warn("resting order missing from order map, skipping",
				zap.Int64("order_id", makerID),
				zap.String("price", best.String()),
			)
			e.metrics.BookOrphans.Inc()
			continue
		}

		tradeQty := decimal.Min(taker.Remaining(), maker.Remaining)
		if tradeQty.Cmp(e.cfg.Epsilon) <= 0 {
			// Dust maker below the tolerance; drop it rather than loop on it.
			e.book.DropResting(makerID)
			e.log.Warn("dropping dust maker from book",
				zap.Int64("order_id", makerID),
				zap.String("remaining", maker.Remaining.String()),
			)
			continue
		}

		newFilled := taker.FilledQuantity.Add(tradeQty)
		if newFilled.Sub(taker.Quantity).Cmp(e.cfg.Epsilon) > 0 {
			return models.NewError(models.KindInvariant,
				"taker %d fill %s would exceed quantity %s", taker.ID, newFilled, taker.Quantity)
		}

		trade := &models.Trade{
			Instrument: taker.Instrument,
			Price:      best,
			Quantity:   tradeQty,
			ExecutedAt: time.Now().UTC(),
		}
		if taker.Side == models.SideBuy {
			trade.BuyOrderID, trade.SellOrderID = taker.ID, makerID
		} else {
			trade.BuyOrderID, trade.SellOrderID = makerID, taker.ID
		}

		makerRemaining := maker.Remaining.Sub(tradeQty)
		makerFilled := maker.FilledTotal.Add(tradeQty)
		makerStatus := models.OrderStatusPartiallyFilled
		if makerRemaining.Cmp(e.cfg.Epsilon) <= 0 {
			makerStatus = models.OrderStatusFilled
		}

		persisted, err := e.ledger.RecordFill(trade, makerID, makerStatus, makerFilled)
		if err != nil {
			// The maker was popped but nothing is durable yet; restore it at
			// the head so the retry sees the book unchanged.
			e.book.PushFrontAt(makerSide, best, makerID)
			return err
		}

		if makerStatus == models.OrderStatusFilled {
			e.book.DropResting(makerID)
			e.metrics.OrdersFinalized.WithLabelValues(string(models.OrderStatusFilled)).Inc()
		} else {
			e.book.UpdateResting(makerID, makerRemaining, makerFilled)
			// Front of the level: a partial fill does not cost time priority.
			e.book.PushFrontAt(makerSide, best, makerID)
		}

		taker.FilledQuantity = newFilled
		if _, err := e.ledger.UpdateOrderStatus(taker.ID, models.OrderStatusPartiallyFilled, taker.FilledQuantity); err != nil {
			return err
		}

		e.metrics.TradesTotal.Inc()
		volume, _ := tradeQty.Float64()
		e.metrics.TradeVolume.Add(volume)

		e.bus.PublishTrade(persisted)
		e.bus.PublishBookDelta(makerSide, best, e.book.LevelQuantity(makerSide, best))
		e.bus.PublishOrderUpdate(makerID, makerStatus, makerFilled)
		e.bus.PublishOrderUpdate(taker.ID, models.OrderStatusPartiallyFilled, taker.FilledQuantity)

		e.log.Info("trade executed",
			zap.Int64("trade_id", persisted.ID),
			zap.Int64("buy_order_id", persisted.BuyOrderID),
			zap.Int64("sell_order_id", persisted.SellOrderID),
			zap.String("price", persisted.Price.String()),
			zap.String("quantity", persisted.Quantity.String()),
		)
	}
	return nil
}

// finalizeMarket writes the terminal state of a market taker. Market orders
// never rest: leftover quantity means the book was exhausted.
func (e *Engine) finalizeMarket(taker *models.Order) error {
	status := models.OrderStatusFilled
	switch {
	case taker.Remaining().Cmp(e.cfg.Epsilon) <= 0:
	case taker.FilledQuantity.IsPositive():
		status = models.OrderStatusPartiallyFilled
	default:
		// No liquidity at all; policy decides between a zero-fill
		// partially_filled and an outright reject.
		status = e.cfg.MarketNoLiquidityStatus
	}

	if _, err := e.ledger.UpdateOrderStatus(taker.ID, status, taker.FilledQuantity); err != nil {
		return err
	}
	e.metrics.OrdersFinalized.WithLabelValues(string(status)).Inc()
	e.bus.PublishOrderUpdate(taker.ID, status, taker.FilledQuantity)
	return nil
}

// finalizeLimit rests a limit taker's residual at the tail of its own side,
// or marks it filled when nothing remains.
func (e *Engine) finalizeLimit(taker *models.Order) error {
	remaining := taker.Remaining()
	if remaining.Cmp(e.cfg.Epsilon) <= 0 {
		if _, err := e.ledger.UpdateOrderStatus(taker.ID, models.OrderStatusFilled, taker.FilledQuantity); err != nil {
			return err
		}
		e.metrics.OrdersFinalized.WithLabelValues(string(models.OrderStatusFilled)).Inc()
		e.bus.PublishOrderUpdate(taker.ID, models.OrderStatusFilled, taker.FilledQuantity)
		return nil
	}

	status := models.OrderStatusOpen
	if taker.FilledQuantity.IsPositive() {
		status = models.OrderStatusPartiallyFilled
	}

	e.book.AppendAt(taker.Side, *taker.Price, &models.RestingOrder{
		OrderID:     taker.ID,
		ClientID:    taker.ClientID,
		Side:        taker.Side,
		Price:       *taker.Price,
		Remaining:   remaining,
		FilledTotal: taker.FilledQuantity,
		CreatedAt:   taker.CreatedAt,
	})
	if _, err := e.ledger.UpdateOrderStatus(taker.ID, status, taker.FilledQuantity); err != nil {
		return err
	}

	e.bus.PublishBookDelta(taker.Side, *taker.Price, e.book.LevelQuantity(taker.Side, *taker.Price))
	e.bus.PublishOrderUpdate(taker.ID, status, taker.FilledQuantity)
	return nil
}

// crosses reports whether a limit taker can trade at the best opposing price.
func crosses(taker *models.Order, best decimal.Decimal) bool {
	if taker.Side == models.SideBuy {
		return taker.Price.GreaterThanOrEqual(best)
	}
	return taker.Price.LessThanOrEqual(best)
}

// normalize rounds fixed-point fields to 8 fractional digits.
func normalize(order *models.Order) {
	order.Quantity = order.Quantity.Round(8)
	order.FilledQuantity = order.FilledQuantity.Round(8)
	if order.Price != nil {
		p := order.Price.Round(8)
		order.Price = &p
	}
}
