// Package engine runs the serialized matching state machine: a single
// consumer of the durable job stream that executes submits and cancels
// against the in-memory book, writes trades and status changes through the
// ledger, and emits events on the broadcast channel.
//
// Effective concurrency against the book is 1. For any two jobs J1 enqueued
// before J2, every side effect of J1 on ledger, book and broadcast
// happens-before any side effect of J2.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-matching-core/internal/book"
	"spot-matching-core/internal/metrics"
	"spot-matching-core/internal/models"
)

// Ledger is the slice of the durable store the engine drives. All operations
// are durable before return; UpdateOrderStatus is idempotent at the value
// level, and RecordFill combines the trade append with the maker's update in
// one transaction.
type Ledger interface {
	RecordFill(t *models.Trade, makerID int64, makerStatus models.OrderStatus, makerFilled decimal.Decimal) (*models.Trade, error)
	UpdateOrderStatus(id int64, status models.OrderStatus, filled decimal.Decimal) (*models.Order, error)
	GetOrder(id int64) (*models.Order, error)
	OpenOrders() ([]models.Order, error)
	RecentTrades(limit int) ([]models.Trade, error)
	DetailedTrades(limit int) ([]models.DetailedTrade, error)
}

// Queue delivers jobs in enqueue order, one at a time.
type Queue interface {
	Consume(ctx context.Context, handler func(*models.Job) error) error
}

// Bus broadcasts the matching loop's events.
type Bus interface {
	PublishTrade(t *models.Trade)
	PublishOrderUpdate(orderID int64, status models.OrderStatus, filled decimal.Decimal)
	PublishBookDelta(side models.Side, price, newQuantity decimal.Decimal)
}

// Config are the engine's tunables.
type Config struct {
	Instrument string

	// Epsilon tolerates fixed-point rounding artifacts; remaining
	// quantities at or below it count as exhausted.
	Epsilon decimal.Decimal

	PriceLevelsDefault  int
	RecentTradesDefault int

	// MarketNoLiquidityStatus is the terminal status for a market taker
	// that found no liquidity at all: partially_filled or rejected.
	MarketNoLiquidityStatus models.OrderStatus
}

// Engine is the matching core's single consumer.
type Engine struct {
	cfg     Config
	ledger  Ledger
	book    *book.Book
	queue   Queue
	bus     Bus
	log     *zap.Logger
	metrics *metrics.Collector

	rebuilt atomic.Bool
}

// New wires an engine. The book must be rebuilt from the ledger before Run
// will consume jobs.
func New(cfg Config, ledger Ledger, bk *book.Book, q Queue, bus Bus, log *zap.Logger, m *metrics.Collector) *Engine {
	e := &Engine{
		cfg:     cfg,
		ledger:  ledger,
		book:    bk,
		queue:   q,
		bus:     bus,
		log:     log,
		metrics: m,
	}
	bk.SetOrphanHook(func(reason string, price decimal.Decimal, orderID int64) {
		m.BookOrphans.Inc()
	})
	return e
}

// Book exposes the engine-owned book for read-mostly snapshot queries.
func (e *Engine) Book() *book.Book { return e.book }

// Rebuild replays the ledger's open and partially filled limit orders into
// the book, in submission order. It must run before Run: the ledger is the
// source of truth and the engine refuses to match against a cold book.
func (e *Engine) Rebuild() error {
	orders, err := e.ledger.OpenOrders()
	if err != nil {
		return err
	}

	loaded := 0
	for idx := range orders {
		order := &orders[idx]
		if order.Type != models.OrderTypeLimit || order.Price == nil {
			// Market orders never rest; an open one in the ledger means a
			// crash mid-step, left for the job stream to finish.
			continue
		}
		remaining := order.Remaining()
		if remaining.Cmp(e.cfg.Epsilon) <= 0 {
			continue
		}
		e.book.AppendAt(order.Side, *order.Price, &models.RestingOrder{
			OrderID:     order.ID,
			ClientID:    order.ClientID,
			Side:        order.Side,
			Price:       *order.Price,
			Remaining:   remaining,
			FilledTotal: order.FilledQuantity,
			CreatedAt:   order.CreatedAt,
		})
		loaded++
	}

	e.rebuilt.Store(true)
	e.log.Info("order book rebuilt from ledger", zap.Int("orders_loaded", loaded))
	return nil
}

// Run consumes the job stream until ctx is done. Jobs are processed strictly
// in enqueue order with concurrency 1.
func (e *Engine) Run(ctx context.Context) error {
	if !e.rebuilt.Load() {
		return models.NewError(models.KindInvariant, "refusing to serve: book was not rebuilt from the ledger")
	}
	return e.queue.Consume(ctx, e.handle)
}

func (e *Engine) handle(job *models.Job) error {
	start := time.Now()
	var err error
	switch job.Kind {
	case models.JobSubmit:
		err = e.processSubmit(job.Order)
	case models.JobCancel:
		err = e.processCancel(job.OrderID)
	default:
		e.log.Error("dropping job of unknown kind", zap.String("kind", string(job.Kind)))
	}
	e.metrics.MatchLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}
	if models.IsKind(err, models.KindInvariant) {
		// Aborted un-clamped; retrying would trip the same violation, so
		// surface loudly and let the stream move on.
		e.log.Error("invariant violation, step aborted",
			zap.Int64("order_id", job.OrderID),
			zap.Error(err),
		)
		return nil
	}
	e.metrics.JobRetries.Inc()
	return err
}

// processCancel removes a resting order from the book and marks it cancelled
// in the ledger, preserving the accumulated fill. An order absent from the
// book was fully filled by a prior job; the cancel is then a no-op success.
func (e *Engine) processCancel(orderID int64) error {
	state, ok := e.book.Fetch(orderID)
	if !ok {
		e.log.Debug("cancel is a no-op, order not resting", zap.Int64("order_id", orderID))
		return nil
	}

	// Side and price come from the ledger, which is authoritative; the
	// remaining quantity comes from the book.
	order, err := e.ledger.GetOrder(orderID)
	if err != nil {
		return err
	}
	side, price := order.Side, state.Price
	if order.Price != nil {
		price = *order.Price
	}

	// Ledger first: a cancelled order that still rests briefly cannot
	// trade before this job finishes, while the reverse order could leave
	// a cancelled order matchable after a crash.
	if _, err := e.ledger.UpdateOrderStatus(orderID, models.OrderStatusCancelled, order.FilledQuantity); err != nil {
		return err
	}
	e.book.Remove(orderID)

	e.metrics.OrdersFinalized.WithLabelValues(string(models.OrderStatusCancelled)).Inc()
	e.bus.PublishBookDelta(side, price, e.book.LevelQuantity(side, price))
	e.bus.PublishOrderUpdate(orderID, models.OrderStatusCancelled, order.FilledQuantity)

	e.log.Info("order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("filled_quantity", order.FilledQuantity.String()),
	)
	return nil
}
