// Package intake validates submissions, claims their idempotency keys,
// persists them as open and hands them to the matching engine's job stream.
// Each step strictly precedes the next; a failure at any step surfaces with
// its taxonomy kind and leaves the earlier steps' effects in place.
package intake

import (
	"go.uber.org/zap"

	"spot-matching-core/internal/metrics"
	"spot-matching-core/internal/models"
)

// Ledger is the slice of the durable store intake needs.
type Ledger interface {
	InsertOpenOrder(sub *models.Submission) (*models.Order, error)
	GetOrder(id int64) (*models.Order, error)
}

// Queue enqueues jobs for the matching engine.
type Queue interface {
	EnqueueSubmit(order *models.Order) error
	EnqueueCancel(orderID int64) error
}

// Gate claims idempotency keys.
type Gate interface {
	Claim(key string) (bool, error)
}

// Intake is the submission front of the core.
type Intake struct {
	instrument string
	ledger     Ledger
	gate       Gate
	queue      Queue
	log        *zap.Logger
	metrics    *metrics.Collector
}

// New wires an Intake for a single instrument.
func New(instrument string, ledger Ledger, g Gate, q Queue, log *zap.Logger, m *metrics.Collector) *Intake {
	return &Intake{
		instrument: instrument,
		ledger:     ledger,
		gate:       g,
		queue:      q,
		log:        log,
		metrics:    m,
	}
}

// Submit runs the submission pipeline: validate, claim the idempotency key,
// persist as open, enqueue. The accepted order is returned as persisted.
//
// A key claimed before a failed insert stays claimed: the same key is
// rejected on retry and clients must re-attempt with a fresh key. Safety
// over convenience.
func (i *Intake) Submit(sub *models.Submission) (*models.Order, error) {
	if err := i.validate(sub); err != nil {
		i.reject(models.KindValidation)
		return nil, err
	}

	fresh, err := i.gate.Claim(sub.IdempotencyKey)
	if err != nil {
		// Fail closed: an unreachable gate rejects rather than admits.
		i.reject(models.KindCache)
		return nil, models.WrapError(models.KindCache, err, "idempotency gate unavailable")
	}
	if !fresh {
		i.reject(models.KindDuplicate)
		return nil, models.NewError(models.KindDuplicate, "idempotency key already used")
	}

	order, err := i.ledger.InsertOpenOrder(sub)
	if err != nil {
		i.reject(models.KindStorage)
		return nil, models.WrapError(models.KindStorage, err, "failed to persist order")
	}

	if err := i.queue.EnqueueSubmit(order); err != nil {
		i.reject(models.KindQueue)
		return nil, models.WrapError(models.KindQueue, err, "failed to enqueue order %d", order.ID)
	}

	i.metrics.OrdersAccepted.WithLabelValues(string(order.Side), string(order.Type)).Inc()
	i.log.Info("order accepted",
		zap.Int64("order_id", order.ID),
		zap.String("client_id", order.ClientID),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("quantity", order.Quantity.String()),
	)
	return order, nil
}

// Cancel enqueues a cancel job for a live order and returns its current
// ledger state. The engine alone decides whether the cancellation takes
// effect; the race against a fill is resolved by job order.
func (i *Intake) Cancel(orderID int64) (*models.Order, error) {
	order, err := i.ledger.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, models.NewError(models.KindConflict, "order %d is already %s", orderID, order.Status)
	}

	if err := i.queue.EnqueueCancel(orderID); err != nil {
		return nil, models.WrapError(models.KindQueue, err, "failed to enqueue cancel for order %d", orderID)
	}

	i.log.Info("cancel accepted", zap.Int64("order_id", orderID))
	return order, nil
}

func (i *Intake) validate(sub *models.Submission) error {
	if sub.ClientID == "" {
		return models.NewError(models.KindValidation, "client_id is required")
	}
	if sub.Instrument != i.instrument {
		return models.NewError(models.KindValidation, "unsupported instrument %q", sub.Instrument)
	}
	if sub.Side != models.SideBuy && sub.Side != models.SideSell {
		return models.NewError(models.KindValidation, "side must be 'buy' or 'sell'")
	}
	if sub.Type != models.OrderTypeLimit && sub.Type != models.OrderTypeMarket {
		return models.NewError(models.KindValidation, "type must be 'limit' or 'market'")
	}
	if !sub.Quantity.IsPositive() {
		return models.NewError(models.KindValidation, "quantity must be positive")
	}
	if sub.Type == models.OrderTypeLimit {
		if sub.Price == nil || !sub.Price.IsPositive() {
			return models.NewError(models.KindValidation, "price is required for limit orders and must be positive")
		}
	} else if sub.Price != nil {
		return models.NewError(models.KindValidation, "market orders must not carry a price")
	}
	if sub.IdempotencyKey == "" {
		return models.NewError(models.KindValidation, "idempotency_key is required")
	}
	return nil
}

func (i *Intake) reject(kind models.ErrorKind) {
	i.metrics.OrdersRejected.WithLabelValues(string(kind)).Inc()
}
