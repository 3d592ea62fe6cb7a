package stream

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

// Broadcast topics. Delivery is at-most-once per subscriber: a slow
// subscriber misses events rather than stalling the matcher.
const (
	TopicTrades    = "trades.executed"
	TopicOrders    = "orders.updated"
	TopicBookDelta = "orderbook.delta"
)

// TradeEvent announces an executed trade.
type TradeEvent struct {
	Trade models.Trade `json:"trade"`
}

// OrderUpdateEvent announces an order's current status and cumulative fill.
type OrderUpdateEvent struct {
	OrderID        int64              `json:"order_id"`
	Status         models.OrderStatus `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
}

// BookDeltaEvent announces the new aggregate remaining at a touched price.
// NewQuantity zero means the level was removed.
type BookDeltaEvent struct {
	Side        models.Side     `json:"side"`
	Price       decimal.Decimal `json:"price"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
}

// Bus is the broadcast channel for the matching loop's events.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    *zap.Logger
}

// NewBus builds the broadcast transport.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 1024},
			NewZapLoggerAdapter(log),
		),
		log: log,
	}
}

// PublishTrade broadcasts a new_trade event. Publish failures are logged, not
// returned: by the time events go out the durable writes have landed, and a
// broadcast fault must not fail the matching step.
func (b *Bus) PublishTrade(t *models.Trade) {
	b.publish(TopicTrades, TradeEvent{Trade: *t})
}

// PublishOrderUpdate broadcasts an order_update event.
func (b *Bus) PublishOrderUpdate(orderID int64, status models.OrderStatus, filled decimal.Decimal) {
	b.publish(TopicOrders, OrderUpdateEvent{OrderID: orderID, Status: status, FilledQuantity: filled})
}

// PublishBookDelta broadcasts an orderbook_delta event.
func (b *Bus) PublishBookDelta(side models.Side, price, newQuantity decimal.Decimal) {
	b.publish(TopicBookDelta, BookDeltaEvent{Side: side, Price: price, NewQuantity: newQuantity})
}

func (b *Bus) publish(topic string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Error("failed to encode event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := b.pubSub.Publish(topic, message.NewMessage(uuid.NewString(), payload)); err != nil {
		b.log.Error("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// Trades subscribes to new_trade events.
func (b *Bus) Trades(ctx context.Context) (<-chan TradeEvent, error) {
	return subscribe[TradeEvent](ctx, b, TopicTrades)
}

// OrderUpdates subscribes to order_update events.
func (b *Bus) OrderUpdates(ctx context.Context) (<-chan OrderUpdateEvent, error) {
	return subscribe[OrderUpdateEvent](ctx, b, TopicOrders)
}

// BookDeltas subscribes to orderbook_delta events.
func (b *Bus) BookDeltas(ctx context.Context) (<-chan BookDeltaEvent, error) {
	return subscribe[BookDeltaEvent](ctx, b, TopicBookDelta)
}

func subscribe[T any](ctx context.Context, b *Bus, topic string) (<-chan T, error) {
	msgs, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, models.WrapError(models.KindQueue, err, "failed to subscribe to %s", topic)
	}

	out := make(chan T, cap(msgs))
	go func() {
		defer close(out)
		for msg := range msgs {
			var event T
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.log.Error("dropping malformed event", zap.String("topic", topic), zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the transport down.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
