// Package stream carries the core's two message flows on watermill: the
// durable FIFO job stream the matching engine consumes, and the broadcast
// event topics subscribers fan in on.
package stream

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

// TopicJobs is the matching engine's job stream.
const TopicJobs = "jobs.matching"

// Queue is the durable FIFO job transport between intake and the matching
// engine. Jobs are delivered in enqueue order to a single consumer; a nacked
// job is redelivered in place, which is the engine's per-step retry.
type Queue struct {
	pubSub *gochannel.GoChannel
	log    *zap.Logger
}

// NewQueue builds a persistent in-process queue. Persistence here means
// messages published before the consumer subscribes are retained and
// delivered once it does.
func NewQueue(log *zap.Logger) *Queue {
	return &Queue{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 4096,
				Persistent:          true,
			},
			NewZapLoggerAdapter(log),
		),
		log: log,
	}
}

// EnqueueSubmit appends a submit job carrying the full persisted order
// snapshot.
func (q *Queue) EnqueueSubmit(order *models.Order) error {
	return q.publish(&models.Job{Kind: models.JobSubmit, Order: order, OrderID: order.ID})
}

// EnqueueCancel appends a cancel job carrying only the order id.
func (q *Queue) EnqueueCancel(orderID int64) error {
	return q.publish(&models.Job{Kind: models.JobCancel, OrderID: orderID})
}

func (q *Queue) publish(job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return models.WrapError(models.KindQueue, err, "failed to encode job")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := q.pubSub.Publish(TopicJobs, msg); err != nil {
		return models.WrapError(models.KindQueue, err, "failed to enqueue %s job", job.Kind)
	}
	return nil
}

// Consume delivers jobs to handler one at a time, in enqueue order, until ctx
// is done. A handler error nacks the message for in-order redelivery; a
// malformed payload is logged and dropped since retrying cannot fix it.
func (q *Queue) Consume(ctx context.Context, handler func(*models.Job) error) error {
	msgs, err := q.pubSub.Subscribe(ctx, TopicJobs)
	if err != nil {
		return models.WrapError(models.KindQueue, err, "failed to subscribe to job stream")
	}

	for msg := range msgs {
		var job models.Job
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			q.log.Error("dropping malformed job", zap.String("message_id", msg.UUID), zap.Error(err))
			msg.Ack()
			continue
		}
		if err := handler(&job); err != nil {
			q.log.Error("job failed, redelivering",
				zap.String("message_id", msg.UUID),
				zap.String("kind", string(job.Kind)),
				zap.Int64("order_id", job.OrderID),
				zap.Error(err),
			)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
	return ctx.Err()
}

// Close shuts the transport down.
func (q *Queue) Close() error {
	return q.pubSub.Close()
}
