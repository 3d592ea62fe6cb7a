package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

func TestQueue_FIFOAcrossKinds(t *testing.T) {
	q := NewQueue(zap.NewNop())
	defer q.Close()

	// Enqueued before the consumer subscribes; the persistent transport must
	// retain and deliver them in order.
	require.NoError(t, q.EnqueueSubmit(&models.Order{ID: 1}))
	require.NoError(t, q.EnqueueCancel(1))
	require.NoError(t, q.EnqueueSubmit(&models.Order{ID: 2}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []models.Job
	done := make(chan struct{})
	go func() {
		q.Consume(ctx, func(job *models.Job) error {
			got = append(got, *job)
			if len(got) == 3 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}

	require.Len(t, got, 3)
	assert.Equal(t, models.JobSubmit, got[0].Kind)
	assert.Equal(t, int64(1), got[0].Order.ID)
	assert.Equal(t, models.JobCancel, got[1].Kind)
	assert.Equal(t, int64(1), got[1].OrderID)
	assert.Equal(t, models.JobSubmit, got[2].Kind)
	assert.Equal(t, int64(2), got[2].Order.ID)
}

func TestQueue_NackRedeliversInPlace(t *testing.T) {
	q := NewQueue(zap.NewNop())
	defer q.Close()

	require.NoError(t, q.EnqueueSubmit(&models.Order{ID: 1}))
	require.NoError(t, q.EnqueueSubmit(&models.Order{ID: 2}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int64
	attempts := 0
	done := make(chan struct{})
	go func() {
		q.Consume(ctx, func(job *models.Job) error {
			attempts++
			// Fail the first delivery of order 1; it must come back before
			// order 2 is seen.
			if job.Order.ID == 1 && attempts == 1 {
				return errors.New("transient failure")
			}
			got = append(got, job.Order.ID)
			if len(got) == 2 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	assert.Equal(t, []int64{1, 2}, got)
	assert.Equal(t, 3, attempts)
}

func TestBus_BroadcastToAllSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Trades(ctx)
	require.NoError(t, err)
	second, err := b.Trades(ctx)
	require.NoError(t, err)

	trade := &models.Trade{
		ID:          7,
		Instrument:  "BTC-USD",
		BuyOrderID:  1,
		SellOrderID: 2,
		Price:       decimal.NewFromInt(50000),
		Quantity:    decimal.NewFromInt(1),
	}
	b.PublishTrade(trade)

	for _, ch := range []<-chan TradeEvent{first, second} {
		select {
		case event := <-ch:
			assert.Equal(t, int64(7), event.Trade.ID)
			assert.True(t, event.Trade.Price.Equal(trade.Price))
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive the trade")
		}
	}
}

func TestBus_TypedTopics(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := b.OrderUpdates(ctx)
	require.NoError(t, err)
	deltas, err := b.BookDeltas(ctx)
	require.NoError(t, err)

	b.PublishOrderUpdate(3, models.OrderStatusPartiallyFilled, decimal.NewFromInt(1))
	b.PublishBookDelta(models.SideSell, decimal.NewFromInt(100), decimal.Zero)

	select {
	case event := <-updates:
		assert.Equal(t, int64(3), event.OrderID)
		assert.Equal(t, models.OrderStatusPartiallyFilled, event.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("order update not received")
	}

	select {
	case event := <-deltas:
		assert.Equal(t, models.SideSell, event.Side)
		assert.True(t, event.NewQuantity.IsZero(), "removed level reports zero quantity")
	case <-time.After(2 * time.Second):
		t.Fatal("book delta not received")
	}
}
