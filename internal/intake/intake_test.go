package intake

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spot-matching-core/internal/metrics"
	"spot-matching-core/internal/models"
)

type fakeLedger struct {
	inserted  []*models.Submission
	insertErr error
	orders    map[int64]*models.Order
	nextID    int64
}

func (f *fakeLedger) InsertOpenOrder(sub *models.Submission) (*models.Order, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.inserted = append(f.inserted, sub)
	f.nextID++
	return &models.Order{
		ID:         f.nextID,
		ClientID:   sub.ClientID,
		Instrument: sub.Instrument,
		Side:       sub.Side,
		Type:       sub.Type,
		Price:      sub.Price,
		Quantity:   sub.Quantity,
		Status:     models.OrderStatusOpen,
	}, nil
}

func (f *fakeLedger) GetOrder(id int64) (*models.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "order %d not found", id)
	}
	return order, nil
}

type fakeQueue struct {
	submits []int64
	cancels []int64
	err     error
}

func (f *fakeQueue) EnqueueSubmit(order *models.Order) error {
	if f.err != nil {
		return f.err
	}
	f.submits = append(f.submits, order.ID)
	return nil
}

func (f *fakeQueue) EnqueueCancel(orderID int64) error {
	if f.err != nil {
		return f.err
	}
	f.cancels = append(f.cancels, orderID)
	return nil
}

type fakeGate struct {
	claimed map[string]bool
	err     error
}

func (f *fakeGate) Claim(key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func newTestIntake(ledger *fakeLedger, q *fakeQueue, g *fakeGate) *Intake {
	m := metrics.NewCollector(prometheus.NewRegistry())
	return New("BTC-USD", ledger, g, q, zap.NewNop(), m)
}

func validSubmission() *models.Submission {
	price := decimal.NewFromInt(50000)
	return &models.Submission{
		ClientID:       "alice",
		Instrument:     "BTC-USD",
		Side:           models.SideBuy,
		Type:           models.OrderTypeLimit,
		Price:          &price,
		Quantity:       decimal.NewFromInt(1),
		IdempotencyKey: "key-1",
	}
}

func TestIntake_SubmitAccepted(t *testing.T) {
	ledger := &fakeLedger{}
	queue := &fakeQueue{}
	gate := &fakeGate{}
	in := newTestIntake(ledger, queue, gate)

	order, err := in.Submit(validSubmission())
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.ID)
	assert.Equal(t, models.OrderStatusOpen, order.Status)
	require.Len(t, queue.submits, 1)
	assert.Equal(t, order.ID, queue.submits[0])
}

func TestIntake_SubmitValidation(t *testing.T) {
	price := decimal.NewFromInt(50000)
	negative := decimal.NewFromInt(-1)

	tests := []struct {
		name   string
		mutate func(*models.Submission)
	}{
		{"missing client id", func(s *models.Submission) { s.ClientID = "" }},
		{"wrong instrument", func(s *models.Submission) { s.Instrument = "ETH-USD" }},
		{"bad side", func(s *models.Submission) { s.Side = "hold" }},
		{"bad type", func(s *models.Submission) { s.Type = "stop" }},
		{"zero quantity", func(s *models.Submission) { s.Quantity = decimal.Zero }},
		{"negative quantity", func(s *models.Submission) { s.Quantity = decimal.NewFromInt(-5) }},
		{"limit without price", func(s *models.Submission) { s.Price = nil }},
		{"limit with negative price", func(s *models.Submission) { s.Price = &negative }},
		{"market with price", func(s *models.Submission) {
			s.Type = models.OrderTypeMarket
			s.Price = &price
		}},
		{"missing idempotency key", func(s *models.Submission) { s.IdempotencyKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{}
			in := newTestIntake(ledger, &fakeQueue{}, &fakeGate{})

			sub := validSubmission()
			tt.mutate(sub)

			_, err := in.Submit(sub)
			require.Error(t, err)
			assert.True(t, models.IsKind(err, models.KindValidation), "got %v", err)
			assert.Empty(t, ledger.inserted, "rejected submission must not reach the ledger")
		})
	}
}

func TestIntake_SubmitDuplicateKey(t *testing.T) {
	ledger := &fakeLedger{}
	in := newTestIntake(ledger, &fakeQueue{}, &fakeGate{})

	_, err := in.Submit(validSubmission())
	require.NoError(t, err)

	_, err = in.Submit(validSubmission())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindDuplicate), "got %v", err)
	assert.Len(t, ledger.inserted, 1, "duplicate must not reach the ledger")
}

func TestIntake_SubmitGateFailsClosed(t *testing.T) {
	ledger := &fakeLedger{}
	gate := &fakeGate{err: errors.New("store unreachable")}
	in := newTestIntake(ledger, &fakeQueue{}, gate)

	_, err := in.Submit(validSubmission())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindCache), "got %v", err)
	assert.Empty(t, ledger.inserted)
}

func TestIntake_SubmitInsertFailureKeepsKeyClaimed(t *testing.T) {
	ledger := &fakeLedger{insertErr: errors.New("connection reset")}
	gate := &fakeGate{}
	in := newTestIntake(ledger, &fakeQueue{}, gate)

	_, err := in.Submit(validSubmission())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStorage), "got %v", err)

	// Retrying the same key is rejected as a duplicate, not retried.
	ledger.insertErr = nil
	_, err = in.Submit(validSubmission())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindDuplicate), "got %v", err)
}

func TestIntake_SubmitQueueFailure(t *testing.T) {
	in := newTestIntake(&fakeLedger{}, &fakeQueue{err: errors.New("queue full")}, &fakeGate{})

	_, err := in.Submit(validSubmission())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindQueue), "got %v", err)
}

func TestIntake_Cancel(t *testing.T) {
	ledger := &fakeLedger{orders: map[int64]*models.Order{
		1: {ID: 1, Status: models.OrderStatusOpen},
		2: {ID: 2, Status: models.OrderStatusFilled},
		3: {ID: 3, Status: models.OrderStatusCancelled},
	}}
	queue := &fakeQueue{}
	in := newTestIntake(ledger, queue, &fakeGate{})

	order, err := in.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.ID)
	assert.Equal(t, []int64{1}, queue.cancels)

	_, err = in.Cancel(2)
	assert.True(t, models.IsKind(err, models.KindConflict), "got %v", err)

	_, err = in.Cancel(3)
	assert.True(t, models.IsKind(err, models.KindConflict), "got %v", err)

	_, err = in.Cancel(99)
	assert.True(t, models.IsKind(err, models.KindNotFound), "got %v", err)

	assert.Len(t, queue.cancels, 1, "only the live order's cancel may be enqueued")
}
