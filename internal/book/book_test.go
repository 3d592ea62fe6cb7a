package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

func rest(id int64, side models.Side, price, qty float64) *models.RestingOrder {
	p := decimal.NewFromFloat(price)
	return &models.RestingOrder{
		OrderID:   id,
		ClientID:  "client",
		Side:      side,
		Price:     p,
		Remaining: decimal.NewFromFloat(qty),
		CreatedAt: time.Now(),
	}
}

func TestBook_BestOpposite(t *testing.T) {
	b := New(zap.NewNop())

	if _, ok := b.BestOpposite(models.SideBuy); ok {
		t.Fatal("expected no best opposite on an empty book")
	}

	b.AppendAt(models.SideSell, decimal.NewFromInt(101), rest(1, models.SideSell, 101, 1))
	b.AppendAt(models.SideSell, decimal.NewFromInt(100), rest(2, models.SideSell, 100, 1))
	b.AppendAt(models.SideBuy, decimal.NewFromInt(99), rest(3, models.SideBuy, 99, 1))
	b.AppendAt(models.SideBuy, decimal.NewFromInt(98), rest(4, models.SideBuy, 98, 1))

	best, ok := b.BestOpposite(models.SideBuy)
	if !ok || best.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Errorf("expected best ask 100, got %s (ok=%v)", best, ok)
	}
	best, ok = b.BestOpposite(models.SideSell)
	if !ok || best.Cmp(decimal.NewFromInt(99)) != 0 {
		t.Errorf("expected best bid 99, got %s (ok=%v)", best, ok)
	}
}

func TestBook_FIFOWithinLevel(t *testing.T) {
	b := New(zap.NewNop())
	price := decimal.NewFromInt(100)

	b.AppendAt(models.SideSell, price, rest(1, models.SideSell, 100, 1))
	b.AppendAt(models.SideSell, price, rest(2, models.SideSell, 100, 1))
	b.AppendAt(models.SideSell, price, rest(3, models.SideSell, 100, 1))

	for _, want := range []int64{1, 2, 3} {
		id, ok := b.PopOldestAt(models.SideSell, price)
		if !ok {
			t.Fatalf("expected order %d at head, level empty", want)
		}
		if id != want {
			t.Errorf("expected order %d, got %d", want, id)
		}
		b.DropResting(id)
	}

	if _, ok := b.BestOpposite(models.SideBuy); ok {
		t.Error("expected level removed after last pop")
	}
}

func TestBook_PushFrontPreservesPriority(t *testing.T) {
	b := New(zap.NewNop())
	price := decimal.NewFromInt(100)

	b.AppendAt(models.SideSell, price, rest(1, models.SideSell, 100, 5))
	b.AppendAt(models.SideSell, price, rest(2, models.SideSell, 100, 3))

	// Partial fill of the head: pop, shrink, push back to the front.
	id, _ := b.PopOldestAt(models.SideSell, price)
	if id != 1 {
		t.Fatalf("expected order 1 at head, got %d", id)
	}
	b.UpdateResting(1, decimal.NewFromInt(2), decimal.NewFromInt(3))
	b.PushFrontAt(models.SideSell, price, 1)

	id, _ = b.PopOldestAt(models.SideSell, price)
	if id != 1 {
		t.Errorf("expected order 1 to keep time priority, got %d", id)
	}
	ro, ok := b.Fetch(1)
	if !ok {
		t.Fatal("order 1 missing from order map")
	}
	if ro.Remaining.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Errorf("expected remaining 2, got %s", ro.Remaining)
	}
}

func TestBook_RemoveCancelPath(t *testing.T) {
	b := New(zap.NewNop())
	price := decimal.NewFromInt(100)

	b.AppendAt(models.SideBuy, price, rest(1, models.SideBuy, 100, 1))
	b.AppendAt(models.SideBuy, price, rest(2, models.SideBuy, 100, 2))
	b.AppendAt(models.SideBuy, price, rest(3, models.SideBuy, 100, 3))

	ro, ok := b.Remove(2)
	if !ok {
		t.Fatal("expected order 2 removable")
	}
	if ro.Remaining.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Errorf("expected removed remaining 2, got %s", ro.Remaining)
	}
	if _, ok := b.Fetch(2); ok {
		t.Error("order 2 still in order map after remove")
	}
	if got := b.LevelQuantity(models.SideBuy, price); got.Cmp(decimal.NewFromInt(4)) != 0 {
		t.Errorf("expected level quantity 4 after removal, got %s", got)
	}

	// Removing the rest empties the level and drops it from the index.
	b.Remove(1)
	b.Remove(3)
	if _, ok := b.BestOpposite(models.SideSell); ok {
		t.Error("expected empty bid side after removing all orders")
	}

	if _, ok := b.Remove(99); ok {
		t.Error("removing an unknown order should report false")
	}
}

func TestBook_Levels(t *testing.T) {
	b := New(zap.NewNop())

	b.AppendAt(models.SideBuy, decimal.NewFromInt(99), rest(1, models.SideBuy, 99, 1))
	b.AppendAt(models.SideBuy, decimal.NewFromInt(98), rest(2, models.SideBuy, 98, 2))
	b.AppendAt(models.SideBuy, decimal.NewFromInt(97), rest(3, models.SideBuy, 97, 3))
	b.AppendAt(models.SideSell, decimal.NewFromInt(101), rest(4, models.SideSell, 101, 1))
	b.AppendAt(models.SideSell, decimal.NewFromInt(102), rest(5, models.SideSell, 102, 2))

	bids := b.Levels(models.SideBuy, 2)
	if len(bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(bids))
	}
	if bids[0].Price.Cmp(decimal.NewFromInt(99)) != 0 || bids[1].Price.Cmp(decimal.NewFromInt(98)) != 0 {
		t.Errorf("expected bids descending 99, 98; got %s, %s", bids[0].Price, bids[1].Price)
	}

	asks := b.Levels(models.SideSell, 10)
	if len(asks) != 2 {
		t.Fatalf("expected 2 ask levels, got %d", len(asks))
	}
	if asks[0].Price.Cmp(decimal.NewFromInt(101)) != 0 || asks[1].Price.Cmp(decimal.NewFromInt(102)) != 0 {
		t.Errorf("expected asks ascending 101, 102; got %s, %s", asks[0].Price, asks[1].Price)
	}

	bidCount, askCount := b.Counts()
	if bidCount != 3 || askCount != 2 {
		t.Errorf("expected counts 3/2, got %d/%d", bidCount, askCount)
	}
}

func TestBook_OrphanHook(t *testing.T) {
	b := New(zap.NewNop())
	orphans := 0
	b.SetOrphanHook(func(reason string, price decimal.Decimal, orderID int64) {
		orphans++
	})

	// A push-front for an order missing from the order map is an orphan.
	b.PushFrontAt(models.SideSell, decimal.NewFromInt(100), 42)

	if orphans != 1 {
		t.Errorf("expected 1 orphan callback, got %d", orphans)
	}
	if _, ok := b.BestOpposite(models.SideBuy); ok {
		t.Error("orphan push-front must not leave a level behind")
	}
}

func TestBook_LevelQuantityAggregates(t *testing.T) {
	b := New(zap.NewNop())
	price := decimal.NewFromFloat(100.5)

	b.AppendAt(models.SideSell, price, rest(1, models.SideSell, 100.5, 1.5))
	b.AppendAt(models.SideSell, price, rest(2, models.SideSell, 100.5, 2.25))

	want := decimal.NewFromFloat(3.75)
	if got := b.LevelQuantity(models.SideSell, price); got.Cmp(want) != 0 {
		t.Errorf("expected level quantity %s, got %s", want, got)
	}
	if got := b.LevelQuantity(models.SideBuy, price); !got.IsZero() {
		t.Errorf("expected zero for absent level, got %s", got)
	}
}
