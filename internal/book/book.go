// Package book is the in-memory price-time-priority order book. Each side
// keeps an ordered price index (O(log P) best lookup) of FIFO levels, plus an
// order-id index for O(1) cancellation.
//
// The book is a projection, not the source of truth: on loss, the ledger
// remains authoritative and the book must be rebuilt before serving.
package book

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

const btreeDegree = 16

// OrphanHook is invoked when the book finds and cleans an inconsistency: a
// price present in the index with an empty level, or a resting id missing
// from the order map. Cleanup never aborts a match.
type OrphanHook func(reason string, price decimal.Decimal, orderID int64)

// Book holds both sides of a single instrument's order book. The matcher owns
// it; readers take snapshots through the RWMutex and must tolerate transient
// states between the matcher's sub-steps.
type Book struct {
	mu       sync.RWMutex
	bids     *btree.BTreeG[*level]
	asks     *btree.BTreeG[*level]
	resting  map[int64]*models.RestingOrder
	nodes    map[int64]*node
	log      *zap.Logger
	onOrphan OrphanHook
}

// New constructs an empty book.
func New(log *zap.Logger) *Book {
	less := func(a, b *level) bool { return a.price.LessThan(b.price) }
	return &Book{
		bids:    btree.NewG(btreeDegree, less),
		asks:    btree.NewG(btreeDegree, less),
		resting: make(map[int64]*models.RestingOrder),
		nodes:   make(map[int64]*node),
		log:     log,
	}
}

// SetOrphanHook registers a callback for orphan cleanups.
func (b *Book) SetOrphanHook(h OrphanHook) {
	b.mu.Lock()
	b.onOrphan = h
	b.mu.Unlock()
}

func (b *Book) tree(side models.Side) *btree.BTreeG[*level] {
	if side == models.SideBuy {
		return b.bids
	}
	return b.asks
}

// BestOpposite returns the best price a taker on the given side can trade
// against: the lowest ask for a buyer, the highest bid for a seller. Empty
// orphan levels found on the way are removed.
func (b *Book) BestOpposite(taker models.Side) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	opp := b.tree(taker.Opposite())
	for {
		var lvl *level
		var ok bool
		if taker == models.SideBuy {
			lvl, ok = opp.Min()
		} else {
			lvl, ok = opp.Max()
		}
		if !ok {
			return decimal.Zero, false
		}
		if lvl.empty() {
			opp.Delete(lvl)
			b.orphan("empty level in price index", lvl.price, 0)
			continue
		}
		return lvl.price, true
	}
}

// PopOldestAt removes and returns the FIFO head at (side, price). If the
// level becomes empty it is removed from the side's index. The order's map
// entry is left in place; the caller either drops it (full fill) or restores
// the order with PushFrontAt (partial fill).
func (b *Book) PopOldestAt(side models.Side, price decimal.Decimal) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.tree(side)
	lvl, ok := tree.Get(&level{price: price})
	if !ok {
		return 0, false
	}
	if lvl.empty() {
		tree.Delete(lvl)
		b.orphan("empty level in price index", price, 0)
		return 0, false
	}

	qty := decimal.Zero
	if ro, ok := b.resting[lvl.head.orderID]; ok {
		qty = ro.Remaining
	}
	n := lvl.popFront(qty)
	delete(b.nodes, n.orderID)
	if lvl.empty() {
		tree.Delete(lvl)
	}
	return n.orderID, true
}

// PushFrontAt restores an order at the head of its level, preserving time
// priority after a partial fill. The level is recreated if the pop emptied
// it. The order's map entry must already hold the new remaining quantity.
func (b *Book) PushFrontAt(side models.Side, price decimal.Decimal, orderID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ro, ok := b.resting[orderID]
	if !ok {
		b.orphan("push-front for unknown order", price, orderID)
		return
	}
	lvl := b.levelFor(side, price)
	b.nodes[orderID] = lvl.pushFront(orderID, ro.Remaining)
}

// AppendAt rests a new order at the tail of its level, creating the level if
// needed.
func (b *Book) AppendAt(side models.Side, price decimal.Decimal, state *models.RestingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ro := *state
	b.resting[state.OrderID] = &ro
	lvl := b.levelFor(side, price)
	b.nodes[state.OrderID] = lvl.append(state.OrderID, ro.Remaining)
}

// Remove deletes an order from its level by identity (the cancellation path)
// and returns the stored state. The price is removed from the index if the
// level empties.
func (b *Book) Remove(orderID int64) (*models.RestingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ro, ok := b.resting[orderID]
	if !ok {
		return nil, false
	}
	if n, ok := b.nodes[orderID]; ok {
		lvl := n.level
		lvl.remove(n, ro.Remaining)
		if lvl.empty() {
			b.tree(ro.Side).Delete(lvl)
		}
		delete(b.nodes, orderID)
	}
	delete(b.resting, orderID)
	out := *ro
	return &out, true
}

// Fetch returns a copy of the stored state for a resting order.
func (b *Book) Fetch(orderID int64) (*models.RestingOrder, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ro, ok := b.resting[orderID]
	if !ok {
		return nil, false
	}
	out := *ro
	return &out, true
}

// UpdateResting rewrites the remaining/filled pair for an order that is
// currently out of its level (between a pop and a push-front).
func (b *Book) UpdateResting(orderID int64, remaining, filledTotal decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ro, ok := b.resting[orderID]
	if !ok {
		return false
	}
	ro.Remaining = remaining
	ro.FilledTotal = filledTotal
	return true
}

// DropResting removes the order-map entry for a maker whose fill emptied it.
// The node was already taken off its level by PopOldestAt.
func (b *Book) DropResting(orderID int64) {
	b.mu.Lock()
	delete(b.resting, orderID)
	b.mu.Unlock()
}

// LevelQuantity returns the aggregate remaining at (side, price), zero if the
// level is absent.
func (b *Book) LevelQuantity(side models.Side, price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if lvl, ok := b.tree(side).Get(&level{price: price}); ok {
		return lvl.totalQty
	}
	return decimal.Zero
}

// Levels returns up to depth non-empty aggregated levels: bids descending by
// price, asks ascending.
func (b *Book) Levels(side models.Side, depth int) []models.BookLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []models.BookLevel
	iter := func(lvl *level) bool {
		if lvl.empty() {
			return true
		}
		out = append(out, models.BookLevel{Price: lvl.price, Quantity: lvl.totalQty})
		return len(out) < depth
	}
	if side == models.SideBuy {
		b.bids.Descend(iter)
	} else {
		b.asks.Ascend(iter)
	}
	return out
}

// Counts returns the number of resting orders per side.
func (b *Book) Counts() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ro := range b.resting {
		if ro.Side == models.SideBuy {
			bids++
		} else {
			asks++
		}
	}
	return bids, asks
}

// levelFor returns the level at (side, price), creating it if absent.
// Caller holds the write lock.
func (b *Book) levelFor(side models.Side, price decimal.Decimal) *level {
	tree := b.tree(side)
	if lvl, ok := tree.Get(&level{price: price}); ok {
		return lvl
	}
	lvl := newLevel(price)
	tree.ReplaceOrInsert(lvl)
	return lvl
}

// orphan logs a cleanup and notifies the hook. Caller holds the write lock.
func (b *Book) orphan(reason string, price decimal.Decimal, orderID int64) {
	b.log.Warn("order book orphan cleaned",
		zap.String("reason", reason),
		zap.String("price", price.String()),
		zap.Int64("order_id", orderID),
	)
	if b.onOrphan != nil {
		b.onOrphan(reason, price, orderID)
	}
}
