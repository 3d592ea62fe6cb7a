package book

import (
	"github.com/shopspring/decimal"
)

// node is one resting order's slot in a level's FIFO queue. The doubly-linked
// list gives O(1) removal anywhere, which the cancel path relies on.
type node struct {
	orderID int64
	prev    *node
	next    *node
	level   *level
}

// level holds the FIFO of order ids resting at one price, plus the aggregate
// remaining quantity. The aggregate always equals the sum of the remaining
// quantities of the listed orders.
type level struct {
	price    decimal.Decimal
	head     *node
	tail     *node
	count    int
	totalQty decimal.Decimal
}

func newLevel(price decimal.Decimal) *level {
	return &level{price: price, totalQty: decimal.Zero}
}

func (l *level) empty() bool { return l.count == 0 }

// append adds an order at the tail (newest, lowest priority).
func (l *level) append(orderID int64, qty decimal.Decimal) *node {
	n := &node{orderID: orderID, level: l}
	if l.tail == nil {
		l.head = n
		l.tail = n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.count++
	l.totalQty = l.totalQty.Add(qty)
	return n
}

// pushFront restores an order at the head, preserving its time priority after
// a partial fill.
func (l *level) pushFront(orderID int64, qty decimal.Decimal) *node {
	n := &node{orderID: orderID, level: l}
	if l.head == nil {
		l.head = n
		l.tail = n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}
	l.count++
	l.totalQty = l.totalQty.Add(qty)
	return n
}

// popFront removes and returns the head node, or nil if the level is empty.
func (l *level) popFront(qty decimal.Decimal) *node {
	n := l.head
	if n == nil {
		return nil
	}
	l.head = n.next
	if l.head != nil {
		l.head.prev = nil
	} else {
		l.tail = nil
	}
	l.count--
	l.totalQty = l.totalQty.Sub(qty)
	n.next = nil
	n.level = nil
	return n
}

// remove unlinks a node from anywhere in the queue.
func (l *level) remove(n *node, qty decimal.Decimal) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	l.count--
	l.totalQty = l.totalQty.Sub(qty)
	n.prev = nil
	n.next = nil
	n.level = nil
}
