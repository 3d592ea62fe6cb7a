package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-matching-core/internal/models"
)

// Ledger wraps the SQL store behind the operations the core needs. Every
// operation is durable before it returns. UpdateOrderStatus is idempotent at
// the value level: writing the same (status, filled_quantity) twice is
// harmless.
type Ledger struct {
	conn *sql.DB
	log  *zap.Logger

	insertOrderStmt *sql.Stmt
	insertTradeStmt *sql.Stmt
	updateOrderStmt *sql.Stmt
	selectOrderStmt *sql.Stmt
}

// NewLedger prepares the common statements against an open connection.
func NewLedger(conn *sql.DB, log *zap.Logger) (*Ledger, error) {
	l := &Ledger{conn: conn, log: log}
	if err := l.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare SQL statements: %w", err)
	}
	return l, nil
}

func (l *Ledger) prepareStatements() error {
	var err error

	l.insertOrderStmt, err = l.conn.Prepare(`
		INSERT INTO orders (
			client_id, instrument, side, type, price,
			quantity, filled_quantity, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert order statement: %w", err)
	}

	l.insertTradeStmt, err = l.conn.Prepare(`
		INSERT INTO trades (
			instrument, buy_order_id, sell_order_id, price, quantity, executed_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert trade statement: %w", err)
	}

	l.updateOrderStmt, err = l.conn.Prepare(`
		UPDATE orders
		SET status = ?, filled_quantity = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update order statement: %w", err)
	}

	l.selectOrderStmt, err = l.conn.Prepare(`
		SELECT id, client_id, instrument, side, type, price,
		       quantity, filled_quantity, status, created_at, updated_at
		FROM orders
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select order statement: %w", err)
	}

	return nil
}

// Close releases the prepared statements.
func (l *Ledger) Close() error {
	stmts := []*sql.Stmt{
		l.insertOrderStmt,
		l.insertTradeStmt,
		l.updateOrderStmt,
		l.selectOrderStmt,
	}
	for _, s := range stmts {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

// InsertOpenOrder persists a validated submission as a new open order with
// zero fill and returns it with the generated id.
func (l *Ledger) InsertOpenOrder(sub *models.Submission) (*models.Order, error) {
	now := time.Now().UTC()
	order := &models.Order{
		ClientID:       sub.ClientID,
		Instrument:     sub.Instrument,
		Side:           sub.Side,
		Type:           sub.Type,
		Price:          sub.Price,
		Quantity:       sub.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         models.OrderStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var priceVal interface{}
	if order.Price != nil {
		priceVal = order.Price.String()
	}

	res, err := l.insertOrderStmt.Exec(
		order.ClientID,
		order.Instrument,
		order.Side,
		order.Type,
		priceVal,
		order.Quantity.String(),
		order.FilledQuantity.String(),
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to insert order")
	}

	if order.ID, err = res.LastInsertId(); err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to get order id")
	}
	return order, nil
}

// CreateTrade durably appends a trade and returns it with the generated id.
func (l *Ledger) CreateTrade(t *models.Trade) (*models.Trade, error) {
	res, err := l.insertTradeStmt.Exec(
		t.Instrument,
		t.BuyOrderID,
		t.SellOrderID,
		t.Price.String(),
		t.Quantity.String(),
		t.ExecutedAt,
	)
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to insert trade")
	}
	out := *t
	if out.ID, err = res.LastInsertId(); err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to get trade id")
	}
	return &out, nil
}

// RecordFill appends a trade and applies the maker's status update in one
// transaction, so the book is never mutated ahead of a durable trade.
func (l *Ledger) RecordFill(t *models.Trade, makerID int64, makerStatus models.OrderStatus, makerFilled decimal.Decimal) (*models.Trade, error) {
	tx, err := l.conn.Begin()
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to begin transaction")
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	res, err := tx.Stmt(l.insertTradeStmt).Exec(
		t.Instrument,
		t.BuyOrderID,
		t.SellOrderID,
		t.Price.String(),
		t.Quantity.String(),
		t.ExecutedAt,
	)
	if err != nil {
		tx.Rollback()
		return nil, models.WrapError(models.KindStorage, err, "failed to insert trade")
	}

	out := *t
	if out.ID, err = res.LastInsertId(); err != nil {
		tx.Rollback()
		return nil, models.WrapError(models.KindStorage, err, "failed to get trade id")
	}

	if _, err = tx.Stmt(l.updateOrderStmt).Exec(makerStatus, makerFilled.String(), time.Now().UTC(), makerID); err != nil {
		tx.Rollback()
		return nil, models.WrapError(models.KindStorage, err, "failed to update maker order %d", makerID)
	}

	if err = tx.Commit(); err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to commit fill")
	}
	return &out, nil
}

// UpdateOrderStatus writes (status, filled_quantity) and returns the stored
// order.
func (l *Ledger) UpdateOrderStatus(id int64, status models.OrderStatus, filled decimal.Decimal) (*models.Order, error) {
	if _, err := l.updateOrderStmt.Exec(status, filled.String(), time.Now().UTC(), id); err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to update order %d", id)
	}
	return l.GetOrder(id)
}

// GetOrder reads an order by id.
func (l *Ledger) GetOrder(id int64) (*models.Order, error) {
	order, err := scanOrder(l.selectOrderStmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.KindNotFound, "order %d not found", id)
	}
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to read order %d", id)
	}
	return order, nil
}

// RecentTrades returns up to limit trades, newest first.
func (l *Ledger) RecentTrades(limit int) ([]models.Trade, error) {
	rows, err := l.conn.Query(`
		SELECT id, instrument, buy_order_id, sell_order_id, price, quantity, executed_at
		FROM trades
		ORDER BY executed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to query trades")
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(
			&t.ID,
			&t.Instrument,
			&t.BuyOrderID,
			&t.SellOrderID,
			&t.Price,
			&t.Quantity,
			&t.ExecutedAt,
		); err != nil {
			return nil, models.WrapError(models.KindStorage, err, "failed to scan trade")
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DetailedTrades returns up to limit trades joined with the buyer and seller
// client ids, newest first.
func (l *Ledger) DetailedTrades(limit int) ([]models.DetailedTrade, error) {
	rows, err := l.conn.Query(`
		SELECT t.id, t.instrument, t.buy_order_id, t.sell_order_id,
		       t.price, t.quantity, t.executed_at,
		       b.client_id, s.client_id
		FROM trades t
		JOIN orders b ON b.id = t.buy_order_id
		JOIN orders s ON s.id = t.sell_order_id
		ORDER BY t.executed_at DESC, t.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to query detailed trades")
	}
	defer rows.Close()

	var trades []models.DetailedTrade
	for rows.Next() {
		var t models.DetailedTrade
		if err := rows.Scan(
			&t.ID,
			&t.Instrument,
			&t.BuyOrderID,
			&t.SellOrderID,
			&t.Price,
			&t.Quantity,
			&t.ExecutedAt,
			&t.BuyerClientID,
			&t.SellerClientID,
		); err != nil {
			return nil, models.WrapError(models.KindStorage, err, "failed to scan detailed trade")
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// OpenOrders returns every open and partially filled order in submission
// order, the feed for rebuilding the in-memory book.
func (l *Ledger) OpenOrders() ([]models.Order, error) {
	rows, err := l.conn.Query(`
		SELECT id, client_id, instrument, side, type, price,
		       quantity, filled_quantity, status, created_at, updated_at
		FROM orders
		WHERE status IN ('open', 'partially_filled')
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, models.WrapError(models.KindStorage, err, "failed to query open orders")
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, models.WrapError(models.KindStorage, err, "failed to scan open order")
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var price sql.NullString

	err := row.Scan(
		&order.ID,
		&order.ClientID,
		&order.Instrument,
		&order.Side,
		&order.Type,
		&price,
		&order.Quantity,
		&order.FilledQuantity,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if price.Valid {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		order.Price = &p
	}
	return &order, nil
}
