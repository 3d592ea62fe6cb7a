package db

import (
	"database/sql"
	"fmt"
)

// DECIMAL(32,8) gives 8 fractional digits; TIMESTAMP(6) keeps microsecond
// monotone ordering for trade queries.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT NOT NULL AUTO_INCREMENT,
		client_id VARCHAR(64) NOT NULL,
		instrument VARCHAR(32) NOT NULL,
		side ENUM('buy','sell') NOT NULL,
		type ENUM('limit','market') NOT NULL,
		price DECIMAL(32,8) NULL,
		quantity DECIMAL(32,8) NOT NULL,
		filled_quantity DECIMAL(32,8) NOT NULL DEFAULT 0,
		status ENUM('open','partially_filled','filled','cancelled','rejected') NOT NULL,
		created_at TIMESTAMP(6) NOT NULL,
		updated_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_orders_status (status),
		KEY idx_orders_created (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGINT NOT NULL AUTO_INCREMENT,
		instrument VARCHAR(32) NOT NULL,
		buy_order_id BIGINT NOT NULL,
		sell_order_id BIGINT NOT NULL,
		price DECIMAL(32,8) NOT NULL,
		quantity DECIMAL(32,8) NOT NULL,
		executed_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_trades_executed (executed_at),
		CONSTRAINT fk_trades_buy FOREIGN KEY (buy_order_id) REFERENCES orders (id),
		CONSTRAINT fk_trades_sell FOREIGN KEY (sell_order_id) REFERENCES orders (id)
	)`,
}

// EnsureSchema creates the orders and trades tables if they do not exist.
func EnsureSchema(conn *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
