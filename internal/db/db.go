// Package db is the durable ledger: an append-only orders and trades store
// on MySQL/TiDB. It is the source of truth; the in-memory book is a
// projection over it.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// convertURIToDSN converts a TiDB Cloud URI to MySQL DSN format.
// Supports both mysql:// URI format and traditional DSN format.
func convertURIToDSN(connectionString string) (string, error) {
	// If it doesn't start with mysql://, assume it's already a DSN
	if !strings.HasPrefix(connectionString, "mysql://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}

	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unsupported scheme: %s (expected mysql)", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		if password != "" {
			userInfo = username + ":" + password
		} else {
			userInfo = username
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "test"
	}

	// Build DSN: user:password@tcp(host:port)/database
	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)

	// Default query parameters for TiDB compatibility
	defaultParams := url.Values{
		"parseTime": []string{"true"},
		"charset":   []string{"utf8mb4"},
		"collation": []string{"utf8mb4_unicode_ci"},
	}

	existingParams := u.Query()
	for key, values := range defaultParams {
		if !existingParams.Has(key) {
			existingParams[key] = values
		}
	}

	if len(existingParams) > 0 {
		dsn += "?" + existingParams.Encode()
	}

	return dsn, nil
}

// Connect opens and pings a MySQL/TiDB connection from a DSN or mysql:// URI.
func Connect(connectionString string) (*sql.DB, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dsn, err := convertURIToDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)

	return conn, nil
}
