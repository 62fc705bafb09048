// Package storage opens the gateway's relational store. One URL picks the
// backend: postgres:// connects through lib/pq, anything else is a sqlite
// file path, and empty falls back to data/gateway.db so a bare gateway runs
// with no storage configuration at all.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DefaultPath is the sqlite file used when no DATABASE_URL is configured.
const DefaultPath = "data/gateway.db"

// Open connects to the store named by url and verifies it with a ping.
// Schemas migrate in each store's constructor, not here.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	driver, dsn := "sqlite", url
	switch {
	case url == "":
		if err := os.MkdirAll(filepath.Dir(DefaultPath), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
		dsn = DefaultPath
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent stores.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}
	return db, nil
}
