package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/toolbridge/pkg/config"
)

// Open connects to the database named by cfg.URL and prepares the events
// table. The store owns the connection; call Close when done.
func Open(ctx context.Context, cfg config.TranscriptConfig, opts ...Option) (*Store, error) {
	cfg.SetDefaults()
	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, target, cfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}

	store, err := NewStore(db, target.Dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

func openDB(ctx context.Context, target config.DatabaseTarget, maxOpen int) (*sql.DB, error) {
	if target.Path != "" && target.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(target.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create transcript directory: %w", err)
		}
	}

	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", target.Dialect, err)
	}

	// One writer at a time avoids "database is locked" under concurrent turns.
	if target.Dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	} else if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(max(1, maxOpen/2))
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", target.Dialect, err)
	}

	if target.Dialect == "sqlite" {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=10000"} {
			if _, err := db.ExecContext(pingCtx, pragma); err != nil {
				slog.Warn("SQLite pragma failed", "pragma", pragma, "error", err)
			}
		}
	}
	return db, nil
}
