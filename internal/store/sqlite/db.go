package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// Open opens (creating if needed) the database at path in WAL mode and
// applies the schema. The pool is limited to one connection so writes are
// serialized.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite opened", "path", path)
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			instrument_id    TEXT    NOT NULL,
			exchange         TEXT    NOT NULL DEFAULT '',
			ts               INTEGER NOT NULL,
			open             REAL    NOT NULL,
			high             REAL    NOT NULL,
			low              REAL    NOT NULL,
			close            REAL    NOT NULL,
			volume           REAL    NOT NULL,
			volume_price_sum REAL    NOT NULL,
			ticks            INTEGER NOT NULL DEFAULT 0,
			vwap             REAL,
			PRIMARY KEY (exchange, instrument_id, ts)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id            TEXT    PRIMARY KEY,
			instrument_id TEXT    NOT NULL,
			exchange      TEXT    NOT NULL DEFAULT '',
			pattern       TEXT    NOT NULL,
			action        TEXT    NOT NULL,
			option_type   TEXT    NOT NULL,
			stop_loss     REAL    NOT NULL,
			entry_price   REAL    NOT NULL,
			target        REAL    NOT NULL,
			candle_ts     INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			UNIQUE (instrument_id, candle_ts)
		);
		CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(ts);
	`)
	return err
}
