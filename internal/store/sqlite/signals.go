package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"ultrashort/internal/model"
)

// DefaultRecentLimit is the page size used when Recent is asked for <= 0 rows.
const DefaultRecentLimit = 50

// SignalStore persists signals. A candle (instrument, bucket) can be stored
// at most once; later signals for the same candle are ignored.
type SignalStore struct {
	db *sql.DB

	// OnDuplicate is called when a write was ignored (optional).
	OnDuplicate func(sig model.Signal)
}

// NewSignalStore creates a SignalStore on an opened database.
func NewSignalStore(db *sql.DB) *SignalStore {
	return &SignalStore{db: db}
}

// WriteSignal inserts sig unless its candle already produced a signal.
func (s *SignalStore) WriteSignal(ctx context.Context, sig model.Signal) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals
			(id, instrument_id, exchange, pattern, action, option_type,
			 stop_loss, entry_price, target, candle_ts, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.InstrumentID, sig.Exchange, sig.Pattern, sig.Action, sig.OptionType,
		sig.StopLoss, sig.EntryPrice, sig.Target, sig.CandleTS, sig.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && s.OnDuplicate != nil {
		s.OnDuplicate(sig)
	}
	return nil
}

// Recent returns up to limit signals, newest first.
func (s *SignalStore) Recent(ctx context.Context, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instrument_id, exchange, pattern, action, option_type,
		       stop_loss, entry_price, target, candle_ts, ts
		FROM signals
		ORDER BY ts DESC, candle_ts DESC, instrument_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	out := make([]model.Signal, 0, limit)
	for rows.Next() {
		var sig model.Signal
		if err := rows.Scan(&sig.ID, &sig.InstrumentID, &sig.Exchange, &sig.Pattern, &sig.Action,
			&sig.OptionType, &sig.StopLoss, &sig.EntryPrice, &sig.Target, &sig.CandleTS, &sig.TimestampMs); err != nil {
			return nil, fmt.Errorf("sqlite scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Count returns the number of stored signals.
func (s *SignalStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n)
	return n, err
}
