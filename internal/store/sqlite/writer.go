package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"ultrashort/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Writer is a single-goroutine candle writer with transaction batching.
type Writer struct {
	db *sql.DB

	// OnCommit is called after each successful batch (optional).
	OnCommit func(n int, elapsed time.Duration)
}

// NewWriter creates a candle writer on an opened database.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Run reads candles from candleCh and inserts them in batched transactions.
// Flushes every batchSize candles OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or candleCh is closed; on cancel the candles
// already queued are written with the final batch.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.EnrichedCandle) {
	batch := make([]model.EnrichedCandle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			slog.Error("sqlite candle batch failed", "candles", len(batch), "error", err)
		} else {
			elapsed := time.Since(start)
			slog.Debug("sqlite committed candles", "candles", len(batch), "elapsed", elapsed)
			if w.OnCommit != nil {
				w.OnCommit(len(batch), elapsed)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case c, ok := <-candleCh:
					if !ok {
						break drain
					}
					batch = append(batch, c)
				default:
					break drain
				}
			}
			flush()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of candles in a single transaction.
func (w *Writer) insertBatch(candles []model.EnrichedCandle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles
			(instrument_id, exchange, ts, open, high, low, close, volume, volume_price_sum, ticks, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.Exec(c.InstrumentID, c.Exchange, c.BucketStart,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.VolumePriceSum, c.Ticks, c.VWAP)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
