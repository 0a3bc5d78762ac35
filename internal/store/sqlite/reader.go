package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	"ultrashort/internal/model"
)

// Reader provides read-only access to stored candles for replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens a separate connection pool for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	slog.Info("sqlite reader opened", "path", dbPath)
	return &Reader{db: db}, nil
}

const candleColumns = `instrument_id, exchange, ts, open, high, low, close, volume, volume_price_sum, ticks`

// ReadCandles returns one instrument's candles after afterMs, oldest first.
func (r *Reader) ReadCandles(instrumentID string, afterMs int64) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT `+candleColumns+`
		FROM candles
		WHERE instrument_id = ? AND ts > ?
		ORDER BY ts ASC
	`, instrumentID, afterMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	return scanCandles(rows)
}

// ReadAllCandles returns every candle after afterMs in cycle order:
// by bucket, then instrument.
func (r *Reader) ReadAllCandles(afterMs int64) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT `+candleColumns+`
		FROM candles
		WHERE ts > ?
		ORDER BY ts ASC, instrument_id ASC
	`, afterMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query all candles: %w", err)
	}
	return scanCandles(rows)
}

// LastBucket returns the newest stored bucket start across all instruments,
// or 0 when there are no candles.
func (r *Reader) LastBucket() (int64, error) {
	var ts sql.NullInt64
	if err := r.db.QueryRow(`SELECT MAX(ts) FROM candles`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("sqlite last bucket: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.InstrumentID, &c.Exchange, &c.BucketStart,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.VolumePriceSum, &c.Ticks); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
