package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/store"
)

const (
	insertOHLCV = `INSERT INTO ohlcv (series_id, timestamp_ms, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (series_id, timestamp_ms) DO NOTHING`

	insertMacro = `INSERT INTO macro (indicator, date_yyyymmdd, value, timestamp_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (indicator, date_yyyymmdd) DO NOTHING`

	insertBook = `INSERT INTO book_l1 (series_id, timestamp_ms, bid_price, bid_size, ask_price, ask_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (series_id, timestamp_ms) DO NOTHING`

	upsertCatalog = `INSERT INTO series_catalog (series_id, kind)
		VALUES ($1, $2)
		ON CONFLICT (series_id) DO NOTHING`
)

// ObservationStore implements store.ObservationStore on PostgreSQL.
type ObservationStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewObservationStore(db *sqlx.DB, timeout time.Duration) *ObservationStore {
	return &ObservationStore{db: db, timeout: timeout}
}

// Put inserts the batch inside one transaction so the call is
// all-or-nothing; pre-existing (series, timestamp) rows count as
// skipped via DO NOTHING.
func (r *ObservationStore) Put(ctx context.Context, observations []market.Observation) (int, error) {
	for _, o := range observations {
		if err := o.Validate(); err != nil {
			return 0, store.Fatal("put", err)
		}
	}
	if len(observations) == 0 {
		return 0, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(opCtx, nil)
	if err != nil {
		return 0, classify("put", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, o := range observations {
		res, err := execInsert(opCtx, tx, o)
		if err != nil {
			return 0, classify("put", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classify("put", err)
		}
		if n > 0 {
			inserted++
			if _, err := tx.ExecContext(opCtx, upsertCatalog, o.SeriesID, string(o.Payload.Kind())); err != nil {
				return 0, classify("put", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("put", err)
	}
	return inserted, nil
}

func execInsert(ctx context.Context, tx *sqlx.Tx, o market.Observation) (sql.Result, error) {
	switch o.Payload.Kind() {
	case market.KindOHLCV:
		c := o.Payload.OHLCV
		return tx.ExecContext(ctx, insertOHLCV,
			o.SeriesID, o.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
	case market.KindMacro:
		return tx.ExecContext(ctx, insertMacro,
			o.SeriesID, dateKey(o.Timestamp), o.Payload.Macro.Value, o.Timestamp)
	case market.KindBook:
		b := o.Payload.Book
		return tx.ExecContext(ctx, insertBook,
			o.SeriesID, o.Timestamp, b.BidPrice, b.BidSize, b.AskPrice, b.AskSize)
	}
	return nil, fmt.Errorf("unsupported payload kind %q", o.Payload.Kind())
}

// dateKey renders an epoch-ms timestamp as the yyyymmdd integer the
// macro table is keyed by.
func dateKey(tsMs int64) int {
	key, _ := strconv.Atoi(time.UnixMilli(tsMs).UTC().Format("20060102"))
	return key
}

func (r *ObservationStore) LatestTimestamp(ctx context.Context, seriesID string) (int64, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	kind, ok, err := r.seriesKind(opCtx, seriesID)
	if err != nil || !ok {
		return 0, false, err
	}

	var ts sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(timestamp_ms) FROM %s WHERE %s = $1`,
		tableFor(kind), keyColumnFor(kind))
	if err := r.db.GetContext(opCtx, &ts, query, seriesID); err != nil {
		return 0, false, classify("latest_timestamp", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// Range returns observations ordered by strictly increasing timestamp,
// bounds inclusive.
func (r *ObservationStore) Range(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error) {
	if loMs > hiMs {
		return nil, store.Fatal("range", fmt.Errorf("inverted window [%d, %d]", loMs, hiMs))
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	kind, ok, err := r.seriesKind(opCtx, seriesID)
	if err != nil || !ok {
		return nil, err
	}

	switch kind {
	case market.KindOHLCV:
		return r.rangeOHLCV(opCtx, seriesID, loMs, hiMs)
	case market.KindMacro:
		return r.rangeMacro(opCtx, seriesID, loMs, hiMs)
	case market.KindBook:
		return r.rangeBook(opCtx, seriesID, loMs, hiMs)
	}
	return nil, store.Fatal("range", fmt.Errorf("catalog has unknown kind %q for %s", kind, seriesID))
}

func (r *ObservationStore) rangeOHLCV(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT timestamp_ms, open, high, low, close, volume
		 FROM ohlcv WHERE series_id = $1 AND timestamp_ms BETWEEN $2 AND $3
		 ORDER BY timestamp_ms ASC`, seriesID, loMs, hiMs)
	if err != nil {
		return nil, classify("range", err)
	}
	defer rows.Close()

	var out []market.Observation
	for rows.Next() {
		var ts int64
		var c market.OHLCV
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, classify("range", err)
		}
		obs := c
		out = append(out, market.Observation{
			SeriesID: seriesID, Timestamp: ts, Payload: market.Payload{OHLCV: &obs},
		})
	}
	return out, classify("range", rows.Err())
}

func (r *ObservationStore) rangeMacro(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT timestamp_ms, value
		 FROM macro WHERE indicator = $1 AND timestamp_ms BETWEEN $2 AND $3
		 ORDER BY timestamp_ms ASC`, seriesID, loMs, hiMs)
	if err != nil {
		return nil, classify("range", err)
	}
	defer rows.Close()

	var out []market.Observation
	for rows.Next() {
		var ts int64
		var v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, classify("range", err)
		}
		out = append(out, market.NewMacro(seriesID, ts, v))
	}
	return out, classify("range", rows.Err())
}

func (r *ObservationStore) rangeBook(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT timestamp_ms, bid_price, bid_size, ask_price, ask_size
		 FROM book_l1 WHERE series_id = $1 AND timestamp_ms BETWEEN $2 AND $3
		 ORDER BY timestamp_ms ASC`, seriesID, loMs, hiMs)
	if err != nil {
		return nil, classify("range", err)
	}
	defer rows.Close()

	var out []market.Observation
	for rows.Next() {
		var ts int64
		var b market.BookSnapshot
		if err := rows.Scan(&ts, &b.BidPrice, &b.BidSize, &b.AskPrice, &b.AskSize); err != nil {
			return nil, classify("range", err)
		}
		snap := b
		out = append(out, market.Observation{
			SeriesID: seriesID, Timestamp: ts, Payload: market.Payload{Book: &snap},
		})
	}
	return out, classify("range", rows.Err())
}

// Health aggregates per-series counts across the payload tables.
func (r *ObservationStore) Health(ctx context.Context) (map[string]store.SeriesHealth, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out := make(map[string]store.SeriesHealth)
	queries := []string{
		`SELECT series_id, COUNT(*), MAX(timestamp_ms) FROM ohlcv GROUP BY series_id`,
		`SELECT indicator, COUNT(*), MAX(timestamp_ms) FROM macro GROUP BY indicator`,
		`SELECT series_id, COUNT(*), MAX(timestamp_ms) FROM book_l1 GROUP BY series_id`,
	}
	for _, q := range queries {
		rows, err := r.db.QueryxContext(opCtx, q)
		if err != nil {
			return nil, classify("health", err)
		}
		for rows.Next() {
			var id string
			var h store.SeriesHealth
			if err := rows.Scan(&id, &h.Count, &h.LatestTs); err != nil {
				rows.Close()
				return nil, classify("health", err)
			}
			out[id] = h
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, classify("health", err)
		}
		rows.Close()
	}
	return out, nil
}

func (r *ObservationStore) seriesKind(ctx context.Context, seriesID string) (market.PayloadKind, bool, error) {
	var kind string
	err := r.db.GetContext(ctx, &kind,
		`SELECT kind FROM series_catalog WHERE series_id = $1`, seriesID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("series_kind", err)
	}
	return market.PayloadKind(kind), true, nil
}

func tableFor(kind market.PayloadKind) string {
	switch kind {
	case market.KindMacro:
		return "macro"
	case market.KindBook:
		return "book_l1"
	default:
		return "ohlcv"
	}
}

func keyColumnFor(kind market.PayloadKind) string {
	if kind == market.KindMacro {
		return "indicator"
	}
	return "series_id"
}

// classify maps database failures onto the transient/fatal split the
// scheduler acts on. Connection, serialization and resource errors are
// retriable; data, constraint and corruption errors are not.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return store.Transient(op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrTxDone) {
		return store.Transient(op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "53100" { // disk_full
			return store.Fatal(op, err)
		}
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, rollback/serialization, resources, shutdown
			return store.Transient(op, err)
		}
		return store.Fatal(op, err)
	}

	// Unknown driver or network error: let the scheduler retry.
	return store.Transient(op, err)
}
