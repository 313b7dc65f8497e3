package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL,
	ts              TEXT NOT NULL,
	bar_time        TEXT,
	symbol          TEXT NOT NULL,
	close           REAL,
	short_ema       REAL,
	long_ema        REAL,
	trend           TEXT,
	prev_trend      TEXT,
	crossed         INTEGER,
	intent          TEXT,
	intent_qty      REAL,
	intent_quote    REAL,
	reason          TEXT,
	result          TEXT,
	reject_reason   TEXT,
	order_id        TEXT,
	client_order_id TEXT,
	filled_qty      REAL,
	avg_price       REAL,
	balance         REAL,
	position        REAL
);
CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
`

const insertDecision = `
INSERT INTO decisions (
	run_id, ts, bar_time, symbol, close, short_ema, long_ema, trend, prev_trend, crossed,
	intent, intent_qty, intent_quote, reason, result, reject_reason, order_id, client_order_id,
	filled_qty, avg_price, balance, position
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLite stores decisions in a single table for ad hoc querying.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(d Decision) {
	var barTime string
	if !d.BarTime.IsZero() {
		barTime = d.BarTime.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(insertDecision,
		d.RunID, d.Timestamp.UTC().Format(time.RFC3339Nano), barTime, d.Symbol,
		d.Close, d.ShortEMA, d.LongEMA, string(d.Trend), string(d.PrevTrend), d.Crossed,
		string(d.Intent), d.IntentQty, d.IntentQuote, d.Reason, d.Result, d.RejectReason,
		d.OrderID, d.ClientOrderID, d.FilledQty, d.AvgPrice, d.Balance, d.Position,
	)
	if err != nil {
		log.Error().Err(err).Str("component", "journal").Msg("failed to insert decision")
	}
}

// Results counts journaled decisions per result for one run.
func (s *SQLite) Results(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT result, COUNT(*) FROM decisions WHERE run_id = ? GROUP BY result`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		out[result] = n
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
