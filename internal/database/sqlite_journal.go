package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"futures-agent/internal/ledger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trade_journal (
	id        TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	strategy  TEXT NOT NULL,
	result    TEXT NOT NULL,
	pnl       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_journal_timestamp ON trade_journal(timestamp);
`

// sqliteTimeLayout has a fixed width so rows sort lexically by time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournal is the local, unbounded copy of every ledger record.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the journal database at path.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite journal %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Append(ctx context.Context, e ledger.Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trade_journal (id, timestamp, strategy, result, pnl) VALUES (?, ?, ?, ?, ?)`,
		NewID(e.Timestamp), e.Timestamp.UTC().Format(sqliteTimeLayout), e.Strategy, string(e.Result), e.PnL,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal row: %w", err)
	}
	return nil
}

// List returns every journaled entry ordered by time.
func (j *SQLiteJournal) List(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT timestamp, strategy, result, pnl FROM trade_journal ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			ts     string
			result string
			e      ledger.Entry
		)
		if err := rows.Scan(&ts, &e.Strategy, &result, &e.PnL); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("bad journal timestamp %q: %w", ts, err)
		}
		e.Result = ledger.Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
