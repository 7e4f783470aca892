package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
)

// PostgresJournal mirrors ledger records into a shared PostgreSQL table so several agents
// can report into one place.
type PostgresJournal struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresJournal connects with dsn, pings, and runs migrations.
func NewPostgresJournal(ctx context.Context, dsn string, maxConns int32, logger *logging.Logger) (*PostgresJournal, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	j := &PostgresJournal{Pool: pool, logger: logger.WithComponent("postgres-journal")}
	if err := j.RunMigrations(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	j.logger.Info("Connected to PostgreSQL journal")
	return j, nil
}

// RunMigrations creates the journal table.
func (j *PostgresJournal) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_journal (
			id VARCHAR(26) PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL,
			strategy_name VARCHAR(100) NOT NULL,
			result VARCHAR(20) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_journal_recorded_at ON trade_journal(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_journal_strategy ON trade_journal(strategy_name)`,
	}
	for _, m := range migrations {
		if _, err := j.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (j *PostgresJournal) Append(ctx context.Context, e ledger.Entry) error {
	_, err := j.Pool.Exec(ctx,
		`INSERT INTO trade_journal (id, recorded_at, strategy_name, result, pnl) VALUES ($1, $2, $3, $4, $5)`,
		NewID(e.Timestamp), e.Timestamp.UTC(), e.Strategy, string(e.Result), e.PnL,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal row: %w", err)
	}
	return nil
}

// List returns every journaled entry ordered by time.
func (j *PostgresJournal) List(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := j.Pool.Query(ctx,
		`SELECT recorded_at, strategy_name, result, pnl::float8 FROM trade_journal ORDER BY recorded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e      ledger.Entry
			result string
		)
		if err := rows.Scan(&e.Timestamp, &e.Strategy, &result, &e.PnL); err != nil {
			return nil, err
		}
		e.Result = ledger.Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (j *PostgresJournal) Close() {
	if j.Pool != nil {
		j.Pool.Close()
	}
}
