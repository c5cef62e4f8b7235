package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trading-engine/internal/logging"
)

// DB wraps the PostgreSQL connection pool. Durability is PostgreSQL's
// synchronous-commit write-ahead log: an Exec that returns nil means the
// write is crash-recoverable.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("ledger").Info("Connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.WithComponent("ledger").Info("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.WithComponent("ledger")
	log.Info("Running ledger migrations")

	migrations := []string{
		// Orders: identity immutable, status mutated only by the state machine
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL,
			venue VARCHAR(50) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(28, 12) NOT NULL,
			price DECIMAL(28, 12),
			ref_price DECIMAL(28, 12) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'ACCEPTED',
			filled_qty DECIMAL(28, 12) NOT NULL DEFAULT 0,
			group_id VARCHAR(64),
			venue_order_ref VARCHAR(100),
			review_note TEXT,
			accepted_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_venue_symbol ON orders(venue, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_group ON orders(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy_id)`,

		// Fills: immutable, unique fill_id makes venue replays idempotent
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			venue VARCHAR(50) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(28, 12) NOT NULL,
			price DECIMAL(28, 12) NOT NULL,
			fee_currency VARCHAR(20),
			fee_amount DECIMAL(28, 12) NOT NULL DEFAULT 0,
			venue_seq BIGINT NOT NULL DEFAULT 0,
			executed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_venue_symbol_seq ON fills(venue, symbol, venue_seq)`,

		// Positions: cache derivable from fills, reconciled after any crash
		`CREATE TABLE IF NOT EXISTS positions (
			venue VARCHAR(50) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			net_qty DECIMAL(28, 12) NOT NULL DEFAULT 0,
			avg_price DECIMAL(28, 12) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (venue, symbol)
		)`,

		// Equity snapshots: append-only per-venue timeseries
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			venue VARCHAR(50) NOT NULL,
			equity DECIMAL(28, 12) NOT NULL,
			cash DECIMAL(28, 12) NOT NULL,
			unrealized_pnl DECIMAL(28, 12) NOT NULL DEFAULT 0,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_snapshots_venue_ts ON equity_snapshots(venue, timestamp)`,

		// Capital allocations: one row per strategy per committed version
		`CREATE TABLE IF NOT EXISTS capital_allocations (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL,
			budget DECIMAL(28, 12) NOT NULL,
			reason TEXT,
			version BIGINT NOT NULL,
			adjusted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capital_allocations_version ON capital_allocations(version)`,
		`CREATE INDEX IF NOT EXISTS idx_capital_allocations_strategy ON capital_allocations(strategy_id)`,

		// Audit log: append-only record of control-plane and governance actions
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id VARCHAR(64) PRIMARY KEY,
			actor VARCHAR(100) NOT NULL,
			action VARCHAR(50) NOT NULL,
			params JSONB,
			result JSONB,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor)`,

		// Idempotency records: cached canonical command results
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			key VARCHAR(200) PRIMARY KEY,
			actor VARCHAR(100) NOT NULL,
			action VARCHAR(50) NOT NULL,
			result JSONB NOT NULL,
			first_seen TIMESTAMP NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("Ledger migrations completed")
	return nil
}
