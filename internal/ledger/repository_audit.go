package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrIdempotencyKeyExists signals that a command key was already recorded
var ErrIdempotencyKeyExists = errors.New("idempotency key already recorded")

// AppendAudit appends one control-plane audit entry. The audit log is
// append-only; there is no update or delete path.
func (r *Repository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO audit_entries (id, actor, action, params, result, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Actor, entry.Action, entry.Params, entry.Result, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	r.mirror("audit_entries", entry.ID, map[string]interface{}{
		"actor":  entry.Actor,
		"action": entry.Action,
	})
	return nil
}

// GetAuditEntries retrieves the most recent audit entries, newest first
func (r *Repository) GetAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, actor, action, params, result, timestamp
		FROM audit_entries ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Params, &e.Result, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutIdempotencyRecord stores a command result keyed by idempotency key.
// Returns ErrIdempotencyKeyExists if the key was already written; the first
// writer wins and later writers must return the stored result instead.
func (r *Repository) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, actor, action, result, first_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.Actor, rec.Action, rec.Result, rec.FirstSeen)
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyKeyExists
	}
	return nil
}

// GetIdempotencyRecord retrieves a cached command result, nil when absent
func (r *Repository) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT key, actor, action, result, first_seen
		FROM idempotency_records WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Actor, &rec.Action, &rec.Result, &rec.FirstSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// SaveAllocations persists one committed allocation snapshot version
func (r *Repository) SaveAllocations(ctx context.Context, allocations []*CapitalAllocation) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin allocation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range allocations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO capital_allocations (strategy_id, budget, reason, version, adjusted_at)
			VALUES ($1, $2, $3, $4, $5)
		`, a.StrategyID, a.Budget, a.Reason, a.Version, a.AdjustedAt); err != nil {
			return fmt.Errorf("save allocation for %s: %w", a.StrategyID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit allocation tx: %w", err)
	}

	for _, a := range allocations {
		r.mirror("capital_allocations", a.StrategyID, map[string]interface{}{
			"budget":  a.Budget,
			"version": a.Version,
			"reason":  a.Reason,
		})
	}
	return nil
}

// GetLatestAllocations retrieves the newest committed allocation per strategy
func (r *Repository) GetLatestAllocations(ctx context.Context) ([]*CapitalAllocation, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (strategy_id) strategy_id, budget, COALESCE(reason, ''), version, adjusted_at
		FROM capital_allocations
		ORDER BY strategy_id, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []*CapitalAllocation
	for rows.Next() {
		a := &CapitalAllocation{}
		if err := rows.Scan(&a.StrategyID, &a.Budget, &a.Reason, &a.Version, &a.AdjustedAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// RealizedPnLByStrategy aggregates realized PnL per strategy from fills of
// terminal orders, the allocator's performance input.
func (r *Repository) RealizedPnLByStrategy(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT o.strategy_id,
		       COALESCE(SUM(CASE WHEN f.side = 'SELL' THEN f.quantity * f.price
		                         ELSE -f.quantity * f.price END - f.fee_amount), 0)
		FROM fills f
		JOIN orders o ON o.id = f.order_id
		GROUP BY o.strategy_id
	`)
	if err != nil {
		return nil, fmt.Errorf("realized pnl by strategy: %w", err)
	}
	defer rows.Close()

	result := make(map[string]float64)
	for rows.Next() {
		var strategy string
		var pnl float64
		if err := rows.Scan(&strategy, &pnl); err != nil {
			return nil, err
		}
		result[strategy] = pnl
	}
	return result, rows.Err()
}

// RejectCountSince counts orders that terminated REJECTED per strategy,
// used in telemetry summaries. Risk-rail rejections never become orders and
// are counted on the bus instead.
func (r *Repository) RejectCountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy_id, COUNT(*) FROM orders
		WHERE status = 'REJECTED' AND updated_at >= $1
		GROUP BY strategy_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("reject count: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var strategy string
		var n int
		if err := rows.Scan(&strategy, &n); err != nil {
			return nil, err
		}
		result[strategy] = n
	}
	return result, rows.Err()
}
