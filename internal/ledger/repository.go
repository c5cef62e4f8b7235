package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trading-engine/internal/events"
)

// Repository errors
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrFillExceedsOrder = errors.New("fill quantity exceeds order remaining quantity")
	ErrDuplicateOrder   = errors.New("order already recorded")
)

// qtyEpsilon absorbs DECIMAL round-trip noise when comparing quantities
const qtyEpsilon = 1e-9

// Repository provides durable access to the ledger tables. Every successful
// write is mirrored to the bus as ledger.changed; the mirror is telemetry
// only and is never read back by internal logic.
type Repository struct {
	db  *DB
	bus *events.Bus
}

// NewRepository creates a new repository
func NewRepository(db *DB, bus *events.Bus) *Repository {
	return &Repository{db: db, bus: bus}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func (r *Repository) mirror(table, key string, fields map[string]interface{}) {
	if r.bus != nil {
		r.bus.PublishLedgerChanged(table, key, fields)
	}
}

// ============================================================================
// ORDERS
// ============================================================================

// RecordOrder persists a newly admitted order. The write is acknowledged only
// after the insert commits; callers must treat an error as not-persisted.
func (r *Repository) RecordOrder(ctx context.Context, order *Order) error {
	query := `
		INSERT INTO orders (id, strategy_id, venue, symbol, side, quantity, price, ref_price, status, filled_qty, group_id, venue_order_ref, accepted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		order.ID, order.StrategyID, order.Venue, order.Symbol, order.Side,
		order.Quantity, order.Price, order.RefPrice, order.Status, order.FilledQty,
		nullable(order.GroupID), nullable(order.VenueOrdRef),
		order.AcceptedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", order.ID, err)
	}

	r.mirror("orders", order.ID, map[string]interface{}{
		"status":   string(order.Status),
		"venue":    order.Venue,
		"symbol":   order.Symbol,
		"side":     string(order.Side),
		"quantity": order.Quantity,
	})
	return nil
}

// UpdateOrderStatus persists a status transition. Transition validity is the
// state machine's responsibility; the repository only records it.
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus, reviewNote string) error {
	query := `
		UPDATE orders SET status = $2, review_note = NULLIF($3, ''), updated_at = $4
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, orderID, status, reviewNote, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update order %s status: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	r.mirror("orders", orderID, map[string]interface{}{"status": string(status)})
	return nil
}

// SetVenueOrderRef records the venue-assigned reference after acknowledgement
func (r *Repository) SetVenueOrderRef(ctx context.Context, orderID, ref string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE orders SET venue_order_ref = $2, updated_at = $3 WHERE id = $1`,
		orderID, ref, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set venue ref for order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

const orderColumns = `id, strategy_id, venue, symbol, side, quantity, price, ref_price, status, filled_qty,
	COALESCE(group_id, ''), COALESCE(venue_order_ref, ''), COALESCE(review_note, ''), accepted_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	order := &Order{}
	err := row.Scan(
		&order.ID, &order.StrategyID, &order.Venue, &order.Symbol, &order.Side,
		&order.Quantity, &order.Price, &order.RefPrice, &order.Status, &order.FilledQty,
		&order.GroupID, &order.VenueOrdRef, &order.ReviewNote,
		&order.AcceptedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// GetOrder retrieves an order by ID
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return scanOrder(r.db.Pool.QueryRow(ctx, query, orderID))
}

// GetOpenOrders retrieves all orders in a non-terminal state, the working set
// for startup reconciliation.
func (r *Repository) GetOpenOrders(ctx context.Context) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ('ACCEPTED', 'PARTIALLY_FILLED')
		ORDER BY accepted_at
	`
	return r.queryOrders(ctx, query)
}

// GetOrdersByGroup retrieves all legs of a linked order group
func (r *Repository) GetOrdersByGroup(ctx context.Context, groupID string) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE group_id = $1 ORDER BY accepted_at`
	return r.queryOrders(ctx, query, groupID)
}

// GetOrdersNeedingReview retrieves orders awaiting operator resolution
func (r *Repository) GetOrdersNeedingReview(ctx context.Context) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'NEEDS_REVIEW' ORDER BY updated_at`
	return r.queryOrders(ctx, query)
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// ============================================================================
// FILLS & POSITIONS
// ============================================================================

// ApplyFill atomically appends a fill, advances the parent order's filled
// quantity and status, and folds the fill into the cached position. A fill_id
// already present is a venue replay and returns applied=false with no effect.
// A fill that would push the cumulative quantity past the order quantity is
// rejected before any write.
func (r *Repository) ApplyFill(ctx context.Context, fill *Fill) (applied bool, newStatus OrderStatus, err error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, "", fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, fill.OrderID))
	if err != nil {
		return false, "", err
	}

	if order.FilledQty+fill.Quantity > order.Quantity+qtyEpsilon {
		return false, order.Status, fmt.Errorf("%w: order %s has %.12f remaining, fill is %.12f",
			ErrFillExceedsOrder, order.ID, order.Remaining(), fill.Quantity)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO fills (fill_id, order_id, venue, symbol, side, quantity, price, fee_currency, fee_amount, venue_seq, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fill_id) DO NOTHING
	`, fill.FillID, fill.OrderID, fill.Venue, fill.Symbol, fill.Side,
		fill.Quantity, fill.Price, fill.FeeCurrency, fill.FeeAmount,
		fill.VenueSeq, fill.ExecutedAt)
	if err != nil {
		return false, "", fmt.Errorf("append fill %s: %w", fill.FillID, err)
	}
	if tag.RowsAffected() == 0 {
		// Replayed fill, already applied
		return false, order.Status, nil
	}

	newFilled := order.FilledQty + fill.Quantity
	newStatus = StatusPartiallyFilled
	if newFilled >= order.Quantity-qtyEpsilon {
		newStatus = StatusFilled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET filled_qty = $2, status = $3, updated_at = $4 WHERE id = $1`,
		order.ID, newFilled, newStatus, fill.ExecutedAt); err != nil {
		return false, "", fmt.Errorf("advance order %s on fill: %w", order.ID, err)
	}

	pos := &Position{Venue: fill.Venue, Symbol: fill.Symbol}
	err = tx.QueryRow(ctx,
		`SELECT net_qty, avg_price FROM positions WHERE venue = $1 AND symbol = $2 FOR UPDATE`,
		fill.Venue, fill.Symbol).Scan(&pos.NetQty, &pos.AvgPrice)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, "", fmt.Errorf("load position %s/%s: %w", fill.Venue, fill.Symbol, err)
	}
	pos.ApplyFill(fill)

	if _, err := tx.Exec(ctx, `
		INSERT INTO positions (venue, symbol, net_qty, avg_price, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (venue, symbol) DO UPDATE
		SET net_qty = EXCLUDED.net_qty, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at
	`, pos.Venue, pos.Symbol, pos.NetQty, pos.AvgPrice, pos.UpdatedAt); err != nil {
		return false, "", fmt.Errorf("upsert position %s/%s: %w", pos.Venue, pos.Symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, "", fmt.Errorf("commit fill tx: %w", err)
	}

	r.mirror("fills", fill.FillID, map[string]interface{}{
		"order_id": fill.OrderID,
		"venue":    fill.Venue,
		"symbol":   fill.Symbol,
		"quantity": fill.Quantity,
		"price":    fill.Price,
	})
	r.mirror("positions", fill.Venue+"/"+fill.Symbol, map[string]interface{}{
		"net_qty":   pos.NetQty,
		"avg_price": pos.AvgPrice,
	})
	return true, newStatus, nil
}

// GetPosition retrieves the cached position for a (venue, symbol) key
func (r *Repository) GetPosition(ctx context.Context, venue, symbol string) (*Position, error) {
	pos := &Position{Venue: venue, Symbol: symbol}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT net_qty, avg_price, updated_at FROM positions WHERE venue = $1 AND symbol = $2`,
		venue, symbol).Scan(&pos.NetQty, &pos.AvgPrice, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("get position %s/%s: %w", venue, symbol, err)
	}
	return pos, nil
}

// GetAllPositions retrieves every cached position
func (r *Repository) GetAllPositions(ctx context.Context) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT venue, symbol, net_qty, avg_price, updated_at FROM positions ORDER BY venue, symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		pos := &Position{}
		if err := rows.Scan(&pos.Venue, &pos.Symbol, &pos.NetQty, &pos.AvgPrice, &pos.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// ReplayFillsSince streams fills for a (venue, symbol) key in venue-reported
// sequence order, used for reconciliation and position rebuild.
func (r *Repository) ReplayFillsSince(ctx context.Context, venue, symbol string, since time.Time) ([]*Fill, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT fill_id, order_id, venue, symbol, side, quantity, price,
		       COALESCE(fee_currency, ''), fee_amount, venue_seq, executed_at
		FROM fills
		WHERE venue = $1 AND symbol = $2 AND executed_at >= $3
		ORDER BY venue_seq, executed_at
	`, venue, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("replay fills %s/%s: %w", venue, symbol, err)
	}
	defer rows.Close()

	var fills []*Fill
	for rows.Next() {
		f := &Fill{}
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Venue, &f.Symbol, &f.Side,
			&f.Quantity, &f.Price, &f.FeeCurrency, &f.FeeAmount, &f.VenueSeq, &f.ExecutedAt); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// RebuildPosition recomputes the position for a key from a full fill replay.
// It does not write; callers compare the result against the cached row.
func (r *Repository) RebuildPosition(ctx context.Context, venue, symbol string) (*Position, error) {
	fills, err := r.ReplayFillsSince(ctx, venue, symbol, time.Time{})
	if err != nil {
		return nil, err
	}
	pos := &Position{Venue: venue, Symbol: symbol}
	for _, f := range fills {
		pos.ApplyFill(f)
	}
	return pos, nil
}

// GetFillsForOrder retrieves all fills for an order in execution order
func (r *Repository) GetFillsForOrder(ctx context.Context, orderID string) ([]*Fill, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT fill_id, order_id, venue, symbol, side, quantity, price,
		       COALESCE(fee_currency, ''), fee_amount, venue_seq, executed_at
		FROM fills WHERE order_id = $1 ORDER BY venue_seq, executed_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("fills for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var fills []*Fill
	for rows.Next() {
		f := &Fill{}
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Venue, &f.Symbol, &f.Side,
			&f.Quantity, &f.Price, &f.FeeCurrency, &f.FeeAmount, &f.VenueSeq, &f.ExecutedAt); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ============================================================================
// EQUITY SNAPSHOTS
// ============================================================================

// AppendEquitySnapshot appends a per-venue equity timeseries point
func (r *Repository) AppendEquitySnapshot(ctx context.Context, snap *EquitySnapshot) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO equity_snapshots (venue, equity, cash, unrealized_pnl, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, snap.Venue, snap.Equity, snap.Cash, snap.UnrealizedPnL, snap.Timestamp).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("append equity snapshot for %s: %w", snap.Venue, err)
	}

	r.mirror("equity_snapshots", snap.Venue, map[string]interface{}{
		"equity":         snap.Equity,
		"cash":           snap.Cash,
		"unrealized_pnl": snap.UnrealizedPnL,
	})
	return nil
}

// GetEquitySnapshots retrieves snapshots for a venue since a point in time,
// oldest first.
func (r *Repository) GetEquitySnapshots(ctx context.Context, venue string, since time.Time) ([]*EquitySnapshot, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, venue, equity, cash, unrealized_pnl, timestamp
		FROM equity_snapshots
		WHERE venue = $1 AND timestamp >= $2
		ORDER BY timestamp
	`, venue, since)
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*EquitySnapshot
	for rows.Next() {
		s := &EquitySnapshot{}
		if err := rows.Scan(&s.ID, &s.Venue, &s.Equity, &s.Cash, &s.UnrealizedPnL, &s.Timestamp); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// TotalEquitySeries returns cross-venue equity summed per minute bucket,
// oldest first. The metrics collector derives returns from this series.
func (r *Repository) TotalEquitySeries(ctx context.Context, since time.Time) ([]float64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT SUM(equity)
		FROM equity_snapshots
		WHERE timestamp >= $1
		GROUP BY date_trunc('minute', timestamp)
		ORDER BY date_trunc('minute', timestamp)
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query equity series: %w", err)
	}
	defer rows.Close()

	var series []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		series = append(series, v)
	}
	return series, rows.Err()
}

// LatestTotalEquity sums the most recent snapshot per venue, the
// ledger-confirmed equity the allocator caps against.
func (r *Repository) LatestTotalEquity(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(equity), 0) FROM (
			SELECT DISTINCT ON (venue) equity
			FROM equity_snapshots
			ORDER BY venue, timestamp DESC
		) latest
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("latest total equity: %w", err)
	}
	return total, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
