package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marlin/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ SignalStore = (*SQLiteStore)(nil)
var _ OrderStore = (*SQLiteStore)(nil)
var _ DecisionStore = (*SQLiteStore)(nil)

// SQLiteStore implements SignalStore, OrderStore, and DecisionStore backed by
// a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	target_qty      INTEGER NOT NULL,
	target_weight   TEXT NOT NULL DEFAULT '0',
	suggested_price TEXT NOT NULL DEFAULT '0',
	source          TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	protective      INTEGER NOT NULL DEFAULT 0,
	executed        INTEGER NOT NULL DEFAULT 0,
	skipped         INTEGER NOT NULL DEFAULT 0,
	skip_reason     TEXT NOT NULL DEFAULT '',
	order_id        TEXT NOT NULL DEFAULT '',
	source_time     TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	executed_at     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals (executed, skipped, created_at);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	signal_id        TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	limit_price      TEXT NOT NULL DEFAULT '0',
	status           TEXT NOT NULL,
	broker_order_id  TEXT NOT NULL DEFAULT '',
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	filled_avg_price TEXT NOT NULL DEFAULT '0',
	reason           TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS idx_orders_signal ON orders (signal_id);

CREATE TABLE IF NOT EXISTS decisions (
	id            TEXT PRIMARY KEY,
	signal_id     TEXT NOT NULL DEFAULT '',
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	approved      INTEGER NOT NULL,
	requested_qty INTEGER NOT NULL,
	qty           INTEGER NOT NULL,
	rule          TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	threshold     TEXT NOT NULL DEFAULT '0',
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions (created_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialize access through one connection
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ---------------------------------------------------------------------------
// SignalStore implementation
// ---------------------------------------------------------------------------

// SaveSignal inserts a signal, ignoring duplicates by ID.
func (s *SQLiteStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals
			(id, symbol, side, target_qty, target_weight, suggested_price,
			 source, reason, protective, executed, skipped, skip_reason,
			 order_id, source_time, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Symbol, string(sig.Side), sig.TargetQty,
		sig.TargetWeight.String(), sig.SuggestedPrice.String(),
		sig.Source, sig.Reason, sig.Protective, sig.Executed, sig.Skipped,
		sig.SkipReason, sig.OrderID, encodeTime(sig.SourceTime),
		encodeTime(sig.CreatedAt), encodeTime(sig.ExecutedAt))
	return err
}

// GetSignal retrieves a single signal by its ID.
func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, side, target_qty, target_weight, suggested_price,
		       source, reason, protective, executed, skipped, skip_reason,
		       order_id, source_time, created_at, executed_at
		FROM signals WHERE id = ?`, id)
	return scanSignal(row)
}

// ListSignals returns signals, newest first; pending-only listings come back
// oldest first so execution preserves arrival order.
func (s *SQLiteStore) ListSignals(ctx context.Context, pendingOnly bool, limit int) ([]domain.Signal, error) {
	query := `
		SELECT id, symbol, side, target_qty, target_weight, suggested_price,
		       source, reason, protective, executed, skipped, skip_reason,
		       order_id, source_time, created_at, executed_at
		FROM signals`
	if pendingOnly {
		query += ` WHERE executed = 0 AND skipped = 0 ORDER BY created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	query += ` LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}

// UpdateSignal persists the executed/skipped outcome of a signal.
func (s *SQLiteStore) UpdateSignal(ctx context.Context, sig *domain.Signal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET executed = ?, skipped = ?, skip_reason = ?, order_id = ?, executed_at = ?
		WHERE id = ?`,
		sig.Executed, sig.Skipped, sig.SkipReason, sig.OrderID,
		encodeTime(sig.ExecutedAt), sig.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*domain.Signal, error) {
	var sig domain.Signal
	var side, weight, price, sourceTime, createdAt, executedAt string
	err := row.Scan(&sig.ID, &sig.Symbol, &side, &sig.TargetQty, &weight,
		&price, &sig.Source, &sig.Reason, &sig.Protective, &sig.Executed,
		&sig.Skipped, &sig.SkipReason, &sig.OrderID, &sourceTime,
		&createdAt, &executedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sig.Side = domain.Side(side)
	sig.TargetWeight = decodeDecimal(weight)
	sig.SuggestedPrice = decodeDecimal(price)
	sig.SourceTime = decodeTime(sourceTime)
	sig.CreatedAt = decodeTime(createdAt)
	sig.ExecutedAt = decodeTime(executedAt)
	return &sig, nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, signal_id, symbol, side, qty, limit_price, status,
	broker_order_id, filled_qty, filled_avg_price, reason, created_at, updated_at`

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, signal_id, symbol, side, qty, limit_price, status,
			 broker_order_id, filled_qty, filled_avg_price, reason,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.SignalID, order.Symbol, string(order.Side), order.Qty,
		order.LimitPrice.String(), string(order.Status), order.BrokerOrderID,
		order.FilledQty, order.FilledAvgPrice.String(), order.Reason,
		encodeTime(order.CreatedAt), encodeTime(order.UpdatedAt))
	return err
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderBySignal retrieves the order created from a signal, if any.
func (s *SQLiteStore) GetOrderBySignal(ctx context.Context, signalID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE signal_id = ?`, signalID)
	return scanOrder(row)
}

// ListOrders returns orders matching the given status, or all orders when
// status is empty. Newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at DESC`,
			string(status))
	}
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListActiveOrders returns orders still live at the broker.
func (s *SQLiteStore) ListActiveOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		string(domain.OrderStatusSubmitted),
		string(domain.OrderStatusAcknowledged),
		string(domain.OrderStatusPartiallyFilled))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, order *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, broker_order_id = ?, filled_qty = ?,
		    filled_avg_price = ?, reason = ?, updated_at = ?
		WHERE id = ?`,
		string(order.Status), order.BrokerOrderID, order.FilledQty,
		order.FilledAvgPrice.String(), order.Reason,
		encodeTime(order.UpdatedAt), order.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var side, limitPrice, status, filledAvg, createdAt, updatedAt string
	err := row.Scan(&order.ID, &order.SignalID, &order.Symbol, &side,
		&order.Qty, &limitPrice, &status, &order.BrokerOrderID,
		&order.FilledQty, &filledAvg, &order.Reason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	order.Side = domain.Side(side)
	order.LimitPrice = decodeDecimal(limitPrice)
	order.Status = domain.OrderStatus(status)
	order.FilledAvgPrice = decodeDecimal(filledAvg)
	order.CreatedAt = decodeTime(createdAt)
	order.UpdatedAt = decodeTime(updatedAt)
	return &order, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// DecisionStore implementation
// ---------------------------------------------------------------------------

// SaveDecision appends a risk decision.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d *domain.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(id, signal_id, symbol, side, approved, requested_qty, qty,
			 rule, reason, threshold, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SignalID, d.Symbol, string(d.Side), d.Approved,
		d.RequestedQty, d.Qty, d.Rule, d.Reason, d.Threshold.String(),
		encodeTime(d.CreatedAt))
	return err
}

// ListDecisions returns decisions made at or after since, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, since time.Time, limit int) ([]domain.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, symbol, side, approved, requested_qty, qty,
		       rule, reason, threshold, created_at
		FROM decisions
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`,
		encodeTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var side, threshold, createdAt string
		if err := rows.Scan(&d.ID, &d.SignalID, &d.Symbol, &side, &d.Approved,
			&d.RequestedQty, &d.Qty, &d.Rule, &d.Reason, &threshold,
			&createdAt); err != nil {
			return nil, err
		}
		d.Side = domain.Side(side)
		d.Threshold = decodeDecimal(threshold)
		d.CreatedAt = decodeTime(createdAt)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
