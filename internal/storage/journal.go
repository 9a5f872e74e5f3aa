// Package storage persists trading history to SQLite: every order state
// change, every execution event, and optionally the book updates that
// backtest replay later feeds through the paper simulator.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

// Journal is the SQLite-backed trade journal.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal database with WAL mode.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL,
			venue_order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price TEXT,
			qty TEXT NOT NULL,
			exec_qty TEXT NOT NULL,
			avg_fill_price TEXT,
			status TEXT NOT NULL,
			reduce_only INTEGER NOT NULL DEFAULT 0,
			post_only INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_cid ON orders(client_order_id);`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT,
			venue_order_id TEXT,
			exec_id TEXT,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			delta_qty TEXT,
			cum_qty TEXT,
			exec_price TEXT,
			fee TEXT,
			ts INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS book_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			bid TEXT, bid_size TEXT,
			ask TEXT, ask_size TEXT,
			observed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_book_symbol_ts ON book_updates(symbol, observed_at);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Journal{db: db}, nil
}

// RecordOrder appends one order state snapshot.
func (j *Journal) RecordOrder(o domain.Order) error {
	_, err := j.db.Exec(
		`INSERT INTO orders (client_order_id, venue_order_id, symbol, side, type,
			price, qty, exec_qty, avg_fill_price, status, reduce_only, post_only, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.VenueOrderID, o.Symbol, string(o.Side), string(o.Type),
		o.Price.String(), o.Qty.String(), o.ExecQty.String(), o.AvgFillPrice.String(),
		string(o.Status), boolToInt(o.ReduceOnly), boolToInt(o.PostOnly),
		o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// RecordExecution appends one execution event.
func (j *Journal) RecordExecution(ev domain.ExecutionEvent) error {
	_, err := j.db.Exec(
		`INSERT INTO executions (client_order_id, venue_order_id, exec_id, symbol,
			status, delta_qty, cum_qty, exec_price, fee, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ClientOrderID, ev.VenueOrderID, ev.ExecID, ev.Symbol,
		string(ev.Status), ev.DeltaQty.String(), ev.CumQty.String(),
		ev.ExecPrice.String(), ev.Fee.String(), ev.Ts.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordBookUpdate appends one best-quote observation for later replay.
func (j *Journal) RecordBookUpdate(bbo domain.BboSnapshot) error {
	_, err := j.db.Exec(
		`INSERT INTO book_updates (symbol, bid, bid_size, ask, ask_size, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		bbo.Symbol, bbo.Bid.String(), bbo.BidSize.String(),
		bbo.Ask.String(), bbo.AskSize.String(), bbo.ObservedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert book update: %w", err)
	}
	return nil
}

// LoadBookUpdates streams recorded quotes for symbol between from and to
// in observation order, invoking fn for each. fn returning false stops
// the scan.
func (j *Journal) LoadBookUpdates(ctx context.Context, symbol string, from, to time.Time, fn func(domain.BboSnapshot) bool) error {
	rows, err := j.db.QueryContext(ctx,
		`SELECT symbol, bid, bid_size, ask, ask_size, observed_at
		 FROM book_updates
		 WHERE symbol = ? AND observed_at >= ? AND observed_at <= ?
		 ORDER BY observed_at ASC, id ASC`,
		symbol, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("query book updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bid, bidSize, ask, askSize string
		var observedAt int64
		var bbo domain.BboSnapshot
		if err := rows.Scan(&bbo.Symbol, &bid, &bidSize, &ask, &askSize, &observedAt); err != nil {
			return fmt.Errorf("scan book update: %w", err)
		}
		bbo.Bid, _ = decimal.NewFromString(bid)
		bbo.BidSize, _ = decimal.NewFromString(bidSize)
		bbo.Ask, _ = decimal.NewFromString(ask)
		bbo.AskSize, _ = decimal.NewFromString(askSize)
		bbo.ObservedAt = time.UnixMilli(observedAt)
		if !fn(bbo) {
			return nil
		}
	}
	return rows.Err()
}

// OrderHistory returns all recorded snapshots for one client order id in
// insertion order.
func (j *Journal) OrderHistory(ctx context.Context, clientOrderID string) ([]domain.Order, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT client_order_id, venue_order_id, symbol, side, type,
			price, qty, exec_qty, avg_fill_price, status, updated_at
		 FROM orders WHERE client_order_id = ? ORDER BY id ASC`,
		clientOrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, typ, price, qty, execQty, avg, status string
		var updatedAt int64
		if err := rows.Scan(&o.ClientOrderID, &o.VenueOrderID, &o.Symbol, &side, &typ,
			&price, &qty, &execQty, &avg, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = domain.Side(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(price)
		o.Qty, _ = decimal.NewFromString(qty)
		o.ExecQty, _ = decimal.NewFromString(execQty)
		o.AvgFillPrice, _ = decimal.NewFromString(avg)
		o.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close flushes and closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
