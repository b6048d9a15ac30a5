package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
)

// GetTrade returns a single ledger row by ID.
func (j *SQLite) GetTrade(id string) (TradeRecord, error) {
	row := j.db.QueryRow(`
		SELECT id, run_id, time, symbol, side, quantity, price, value, status, reason, client_order_id
		FROM trades
		WHERE id = ?`, id)

	rec, err := scanTrade(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return TradeRecord{}, fmt.Errorf("trade %q not found", id)
		}
		return TradeRecord{}, err
	}
	return rec, nil
}

// ListByRun returns every row written during one rebalance run, oldest first.
func (j *SQLite) ListByRun(runID string) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, run_id, time, symbol, side, quantity, price, value, status, reason, client_order_id
		FROM trades
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

// ListBetween returns rows whose time is within [start, end).
func (j *SQLite) ListBetween(start, end time.Time) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, run_id, time, symbol, side, quantity, price, value, status, reason, client_order_id
		FROM trades
		WHERE time >= ? AND time < ?
		ORDER BY time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (TradeRecord, error) {
	var rec TradeRecord
	var side string
	err := s.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.Time,
		&rec.Symbol,
		&side,
		&rec.Quantity,
		&rec.Price,
		&rec.Value,
		&rec.Status,
		&rec.Reason,
		&rec.ClientOrderID,
	)
	rec.Side = broker.Side(side)
	return rec, err
}

func collectTrades(rows *sql.Rows) ([]TradeRecord, error) {
	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
