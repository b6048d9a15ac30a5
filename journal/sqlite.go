package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) Record(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(id, run_id, time, symbol, side, quantity, price, value, status, reason, client_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.Time, t.Symbol, string(t.Side),
		t.Quantity, t.Price, t.Value, t.Status, t.Reason, t.ClientOrderID,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
