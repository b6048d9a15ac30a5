// journal/csv.go
package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"
)

type CSVJournal struct {
	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

// NewCSV opens (or creates) an append-only trade ledger at path. The header
// row is written only when the file is new, so repeated runs accumulate.
func NewCSV(path string) (*CSVJournal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write([]string{"id", "run_id", "time", "symbol", "side", "quantity", "price", "value", "status", "reason", "client_order_id"}); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &CSVJournal{w: w, f: f}, nil
}

func (j *CSVJournal) Record(t TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.w.Write([]string{
		t.ID,
		t.RunID,
		t.Time.Format(time.RFC3339),
		t.Symbol,
		string(t.Side),
		strconv.FormatInt(t.Quantity, 10),
		f(t.Price),
		f(t.Value),
		t.Status,
		t.Reason,
		t.ClientOrderID,
	})
	j.w.Flush()
	return j.w.Error()
}

func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.w.Flush()
	if err := j.w.Error(); err != nil {
		return err
	}
	return j.f.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
