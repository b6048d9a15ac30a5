// journal/journal.go
package journal

import (
	"time"

	"github.com/tomiyuta/webull-portfolio-rebalancer/broker"
)

// TradeRecord is one ledger row: a single order attempt (or a skip) made
// during a rebalance run. Every attempt is recorded, including ones that
// never reached the broker.
type TradeRecord struct {
	ID            string
	RunID         string
	Time          time.Time
	Symbol        string
	Side          broker.Side
	Quantity      int64
	Price         float64
	Value         float64
	Status        string
	Reason        string
	ClientOrderID string
}

type Journal interface {
	Record(TradeRecord) error
	Close() error
}
