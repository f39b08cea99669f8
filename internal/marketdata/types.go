package marketdata

import (
	"math"
	"time"
)

// TickSide is the aggressor side of a trade print
type TickSide string

const (
	TickSideBuy  TickSide = "buy"
	TickSideSell TickSide = "sell"
)

// Tick is a single trade print. SeqID orders prints from one source; trades
// polled over REST carry the exchange trade time in nanoseconds so replays
// are detectable.
type Tick struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TickSide  `json:"side"`
	SeqID     int64     `json:"seq_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// L1Quote is the top of book plus the last trade price
type L1Quote struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	BidQty    float64   `json:"bid_qty"`
	AskPrice  float64   `json:"ask_price"`
	AskQty    float64   `json:"ask_qty"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of the quote, or the last price when one side
// of the book is empty
func (q *L1Quote) Mid() float64 {
	if q.BidPrice > 0 && q.AskPrice > 0 {
		return (q.BidPrice + q.AskPrice) / 2
	}
	return q.LastPrice
}

// L2Level is one price level of the order book
type L2Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// L2Book is a depth snapshot ready for persistence. Bids are sorted
// descending, asks ascending.
type L2Book struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bids      []L2Level `json:"bids"`
	Asks      []L2Level `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// HotBar is a short-frame OHLCV bar held in the hot store
type HotBar struct {
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Frame       string    `json:"frame"` // 1s | 5s
	BarTS       time.Time `json:"bar_ts"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	TradesCount int       `json:"trades_count"`
	VWAP        float64   `json:"vwap"`
}

// maxLevelMagnitude bounds prices and quantities accepted into the store.
// Anything beyond it is treated as a feed glitch.
const maxLevelMagnitude = 1e12

// ValidLevel reports whether a price/quantity pair is storable
func ValidLevel(price, qty float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return false
	}
	if price <= 0 || qty <= 0 {
		return false
	}
	if price > maxLevelMagnitude || qty > maxLevelMagnitude {
		return false
	}
	return true
}

// NormalizeLevels filters out invalid levels, returning the survivors in
// their original order
func NormalizeLevels(levels []L2Level) []L2Level {
	out := levels[:0:0]
	for _, l := range levels {
		if ValidLevel(l.Price, l.Qty) {
			out = append(out, l)
		}
	}
	return out
}
