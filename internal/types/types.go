package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StreamKind identifies which kind of market-data stream a subscription covers
type StreamKind string

const (
	StreamKline  StreamKind = "kline"
	StreamDepth  StreamKind = "depth"
	StreamTicker StreamKind = "ticker"
)

// GroupBy selects the bucketing granularity for candle aggregation
type GroupBy string

const (
	GroupByHour  GroupBy = "hour"
	GroupByDay   GroupBy = "day"
	GroupByWeek  GroupBy = "week"
	GroupByMonth GroupBy = "month"
)

// Status represents the state of the shared stream connection as observed by
// subscribers. Only the stream client mutates the underlying state.
type Status string

const (
	StatusDisconnected Status = "Disconnected"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusError        Status = "Error"
	StatusFailed       Status = "Failed to reconnect"
)

// Candle is one OHLCV bucket. Past buckets are immutable once emitted; the
// most recent bucket is overwritten in place until its interval boundary
// passes.
type Candle struct {
	Symbol string
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Change decimal.Decimal // percent, (close-open)/open*100
}

// PriceLevel represents a single price level in the order book
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is an emitted copy of one symbol's book: bids sorted descending,
// asks ascending, each side capped to the configured depth. Subscribers never
// receive a reference into live state.
type OrderBook struct {
	Symbol       string
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID int64
}

// Ticker carries the last price and 24h statistics for one symbol. It is
// stateless: each update replaces the previous one wholesale.
type Ticker struct {
	Symbol             string
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	WeightedAvgPrice   decimal.Decimal
	PrevClosePrice     decimal.Decimal
	LastPrice          decimal.Decimal
	BidPrice           decimal.Decimal
	AskPrice           decimal.Decimal
	OpenPrice          decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
	TradeCount         int64
}

var hundred = decimal.NewFromInt(100)

// ChangePercent computes (close-open)/open*100, returning zero for a zero open
func ChangePercent(open, close decimal.Decimal) decimal.Decimal {
	if open.IsZero() {
		return decimal.Zero
	}
	return close.Sub(open).Div(open).Mul(hundred)
}
