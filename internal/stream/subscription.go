package stream

import (
	"sort"
	"strings"

	"marketfeed/internal/binance"
	"marketfeed/internal/types"
)

// Callbacks bundles the consumer-facing handlers for one subscription. Any
// handler may be nil. Series and order-book arguments are copies; consumers
// never receive a reference into live state.
type Callbacks struct {
	OnCandles   func(series []types.Candle, symbol, interval string)
	OnOrderBook func(book types.OrderBook, symbol string)
	OnTicker    func(ticker types.Ticker, symbol string)
	OnStatus    func(status types.Status)
}

// key is the composite subscription identity. Each member is the sorted,
// pipe-joined set it covers, so an identical parameter set always maps to
// the same key and subscribing twice never duplicates topics or fetches.
type key struct {
	symbols   string
	intervals string
	kinds     string
}

func newKey(symbols, intervals []string, kinds []types.StreamKind) key {
	kindNames := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindNames = append(kindNames, string(k))
	}
	return key{
		symbols:   joinSorted(symbols),
		intervals: joinSorted(intervals),
		kinds:     joinSorted(kindNames),
	}
}

// joinSorted dedups, sorts and pipe-joins a set of values
func joinSorted(vals []string) string {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, "|")
}

// subscription is one registry entry. Symbols are upper-cased and sorted at
// creation; the kinds set drives demultiplexer routing.
type subscription struct {
	symbols   []string
	intervals []string
	kinds     map[types.StreamKind]bool
	callbacks Callbacks
	groupBy   types.GroupBy
	limit     int
}

func (s *subscription) has(kind types.StreamKind) bool {
	return s.kinds[kind]
}

func (s *subscription) hasSymbol(symbol string) bool {
	for _, sym := range s.symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

// topics returns the stream topics implied by this subscription:
// symbols x intervals for klines, symbols alone for depth and ticker
func (s *subscription) topics() []string {
	var out []string
	for _, sym := range s.symbols {
		if s.has(types.StreamKline) {
			for _, iv := range s.intervals {
				out = append(out, binance.KlineTopic(sym, iv))
			}
		}
		if s.has(types.StreamDepth) {
			out = append(out, binance.DepthTopic(sym))
		}
		if s.has(types.StreamTicker) {
			out = append(out, binance.TickerTopic(sym))
		}
	}
	return out
}

// normalizeSymbols upper-cases, dedups and sorts
func normalizeSymbols(symbols []string) []string {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(s)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func normalizeIntervals(intervals []string) []string {
	set := make(map[string]struct{}, len(intervals))
	for _, iv := range intervals {
		set[iv] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for iv := range set {
		out = append(out, iv)
	}
	sort.Strings(out)
	return out
}
