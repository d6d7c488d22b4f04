// Package kline aggregates streaming candle ticks into time buckets.
package kline

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/types"
)

// Key identifies one candle series
type Key struct {
	Symbol   string
	Interval string
}

// Aggregator owns the per-(symbol, interval) candle series. It is not safe
// for concurrent use; the stream client serializes all access.
type Aggregator struct {
	series map[Key]*series
}

type series struct {
	groupBy types.GroupBy
	limit   int
	buckets map[string]types.Candle
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{series: make(map[Key]*series)}
}

// Ensure creates the series for (symbol, interval) if it does not exist, or
// updates its bucketing parameters if it does
func (a *Aggregator) Ensure(symbol, interval string, groupBy types.GroupBy, limit int) {
	if limit <= 0 {
		limit = 30
	}
	k := Key{Symbol: symbol, Interval: interval}
	if s, ok := a.series[k]; ok {
		s.groupBy = groupBy
		s.limit = limit
		return
	}
	a.series[k] = &series{
		groupBy: groupBy,
		limit:   limit,
		buckets: make(map[string]types.Candle),
	}
}

// Drop discards the series and all of its buckets
func (a *Aggregator) Drop(symbol, interval string) {
	delete(a.series, Key{Symbol: symbol, Interval: interval})
}

// Has reports whether a series exists for (symbol, interval)
func (a *Aggregator) Has(symbol, interval string) bool {
	_, ok := a.series[Key{Symbol: symbol, Interval: interval}]
	return ok
}

var two = decimal.NewFromInt(2)

// Merge folds one tick into its bucket and returns the sorted series capped
// to the configured limit, newest entries kept. Returns nil if no series is
// registered for (symbol, interval).
//
// An existing bucket keeps its open; close comes from the newest tick, high
// and low extend, volume accumulates. The change field is averaged with the
// incoming tick's change rather than recomputed from open/close, matching
// what downstream consumers were built against.
func (a *Aggregator) Merge(symbol, interval string, c types.Candle) []types.Candle {
	s, ok := a.series[Key{Symbol: symbol, Interval: interval}]
	if !ok {
		return nil
	}

	key := bucketKey(c.Time, s.groupBy)
	if existing, ok := s.buckets[key]; ok {
		existing.Close = c.Close
		existing.High = decimal.Max(existing.High, c.High)
		existing.Low = decimal.Min(existing.Low, c.Low)
		existing.Volume = existing.Volume.Add(c.Volume)
		existing.Change = existing.Change.Add(c.Change).Div(two)
		s.buckets[key] = existing
	} else {
		c.Time = bucketTime(c.Time, s.groupBy)
		s.buckets[key] = c
	}

	return s.emit()
}

// Series returns the current sorted, capped series without merging anything,
// or nil if no series is registered
func (a *Aggregator) Series(symbol, interval string) []types.Candle {
	s, ok := a.series[Key{Symbol: symbol, Interval: interval}]
	if !ok {
		return nil
	}
	return s.emit()
}

// emit sorts the buckets by key, prunes everything older than the limit, and
// returns value copies of the survivors
func (s *series) emit() []types.Candle {
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > s.limit {
		for _, k := range keys[:len(keys)-s.limit] {
			delete(s.buckets, k)
		}
		keys = keys[len(keys)-s.limit:]
	}

	out := make([]types.Candle, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.buckets[k])
	}
	return out
}

// bucketKey derives the map key a tick falls into. Keys sort
// lexicographically in chronological order.
func bucketKey(t time.Time, groupBy types.GroupBy) string {
	t = t.UTC()
	switch groupBy {
	case types.GroupByMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	case types.GroupByHour:
		return t.Format(time.RFC3339)
	default: // day, week
		return t.Format("2006-01-02")
	}
}

// bucketTime is the timestamp carried by a freshly opened bucket
func bucketTime(t time.Time, groupBy types.GroupBy) time.Time {
	t = t.UTC()
	switch groupBy {
	case types.GroupByMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case types.GroupByHour:
		return t
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}
