package stream

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"marketfeed/internal/binance"
	"marketfeed/internal/metrics"
	"marketfeed/internal/types"
)

// queuedUpdate is one classified stream update awaiting the next flush
type queuedUpdate struct {
	kind     types.StreamKind
	symbol   string
	interval string
	payload  json.RawMessage
}

// enqueueLocked appends to the pending queue and arms the flush timer on the
// first enqueue of an idle period. The window bounds how often subscriber
// callbacks fire under bursty input; nothing is ever discarded or reordered.
func (c *Client) enqueueLocked(u queuedUpdate) {
	c.queue = append(c.queue, u)
	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.cfg.CoalesceWindow, c.flush)
	}
}

// flush drains the entire queue and dispatches every item in arrival order
func (c *Client) flush() {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.flushTimer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	metrics.FlushesTotal.Inc()
	metrics.FlushBatchSize.Observe(float64(len(batch)))
	for _, u := range batch {
		c.dispatch(u)
	}
}

func (c *Client) dispatch(u queuedUpdate) {
	switch u.kind {
	case types.StreamKline:
		candle, err := binance.ParseKline(u.symbol, u.payload)
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			c.log.Warn("dropping malformed kline", zap.String("symbol", u.symbol), zap.Error(err))
			return
		}
		c.mu.Lock()
		series := c.agg.Merge(u.symbol, u.interval, candle)
		cbs := c.candleCallbacksLocked(u.symbol, u.interval)
		c.mu.Unlock()
		if series == nil {
			// series dropped between enqueue and flush
			return
		}
		for _, cb := range cbs {
			cb(series, u.symbol, u.interval)
		}

	case types.StreamDepth:
		update, err := binance.ParseDepth(u.symbol, u.payload)
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			c.log.Warn("dropping malformed depth payload", zap.String("symbol", u.symbol), zap.Error(err))
			return
		}
		c.mu.Lock()
		b := c.books[u.symbol]
		if b == nil {
			c.mu.Unlock()
			return
		}
		applied := b.Apply(update)
		var ob types.OrderBook
		var cbs []func(types.OrderBook, string)
		if applied {
			ob = b.Snapshot()
			cbs = c.bookCallbacksLocked(u.symbol)
		}
		c.mu.Unlock()
		for _, cb := range cbs {
			cb(ob, u.symbol)
		}

	case types.StreamTicker:
		ticker, err := binance.ParseTicker(u.symbol, u.payload)
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			c.log.Warn("dropping malformed ticker", zap.String("symbol", u.symbol), zap.Error(err))
			return
		}
		c.mu.Lock()
		cbs := c.tickerCallbacksLocked(u.symbol)
		c.mu.Unlock()
		for _, cb := range cbs {
			cb(ticker, u.symbol)
		}
	}
}
