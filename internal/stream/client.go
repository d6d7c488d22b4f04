// Package stream implements the real-time multiplexed market-data client:
// one websocket connection shared by every subscription, with per-symbol
// order-book reconciliation, per-(symbol, interval) candle aggregation and
// batched delivery to subscriber callbacks.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketfeed/internal/binance"
	"marketfeed/internal/config"
	"marketfeed/internal/kline"
	"marketfeed/internal/metrics"
	"marketfeed/internal/orderbook"
	"marketfeed/internal/types"
)

// Client multiplexes kline, depth and ticker streams for any number of
// subscribers over a single transport connection. All shared state is guarded
// by one mutex; inbound frames are processed on a single read loop, so depth
// diffs are applied strictly in arrival order.
//
// The zero value is not usable; construct with NewClient. The client is
// explicitly owned: callers create it, subscribe against it, and Close it.
type Client struct {
	cfg  config.StreamConfig
	rest *binance.Client
	log  *zap.Logger

	mu         sync.Mutex
	subs       map[key]*subscription
	books      map[string]*orderbook.Book
	agg        *kline.Aggregator
	conn       *websocket.Conn
	gen        int64 // connection generation; stale read loops bail out
	dialing    bool
	attempts   int
	status     types.Status
	cmdID      int64
	queue      []queuedUpdate
	flushTimer *time.Timer

	writeMu sync.Mutex // serializes writes on the shared connection
}

// NewClient creates a market-data client against the given stream endpoint
// and REST snapshot fetcher. Zero config fields fall back to defaults.
func NewClient(cfg config.StreamConfig, rest *binance.Client, log *zap.Logger) *Client {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 50 * time.Millisecond
	}
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 20
	}
	return &Client{
		cfg:    cfg,
		rest:   rest,
		log:    log,
		subs:   make(map[key]*subscription),
		books:  make(map[string]*orderbook.Book),
		agg:    kline.NewAggregator(),
		status: types.StatusDisconnected,
	}
}

// Status returns the last broadcast connection status
func (c *Client) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe registers a subscription for the cross product of symbols,
// intervals and stream kinds. Calling it again with an identical parameter
// set replaces the callback bundle instead of creating a second live
// subscription. The returned function cancels the subscription; it is
// idempotent. Subscribe never returns an error: fetch and transport failures
// degrade to empty batches and status callbacks.
func (c *Client) Subscribe(symbols, intervals []string, kinds []types.StreamKind, cb Callbacks, groupBy types.GroupBy, limit int) func() {
	syms := normalizeSymbols(symbols)
	ivs := normalizeIntervals(intervals)
	if groupBy == "" {
		groupBy = types.GroupByDay
	}
	if limit <= 0 {
		limit = 30
	}
	k := newKey(syms, ivs, kinds)

	kindSet := make(map[types.StreamKind]bool, len(kinds))
	for _, kind := range kinds {
		kindSet[kind] = true
	}

	c.mu.Lock()
	if existing, ok := c.subs[k]; ok {
		existing.callbacks = cb
		existing.groupBy = groupBy
		existing.limit = limit
		if existing.has(types.StreamKline) {
			for _, sym := range syms {
				for _, iv := range ivs {
					c.agg.Ensure(sym, iv, groupBy, limit)
				}
			}
		}
		// The transport may be down, including terminally after exhausted
		// reconnects; re-subscribing is the recovery path and must redial.
		needDial, resnapshot := c.dialNeededLocked()
		c.mu.Unlock()
		if needDial {
			go c.connect(resnapshot)
		}
		return func() { c.unsubscribe(k) }
	}

	sub := &subscription{
		symbols:   syms,
		intervals: ivs,
		kinds:     kindSet,
		callbacks: cb,
		groupBy:   groupBy,
		limit:     limit,
	}
	c.subs[k] = sub
	metrics.SubscriptionsActive.Set(float64(len(c.subs)))

	if sub.has(types.StreamKline) {
		for _, sym := range syms {
			for _, iv := range ivs {
				c.agg.Ensure(sym, iv, groupBy, limit)
			}
		}
	}
	if sub.has(types.StreamDepth) {
		for _, sym := range syms {
			if c.books[sym] == nil {
				c.books[sym] = orderbook.New(sym, c.cfg.DepthLimit, c.log)
			}
		}
	}

	needDial, resnapshot := c.dialNeededLocked()
	connected := c.conn != nil
	topics := c.topicsLocked()
	c.mu.Unlock()

	go c.prime(k)
	if needDial {
		go c.connect(resnapshot)
	} else if connected {
		c.send(binance.MethodSubscribe, topics)
	}
	return func() { c.unsubscribe(k) }
}

// dialNeededLocked decides whether this Subscribe call must initiate a dial.
// A fresh dial starts a new reconnect cycle with a clean attempt counter.
// After a terminal failure any installed book state is stale, so the dial
// re-fetches snapshots like a reconnect would.
func (c *Client) dialNeededLocked() (needDial, resnapshot bool) {
	if c.conn != nil || c.dialing {
		return false, false
	}
	c.dialing = true
	c.attempts = 0
	return true, c.status == types.StatusFailed
}

// Close tears the client down regardless of active subscriptions, clearing
// every subscription and all buffered state
func (c *Client) Close() {
	c.mu.Lock()
	c.subs = make(map[key]*subscription)
	metrics.SubscriptionsActive.Set(0)
	conn := c.teardownLocked()
	c.mu.Unlock()
	c.closeConn(conn)
}

func (c *Client) unsubscribe(k key) {
	c.mu.Lock()
	sub, ok := c.subs[k]
	if !ok {
		// already removed, or the transport was torn down
		c.mu.Unlock()
		return
	}
	delete(c.subs, k)
	metrics.SubscriptionsActive.Set(float64(len(c.subs)))

	if len(c.subs) == 0 {
		conn := c.teardownLocked()
		c.mu.Unlock()
		c.log.Info("last subscription removed, tearing down transport")
		c.closeConn(conn)
		return
	}

	// drop cached state no remaining subscription references
	if sub.has(types.StreamKline) {
		for _, sym := range sub.symbols {
			for _, iv := range sub.intervals {
				if !c.klineNeededLocked(sym, iv) {
					c.agg.Drop(sym, iv)
				}
			}
		}
	}
	if sub.has(types.StreamDepth) {
		for _, sym := range sub.symbols {
			if !c.anySubscriberLocked(sym, types.StreamDepth) {
				delete(c.books, sym)
			}
		}
	}

	still := make(map[string]struct{})
	for _, t := range c.topicsLocked() {
		still[t] = struct{}{}
	}
	var obsolete []string
	for _, t := range sub.topics() {
		if _, needed := still[t]; !needed {
			obsolete = append(obsolete, t)
		}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if connected && len(obsolete) > 0 {
		c.send(binance.MethodUnsubscribe, obsolete)
	}
}

// teardownLocked detaches the transport and clears all per-symbol and
// per-(symbol, interval) state. No dangling state survives the last
// unsubscribe.
func (c *Client) teardownLocked() *websocket.Conn {
	conn := c.conn
	c.conn = nil
	c.gen++
	c.dialing = false
	c.attempts = 0
	c.books = make(map[string]*orderbook.Book)
	c.agg = kline.NewAggregator()
	c.queue = nil
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.status = types.StatusDisconnected
	return conn
}

// closeConn writes a close frame and closes the connection. The write takes
// writeMu: a send on another goroutine may still hold the same conn, and the
// transport forbids concurrent writers.
func (c *Client) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
}

// connect dials the stream endpoint and, on success, subscribes to the union
// of every active subscription's topics. When resnapshot is set (reconnects),
// order-book state is discarded and re-fetched: it is not assumed to survive
// a connection loss. Candle and ticker state is retained.
func (c *Client) connect(resnapshot bool) {
	c.broadcast(types.StatusConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.log.Warn("stream dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.broadcast(types.StatusError)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if len(c.subs) == 0 {
		// everything unsubscribed while dialing
		c.dialing = false
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.dialing = false
	c.attempts = 0
	topics := c.topicsLocked()
	var resnapSyms []string
	if resnapshot {
		for sym := range c.books {
			c.books[sym] = orderbook.New(sym, c.cfg.DepthLimit, c.log)
			resnapSyms = append(resnapSyms, sym)
		}
	}
	c.mu.Unlock()

	c.log.Info("stream connected", zap.Int("topics", len(topics)))
	c.broadcast(types.StatusConnected)
	c.send(binance.MethodSubscribe, topics)
	for _, sym := range resnapSyms {
		go c.primeBook(context.Background(), sym)
	}
	go c.readPump(conn, gen)
}

func (c *Client) readPump(conn *websocket.Conn, gen int64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				// superseded by a reconnect or a deliberate teardown
				c.mu.Unlock()
				return
			}
			c.conn = nil
			empty := len(c.subs) == 0
			c.mu.Unlock()
			_ = conn.Close()
			c.log.Warn("stream read failed", zap.Error(err))
			c.broadcast(types.StatusDisconnected)
			if !empty {
				c.scheduleReconnect()
			}
			return
		}
		c.handleFrame(raw)
	}
}

// scheduleReconnect arms the next reconnection attempt. Delay grows linearly
// with the attempt number. After the configured attempt count is exhausted a
// single terminal status is broadcast and no further retries happen;
// consumers must re-subscribe to try again.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if len(c.subs) == 0 {
		c.dialing = false
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.MaxReconnectAttempts {
		c.dialing = false
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted",
			zap.Int("attempts", c.cfg.MaxReconnectAttempts))
		c.broadcast(types.StatusFailed)
		return
	}
	c.dialing = true
	delay := time.Duration(attempt) * c.cfg.ReconnectDelay
	c.mu.Unlock()

	metrics.ReconnectsTotal.Inc()
	c.log.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	time.AfterFunc(delay, func() { c.connect(true) })
}

// prime fetches the initial REST data for a fresh subscription: candle
// history seeds the aggregator so streaming ticks merge into it, and the
// depth snapshot installs the book and replays any buffered diffs. Fetch
// failures log and leave the subscriber with an empty, displayable state.
func (c *Client) prime(k key) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.mu.Lock()
	sub, ok := c.subs[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	syms := sub.symbols
	ivs := sub.intervals
	wantKlines := sub.has(types.StreamKline)
	wantDepth := sub.has(types.StreamDepth)
	limit := sub.limit
	c.mu.Unlock()

	if wantKlines {
		for _, sym := range syms {
			for _, iv := range ivs {
				candles, err := c.rest.Klines(ctx, sym, iv, limit)
				if err != nil {
					c.log.Warn("initial candle fetch failed",
						zap.String("symbol", sym),
						zap.String("interval", iv),
						zap.Error(err))
					continue
				}
				c.mu.Lock()
				var series []types.Candle
				for _, cd := range candles {
					if s := c.agg.Merge(sym, iv, cd); s != nil {
						series = s
					}
				}
				var cb func([]types.Candle, string, string)
				if cur, alive := c.subs[k]; alive {
					cb = cur.callbacks.OnCandles
				}
				c.mu.Unlock()
				if cb != nil && len(series) > 0 {
					cb(series, sym, iv)
				}
			}
		}
	}

	if wantDepth {
		for _, sym := range syms {
			c.primeBook(ctx, sym)
		}
	}
}

func (c *Client) primeBook(ctx context.Context, symbol string) {
	snap, err := c.rest.DepthSnapshot(ctx, symbol, c.cfg.DepthLimit)
	if err != nil {
		c.log.Warn("order book snapshot fetch failed",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}

	c.mu.Lock()
	b := c.books[symbol]
	if b == nil {
		if !c.anySubscriberLocked(symbol, types.StreamDepth) {
			c.mu.Unlock()
			return
		}
		b = orderbook.New(symbol, c.cfg.DepthLimit, c.log)
		c.books[symbol] = b
	}
	b.Install(snap)
	ob := b.Snapshot()
	cbs := c.bookCallbacksLocked(symbol)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(ob, symbol)
	}
}

// send issues one control frame for the given topics. Writes are serialized;
// a send failure is logged and left to the read loop to surface as a
// connection error.
func (c *Client) send(method string, topics []string) {
	if len(topics) == 0 {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.cmdID++
	id := c.cmdID
	c.mu.Unlock()
	if conn == nil {
		return
	}

	msg := binance.CommandMessage{Method: method, Params: topics, ID: id}
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("control frame send failed",
			zap.String("method", method), zap.Error(err))
	}
}

// broadcast delivers a status to every subscription's status callback
func (c *Client) broadcast(status types.Status) {
	c.mu.Lock()
	c.status = status
	cbs := make([]func(types.Status), 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.callbacks.OnStatus != nil {
			cbs = append(cbs, sub.callbacks.OnStatus)
		}
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(status)
	}
}

// topicsLocked returns the sorted union of every active subscription's topics
func (c *Client) topicsLocked() []string {
	set := make(map[string]struct{})
	for _, sub := range c.subs {
		for _, t := range sub.topics() {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Client) anySubscriberLocked(symbol string, kind types.StreamKind) bool {
	for _, sub := range c.subs {
		if sub.has(kind) && sub.hasSymbol(symbol) {
			return true
		}
	}
	return false
}

func (c *Client) klineNeededLocked(symbol, interval string) bool {
	for _, sub := range c.subs {
		if !sub.has(types.StreamKline) || !sub.hasSymbol(symbol) {
			continue
		}
		for _, iv := range sub.intervals {
			if iv == interval {
				return true
			}
		}
	}
	return false
}

func (c *Client) bookCallbacksLocked(symbol string) []func(types.OrderBook, string) {
	var cbs []func(types.OrderBook, string)
	for _, sub := range c.subs {
		if sub.has(types.StreamDepth) && sub.hasSymbol(symbol) && sub.callbacks.OnOrderBook != nil {
			cbs = append(cbs, sub.callbacks.OnOrderBook)
		}
	}
	return cbs
}

func (c *Client) candleCallbacksLocked(symbol, interval string) []func([]types.Candle, string, string) {
	var cbs []func([]types.Candle, string, string)
	for _, sub := range c.subs {
		if !sub.has(types.StreamKline) || !sub.hasSymbol(symbol) || sub.callbacks.OnCandles == nil {
			continue
		}
		for _, iv := range sub.intervals {
			if iv == interval {
				cbs = append(cbs, sub.callbacks.OnCandles)
				break
			}
		}
	}
	return cbs
}

func (c *Client) tickerCallbacksLocked(symbol string) []func(types.Ticker, string) {
	var cbs []func(types.Ticker, string)
	for _, sub := range c.subs {
		if sub.has(types.StreamTicker) && sub.hasSymbol(symbol) && sub.callbacks.OnTicker != nil {
			cbs = append(cbs, sub.callbacks.OnTicker)
		}
	}
	return cbs
}
