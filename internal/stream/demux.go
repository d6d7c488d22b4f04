package stream

import (
	"encoding/json"

	"go.uber.org/zap"

	"marketfeed/internal/binance"
	"marketfeed/internal/metrics"
	"marketfeed/internal/orderbook"
	"marketfeed/internal/types"
)

// handleFrame classifies one inbound transport frame by its topic label and
// routes the payload. Unparseable or unrecognized frames are logged and
// dropped, never fatal. Depth updates for symbols whose snapshot has not
// arrived yet are buffered on the book instead of entering the queue.
func (c *Client) handleFrame(raw []byte) {
	var frame binance.StreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		metrics.DroppedTotal.WithLabelValues("unparseable").Inc()
		c.log.Warn("dropping unparseable frame", zap.Error(err))
		return
	}
	if frame.Stream == "" {
		// control reply (subscription ack, ping)
		if frame.ID != 0 {
			c.log.Debug("control frame acknowledged", zap.Int64("id", frame.ID))
		}
		return
	}

	symbol, kind, interval, err := binance.ParseTopic(frame.Stream)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues("unknown_topic").Inc()
		c.log.Warn("dropping frame with unrecognized topic",
			zap.String("stream", frame.Stream))
		return
	}
	metrics.FramesTotal.WithLabelValues(string(kind)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.anySubscriberLocked(symbol, kind) {
		metrics.DroppedTotal.WithLabelValues("no_subscriber").Inc()
		return
	}

	if kind == types.StreamDepth {
		b := c.books[symbol]
		if b == nil || !b.Installed() {
			update, perr := binance.ParseDepth(symbol, frame.Data)
			if perr != nil {
				metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
				c.log.Warn("dropping malformed depth payload",
					zap.String("symbol", symbol), zap.Error(perr))
				return
			}
			if b == nil {
				b = orderbook.New(symbol, c.cfg.DepthLimit, c.log)
				c.books[symbol] = b
			}
			b.Buffer(update)
			return
		}
	}

	c.enqueueLocked(queuedUpdate{
		kind:     kind,
		symbol:   symbol,
		interval: interval,
		payload:  frame.Data,
	})
}
