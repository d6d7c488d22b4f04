package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketfeed/internal/binance"
	"marketfeed/internal/metrics"
	"marketfeed/internal/types"
)

// Book owns the live order-book state for one symbol. Diffs that arrive
// before the snapshot is installed are buffered and replayed once it is.
//
// Book is not safe for concurrent use; the stream client serializes all
// access on its event path.
type Book struct {
	symbol       string
	bids         map[string]types.PriceLevel // keyed by canonical price string
	asks         map[string]types.PriceLevel
	lastUpdateID int64
	buffer       []binance.DepthUpdate
	installed    bool
	depth        int
	log          *zap.Logger
}

// New creates an empty, uninstalled book capped at depth levels per side
func New(symbol string, depth int, log *zap.Logger) *Book {
	if depth <= 0 {
		depth = 20
	}
	return &Book{
		symbol: symbol,
		bids:   make(map[string]types.PriceLevel),
		asks:   make(map[string]types.PriceLevel),
		depth:  depth,
		log:    log,
	}
}

// Installed reports whether a snapshot has been applied
func (b *Book) Installed() bool { return b.installed }

// LastUpdateID returns the book's current sequence number
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// BufferLen returns the number of pre-snapshot updates queued
func (b *Book) BufferLen() int { return len(b.buffer) }

// Buffer queues a diff that arrived before the snapshot
func (b *Book) Buffer(u binance.DepthUpdate) {
	b.buffer = append(b.buffer, u)
}

// Install seeds the book from a REST snapshot, then replays every buffered
// diff in ascending FinalUpdateID order through the same contiguity check.
// Buffered diffs for update windows prior to the snapshot fail the check and
// are discarded.
func (b *Book) Install(snap *binance.Snapshot) {
	b.lastUpdateID = snap.LastUpdateID
	b.bids = make(map[string]types.PriceLevel, len(snap.Bids))
	b.asks = make(map[string]types.PriceLevel, len(snap.Asks))
	applyChanges(b.bids, snap.Bids, b.log)
	applyChanges(b.asks, snap.Asks, b.log)
	b.installed = true
	b.truncate()

	buffered := b.buffer
	b.buffer = nil
	sort.Slice(buffered, func(i, j int) bool {
		return buffered[i].FinalUpdateID < buffered[j].FinalUpdateID
	})
	applied := 0
	for _, u := range buffered {
		if b.Apply(u) {
			applied++
		}
	}
	if len(buffered) > 0 {
		b.log.Info("replayed buffered depth updates",
			zap.String("symbol", b.symbol),
			zap.Int("buffered", len(buffered)),
			zap.Int("applied", applied),
			zap.Int64("lastUpdateId", b.lastUpdateID))
	}
}

// Apply applies one depth update and reports whether it changed the book.
// Before the snapshot is installed the update is buffered instead. An update
// is applied only when FirstUpdateID <= lastUpdateID+1 <= FinalUpdateID;
// gapped and stale updates are dropped whole, never partially applied.
func (b *Book) Apply(u binance.DepthUpdate) bool {
	if !b.installed {
		b.Buffer(u)
		return false
	}

	if u.FullReplace {
		if u.FinalUpdateID <= b.lastUpdateID {
			metrics.DroppedTotal.WithLabelValues("stale").Inc()
			return false
		}
		b.bids = make(map[string]types.PriceLevel, len(u.Bids))
		b.asks = make(map[string]types.PriceLevel, len(u.Asks))
		applyChanges(b.bids, u.Bids, b.log)
		applyChanges(b.asks, u.Asks, b.log)
		b.lastUpdateID = u.FinalUpdateID
		b.truncate()
		return true
	}

	next := b.lastUpdateID + 1
	if u.FirstUpdateID > next {
		metrics.DroppedTotal.WithLabelValues("gap").Inc()
		b.log.Warn("dropping gapped depth update",
			zap.String("symbol", b.symbol),
			zap.Int64("firstUpdateId", u.FirstUpdateID),
			zap.Int64("expected", next))
		return false
	}
	if u.FinalUpdateID < next {
		metrics.DroppedTotal.WithLabelValues("stale").Inc()
		return false
	}

	applyChanges(b.bids, u.Bids, b.log)
	applyChanges(b.asks, u.Asks, b.log)
	b.lastUpdateID = u.FinalUpdateID
	b.truncate()
	return true
}

// Snapshot returns an emitted copy: bids sorted descending, asks ascending,
// each side capped to the configured depth
func (b *Book) Snapshot() types.OrderBook {
	return types.OrderBook{
		Symbol:       b.symbol,
		Bids:         sortedLevels(b.bids, true, b.depth),
		Asks:         sortedLevels(b.asks, false, b.depth),
		LastUpdateID: b.lastUpdateID,
	}
}

// applyChanges upserts (price, qty) pairs into one side. Quantity zero
// removes the level. A malformed pair drops that pair only.
func applyChanges(side map[string]types.PriceLevel, changes [][]string, log *zap.Logger) {
	for _, ch := range changes {
		if len(ch) < 2 {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			continue
		}
		price, err := decimal.NewFromString(ch[0])
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			log.Warn("dropping level with invalid price", zap.String("price", ch[0]))
			continue
		}
		qty, err := decimal.NewFromString(ch[1])
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			log.Warn("dropping level with invalid quantity", zap.String("quantity", ch[1]))
			continue
		}
		key := price.String()
		if qty.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = types.PriceLevel{Price: price, Quantity: qty}
	}
}

// truncate prunes each side down to the configured depth, keeping the levels
// closest to the spread
func (b *Book) truncate() {
	if len(b.bids) > b.depth {
		keep := sortedLevels(b.bids, true, b.depth)
		b.bids = rebuild(keep)
	}
	if len(b.asks) > b.depth {
		keep := sortedLevels(b.asks, false, b.depth)
		b.asks = rebuild(keep)
	}
}

func rebuild(levels []types.PriceLevel) map[string]types.PriceLevel {
	side := make(map[string]types.PriceLevel, len(levels))
	for _, l := range levels {
		side[l.Price.String()] = l
	}
	return side
}

func sortedLevels(side map[string]types.PriceLevel, descending bool, limit int) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(side))
	for _, l := range side {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if len(levels) > limit {
		levels = levels[:limit]
	}
	return levels
}
