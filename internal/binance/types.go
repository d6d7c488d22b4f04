package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/types"
)

// Control frame methods understood by the combined stream endpoint.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// CommandMessage is an outbound control frame on the stream connection
type CommandMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamFrame is the envelope for every inbound combined-stream message.
// Data frames carry stream+data; control replies carry result+id instead.
type StreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

// Snapshot represents a full point-in-time order book from the REST depth
// endpoint, used to seed diff application
type Snapshot struct {
	Symbol       string
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// DepthUpdate is the canonical depth event every depth payload shape is
// normalized into. FullReplace marks a snapshot-shaped frame that carries a
// complete book rather than incremental changes.
type DepthUpdate struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          [][]string
	Asks          [][]string
	FullReplace   bool
}

// depthDiffEvent is the incremental depth stream shape {U,u,b,a}
type depthDiffEvent struct {
	EventType     string     `json:"e"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// depthSnapshotEvent is the partial-book stream shape {lastUpdateId,bids,asks}
type depthSnapshotEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ParseDepth normalizes either depth payload shape into a DepthUpdate.
// The two shapes are distinguished by which sequence field is present.
func ParseDepth(symbol string, data []byte) (DepthUpdate, error) {
	var diff depthDiffEvent
	if err := json.Unmarshal(data, &diff); err != nil {
		return DepthUpdate{}, fmt.Errorf("malformed depth payload: %w", err)
	}
	if diff.FinalUpdateID > 0 {
		return DepthUpdate{
			Symbol:        symbol,
			FirstUpdateID: diff.FirstUpdateID,
			FinalUpdateID: diff.FinalUpdateID,
			Bids:          diff.Bids,
			Asks:          diff.Asks,
		}, nil
	}

	var snap depthSnapshotEvent
	if err := json.Unmarshal(data, &snap); err != nil {
		return DepthUpdate{}, fmt.Errorf("malformed depth payload: %w", err)
	}
	if snap.LastUpdateID == 0 {
		return DepthUpdate{}, fmt.Errorf("depth payload has neither update ids nor lastUpdateId")
	}
	return DepthUpdate{
		Symbol:        symbol,
		FirstUpdateID: snap.LastUpdateID,
		FinalUpdateID: snap.LastUpdateID,
		Bids:          snap.Bids,
		Asks:          snap.Asks,
		FullReplace:   true,
	}, nil
}

// klineEvent is the kline stream payload; the tick itself is nested under "k"
type klineEvent struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineTick `json:"k"`
}

type klineTick struct {
	OpenTime int64  `json:"t"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	Closed   bool   `json:"x"`
}

// ParseKline decodes a kline stream payload into a Candle. A malformed
// numeric field drops the whole tick, never a partial candle.
func ParseKline(symbol string, data []byte) (types.Candle, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Candle{}, fmt.Errorf("malformed kline payload: %w", err)
	}
	open, err := decimal.NewFromString(ev.Kline.Open)
	if err != nil {
		return types.Candle{}, fmt.Errorf("invalid kline open %q: %w", ev.Kline.Open, err)
	}
	high, err := decimal.NewFromString(ev.Kline.High)
	if err != nil {
		return types.Candle{}, fmt.Errorf("invalid kline high %q: %w", ev.Kline.High, err)
	}
	low, err := decimal.NewFromString(ev.Kline.Low)
	if err != nil {
		return types.Candle{}, fmt.Errorf("invalid kline low %q: %w", ev.Kline.Low, err)
	}
	close, err := decimal.NewFromString(ev.Kline.Close)
	if err != nil {
		return types.Candle{}, fmt.Errorf("invalid kline close %q: %w", ev.Kline.Close, err)
	}
	volume, err := decimal.NewFromString(ev.Kline.Volume)
	if err != nil {
		return types.Candle{}, fmt.Errorf("invalid kline volume %q: %w", ev.Kline.Volume, err)
	}
	return types.Candle{
		Symbol: symbol,
		Time:   time.UnixMilli(ev.Kline.OpenTime).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
		Change: types.ChangePercent(open, close),
	}, nil
}

// tickerEvent is the 24h ticker stream payload
type tickerEvent struct {
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	PrevClosePrice     string `json:"x"`
	LastPrice          string `json:"c"`
	BidPrice           string `json:"b"`
	AskPrice           string `json:"a"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	TradeCount         int64  `json:"n"`
}

// ParseTicker decodes a 24h ticker payload
func ParseTicker(symbol string, data []byte) (types.Ticker, error) {
	var ev tickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Ticker{}, fmt.Errorf("malformed ticker payload: %w", err)
	}
	t := types.Ticker{Symbol: symbol, TradeCount: ev.TradeCount}
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{ev.PriceChange, &t.PriceChange},
		{ev.PriceChangePercent, &t.PriceChangePercent},
		{ev.WeightedAvgPrice, &t.WeightedAvgPrice},
		{ev.PrevClosePrice, &t.PrevClosePrice},
		{ev.LastPrice, &t.LastPrice},
		{ev.BidPrice, &t.BidPrice},
		{ev.AskPrice, &t.AskPrice},
		{ev.OpenPrice, &t.OpenPrice},
		{ev.HighPrice, &t.HighPrice},
		{ev.LowPrice, &t.LowPrice},
		{ev.Volume, &t.Volume},
		{ev.QuoteVolume, &t.QuoteVolume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return types.Ticker{}, fmt.Errorf("invalid ticker field %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return t, nil
}
