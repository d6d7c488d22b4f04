package binance

import (
	"fmt"
	"strings"

	"marketfeed/internal/types"
)

// Topic builders. Kline topics encode the interval; depth and ticker topics
// do not.

func KlineTopic(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

func DepthTopic(symbol string) string {
	return strings.ToLower(symbol) + "@depth20"
}

func TickerTopic(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// Topic maps a (symbol, kind, interval) triple to its stream topic name
func Topic(symbol string, kind types.StreamKind, interval string) string {
	switch kind {
	case types.StreamKline:
		return KlineTopic(symbol, interval)
	case types.StreamDepth:
		return DepthTopic(symbol)
	case types.StreamTicker:
		return TickerTopic(symbol)
	}
	return ""
}

// ParseTopic splits a combined-stream topic label into symbol, stream kind
// and, for kline topics, the interval. Unknown labels return an error so the
// caller can log and drop the frame.
func ParseTopic(topic string) (symbol string, kind types.StreamKind, interval string, err error) {
	parts := strings.SplitN(topic, "@", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", "", fmt.Errorf("unparseable topic %q", topic)
	}
	symbol = strings.ToUpper(parts[0])
	label := parts[1]

	switch {
	case strings.HasPrefix(label, "kline_"):
		interval = strings.TrimPrefix(label, "kline_")
		if interval == "" {
			return "", "", "", fmt.Errorf("kline topic %q has no interval", topic)
		}
		return symbol, types.StreamKline, interval, nil
	case strings.HasPrefix(label, "depth"):
		return symbol, types.StreamDepth, "", nil
	case label == "ticker":
		return symbol, types.StreamTicker, "", nil
	default:
		return "", "", "", fmt.Errorf("unrecognized stream kind in topic %q", topic)
	}
}
