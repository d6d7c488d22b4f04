package binance

import (
	"testing"

	"marketfeed/internal/types"
)

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"kline includes interval", KlineTopic("BTCUSDT", "1h"), "btcusdt@kline_1h"},
		{"depth has no interval", DepthTopic("BTCUSDT"), "btcusdt@depth20"},
		{"ticker has no interval", TickerTopic("ethusdt"), "ethusdt@ticker"},
		{"generic kline", Topic("BTCUSDT", types.StreamKline, "4h"), "btcusdt@kline_4h"},
		{"generic depth", Topic("BTCUSDT", types.StreamDepth, ""), "btcusdt@depth20"},
		{"generic ticker", Topic("BTCUSDT", types.StreamTicker, ""), "btcusdt@ticker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, tt.got)
			}
		})
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		symbol   string
		kind     types.StreamKind
		interval string
		wantErr  bool
	}{
		{
			name:     "kline topic",
			topic:    "btcusdt@kline_1h",
			symbol:   "BTCUSDT",
			kind:     types.StreamKline,
			interval: "1h",
		},
		{
			name:   "depth topic",
			topic:  "btcusdt@depth20",
			symbol: "BTCUSDT",
			kind:   types.StreamDepth,
		},
		{
			name:   "plain depth topic",
			topic:  "ethusdt@depth",
			symbol: "ETHUSDT",
			kind:   types.StreamDepth,
		},
		{
			name:   "ticker topic",
			topic:  "ethusdt@ticker",
			symbol: "ETHUSDT",
			kind:   types.StreamTicker,
		},
		{
			name:    "missing separator",
			topic:   "btcusdtkline_1h",
			wantErr: true,
		},
		{
			name:    "empty symbol",
			topic:   "@kline_1h",
			wantErr: true,
		},
		{
			name:    "kline without interval",
			topic:   "btcusdt@kline_",
			wantErr: true,
		},
		{
			name:    "unknown kind",
			topic:   "btcusdt@aggTrade",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			symbol, kind, interval, err := ParseTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for topic %q", tt.topic)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if symbol != tt.symbol {
				t.Errorf("expected symbol %q, got %q", tt.symbol, symbol)
			}
			if kind != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, kind)
			}
			if interval != tt.interval {
				t.Errorf("expected interval %q, got %q", tt.interval, interval)
			}
		})
	}
}
