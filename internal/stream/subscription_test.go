package stream

import (
	"reflect"
	"testing"

	"marketfeed/internal/types"
)

func TestNewKeyIsOrderAndCaseIndependent(t *testing.T) {
	a := newKey(
		normalizeSymbols([]string{"ethusdt", "BTCUSDT"}),
		normalizeIntervals([]string{"4h", "1h"}),
		[]types.StreamKind{types.StreamTicker, types.StreamKline},
	)
	b := newKey(
		normalizeSymbols([]string{"BtcUsdt", "ETHUSDT", "btcusdt"}),
		normalizeIntervals([]string{"1h", "4h", "4h"}),
		[]types.StreamKind{types.StreamKline, types.StreamTicker},
	)
	if a != b {
		t.Errorf("expected identical keys, got %+v and %+v", a, b)
	}
}

func TestNewKeyDistinguishesParameterSets(t *testing.T) {
	base := newKey([]string{"BTCUSDT"}, []string{"1h"}, []types.StreamKind{types.StreamKline})
	tests := []struct {
		name  string
		other key
	}{
		{"extra symbol", newKey([]string{"BTCUSDT", "ETHUSDT"}, []string{"1h"}, []types.StreamKind{types.StreamKline})},
		{"different interval", newKey([]string{"BTCUSDT"}, []string{"4h"}, []types.StreamKind{types.StreamKline})},
		{"different kind", newKey([]string{"BTCUSDT"}, []string{"1h"}, []types.StreamKind{types.StreamDepth})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.other == base {
				t.Errorf("expected distinct key for %s", tt.name)
			}
		})
	}
}

func TestJoinSorted(t *testing.T) {
	if got := joinSorted([]string{"b", "a", "b", "c"}); got != "a|b|c" {
		t.Errorf("expected a|b|c, got %q", got)
	}
	if got := joinSorted(nil); got != "" {
		t.Errorf("expected empty join, got %q", got)
	}
}

func TestSubscriptionTopics(t *testing.T) {
	sub := &subscription{
		symbols:   []string{"BTCUSDT", "ETHUSDT"},
		intervals: []string{"1h", "4h"},
		kinds: map[types.StreamKind]bool{
			types.StreamKline:  true,
			types.StreamDepth:  true,
			types.StreamTicker: true,
		},
	}
	expected := []string{
		"btcusdt@kline_1h", "btcusdt@kline_4h", "btcusdt@depth20", "btcusdt@ticker",
		"ethusdt@kline_1h", "ethusdt@kline_4h", "ethusdt@depth20", "ethusdt@ticker",
	}
	if got := sub.topics(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestSubscriptionTopicsKlineOnly(t *testing.T) {
	sub := &subscription{
		symbols:   []string{"BTCUSDT"},
		intervals: []string{"1h"},
		kinds:     map[types.StreamKind]bool{types.StreamKline: true},
	}
	expected := []string{"btcusdt@kline_1h"}
	if got := sub.topics(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := normalizeSymbols([]string{"ethusdt", "BTCUSDT", "btcusdt"})
	expected := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}
