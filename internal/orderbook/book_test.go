package orderbook

import (
	"testing"

	"go.uber.org/zap"

	"marketfeed/internal/binance"
)

func snapshot(lastUpdateID int64, bids, asks [][]string) *binance.Snapshot {
	return &binance.Snapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: lastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}
}

func diff(first, final int64, bids, asks [][]string) binance.DepthUpdate {
	return binance.DepthUpdate{
		Symbol:        "BTCUSDT",
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          bids,
		Asks:          asks,
	}
}

func TestInstallSortsAndDeduplicates(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100,
		[][]string{{"100.4", "1"}, {"100.50", "2"}, {"100.5", "3"}},
		[][]string{{"101.2", "1"}, {"101.0", "2"}}))

	out := b.Snapshot()
	if out.LastUpdateID != 100 {
		t.Errorf("expected lastUpdateId 100, got %d", out.LastUpdateID)
	}
	if len(out.Bids) != 2 {
		t.Fatalf("expected duplicate bid prices to collapse to 2 levels, got %d", len(out.Bids))
	}
	if out.Bids[0].Price.String() != "100.5" || out.Bids[0].Quantity.String() != "3" {
		t.Errorf("expected best bid 100.5 x 3, got %s x %s", out.Bids[0].Price, out.Bids[0].Quantity)
	}
	if out.Bids[1].Price.String() != "100.4" {
		t.Errorf("expected bids sorted descending, got %s then %s", out.Bids[0].Price, out.Bids[1].Price)
	}
	if out.Asks[0].Price.String() != "101" || out.Asks[1].Price.String() != "101.2" {
		t.Errorf("expected asks sorted ascending, got %s then %s", out.Asks[0].Price, out.Asks[1].Price)
	}
}

func TestApplyContiguousDiff(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, [][]string{{"101.0", "3"}}))

	if !b.Apply(diff(101, 105, [][]string{{"100.6", "1"}}, nil)) {
		t.Fatal("expected contiguous diff to apply")
	}
	if b.LastUpdateID() != 105 {
		t.Errorf("expected lastUpdateId 105, got %d", b.LastUpdateID())
	}
	out := b.Snapshot()
	if len(out.Bids) != 2 || out.Bids[0].Price.String() != "100.6" {
		t.Errorf("expected new best bid 100.6, got %v", out.Bids)
	}
}

func TestApplyRejectsGap(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, nil))

	if b.Apply(diff(150, 160, [][]string{{"100.6", "1"}}, nil)) {
		t.Fatal("expected gapped diff to be dropped")
	}
	if b.LastUpdateID() != 100 {
		t.Errorf("gapped diff must not advance lastUpdateId, got %d", b.LastUpdateID())
	}
	out := b.Snapshot()
	if len(out.Bids) != 1 {
		t.Errorf("gapped diff must not touch the book, got %v", out.Bids)
	}
}

func TestApplyRejectsStale(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, nil))

	if b.Apply(diff(80, 90, [][]string{{"90.0", "5"}}, nil)) {
		t.Fatal("expected stale diff to be dropped")
	}
	if b.LastUpdateID() != 100 {
		t.Errorf("stale diff must not advance lastUpdateId, got %d", b.LastUpdateID())
	}
}

func TestApplyStraddlingDiff(t *testing.T) {
	// A window covering the snapshot boundary, U <= lastUpdateId+1 <= u,
	// must be applied in full.
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, nil))

	if !b.Apply(diff(95, 105, [][]string{{"100.7", "4"}}, nil)) {
		t.Fatal("expected straddling diff to apply")
	}
	if b.LastUpdateID() != 105 {
		t.Errorf("expected lastUpdateId 105, got %d", b.LastUpdateID())
	}
}

func TestQuantityZeroRemovesExactlyOneLevel(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100,
		[][]string{{"100.5", "2"}, {"100.4", "1"}, {"100.3", "3"}}, nil))

	if !b.Apply(diff(101, 101, [][]string{{"100.4", "0"}}, nil)) {
		t.Fatal("expected removal diff to apply")
	}
	out := b.Snapshot()
	if len(out.Bids) != 2 {
		t.Fatalf("expected exactly one level removed, got %d levels", len(out.Bids))
	}
	for _, l := range out.Bids {
		if l.Price.String() == "100.4" {
			t.Error("level 100.4 should have been removed")
		}
	}
}

func TestQuantityZeroByCanonicalKey(t *testing.T) {
	// "100.50" and "100.5" are the same price and must hit the same level.
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, nil))

	if !b.Apply(diff(101, 101, [][]string{{"100.50", "0"}}, nil)) {
		t.Fatal("expected removal diff to apply")
	}
	if len(b.Snapshot().Bids) != 0 {
		t.Errorf("expected level removed via equivalent price string, got %v", b.Snapshot().Bids)
	}
}

func TestBufferedDiffsReplayAfterInstall(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())

	// Arrive before the snapshot, out of order.
	b.Apply(diff(106, 110, [][]string{{"100.8", "1"}}, nil))
	b.Apply(diff(95, 105, [][]string{{"100.7", "1"}}, nil))
	b.Apply(diff(60, 70, [][]string{{"99.0", "9"}}, nil))

	if b.Installed() {
		t.Fatal("book must not be installed before a snapshot")
	}
	if b.BufferLen() != 3 {
		t.Fatalf("expected 3 buffered diffs, got %d", b.BufferLen())
	}

	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, nil))

	if b.LastUpdateID() != 110 {
		t.Errorf("expected replay to reach lastUpdateId 110, got %d", b.LastUpdateID())
	}
	out := b.Snapshot()
	prices := make(map[string]bool)
	for _, l := range out.Bids {
		prices[l.Price.String()] = true
	}
	if !prices["100.7"] || !prices["100.8"] {
		t.Errorf("expected both straddling and following diffs applied, got %v", out.Bids)
	}
	if prices["99"] {
		t.Errorf("expected pre-snapshot diff discarded, got %v", out.Bids)
	}
	if b.BufferLen() != 0 {
		t.Errorf("buffer must be empty after install, got %d", b.BufferLen())
	}
}

func TestFullReplace(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}, {"100.4", "1"}}, nil))

	u := diff(120, 120, [][]string{{"200.0", "5"}}, [][]string{{"201.0", "6"}})
	u.FullReplace = true
	if !b.Apply(u) {
		t.Fatal("expected newer full replace to apply")
	}
	out := b.Snapshot()
	if len(out.Bids) != 1 || out.Bids[0].Price.String() != "200" {
		t.Errorf("expected book replaced wholesale, got %v", out.Bids)
	}
	if b.LastUpdateID() != 120 {
		t.Errorf("expected lastUpdateId 120, got %d", b.LastUpdateID())
	}

	stale := diff(110, 110, [][]string{{"1.0", "1"}}, nil)
	stale.FullReplace = true
	if b.Apply(stale) {
		t.Error("expected stale full replace to be dropped")
	}
	if b.LastUpdateID() != 120 {
		t.Errorf("stale full replace must not move lastUpdateId, got %d", b.LastUpdateID())
	}
}

func TestTruncateKeepsLevelsNearSpread(t *testing.T) {
	b := New("BTCUSDT", 2, zap.NewNop())
	b.Install(snapshot(100,
		[][]string{{"100.5", "1"}, {"100.4", "1"}, {"100.3", "1"}},
		[][]string{{"101.0", "1"}, {"101.1", "1"}, {"101.2", "1"}}))

	out := b.Snapshot()
	if len(out.Bids) != 2 || len(out.Asks) != 2 {
		t.Fatalf("expected both sides capped at 2, got %d/%d", len(out.Bids), len(out.Asks))
	}
	if out.Bids[1].Price.String() != "100.4" {
		t.Errorf("expected lowest bid dropped, got %v", out.Bids)
	}
	if out.Asks[1].Price.String() != "101.1" {
		t.Errorf("expected highest ask dropped, got %v", out.Asks)
	}
}

func TestMalformedPairDropsPairOnly(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, nil, nil))

	if !b.Apply(diff(101, 101, [][]string{{"abc", "1"}, {"100.5", "2"}, {"100.4"}}, nil)) {
		t.Fatal("expected diff with one good pair to apply")
	}
	out := b.Snapshot()
	if len(out.Bids) != 1 || out.Bids[0].Price.String() != "100.5" {
		t.Errorf("expected only the well-formed pair applied, got %v", out.Bids)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New("BTCUSDT", 20, zap.NewNop())
	b.Install(snapshot(100, [][]string{{"100.5", "2"}}, nil))

	out := b.Snapshot()
	out.Bids[0].Quantity = out.Bids[0].Quantity.Add(out.Bids[0].Quantity)

	if b.Snapshot().Bids[0].Quantity.String() != "2" {
		t.Error("mutating an emitted snapshot must not affect live state")
	}
}
