package models

import (
	"testing"
	"time"
)

func sampleSnapshot() OrderBookSnapshot {
	return OrderBookSnapshot{
		Symbol: "BTC-X",
		Bids: []PriceLevel{
			{Price: 100, Quantity: 5},
			{Price: 99, Quantity: 2},
		},
		Asks: []PriceLevel{
			{Price: 101, Quantity: 3},
			{Price: 102, Quantity: 7},
		},
		SequenceID: 1,
		Timestamp:  time.Now(),
	}
}

func TestSnapshotBestAndSpread(t *testing.T) {
	s := sampleSnapshot()
	bid, ok := s.BestBid()
	if !ok || bid.Price != 100 {
		t.Fatalf("unexpected best bid: %+v ok=%v", bid, ok)
	}
	ask, ok := s.BestAsk()
	if !ok || ask.Price != 101 {
		t.Fatalf("unexpected best ask: %+v ok=%v", ask, ok)
	}
	spread, ok := s.Spread()
	if !ok || spread != 1 {
		t.Fatalf("unexpected spread: %v ok=%v", spread, ok)
	}
	mid, ok := s.MidPrice()
	if !ok || mid != 100.5 {
		t.Fatalf("unexpected mid: %v ok=%v", mid, ok)
	}
}

func TestSnapshotEmptySide(t *testing.T) {
	s := sampleSnapshot()
	s.Bids = nil
	if _, ok := s.BestBid(); ok {
		t.Fatal("expected no best bid on empty side")
	}
	if _, ok := s.Spread(); ok {
		t.Fatal("expected no spread with empty bid side")
	}
	if _, ok := s.MidPrice(); ok {
		t.Fatal("expected no mid with empty bid side")
	}
}

func TestDepthAt(t *testing.T) {
	s := sampleSnapshot()
	if got := s.DepthAt(SideBid, 1); got != 5 {
		t.Fatalf("depth bid k=1: got %v", got)
	}
	if got := s.DepthAt(SideBid, 10); got != 7 {
		t.Fatalf("depth bid k>len: got %v", got)
	}
	if got := s.DepthAt(SideAsk, 2); got != 10 {
		t.Fatalf("depth ask k=2: got %v", got)
	}
}

func TestCrossed(t *testing.T) {
	s := sampleSnapshot()
	if s.Crossed() {
		t.Fatal("well-formed book reported crossed")
	}
	s.Bids[0].Price = 101
	if !s.Crossed() {
		t.Fatal("crossed book not detected")
	}
	s.Asks = nil
	if s.Crossed() {
		t.Fatal("one-sided book cannot be crossed")
	}
}

func TestVolumeBandMetric(t *testing.T) {
	if got := VolumeBandMetric(SideBid, 27000); got != "volume_band:bid:27000" {
		t.Fatalf("unexpected metric name: %s", got)
	}
	if got := VolumeBandMetric(SideAsk, 0.5); got != "volume_band:ask:0.5" {
		t.Fatalf("unexpected metric name: %s", got)
	}
}

func TestRoundToTick(t *testing.T) {
	inst := Instrument{Symbol: "BTC-X", TickSize: 0.5}
	if got := inst.RoundToTick(100.26); got != 100.5 {
		t.Fatalf("round to tick: got %v", got)
	}
	inst.TickSize = 0
	if got := inst.RoundToTick(100.26); got != 100.26 {
		t.Fatalf("zero tick size must pass through: got %v", got)
	}
}
