package book

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"depthflow/models"
)

func testInstruments() []models.Instrument {
	return []models.Instrument{
		{Symbol: "BTC-X", TickSize: 0.5, LotSize: 0.001},
		{Symbol: "ETH-X", TickSize: 0.05, LotSize: 0.01},
	}
}

type resyncRecorder struct {
	mu      sync.Mutex
	symbols []string
}

func (r *resyncRecorder) request(symbol string) {
	r.mu.Lock()
	r.symbols = append(r.symbols, symbol)
	r.mu.Unlock()
}

func (r *resyncRecorder) requested(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStoreAppliesEventStream(t *testing.T) {
	events := make(chan models.UpdateEvent, 16)
	rec := &resyncRecorder{}
	s := NewStore(testInstruments(), events, 16, time.Minute, rec.request)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}

	events <- snapshotEvent("BTC-X", 1,
		[]models.PriceLevel{{Price: 100, Quantity: 5}},
		[]models.PriceLevel{{Price: 101, Quantity: 3}},
	)
	events <- diffEvent("BTC-X", 2, models.LevelChange{Side: models.SideBid, Price: 99.5, Quantity: 2})

	waitFor(t, func() bool {
		snap, err := s.Snapshot("BTC-X")
		return err == nil && snap.SequenceID == 2
	})

	snap, err := s.Snapshot("BTC-X")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 2 || snap.Bids[1].Price != 99.5 {
		t.Fatalf("unexpected bids: %+v", snap.Bids)
	}

	cancel()
	s.Stop()
}

func TestStoreSequenceGapTriggersResync(t *testing.T) {
	events := make(chan models.UpdateEvent, 16)
	rec := &resyncRecorder{}
	s := NewStore(testInstruments(), events, 16, time.Minute, rec.request)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	events <- snapshotEvent("BTC-X", 3,
		[]models.PriceLevel{{Price: 100, Quantity: 5}},
		[]models.PriceLevel{{Price: 101, Quantity: 3}},
	)
	// Gap: book is at 3, diff claims 5.
	events <- diffEvent("BTC-X", 5, models.LevelChange{Side: models.SideBid, Price: 100, Quantity: 9})

	waitFor(t, func() bool { return rec.requested("BTC-X") })

	snap, err := s.Snapshot("BTC-X")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Stale {
		t.Fatal("book must be stale after a gap")
	}
	if snap.Bids[0].Quantity != 5 {
		t.Fatalf("gap diff partially applied: %+v", snap.Bids)
	}

	cancel()
	s.Stop()
}

func TestStoreResyncMarkerAndRecovery(t *testing.T) {
	events := make(chan models.UpdateEvent, 16)
	rec := &resyncRecorder{}
	s := NewStore(testInstruments(), events, 16, time.Minute, rec.request)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	events <- snapshotEvent("ETH-X", 1,
		[]models.PriceLevel{{Price: 10, Quantity: 1}},
		[]models.PriceLevel{{Price: 11, Quantity: 1}},
	)
	events <- models.UpdateEvent{Kind: models.UpdateResync, Symbol: "ETH-X"}

	waitFor(t, func() bool {
		snap, err := s.Snapshot("ETH-X")
		return err == nil && snap.Stale
	})

	// Fresh snapshot clears staleness and resets the sequence.
	events <- snapshotEvent("ETH-X", 100,
		[]models.PriceLevel{{Price: 10, Quantity: 2}},
		[]models.PriceLevel{{Price: 11, Quantity: 2}},
	)
	waitFor(t, func() bool {
		snap, err := s.Snapshot("ETH-X")
		return err == nil && !snap.Stale && snap.SequenceID == 100
	})

	cancel()
	s.Stop()
}

func TestStoreUnknownInstrument(t *testing.T) {
	events := make(chan models.UpdateEvent)
	s := NewStore(testInstruments(), events, 1, time.Minute, nil)

	if _, err := s.Snapshot("DOGE-X"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
	if _, err := s.Snapshot("BTC-X"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot before first snapshot, got %v", err)
	}
}

func TestStoreStaleByAge(t *testing.T) {
	events := make(chan models.UpdateEvent, 4)
	s := NewStore(testInstruments(), events, 4, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	events <- snapshotEvent("BTC-X", 1,
		[]models.PriceLevel{{Price: 100, Quantity: 5}},
		[]models.PriceLevel{{Price: 101, Quantity: 3}},
	)
	waitFor(t, func() bool {
		_, err := s.Snapshot("BTC-X")
		return err == nil
	})

	time.Sleep(30 * time.Millisecond)
	snap, err := s.Snapshot("BTC-X")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Stale {
		t.Fatal("snapshot older than stale_after must be flagged stale")
	}

	cancel()
	s.Stop()
}
