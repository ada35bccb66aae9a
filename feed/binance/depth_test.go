package binance

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/models"
)

func testConfig() config.FeedConfig {
	return config.FeedConfig{
		SnapshotRPS:     10,
		SnapshotBurst:   10,
		SnapshotLimit:   100,
		BinanceInterval: config.Duration{Duration: 100 * time.Millisecond},
		Reconnect: config.RetryConfig{
			BaseDelay:         config.Duration{Duration: 10 * time.Millisecond},
			MaxDelay:          config.Duration{Duration: 50 * time.Millisecond},
			BackoffMultiplier: 2.0,
		},
	}
}

func TestHandleDepthEventMapsSequencePair(t *testing.T) {
	channels := channel.NewChannels(8, 8, 8)
	defer channels.Close()
	d := NewDepth(testConfig(), []string{"BTCUSDT"}, channels)

	d.handleDepthEvent(&futures.WsDepthEvent{
		Symbol:           "BTCUSDT",
		Time:             1700000000000,
		LastUpdateID:     105,
		PrevLastUpdateID: 100,
		Bids: []futures.Bid{
			{Price: "50000.5", Quantity: "1.25"},
			{Price: "49999.0", Quantity: "0"},
		},
		Asks: []futures.Ask{
			{Price: "50001.0", Quantity: "2"},
		},
	})

	select {
	case ev := <-channels.Events:
		if ev.Kind != models.UpdateDiff {
			t.Fatalf("expected diff, got %v", ev.Kind)
		}
		if ev.SequenceID != 105 || ev.PrevSequenceID != 100 {
			t.Fatalf("sequence pair wrong: seq=%d prev=%d", ev.SequenceID, ev.PrevSequenceID)
		}
		// Zero-quantity removals pass through as changes.
		if len(ev.Changes) != 3 {
			t.Fatalf("expected 3 changes, got %d", len(ev.Changes))
		}
		if ev.Changes[1].Quantity != 0 || ev.Changes[1].Side != models.SideBid {
			t.Fatalf("removal not preserved: %+v", ev.Changes[1])
		}
		if ev.Changes[2].Side != models.SideAsk || ev.Changes[2].Price != 50001.0 {
			t.Fatalf("ask change wrong: %+v", ev.Changes[2])
		}
	default:
		t.Fatal("no event emitted")
	}
}

func TestSnapshotEventMapsDepthResponse(t *testing.T) {
	ev, err := snapshotEvent("BTCUSDT", &futures.DepthResponse{
		LastUpdateID: 42,
		Time:         1700000000100,
		TradeTime:    1700000000000,
		Bids: []futures.Bid{
			{Price: "50000.5", Quantity: "1.25"},
			{Price: "49999.0", Quantity: "0"},
		},
		Asks: []futures.Ask{{Price: "50001.0", Quantity: "2"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != models.UpdateSnapshot || ev.SequenceID != 42 {
		t.Fatalf("snapshot header wrong: %+v", ev)
	}
	if got := ev.Timestamp; got != time.UnixMilli(1700000000000) {
		t.Fatalf("timestamp should come from the transaction time, got %v", got)
	}
	// Zero-quantity snapshot levels are filtered, not carried as removals.
	if len(ev.Bids) != 1 || len(ev.Asks) != 1 {
		t.Fatalf("level filtering wrong: bids=%d asks=%d", len(ev.Bids), len(ev.Asks))
	}

	if _, err := snapshotEvent("BTCUSDT", &futures.DepthResponse{
		Bids: []futures.Bid{{Price: "oops", Quantity: "1"}},
	}); err == nil {
		t.Fatal("malformed levels must error")
	}
}

func TestHandleDepthEventMalformedRequestsResync(t *testing.T) {
	channels := channel.NewChannels(8, 8, 8)
	defer channels.Close()
	d := NewDepth(testConfig(), []string{"BTCUSDT"}, channels)

	d.handleDepthEvent(&futures.WsDepthEvent{
		Symbol:       "BTCUSDT",
		LastUpdateID: 10,
		Bids:         []futures.Bid{{Price: "oops", Quantity: "1"}},
	})

	select {
	case ev := <-channels.Events:
		t.Fatalf("malformed event must not be forwarded, got %+v", ev)
	default:
	}
	select {
	case symbol := <-d.resyncCh:
		if symbol != "BTCUSDT" {
			t.Fatalf("unexpected resync symbol %q", symbol)
		}
	default:
		t.Fatal("expected a queued resync")
	}
}
