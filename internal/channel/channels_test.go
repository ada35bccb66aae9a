package channel

import (
	"context"
	"testing"

	"depthflow/models"
)

func TestChannelsStats(t *testing.T) {
	ch := NewChannels(1, 1, 1)
	ctx := context.Background()

	if !ch.TrySendEvent(models.UpdateEvent{Kind: models.UpdateDiff}) {
		t.Fatal("send into empty buffer failed")
	}
	if ch.TrySendEvent(models.UpdateEvent{Kind: models.UpdateDiff}) {
		t.Fatal("send into full buffer succeeded")
	}
	if !ch.SendSample(ctx, models.MetricSample{}) {
		t.Fatal("sample send failed")
	}
	if ch.SendSample(ctx, models.MetricSample{}) {
		t.Fatal("sample send into full buffer should drop")
	}
	if !ch.SendVol(ctx, models.VolatilityEstimate{}) {
		t.Fatal("vol send failed")
	}
	if ch.SendVol(ctx, models.VolatilityEstimate{}) {
		t.Fatal("vol send into full buffer should drop")
	}

	stats := ch.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("unexpected event stats: %+v", stats)
	}
	if stats.SamplesSent != 1 || stats.SamplesDropped != 1 {
		t.Fatalf("unexpected sample stats: %+v", stats)
	}
	// Estimates track their own counters, separate from samples.
	if stats.VolsSent != 1 || stats.VolsDropped != 1 {
		t.Fatalf("unexpected vol stats: %+v", stats)
	}
}

func TestSendEventBlocksUntilCancel(t *testing.T) {
	ch := NewChannels(1, 1, 1)
	ch.TrySendEvent(models.UpdateEvent{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.SendEvent(ctx, models.UpdateEvent{}) {
		t.Fatal("send should fail once context is cancelled")
	}
}

func TestChannelsClose(t *testing.T) {
	ch := NewChannels(1, 1, 1)
	ch.Close()
}
