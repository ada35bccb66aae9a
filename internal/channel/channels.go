package channel

import (
	"context"
	"sync"
	"time"

	"depthflow/logger"
	"depthflow/models"
)

type Stats struct {
	EventsSent      int64
	EventsDropped   int64
	SamplesSent     int64
	SamplesDropped  int64
	VolsSent        int64
	VolsDropped     int64
	CapturesSent    int64
	CapturesDropped int64
}

// Channels carries data between the pipeline stages: feed events into the
// book store, metric samples and volatility estimates into the sink, and
// periodic book captures into the sink.
type Channels struct {
	Events   chan models.UpdateEvent
	Samples  chan models.MetricSample
	Vols     chan models.VolatilityEstimate
	Captures chan models.OrderBookSnapshot

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBuffer, sampleBuffer, captureBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events:   make(chan models.UpdateEvent, eventBuffer),
		Samples:  make(chan models.MetricSample, sampleBuffer),
		Vols:     make(chan models.VolatilityEstimate, sampleBuffer),
		Captures: make(chan models.OrderBookSnapshot, captureBuffer),
		log:      log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer":   eventBuffer,
		"sample_buffer":  sampleBuffer,
		"capture_buffer": captureBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	close(c.Samples)
	close(c.Vols)
	close(c.Captures)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendEvent blocks until the event is accepted or the context ends. Feed
// events are never silently dropped: losing one diff would break sequence
// continuity, so backpressure here is what forces the connector to resync.
func (c *Channels) SendEvent(ctx context.Context, ev models.UpdateEvent) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySendEvent is the non-blocking variant; a false return means the buffer
// is full and the caller must treat the stream as broken.
func (c *Channels) TrySendEvent(ev models.UpdateEvent) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	default:
		c.statsMutex.Lock()
		c.stats.EventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendSample enqueues a metric sample, dropping it when the sink lags.
// Samples are derived data and safe to drop under pressure.
func (c *Channels) SendSample(ctx context.Context, s models.MetricSample) bool {
	select {
	case c.Samples <- s:
		c.statsMutex.Lock()
		c.stats.SamplesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.SamplesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendVol(ctx context.Context, v models.VolatilityEstimate) bool {
	select {
	case c.Vols <- v:
		c.statsMutex.Lock()
		c.stats.VolsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.VolsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendCapture(ctx context.Context, snap models.OrderBookSnapshot) bool {
	select {
	case c.Captures <- snap:
		c.statsMutex.Lock()
		c.stats.CapturesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.CapturesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel occupancy so saturation
// is visible before it turns into forced resyncs. Blocks until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"events_len":       len(c.Events),
				"events_cap":       cap(c.Events),
				"samples_len":      len(c.Samples),
				"samples_cap":      cap(c.Samples),
				"captures_len":     len(c.Captures),
				"events_dropped":   stats.EventsDropped,
				"samples_dropped":  stats.SamplesDropped,
				"vols_dropped":     stats.VolsDropped,
				"captures_dropped": stats.CapturesDropped,
			}).Info("channel sizes")
		}
	}
}
