package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"depthflow/logger"
)

// Counter names used across the pipeline. Keeping them here makes the
// observable surface greppable.
const (
	CounterEventsIngested = "events_ingested"
	CounterDiffsApplied   = "diffs_applied"
	CounterDiffsRejected  = "diffs_rejected"
	CounterResyncs        = "resyncs"
	CounterCrossedBooks   = "crossed_books"
	CounterReconnects     = "feed_reconnects"
	CounterSamplesEmitted = "samples_emitted"
	CounterBatchesWritten = "batches_written"
	CounterBatchesDropped = "batches_dropped"
	CounterWriteRetries   = "write_retries"
	CounterArchiveUploads = "archive_uploads"
)

var (
	mu       sync.RWMutex
	counters = make(map[string]int64)
)

// Inc increments a named counter by one.
func Inc(name string) {
	Add(name, 1)
}

// Add increments a named counter by n.
func Add(name string, n int64) {
	mu.Lock()
	counters[name] += n
	mu.Unlock()
}

// Snapshot returns a copy of all counters.
func Snapshot() map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(counters))
	for k, v := range counters {
		out[k] = v
	}
	return out
}

// Reset clears all counters. Test helper.
func Reset() {
	mu.Lock()
	counters = make(map[string]int64)
	mu.Unlock()
}

// StartReporter logs the counter snapshot on the given interval and forwards
// it to CloudWatch when a client has been initialised. Blocks until ctx ends.
func StartReporter(ctx context.Context, interval time.Duration) {
	log := logger.GetLogger().WithComponent("metrics")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := Snapshot()
			if len(snap) == 0 {
				continue
			}
			fields := logger.Fields{}
			names := make([]string, 0, len(snap))
			for name := range snap {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fields[name] = snap[name]
			}
			log.WithFields(fields).Info("pipeline counters")
			publishCounters(ctx, snap)
		}
	}
}
