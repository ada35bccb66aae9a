package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

type job func(ctx context.Context) error

// Sink drains the sample, volatility and capture channels into the store.
// Samples and estimates batch up to batch_size or batch_timeout, whichever
// comes first; snapshots write as they arrive. Failed batches retry with
// backoff and are dropped, counted and logged once attempts run out; a slow
// store must never stall the pipeline.
type Sink struct {
	cfg      config.WriterConfig
	store    Store
	archiver *Archiver
	channels *channel.Channels

	sampleBuf []models.MetricSample
	volBuf    []models.VolatilityEstimate
	jobs      chan job

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewSink wires the sink to its store. archiver may be nil when cold-storage
// archival is disabled.
func NewSink(cfg config.WriterConfig, store Store, archiver *Archiver, channels *channel.Channels) *Sink {
	return &Sink{
		cfg:      cfg,
		store:    store,
		archiver: archiver,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the collector and the writer pool.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("writer sink already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	log := s.log.WithComponent("writer_sink").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting writer sink")

	workers := s.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	s.jobs = make(chan job, workers*2)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go s.collector()

	log.WithFields(logger.Fields{"workers": workers}).Info("writer sink started successfully")
	return nil
}

// Stop waits for the collector to flush and the pool to drain.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.log.WithComponent("writer_sink").Info("stopping writer sink")
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.WithComponent("writer_sink").Info("writer sink stopped")
}

// collector owns the batch buffers. It is the only sender on jobs and closes
// the channel after the shutdown flush, which releases the worker pool.
func (s *Sink) collector() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BatchTimeout.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.flushSamples()
			s.flushVols()
			close(s.jobs)
			return
		case sample := <-s.channels.Samples:
			s.sampleBuf = append(s.sampleBuf, sample)
			if len(s.sampleBuf) >= s.cfg.BatchSize {
				s.flushSamples()
			}
		case vol := <-s.channels.Vols:
			s.volBuf = append(s.volBuf, vol)
			if len(s.volBuf) >= s.cfg.BatchSize {
				s.flushVols()
			}
		case snap := <-s.channels.Captures:
			if s.archiver != nil {
				s.archiver.Add(snap)
			}
			s.enqueue(func(ctx context.Context) error {
				return s.store.WriteBookSnapshot(ctx, snap)
			})
		case <-ticker.C:
			s.flushSamples()
			s.flushVols()
		}
	}
}

func (s *Sink) flushSamples() {
	if len(s.sampleBuf) == 0 {
		return
	}
	batch := s.sampleBuf
	s.sampleBuf = nil
	s.enqueue(func(ctx context.Context) error {
		return s.store.WriteSamples(ctx, batch)
	})
}

func (s *Sink) flushVols() {
	if len(s.volBuf) == 0 {
		return
	}
	batch := s.volBuf
	s.volBuf = nil
	s.enqueue(func(ctx context.Context) error {
		return s.store.WriteVols(ctx, batch)
	})
}

func (s *Sink) enqueue(j job) {
	s.jobs <- j
}

func (s *Sink) worker(workerID int) {
	defer s.wg.Done()

	log := s.log.WithComponent("writer_sink").WithFields(logger.Fields{"worker_id": workerID})

	for j := range s.jobs {
		// During shutdown the batch still gets its retry budget, bounded by
		// the drain timeout instead of the cancelled run context.
		ctx := s.ctx
		var cancel context.CancelFunc
		if ctx.Err() != nil {
			ctx, cancel = context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.DrainTimeout.Duration)
		}

		start := time.Now()
		if err := s.writeWithRetry(ctx, j); err != nil {
			metrics.Inc(metrics.CounterBatchesDropped)
			log.WithError(err).Error("batch dropped after exhausting retries")
		} else {
			metrics.Inc(metrics.CounterBatchesWritten)
			logger.LogPerformanceEntry(log, "writer_sink", "write_batch", time.Since(start), nil)
		}

		if cancel != nil {
			cancel()
		}
	}
}

func (s *Sink) writeWithRetry(ctx context.Context, j job) error {
	retry := s.cfg.Retry
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := retry.BaseDelay.Duration
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = j(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		metrics.Inc(metrics.CounterWriteRetries)
		s.log.WithComponent("writer_sink").WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("write failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("write abandoned: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * retry.BackoffMultiplier)
		if delay > retry.MaxDelay.Duration {
			delay = retry.MaxDelay.Duration
		}
	}
	return err
}
