package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"depthflow/book"
	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

const secondsPerYear = 365 * 24 * 3600

// SnapshotSource hands out the current book state per instrument. The book
// store satisfies it.
type SnapshotSource interface {
	Snapshot(symbol string) (models.OrderBookSnapshot, error)
}

// Engine derives metric samples from book snapshots on a fixed cadence:
// spread, mid price, depth imbalance, per-band resting volume and a rolling
// realized-volatility estimate. A separate loop pushes raw snapshots to the
// capture channel for persistence.
type Engine struct {
	cfg         config.AnalyticsConfig
	instruments []models.Instrument
	source      SnapshotSource
	channels    *channel.Channels
	windows     map[string]*midWindow

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewEngine(cfg config.AnalyticsConfig, instruments []models.Instrument, source SnapshotSource, channels *channel.Channels) *Engine {
	windows := make(map[string]*midWindow, len(instruments))
	for _, inst := range instruments {
		windows[inst.Symbol] = newMidWindow(cfg.VolWindow)
	}
	return &Engine{
		cfg:         cfg,
		instruments: instruments,
		source:      source,
		channels:    channels,
		windows:     windows,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
}

// Start launches the metric tick loop and, when configured, the snapshot
// capture loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("analytics engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	log := e.log.WithComponent("analytics_engine").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"tick_interval": e.cfg.TickInterval.Duration.String(),
		"depth_levels":  e.cfg.DepthLevels,
		"vol_window":    e.cfg.VolWindow,
	}).Info("starting analytics engine")

	e.wg.Add(1)
	go e.run()

	if e.cfg.CaptureEvery.Duration > 0 {
		e.wg.Add(1)
		go e.captureLoop()
	}

	log.Info("analytics engine started successfully")
	return nil
}

// Stop waits for the tick and capture loops to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.log.WithComponent("analytics_engine").Info("stopping analytics engine")
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.WithComponent("analytics_engine").Info("analytics engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			for _, inst := range e.instruments {
				e.tickInstrument(inst, now)
			}
		}
	}
}

func (e *Engine) captureLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CaptureEvery.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range e.instruments {
				snap, err := e.source.Snapshot(inst.Symbol)
				if err != nil {
					continue
				}
				e.channels.SendCapture(e.ctx, snap)
			}
		}
	}
}

// tickInstrument computes one metric window for one instrument. A stale or
// missing book produces no samples; staleness also resets the volatility
// window because a mid-price return across a resync is meaningless.
func (e *Engine) tickInstrument(inst models.Instrument, now time.Time) {
	log := e.log.WithComponent("analytics_engine").WithFields(logger.Fields{"symbol": inst.Symbol})

	snap, err := e.source.Snapshot(inst.Symbol)
	if err != nil {
		if !errors.Is(err, book.ErrNoSnapshot) {
			log.WithError(err).Warn("snapshot unavailable")
		}
		e.windows[inst.Symbol].Reset()
		return
	}
	if snap.Stale {
		log.Warn("book stale, skipping metric window")
		e.windows[inst.Symbol].Reset()
		return
	}

	e.emitTopOfBook(snap, now)
	e.emitImbalance(snap, now)
	e.emitVolumeBands(inst, snap, now)
	e.emitVolatility(inst.Symbol, snap, now)
}

func (e *Engine) emit(sample models.MetricSample) {
	if e.channels.SendSample(e.ctx, sample) {
		metrics.Inc(metrics.CounterSamplesEmitted)
	}
}

// emitTopOfBook publishes spread and mid price. Both need a populated best
// level on each side; a one-sided book yields neither.
func (e *Engine) emitTopOfBook(snap models.OrderBookSnapshot, now time.Time) {
	if spread, ok := snap.Spread(); ok {
		e.emit(models.MetricSample{
			Symbol:    snap.Symbol,
			WindowEnd: now,
			Metric:    models.MetricSpread,
			Value:     spread,
		})
	}
	if mid, ok := snap.MidPrice(); ok {
		e.emit(models.MetricSample{
			Symbol:    snap.Symbol,
			WindowEnd: now,
			Metric:    models.MetricMidPrice,
			Value:     mid,
		})
	}
}

// emitImbalance publishes (bidVol-askVol)/(bidVol+askVol) over the top
// configured depth. An empty book maps to 0 so the series stays defined.
func (e *Engine) emitImbalance(snap models.OrderBookSnapshot, now time.Time) {
	bidVol := snap.DepthAt(models.SideBid, e.cfg.DepthLevels)
	askVol := snap.DepthAt(models.SideAsk, e.cfg.DepthLevels)

	value := 0.0
	if total := bidVol + askVol; total > 0 {
		value = (bidVol - askVol) / total
	}
	e.emit(models.MetricSample{
		Symbol:    snap.Symbol,
		WindowEnd: now,
		Metric:    models.MetricDepthImbalance,
		Value:     value,
	})
}

// emitVolumeBands aggregates resting volume into fixed price bands of
// tick_size*band_ticks width, one sample per occupied band and side.
func (e *Engine) emitVolumeBands(inst models.Instrument, snap models.OrderBookSnapshot, now time.Time) {
	width := inst.TickSize * float64(e.cfg.BandTicks)
	if width <= 0 {
		return
	}

	for _, side := range []models.Side{models.SideBid, models.SideAsk} {
		levels := snap.Bids
		if side == models.SideAsk {
			levels = snap.Asks
		}
		bands := make(map[float64]float64)
		for _, l := range levels {
			lower := math.Floor(l.Price/width) * width
			bands[lower] += l.Quantity
		}
		for lower, qty := range bands {
			e.emit(models.MetricSample{
				Symbol:    snap.Symbol,
				WindowEnd: now,
				Metric:    models.VolumeBandMetric(side, lower),
				Value:     qty,
			})
		}
	}
}

// emitVolatility extends the rolling mid window and, once enough samples
// are in, publishes the realized variance plus its annualized square root.
func (e *Engine) emitVolatility(symbol string, snap models.OrderBookSnapshot, now time.Time) {
	mid, ok := snap.MidPrice()
	if !ok {
		return
	}

	w := e.windows[symbol]
	w.Add(mid)
	if w.Len() < e.cfg.VolMinSamples {
		return
	}

	realizedVar, returns := w.RealizedVariance()
	if returns == 0 {
		return
	}

	periodsPerYear := float64(secondsPerYear) / e.cfg.TickInterval.Duration.Seconds()
	annualized := math.Sqrt(realizedVar / float64(returns) * periodsPerYear)

	e.emit(models.MetricSample{
		Symbol:    symbol,
		WindowEnd: now,
		Metric:    models.MetricRealizedVar,
		Value:     realizedVar,
	})
	e.emit(models.MetricSample{
		Symbol:    symbol,
		WindowEnd: now,
		Metric:    models.MetricRealizedVol,
		Value:     annualized,
	})

	e.channels.SendVol(e.ctx, models.VolatilityEstimate{
		Symbol:           symbol,
		WindowStart:      now.Add(-time.Duration(w.Len()) * e.cfg.TickInterval.Duration),
		WindowEnd:        now,
		RealizedVariance: realizedVar,
		Annualized:       annualized,
		SampleCount:      w.Len(),
	})
}
