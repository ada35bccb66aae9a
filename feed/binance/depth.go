package binance

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

// Depth streams futures diff-depth updates for a set of symbols and
// normalizes them into the shared event channel. Snapshots come from the
// REST depth endpoint; the stream supplies diffs with the exchange's own
// pu/u sequence pairing, which maps directly onto PrevSequenceID and
// SequenceID.
type Depth struct {
	cfg      config.FeedConfig
	symbols  []string
	channels *channel.Channels
	client   *futures.Client
	limiter  *rate.Limiter
	resyncCh chan string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewDepth builds the adapter. Market data endpoints need no credentials.
func NewDepth(cfg config.FeedConfig, symbols []string, channels *channel.Channels) *Depth {
	return &Depth{
		cfg:      cfg,
		symbols:  symbols,
		channels: channels,
		client:   futures.NewClient("", ""),
		limiter:  rate.NewLimiter(rate.Limit(cfg.SnapshotRPS), cfg.SnapshotBurst),
		resyncCh: make(chan string, len(symbols)*4),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches one stream supervisor per symbol plus the snapshot worker.
func (d *Depth) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("binance depth adapter already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	log := d.log.WithComponent("binance_depth").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"symbols": d.symbols}).Info("starting binance depth adapter")

	d.wg.Add(1)
	go d.snapshotWorker()

	for _, symbol := range d.symbols {
		d.wg.Add(1)
		go d.superviseStream(symbol)
		d.RequestResync(symbol)
	}

	log.Info("binance depth adapter started successfully")
	return nil
}

// Stop waits for the stream supervisors and the snapshot worker.
func (d *Depth) Stop() {
	d.mu.Lock()
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	d.log.WithComponent("binance_depth").Info("stopping binance depth adapter")
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.log.WithComponent("binance_depth").Info("binance depth adapter stopped")
}

// RequestResync queues a fresh REST snapshot for one symbol. Non-blocking;
// a pending request already covers this one.
func (d *Depth) RequestResync(symbol string) {
	select {
	case d.resyncCh <- symbol:
	default:
	}
}

func (d *Depth) superviseStream(symbol string) {
	defer d.wg.Done()

	log := d.log.WithComponent("binance_depth").WithFields(logger.Fields{"symbol": symbol})

	attempt := 0
	for {
		if d.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := futures.WsDiffDepthServeWithRate(
			symbol,
			d.cfg.BinanceInterval.Duration,
			d.handleDepthEvent,
			func(err error) {
				log.WithError(err).Warn("binance depth stream error")
			},
		)
		if err == nil {
			attempt = 0
			select {
			case <-d.ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				// Stream ended on its own; the book resyncs over the next
				// connection's snapshot.
			}
		}

		metrics.Inc(metrics.CounterReconnects)
		d.RequestResync(symbol)
		delay := backoff(d.cfg.Reconnect, attempt)
		attempt++
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("binance depth stream disconnected, reconnecting")

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay.Duration)
	for i := 0; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
		if delay >= float64(cfg.MaxDelay.Duration) {
			delay = float64(cfg.MaxDelay.Duration)
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(delay * jitter)
}

func (d *Depth) handleDepthEvent(ev *futures.WsDepthEvent) {
	changes := make([]models.LevelChange, 0, len(ev.Bids)+len(ev.Asks))
	ok := appendChanges(&changes, models.SideBid, ev.Bids) &&
		appendChanges(&changes, models.SideAsk, ev.Asks)
	if !ok {
		d.log.WithComponent("binance_depth").WithFields(logger.Fields{
			"symbol": ev.Symbol,
		}).Warn("depth event with malformed levels dropped")
		d.RequestResync(ev.Symbol)
		return
	}

	event := models.UpdateEvent{
		Kind:           models.UpdateDiff,
		Symbol:         ev.Symbol,
		SequenceID:     ev.LastUpdateID,
		PrevSequenceID: ev.PrevLastUpdateID,
		Changes:        changes,
		Timestamp:      time.UnixMilli(ev.Time),
		Received:       time.Now(),
	}

	if !d.channels.TrySendEvent(event) {
		// The diff is lost, so its book must restart from a snapshot.
		d.RequestResync(ev.Symbol)
	}
}

func appendChanges(changes *[]models.LevelChange, side models.Side, levels []common.PriceLevel) bool {
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		qty, err2 := strconv.ParseFloat(l.Quantity, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		*changes = append(*changes, models.LevelChange{Side: side, Price: price, Quantity: qty})
	}
	return true
}

func (d *Depth) snapshotWorker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case symbol := <-d.resyncCh:
			if err := d.fetchSnapshot(symbol); err != nil {
				d.log.WithComponent("binance_depth").WithError(err).WithFields(logger.Fields{
					"symbol": symbol,
				}).Warn("snapshot fetch failed, retrying")
				// Retry after a short pause so a flapping REST endpoint
				// does not spin the worker.
				select {
				case <-d.ctx.Done():
					return
				case <-time.After(d.cfg.Reconnect.BaseDelay.Duration):
				}
				d.RequestResync(symbol)
			}
		}
	}
}

func (d *Depth) fetchSnapshot(symbol string) error {
	if err := d.limiter.Wait(d.ctx); err != nil {
		return err
	}

	// Marker first: everything queued before the snapshot is suspect.
	d.channels.SendEvent(d.ctx, models.UpdateEvent{
		Kind:     models.UpdateResync,
		Symbol:   symbol,
		Received: time.Now(),
	})

	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	res, err := d.client.NewDepthService().Symbol(symbol).Limit(d.cfg.SnapshotLimit).Do(ctx)
	if err != nil {
		return fmt.Errorf("depth snapshot %s: %w", symbol, err)
	}

	event, err := snapshotEvent(symbol, res)
	if err != nil {
		return err
	}
	d.channels.SendEvent(d.ctx, event)

	d.log.WithComponent("binance_depth").WithFields(logger.Fields{
		"symbol":      symbol,
		"sequence_id": event.SequenceID,
		"bids":        len(event.Bids),
		"asks":        len(event.Asks),
	}).Info("snapshot fetched")
	return nil
}

func snapshotEvent(symbol string, res *futures.DepthResponse) (models.UpdateEvent, error) {
	bids, ok1 := parseLevels(res.Bids)
	asks, ok2 := parseLevels(res.Asks)
	if !ok1 || !ok2 {
		return models.UpdateEvent{}, fmt.Errorf("depth snapshot %s: malformed levels", symbol)
	}
	return models.UpdateEvent{
		Kind:       models.UpdateSnapshot,
		Symbol:     symbol,
		SequenceID: res.LastUpdateID,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  time.UnixMilli(res.TradeTime),
		Received:   time.Now(),
	}, nil
}

func parseLevels(levels []common.PriceLevel) ([]models.PriceLevel, bool) {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		qty, err2 := strconv.ParseFloat(l.Quantity, 64)
		if err1 != nil || err2 != nil {
			return nil, false
		}
		if qty <= 0 {
			continue
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, true
}
