package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

// Connector maintains one logical subscription for a group of instruments
// and turns the wire stream into normalized UpdateEvents. It never drops an
// individual message: when the downstream buffer fills up the connection is
// dropped and every instrument resyncs, because a silently lost diff would
// corrupt sequence continuity.
type Connector struct {
	cfg      config.FeedConfig
	symbols  []string
	channels *channel.Channels
	limiter  *rate.Limiter
	resyncCh chan string
	lastSeq  map[string]int64
	hasSeq   map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewConnector builds a connector for the given instrument group.
func NewConnector(cfg config.FeedConfig, symbols []string, channels *channel.Channels) *Connector {
	return &Connector{
		cfg:      cfg,
		symbols:  symbols,
		channels: channels,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SnapshotRPS), cfg.SnapshotBurst),
		resyncCh: make(chan string, len(symbols)*4),
		lastSeq:  make(map[string]int64, len(symbols)),
		hasSeq:   make(map[string]bool, len(symbols)),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the supervision loop. Connector failure is never fatal:
// reconnects are retried indefinitely with capped, jittered backoff.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("feed connector already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	log := c.log.WithComponent("feed_connector").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"url": c.cfg.URL, "symbols": c.symbols}).Info("starting feed connector")

	c.wg.Add(1)
	go c.supervise()

	log.Info("feed connector started successfully")
	return nil
}

// Stop waits for the supervision loop to exit.
func (c *Connector) Stop() {
	c.mu.Lock()
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.log.WithComponent("feed_connector").Info("stopping feed connector")
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.WithComponent("feed_connector").Info("feed connector stopped")
}

// RequestResync asks for a fresh snapshot of one instrument. Safe for
// concurrent use and non-blocking; duplicate requests while one is pending
// collapse into the channel buffer.
func (c *Connector) RequestResync(symbol string) {
	select {
	case c.resyncCh <- symbol:
	default:
		// A resync for this connection is already queued; the snapshot that
		// serves it will cover this request too.
	}
}

func (c *Connector) supervise() {
	defer c.wg.Done()

	log := c.log.WithComponent("feed_connector")

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.runConnection()
		if c.ctx.Err() != nil {
			return
		}

		metrics.Inc(metrics.CounterReconnects)
		delay := c.backoff(attempt)
		attempt++
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("feed disconnected, reconnecting")

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoff computes the capped exponential delay with +/-50% jitter.
func (c *Connector) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.Reconnect.BaseDelay.Duration)
	for i := 0; i < attempt; i++ {
		delay *= c.cfg.Reconnect.BackoffMultiplier
		if delay >= float64(c.cfg.Reconnect.MaxDelay.Duration) {
			delay = float64(c.cfg.Reconnect.MaxDelay.Duration)
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(delay * jitter)
}

// runConnection dials, subscribes, requests initial snapshots and pumps
// messages until the connection breaks or the context ends.
func (c *Connector) runConnection() error {
	log := c.log.WithComponent("feed_connector")

	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	// Sequence tracking restarts with every connection.
	for s := range c.hasSeq {
		delete(c.hasSeq, s)
	}

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := writeJSON(models.WireRequest{Op: "subscribe", Instruments: c.symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Full snapshot before any diff is accepted.
	for _, symbol := range c.symbols {
		if err := c.requestSnapshot(writeJSON, symbol); err != nil {
			return err
		}
	}

	log.WithFields(logger.Fields{"symbols": c.symbols}).Info("subscribed, awaiting snapshots")

	// Control goroutine: serves resync requests while the read loop runs.
	connCtx, connCancel := context.WithCancel(c.ctx)
	defer connCancel()
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		for {
			select {
			case <-connCtx.Done():
				// Unblocks the read loop so shutdown is not held hostage by
				// a quiet socket.
				conn.Close()
				return
			case symbol := <-c.resyncCh:
				c.emitResync(symbol)
				if err := c.requestSnapshot(writeJSON, symbol); err != nil {
					log.WithError(err).Warn("snapshot request failed")
					conn.Close()
					return
				}
			}
		}
	}()

	readErr := c.readLoop(conn)
	connCancel()
	<-ctrlDone
	return readErr
}

func (c *Connector) requestSnapshot(writeJSON func(interface{}) error, symbol string) error {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}
	if err := writeJSON(models.WireRequest{Op: "snapshot", Instrument: symbol}); err != nil {
		return fmt.Errorf("request snapshot %s: %w", symbol, err)
	}
	return nil
}

func (c *Connector) readLoop(conn *websocket.Conn) error {
	log := c.log.WithComponent("feed_connector")

	for {
		if c.cfg.ReadTimeout.Duration > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout.Duration))
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		var msg models.WireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.WithError(err).Warn("failed to unmarshal feed message")
			continue
		}

		ev, ok := c.normalize(msg)
		if !ok {
			continue
		}

		if !c.checkContinuity(ev) {
			// Gap on the wire: skip the diff, mark the instrument for resync.
			c.RequestResync(ev.Symbol)
			continue
		}

		if !c.channels.TrySendEvent(ev) {
			// Downstream cannot keep up. Dropping this one message would
			// break continuity for its instrument, so the whole connection
			// restarts and every book resyncs from a fresh snapshot.
			log.Warn("event buffer full, dropping connection to force resync")
			for _, symbol := range c.symbols {
				c.emitResync(symbol)
			}
			return fmt.Errorf("event buffer full")
		}
	}
}

// checkContinuity tracks per-instrument sequence progression. Snapshots
// always pass and reset the counter; diffs must extend the last seen
// sequence exactly.
func (c *Connector) checkContinuity(ev models.UpdateEvent) bool {
	switch ev.Kind {
	case models.UpdateSnapshot:
		c.lastSeq[ev.Symbol] = ev.SequenceID
		c.hasSeq[ev.Symbol] = true
		return true
	case models.UpdateDiff:
		if !c.hasSeq[ev.Symbol] {
			// Diff before the first snapshot of this connection.
			return false
		}
		if ev.PrevSequenceID != c.lastSeq[ev.Symbol] {
			c.log.WithComponent("feed_connector").WithFields(logger.Fields{
				"symbol":   ev.Symbol,
				"expected": c.lastSeq[ev.Symbol] + 1,
				"got":      ev.SequenceID,
			}).Warn("sequence gap on feed")
			delete(c.hasSeq, ev.Symbol)
			return false
		}
		c.lastSeq[ev.Symbol] = ev.SequenceID
		return true
	default:
		return true
	}
}

func (c *Connector) emitResync(symbol string) {
	ev := models.UpdateEvent{
		Kind:     models.UpdateResync,
		Symbol:   symbol,
		Received: time.Now(),
	}
	// Block rather than drop: the marker is what keeps the store honest
	// about the gap.
	c.channels.SendEvent(c.ctx, ev)
}

// normalize converts a wire message into an UpdateEvent.
func (c *Connector) normalize(msg models.WireMessage) (models.UpdateEvent, bool) {
	log := c.log.WithComponent("feed_connector").WithFields(logger.Fields{"symbol": msg.Instrument})
	now := time.Now()

	ts := now
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp)
	}

	switch msg.Type {
	case "snapshot":
		bids, ok1 := parseWireLevels(msg.Bids)
		asks, ok2 := parseWireLevels(msg.Asks)
		if !ok1 || !ok2 {
			log.Warn("snapshot with malformed levels dropped")
			return models.UpdateEvent{}, false
		}
		return models.UpdateEvent{
			Kind:       models.UpdateSnapshot,
			Symbol:     msg.Instrument,
			SequenceID: msg.SequenceID,
			Bids:       bids,
			Asks:       asks,
			Timestamp:  ts,
			Received:   now,
		}, true

	case "diff":
		price, err1 := strconv.ParseFloat(msg.Price, 64)
		qty, err2 := strconv.ParseFloat(msg.Quantity, 64)
		if err1 != nil || err2 != nil {
			log.Warn("diff with malformed price or quantity dropped")
			return models.UpdateEvent{}, false
		}
		side := models.Side(msg.Side)
		if side != models.SideBid && side != models.SideAsk {
			log.WithFields(logger.Fields{"side": msg.Side}).Warn("diff with unknown side dropped")
			return models.UpdateEvent{}, false
		}
		return models.UpdateEvent{
			Kind:           models.UpdateDiff,
			Symbol:         msg.Instrument,
			SequenceID:     msg.SequenceID,
			PrevSequenceID: msg.SequenceID - 1,
			Changes: []models.LevelChange{
				{Side: side, Price: price, Quantity: qty},
			},
			Timestamp: ts,
			Received:  now,
		}, true

	default:
		return models.UpdateEvent{}, false
	}
}

func parseWireLevels(levels []models.WireLevel) ([]models.PriceLevel, bool) {
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
