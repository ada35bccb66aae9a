package book

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

// ResyncFunc asks the feed layer for a fresh snapshot of one instrument.
// Implementations must be safe for concurrent use and must not block.
type ResyncFunc func(symbol string)

// Store owns the per-instrument book replicas. Events fan out from the feed
// channel to one worker goroutine per instrument, so each book has exactly
// one writer and instruments never contend with each other.
type Store struct {
	events     <-chan models.UpdateEvent
	resync     ResyncFunc
	staleAfter time.Duration

	workers map[string]*bookWorker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

type bookWorker struct {
	book  *Book
	queue chan models.UpdateEvent
}

// NewStore registers one book per instrument. The registry is fixed for the
// lifetime of the store.
func NewStore(instruments []models.Instrument, events <-chan models.UpdateEvent, workerBuffer int, staleAfter time.Duration, resync ResyncFunc) *Store {
	if workerBuffer < 1 {
		workerBuffer = 1
	}
	workers := make(map[string]*bookWorker, len(instruments))
	for _, inst := range instruments {
		workers[inst.Symbol] = &bookWorker{
			book:  New(inst.Symbol),
			queue: make(chan models.UpdateEvent, workerBuffer),
		}
	}
	return &Store{
		events:     events,
		resync:     resync,
		staleAfter: staleAfter,
		workers:    workers,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

// Start launches the dispatcher and the per-instrument appliers.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("book store already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	log := s.log.WithComponent("book_store").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"instruments": len(s.workers)}).Info("starting book store")

	for symbol, w := range s.workers {
		s.wg.Add(1)
		go s.applyLoop(symbol, w)
	}

	s.wg.Add(1)
	go s.dispatch()

	log.Info("book store started successfully")
	return nil
}

// Stop waits for the dispatcher and appliers to finish. In-flight diffs are
// either fully applied or never started; a book can't be left half-updated.
func (s *Store) Stop() {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.log.WithComponent("book_store").Info("stopping book store")
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.WithComponent("book_store").Info("book store stopped")
}

func (s *Store) dispatch() {
	defer s.wg.Done()

	log := s.log.WithComponent("book_store").WithFields(logger.Fields{"worker": "dispatcher"})

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			w, known := s.workers[ev.Symbol]
			if !known {
				log.WithFields(logger.Fields{"symbol": ev.Symbol}).Debug("event for unregistered instrument dropped")
				continue
			}
			metrics.Inc(metrics.CounterEventsIngested)
			select {
			case w.queue <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Store) applyLoop(symbol string, w *bookWorker) {
	defer s.wg.Done()

	log := s.log.WithComponent("book_store").WithFields(logger.Fields{"symbol": symbol})

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-w.queue:
			if !ok {
				return
			}
			s.applyEvent(log, w.book, ev)
		}
	}
}

func (s *Store) applyEvent(log *logger.Entry, b *Book, ev models.UpdateEvent) {
	switch ev.Kind {
	case models.UpdateSnapshot:
		if err := b.ApplySnapshot(ev); err != nil {
			metrics.Inc(metrics.CounterCrossedBooks)
			log.WithError(err).WithFields(logger.Fields{"sequence_id": ev.SequenceID}).Warn("snapshot rejected, requesting resync")
			s.requestResync(ev.Symbol)
			return
		}
		log.WithFields(logger.Fields{"sequence_id": ev.SequenceID}).Debug("snapshot applied")

	case models.UpdateDiff:
		err := b.ApplyDiff(ev)
		switch {
		case errors.Is(err, ErrSequenceGap):
			metrics.Inc(metrics.CounterDiffsRejected)
			log.WithFields(logger.Fields{
				"sequence_id": ev.SequenceID,
				"expected":    b.SequenceID() + 1,
			}).Warn("sequence gap detected, requesting resync")
			b.MarkStale()
			s.requestResync(ev.Symbol)
		case errors.Is(err, ErrCrossedBook):
			metrics.Inc(metrics.CounterCrossedBooks)
			log.WithFields(logger.Fields{"sequence_id": ev.SequenceID}).Warn("crossed book detected, requesting resync")
			s.requestResync(ev.Symbol)
		case err == nil:
			metrics.Inc(metrics.CounterDiffsApplied)
		}

	case models.UpdateResync:
		b.MarkStale()
		log.Info("resync marker received, book stale until next snapshot")
	}
}

func (s *Store) requestResync(symbol string) {
	metrics.Inc(metrics.CounterResyncs)
	if s.resync != nil {
		s.resync(symbol)
	}
}

// Snapshot returns the latest consistent snapshot for an instrument. The
// stale flag is set when the book is desynced or when the snapshot has not
// been refreshed within the configured window, so callers see explicitly
// marked staleness instead of silently old data.
func (s *Store) Snapshot(symbol string) (models.OrderBookSnapshot, error) {
	w, ok := s.workers[symbol]
	if !ok {
		return models.OrderBookSnapshot{}, ErrUnknownInstrument
	}
	snap, ok := w.book.Snapshot()
	if !ok {
		return models.OrderBookSnapshot{}, ErrNoSnapshot
	}
	if s.staleAfter > 0 && time.Since(snap.Timestamp) > s.staleAfter {
		snap.Stale = true
	}
	return snap, nil
}

// Symbols lists the registered instruments.
func (s *Store) Symbols() []string {
	out := make([]string, 0, len(s.workers))
	for symbol := range s.workers {
		out = append(out, symbol)
	}
	return out
}
