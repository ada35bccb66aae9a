package book

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"depthflow/models"
)

var (
	// ErrUnknownInstrument is returned for symbols outside the registry.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrSequenceGap means a diff did not follow the book's current sequence.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrCrossedBook means an apply produced best bid >= best ask.
	ErrCrossedBook = errors.New("crossed book")
	// ErrNoSnapshot means the book has not received its first snapshot yet.
	ErrNoSnapshot = errors.New("no snapshot available")
)

// Book is one instrument's limit-order-book replica. It is owned by a single
// writer goroutine; readers only ever see immutable snapshots published
// through an atomic pointer, so a read can never observe a torn state.
type Book struct {
	symbol string
	bids   []models.PriceLevel // descending by price
	asks   []models.PriceLevel // ascending by price
	seq    int64
	ts     time.Time
	synced bool
	stale  bool

	snap atomic.Pointer[models.OrderBookSnapshot]
}

func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

// ApplySnapshot replaces the whole book and resets the sequence counter.
// A crossed snapshot is rejected and leaves the book stale.
func (b *Book) ApplySnapshot(ev models.UpdateEvent) error {
	bids := sortLevels(ev.Bids, true)
	asks := sortLevels(ev.Asks, false)

	if crossed(bids, asks) {
		b.stale = true
		b.publish()
		return ErrCrossedBook
	}

	b.bids = bids
	b.asks = asks
	b.seq = ev.SequenceID
	b.ts = ev.Timestamp
	b.synced = true
	b.stale = false
	b.publish()
	return nil
}

// ApplyDiff applies one incremental update. The diff must carry
// PrevSequenceID equal to the book's current sequence; anything else is a
// gap. The update is staged on copies, so a rejected diff leaves the book
// exactly as it was.
func (b *Book) ApplyDiff(ev models.UpdateEvent) error {
	if !b.synced || b.stale {
		return ErrSequenceGap
	}
	if ev.PrevSequenceID != b.seq {
		return ErrSequenceGap
	}

	bids := cloneLevels(b.bids)
	asks := cloneLevels(b.asks)
	for _, ch := range ev.Changes {
		if ch.Side == models.SideBid {
			bids = upsertLevel(bids, ch.Price, ch.Quantity, true)
		} else {
			asks = upsertLevel(asks, ch.Price, ch.Quantity, false)
		}
	}

	if crossed(bids, asks) {
		// Corruption: keep the previous levels but stop exposing them as
		// consistent until a fresh snapshot arrives.
		b.stale = true
		b.publish()
		return ErrCrossedBook
	}

	b.bids = bids
	b.asks = asks
	b.seq = ev.SequenceID
	b.ts = ev.Timestamp
	b.publish()
	return nil
}

// MarkStale flags the book after a resync marker or detected corruption.
// Reads keep working but carry the stale flag until the next snapshot.
func (b *Book) MarkStale() {
	if !b.synced || b.stale {
		b.stale = true
		return
	}
	b.stale = true
	b.publish()
}

// SequenceID reports the current sequence. Writer-goroutine only.
func (b *Book) SequenceID() int64 {
	return b.seq
}

// Snapshot returns the latest published snapshot. Safe for concurrent use;
// the returned value shares no mutable state with the book.
func (b *Book) Snapshot() (models.OrderBookSnapshot, bool) {
	p := b.snap.Load()
	if p == nil {
		return models.OrderBookSnapshot{}, false
	}
	return *p, true
}

// publish installs a fresh immutable snapshot. The level slices are owned by
// the snapshot from here on: every subsequent apply works on clones.
func (b *Book) publish() {
	s := &models.OrderBookSnapshot{
		Symbol:     b.symbol,
		Bids:       b.bids,
		Asks:       b.asks,
		SequenceID: b.seq,
		Timestamp:  b.ts,
		Stale:      b.stale,
	}
	b.snap.Store(s)
}

func crossed(bids, asks []models.PriceLevel) bool {
	return len(bids) > 0 && len(asks) > 0 && bids[0].Price >= asks[0].Price
}

func cloneLevels(levels []models.PriceLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

func sortLevels(levels []models.PriceLevel, desc bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// upsertLevel sets the quantity at a price, inserting, replacing or removing
// the level. Levels stay sorted (bids descending, asks ascending); a zero
// quantity removes rather than zeroes the level.
func upsertLevel(levels []models.PriceLevel, price, qty float64, desc bool) []models.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price <= price
		}
		return levels[i].Price >= price
	})
	if idx < len(levels) && levels[idx].Price == price {
		if qty <= 0 {
			return append(levels[:idx], levels[idx+1:]...)
		}
		levels[idx].Quantity = qty
		return levels
	}
	if qty <= 0 {
		return levels
	}
	levels = append(levels, models.PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = models.PriceLevel{Price: price, Quantity: qty}
	return levels
}
