package models

import (
	"math"
	"time"
)

// Side identifies which half of the book a level or change belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Instrument describes a tradable market. Instruments are registered at
// startup and never mutated afterwards.
type Instrument struct {
	Symbol   string  `yaml:"symbol" json:"symbol"`
	TickSize float64 `yaml:"tick_size" json:"tick_size"`
	LotSize  float64 `yaml:"lot_size" json:"lot_size"`
}

// PriceLevel is the aggregate resting quantity at a discrete price tick.
// A level only exists while its quantity is positive.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is an immutable point-in-time copy of one instrument's
// book. Bids are sorted descending by price, asks ascending. Consumers never
// receive a live reference into the book itself.
type OrderBookSnapshot struct {
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	SequenceID int64        `json:"sequence_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Stale      bool         `json:"stale"`
}

// BestBid returns the highest bid level. The second return is false when the
// bid side is empty.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level. The second return is false when the
// ask side is empty.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Spread returns bestAsk-bestBid, or false when either side is empty.
func (s OrderBookSnapshot) Spread() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// MidPrice returns the bid/ask midpoint, or false when either side is empty.
func (s OrderBookSnapshot) MidPrice() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// DepthAt sums quantity over the top k levels of one side.
func (s OrderBookSnapshot) DepthAt(side Side, k int) float64 {
	levels := s.Bids
	if side == SideAsk {
		levels = s.Asks
	}
	if k > len(levels) {
		k = len(levels)
	}
	var sum float64
	for i := 0; i < k; i++ {
		sum += levels[i].Quantity
	}
	return sum
}

// Crossed reports whether best bid >= best ask while both sides are
// populated. A crossed book is treated as corruption upstream.
func (s OrderBookSnapshot) Crossed() bool {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	return okB && okA && bid.Price >= ask.Price
}

// RoundToTick snaps a price onto the instrument's tick grid.
func (i Instrument) RoundToTick(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	return math.Round(price/i.TickSize) * i.TickSize
}
