package models

import "time"

// UpdateKind discriminates between the event types a connector can emit.
type UpdateKind string

const (
	// UpdateSnapshot replaces the whole book and resets the sequence counter.
	UpdateSnapshot UpdateKind = "snapshot"
	// UpdateDiff mutates individual price levels.
	UpdateDiff UpdateKind = "diff"
	// UpdateResync marks the point in the stream where continuity was lost.
	// The book is stale from this marker until the next snapshot.
	UpdateResync UpdateKind = "resync"
)

// LevelChange is one (side, price, newQuantity) tuple of a diff. A zero
// quantity removes the level.
type LevelChange struct {
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// UpdateEvent is the normalized unit flowing from a feed connector into the
// book store. Snapshot events carry Bids/Asks, diff events carry Changes.
//
// PrevSequenceID is the sequence the book must currently be at for the diff
// to apply. The generic feed sets it to SequenceID-1; venue adapters whose
// native sequencing is range-based (Binance pu/u) set it to the previous
// event's final ID.
type UpdateEvent struct {
	Kind           UpdateKind    `json:"kind"`
	Symbol         string        `json:"symbol"`
	SequenceID     int64         `json:"sequence_id"`
	PrevSequenceID int64         `json:"prev_sequence_id"`
	Bids           []PriceLevel  `json:"bids,omitempty"`
	Asks           []PriceLevel  `json:"asks,omitempty"`
	Changes        []LevelChange `json:"changes,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Received       time.Time     `json:"received"`
}

// WireLevel is a price level as it appears on the feed: decimal strings,
// the way every exchange quotes them.
type WireLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// WireMessage mirrors the inbound feed contract. Snapshot messages populate
// Bids/Asks; diff messages carry a single (side, price, quantity) change.
type WireMessage struct {
	Type       string      `json:"type"`
	Instrument string      `json:"instrument"`
	SequenceID int64       `json:"sequenceId"`
	Bids       []WireLevel `json:"bids,omitempty"`
	Asks       []WireLevel `json:"asks,omitempty"`
	Side       string      `json:"side,omitempty"`
	Price      string      `json:"price,omitempty"`
	Quantity   string      `json:"quantity,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
}

// WireRequest is the outbound control message on the feed socket.
type WireRequest struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments,omitempty"`
	Instrument  string   `json:"instrument,omitempty"`
}
