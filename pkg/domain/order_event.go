package domain

import "time"

// OrderEventKind is the closed set of lifecycle events recorded against
// an order's uid. A Fulfilled and a Cancelled event can coexist (§4.2
// invariant c); the terminal label is whichever was recorded last.
type OrderEventKind string

const (
	EventPlaced    OrderEventKind = "Placed"
	EventCancelled OrderEventKind = "Cancelled"
	EventFulfilled OrderEventKind = "Fulfilled"
	EventInvalidated OrderEventKind = "Invalidated"
)

// OrderEvent is one append-only row in order_events.
type OrderEvent struct {
	OrderUid  OrderUid
	Kind      OrderEventKind
	Timestamp time.Time
}

// Presignature is one append-only row recording a presign transaction.
// The current state for a uid is the row with the greatest
// (Block, LogIndex), per §4.2.
type Presignature struct {
	BlockLogKey
	Owner  [20]byte
	Uid    OrderUid
	Signed bool
}
