// Package domain holds the protocol's core entities: orders, quotes,
// auctions, solutions, competitions, and settlement events. Types here
// carry no I/O; persistence and transport live in sibling packages.
package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderUid is the 56-byte content-addressed order identifier: 32 bytes
// order digest, 20 bytes owner, 4 bytes validTo, as derived by the
// GPv2 settlement contract's order hashing scheme.
type OrderUid [56]byte

func (u OrderUid) String() string { return "0x" + common.Bytes2Hex(u[:]) }

// MarshalText renders the hex form, letting OrderUid be used directly
// as a JSON object key (e.g. Solution.Orders) and as a plain string
// field elsewhere.
func (u OrderUid) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *OrderUid) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b := common.Hex2Bytes(s)
	if len(b) != len(u) {
		return fmt.Errorf("order uid: want %d bytes, got %d", len(u), len(b))
	}
	copy(u[:], b)
	return nil
}

// Owner returns the 20-byte owner embedded in the uid.
func (u OrderUid) Owner() common.Address {
	var a common.Address
	copy(a[:], u[32:52])
	return a
}

// ValidTo returns the 4-byte validTo timestamp embedded in the uid.
func (u OrderUid) ValidTo() uint32 {
	return uint32(u[52])<<24 | uint32(u[53])<<16 | uint32(u[54])<<8 | uint32(u[55])
}

type Side int8

const (
	Sell Side = iota
	Buy
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

type OrderKind int8

const (
	KindMarket OrderKind = iota
	KindLimit
	KindLiquidity
)

type BalanceSource int8

const (
	BalanceErc20 BalanceSource = iota
	BalanceExternal
	BalanceInternal
)

type BalanceDestination int8

const (
	DestErc20 BalanceDestination = iota
	DestInternal
)

// Interaction is a single pre- or post-settlement call the order wants
// executed alongside its trade.
type Interaction struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Order is the authoritative, content-addressed record of a user's
// trade intent. Uid is immutable once computed; CancellationTimestamp
// only ever moves from zero to non-zero (never clears, never rewinds).
type Order struct {
	Uid       OrderUid
	Owner     common.Address
	SellToken common.Address
	BuyToken  common.Address

	SellAmount *big.Int
	BuyAmount  *big.Int

	Side Side
	Kind OrderKind

	PartiallyFillable bool
	ValidFrom         time.Time
	ValidTo           time.Time

	AppDataHash [32]byte

	PreInteractions  []Interaction
	PostInteractions []Interaction

	FeePolicies []FeePolicy

	BalanceSource BalanceSource
	Destination   BalanceDestination

	Signature Signature

	// Execution bookkeeping, updated as fills are observed.
	ExecutedSellAmount *big.Int
	ExecutedBuyAmount  *big.Int

	CancellationTimestamp *time.Time
	Invalidated           bool

	// Ethflow orders additionally carry an on-chain auxiliary validity
	// window distinct from ValidTo; nil for ordinary orders.
	EthflowValidTo *time.Time

	CreatedAt time.Time
}

// Live reports whether the order can still be matched at instant `now`,
// per §3: not cancelled, not invalidated, not executed past its target
// amount, and (for ethflow orders) not past its auxiliary validity.
func (o *Order) Live(now time.Time) bool {
	if o.CancellationTimestamp != nil {
		return false
	}
	if o.Invalidated {
		return false
	}
	if now.Before(o.ValidFrom) || now.After(o.ValidTo) {
		return false
	}
	if o.EthflowValidTo != nil && now.After(*o.EthflowValidTo) {
		return false
	}
	target := o.SellAmount
	if o.Side == Buy {
		target = o.BuyAmount
	}
	executed := o.ExecutedSellAmount
	if o.Side == Buy {
		executed = o.ExecutedBuyAmount
	}
	if executed != nil && target != nil && executed.Cmp(target) >= 0 {
		return false
	}
	return true
}

// Fingerprint identifies the quote-able shape of an order: everything a
// price estimator needs to produce a comparable quote.
type Fingerprint struct {
	SellToken common.Address
	BuyToken  common.Address
	Amount    *big.Int
	Side      Side
}
