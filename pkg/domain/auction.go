package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativePrice is a token's value denominated in the protocol's native
// token, normalized to 1e18, as produced by the Native Price Estimator.
type NativePrice struct {
	Value *big.Int
}

// TokenInfo is the per-token metadata assembled by the auction builder
// for every token appearing in any live order.
type TokenInfo struct {
	Decimals         *uint8
	Symbol           *string
	ReferencePrice   *NativePrice
	AvailableBalance *big.Int
	Trusted          bool
}

// Auction is an immutable snapshot handed to solvers for one
// competition round. Once persisted it is never mutated; Id strictly
// increases and no two auctions share one.
type Auction struct {
	Id                             int64
	Orders                         []Order
	Prices                         map[common.Address]NativePrice
	Tokens                         map[common.Address]TokenInfo
	SurplusCapturingJitOrderOwners []common.Address
	Deadline                       time.Time
	CreatedAt                      time.Time
}
