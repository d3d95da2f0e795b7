package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TradedOrder is one order's execution within a candidate Solution.
type TradedOrder struct {
	Side       Side
	SellToken  common.Address
	BuyToken   common.Address
	LimitSell  *big.Int
	LimitBuy   *big.Int
	Executed   Execution
}

type Execution struct {
	ExecutedSell *big.Int
	ExecutedBuy  *big.Int
}

// Satisfies reports the per-TradedOrder invariant of §3: executed sell
// never exceeds what's available, and the implied price respects the
// order's limit price.
func (t TradedOrder) Satisfies(sellAvailable *big.Int) bool {
	if t.Executed.ExecutedSell == nil || t.Executed.ExecutedBuy == nil {
		return false
	}
	if sellAvailable != nil && t.Executed.ExecutedSell.Cmp(sellAvailable) > 0 {
		return false
	}
	if t.LimitSell == nil || t.LimitBuy == nil || t.LimitSell.Sign() == 0 {
		return true
	}
	// executed_buy/executed_sell must be >= limit_buy/limit_sell (at least as good as the limit).
	lhs := new(big.Int).Mul(t.Executed.ExecutedBuy, t.LimitSell)
	rhs := new(big.Int).Mul(t.LimitBuy, t.Executed.ExecutedSell)
	return lhs.Cmp(rhs) >= 0
}

// Solution is one driver's candidate settlement for an auction.
type Solution struct {
	SolutionId        uint64
	Driver            string
	SubmissionAddress common.Address
	Orders            map[OrderUid]TradedOrder
	ClearingPrices    map[common.Address]*big.Int
	Gas               *uint64
	Score             *big.Int
}

// HasUserOrders reports whether the solution touches at least one
// non-liquidity order; driverless "only liquidity" solutions are
// rejected per Phase B.
func (s Solution) HasUserOrders(auctionOrders map[OrderUid]Order) bool {
	for uid := range s.Orders {
		if o, ok := auctionOrders[uid]; ok && o.Kind != KindLiquidity {
			return true
		}
	}
	return false
}

// Eligible reports the basic score invariant of §3: score must be
// strictly positive to be eligible at all.
func (s Solution) Eligible() bool {
	return s.Score != nil && s.Score.Sign() > 0
}

// RejectionReason is the closed set of business-rejection kinds
// delivered back to a driver via /notify (§7 kind 4).
type RejectionReason string

const (
	RejectNoUserOrders     RejectionReason = "NoUserOrders"
	RejectPriceViolation   RejectionReason = "PriceViolation"
	RejectSimulationFailed RejectionReason = "SimulationFailure"
	RejectNonPositiveScore RejectionReason = "NonPositiveScore"
	RejectTooHighScore     RejectionReason = "TooHighScore"
	RejectRunErrorTimeout  RejectionReason = "RunError(Timeout)"
	RejectRunErrorSolving  RejectionReason = "RunError(Solving)"
)
