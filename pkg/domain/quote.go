package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Quote is a price estimate bound to a fingerprint, produced by an
// external estimator. A quote's "effective price" for ranking is
// gas_amount × gas_price × sell_token_price, ascending — cheapest
// first, per §4.2 find_quote_exact/find_quote_covering.
type Quote struct {
	ID     int64
	Owner  common.Address
	Fingerprint

	GasAmount      *big.Int
	GasPrice       *big.Int
	SellTokenPrice float64

	FeeAmount  *big.Int
	SellAmount *big.Int
	BuyAmount  *big.Int

	SolverAddress common.Address
	ExpirationAt  time.Time
	CreatedAt     time.Time
}

// EffectiveCost is the ranking key used by find_quote_exact/covering:
// lower is cheaper and thus preferred.
func (q Quote) EffectiveCost() float64 {
	if q.GasAmount == nil || q.GasPrice == nil {
		return 0
	}
	gasCostWei := new(big.Int).Mul(q.GasAmount, q.GasPrice)
	gasCostFloat, _ := new(big.Float).SetInt(gasCostWei).Float64()
	return gasCostFloat * q.SellTokenPrice
}

// Covers reports whether this quote can serve a sell-side request for
// at least `amount`, per find_quote_covering's `sell_amount >= amount`
// rule.
func (q Quote) Covers(amount *big.Int) bool {
	if q.Side != Sell || q.SellAmount == nil || amount == nil {
		return false
	}
	return q.SellAmount.Cmp(amount) >= 0
}

// Expired reports whether the quote is stale as of `now`, for the
// periodic GC sweep described in §3.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpirationAt)
}
