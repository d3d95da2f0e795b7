package competition

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// candidate is one surviving-or-rejected solution carried from Phase B
// into Phase C.
type candidate struct {
	driver   string
	solution domain.Solution
	rejected bool
	reason   domain.RejectionReason
}

// collect runs Phase B over every dispatched driver's result, applying
// the five rejection rules of §4.4.
func (r *Runner) collect(ctx context.Context, a domain.Auction, results []driverSolutions, ext ExternalPrices, maxDeviationBps int) []candidate {
	auctionOrders := make(map[domain.OrderUid]domain.Order, len(a.Orders))
	for _, o := range a.Orders {
		auctionOrders[o.Uid] = o
	}

	var out []candidate
	for _, res := range results {
		if res.err != nil {
			reason := domain.RejectRunErrorSolving
			if errors.Is(res.err, context.DeadlineExceeded) {
				reason = domain.RejectRunErrorTimeout
			}
			out = append(out, candidate{driver: res.driver.Name, rejected: true, reason: reason})
			continue
		}
		for _, sol := range res.solutions {
			out = append(out, r.evaluate(ctx, a, sol, res.driver.Name, auctionOrders, ext, maxDeviationBps))
		}
	}
	if r.onDriverRejected != nil {
		for _, c := range out {
			if c.rejected {
				r.onDriverRejected(c.driver, string(c.reason))
			}
		}
	}
	return out
}

func (r *Runner) evaluate(ctx context.Context, a domain.Auction, sol domain.Solution, driver string,
	auctionOrders map[domain.OrderUid]domain.Order, ext ExternalPrices, maxDeviationBps int) candidate {

	c := candidate{driver: driver, solution: sol}

	if !sol.HasUserOrders(auctionOrders) {
		c.rejected, c.reason = true, domain.RejectNoUserOrders
		return c
	}
	if ext != nil && priceDeviates(sol.ClearingPrices, ext, maxDeviationBps) {
		c.rejected, c.reason = true, domain.RejectPriceViolation
		return c
	}
	if r.simulator != nil {
		if err := r.simulator.Simulate(ctx, a, sol); err != nil {
			c.rejected, c.reason = true, domain.RejectSimulationFailed
			return c
		}
	}
	if !sol.Eligible() {
		c.rejected, c.reason = true, domain.RejectNonPositiveScore
		return c
	}
	if sol.Score.Cmp(surplusPlusFees(sol, auctionOrders)) > 0 {
		c.rejected, c.reason = true, domain.RejectTooHighScore
		return c
	}
	return c
}

// priceDeviates reports whether any clearing price in sol diverges from
// the restricted external reference set by more than maxDeviationBps.
// A single-token auction has nothing to compare against, so the check
// is vacuously satisfied (§8 boundary behavior).
func priceDeviates(clearing map[common.Address]*big.Int, ext ExternalPrices, maxDeviationBps int) bool {
	for token, price := range clearing {
		ref, ok := ext.Price(token)
		if !ok || ref == nil || ref.Sign() == 0 || price == nil {
			continue
		}
		diff := new(big.Int).Sub(price, ref)
		diff.Abs(diff)
		limit := new(big.Int).Mul(ref, big.NewInt(int64(maxDeviationBps)))
		limit.Div(limit, big.NewInt(10000))
		if diff.Cmp(limit) > 0 {
			return true
		}
	}
	return false
}

// surplusPlusFees bounds the score a solution may legitimately claim:
// the sum of every traded order's surplus over its limit price, plus
// whatever its fee policy would have charged. A full fee-policy
// evaluation belongs to the settlement observer (§4.5); here the
// bound is evaluated conservatively from the traded amounts alone.
func surplusPlusFees(sol domain.Solution, auctionOrders map[domain.OrderUid]domain.Order) *big.Int {
	total := big.NewInt(0)
	for uid, traded := range sol.Orders {
		o, ok := auctionOrders[uid]
		if !ok || traded.Executed.ExecutedBuy == nil || traded.LimitBuy == nil {
			continue
		}
		surplus := new(big.Int).Sub(traded.Executed.ExecutedBuy, traded.LimitBuy)
		if surplus.Sign() > 0 {
			total.Add(total, surplus)
		}
		_ = o
	}
	return total
}
