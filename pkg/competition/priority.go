package competition

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// lessFunc is one strategy in the lexicographic composition of §4.4's
// order-prioritization list: it reports whether a sorts strictly before
// b, or leaves the tie for the next strategy by returning false for
// both (a<b) and (b<a).
type lessFunc func(a, b prioritized) bool

type prioritized struct {
	order       domain.Order
	ownQuote    bool
	nativePrice *big.Int // buy_token native price, for ExternalPrice
}

// ownQuotes implements OwnQuotes{max_age}: orders whose saved quote's
// solver matches driver and whose creation falls within max_age sort
// first.
func ownQuotes(now time.Time, maxAge time.Duration) lessFunc {
	within := func(p prioritized) bool {
		return p.ownQuote && now.Sub(p.order.CreatedAt) <= maxAge
	}
	return func(a, b prioritized) bool {
		return within(a) && !within(b)
	}
}

// creationTimestamp implements CreationTimestamp{max_age}: among orders
// within max_age, most recently created sorts first.
func creationTimestamp(now time.Time, maxAge time.Duration) lessFunc {
	within := func(p prioritized) bool { return now.Sub(p.order.CreatedAt) <= maxAge }
	return func(a, b prioritized) bool {
		aw, bw := within(a), within(b)
		if aw != bw {
			return aw
		}
		if !aw {
			return false
		}
		return a.order.CreatedAt.After(b.order.CreatedAt)
	}
}

// externalPrice implements ExternalPrice: sorted by
// buy_token_native_price × buy_amount descending.
func externalPrice() lessFunc {
	value := func(p prioritized) *big.Int {
		if p.nativePrice == nil || p.order.BuyAmount == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Mul(p.nativePrice, p.order.BuyAmount)
	}
	return func(a, b prioritized) bool {
		return value(a).Cmp(value(b)) > 0
	}
}

func orderClassRank(k domain.OrderKind) int {
	switch k {
	case domain.KindMarket:
		return 0
	case domain.KindLimit:
		return 1
	default:
		return 2
	}
}

// orderClass implements OrderClass: market before limit before liquidity.
func orderClass() lessFunc {
	return func(a, b prioritized) bool {
		return orderClassRank(a.order.Kind) < orderClassRank(b.order.Kind)
	}
}

// composeLexicographic applies each strategy in turn, falling through
// to the next whenever the current one is indifferent between a and b.
func composeLexicographic(strategies ...lessFunc) func(a, b prioritized) bool {
	return func(a, b prioritized) bool {
		for _, less := range strategies {
			switch {
			case less(a, b):
				return true
			case less(b, a):
				return false
			}
		}
		return false
	}
}

// PrioritizeOrders applies the composed strategy list as a stable sort,
// then drops orders from the tail — based on BalanceFetcher — until the
// residual is affordable, per §4.4's order-prioritization procedure.
func PrioritizeOrders(ctx context.Context, orders []domain.Order, now time.Time, maxAge time.Duration,
	driverAddr common.Address, ownQuoteOwners map[domain.OrderUid]bool, prices map[common.Address]domain.NativePrice,
	budget int, balances BalanceFetcher) ([]domain.Order, error) {

	items := make([]prioritized, len(orders))
	for i, o := range orders {
		var nativePrice *big.Int
		if p, ok := prices[o.BuyToken]; ok {
			nativePrice = p.Value
		}
		items[i] = prioritized{order: o, ownQuote: ownQuoteOwners[o.Uid], nativePrice: nativePrice}
	}

	less := composeLexicographic(ownQuotes(now, maxAge), creationTimestamp(now, maxAge), externalPrice(), orderClass())
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })

	if budget > 0 && len(items) > budget {
		items = items[:budget]
	}

	out := make([]domain.Order, len(items))
	for i, p := range items {
		out[i] = p.order
	}

	if balances == nil {
		return out, nil
	}
	return dropUnaffordableTail(ctx, out, balances)
}

// dropUnaffordableTail walks the priority-sorted list front to back,
// accumulating each owner/token's requested sell amount; once the
// running total for any pair exceeds the owner's balance, that order
// and everything after it is dropped, per §4.4's "dropped from the
// tail until the residual is affordable".
func dropUnaffordableTail(ctx context.Context, orders []domain.Order, balances BalanceFetcher) ([]domain.Order, error) {
	type key struct {
		owner common.Address
		token common.Address
	}
	committed := make(map[key]*big.Int)
	balance := make(map[key]*big.Int)

	for i, o := range orders {
		k := key{owner: o.Owner, token: o.SellToken}
		bal, ok := balance[k]
		if !ok {
			var err error
			bal, err = balances.Balance(ctx, o.Owner, o.SellToken)
			if err != nil {
				return nil, err
			}
			balance[k] = bal
		}
		already, ok := committed[k]
		if !ok {
			already = big.NewInt(0)
		}
		need := new(big.Int).Add(already, o.SellAmount)
		if bal != nil && need.Cmp(bal) > 0 {
			return orders[:i], nil
		}
		committed[k] = need
	}
	return orders, nil
}
