package competition

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/cowdex/autopilot/pkg/domain"
)

// driverSolutions pairs one driver's returned solutions (or the error
// that excluded it) for Phase B.
type driverSolutions struct {
	driver    Driver
	solutions []domain.Solution
	err       error
}

// dispatch runs Phase A: every driver first gets the auction's orders
// run through order prioritization (§4.4) — own quotes, then most
// recent, then highest native value, then order class, capped to the
// driver's budget and tail-dropped to what its owners can afford —
// then its own request is serialized and the call made concurrently
// with every other driver, each with its own deadline derived from the
// auction deadline minus the safety buffer.
func (r *Runner) dispatch(ctx context.Context, a domain.Auction, drivers []Driver, safetyBuffer time.Duration) ([]driverSolutions, error) {
	callDeadline := a.Deadline.Add(-safetyBuffer)
	results := make([]driverSolutions, len(drivers))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range drivers {
		i, d := i, d
		g.Go(func() error {
			// ownQuoteOwners is left empty: no store query yet maps a
			// driver back to the orders whose saved quote it produced,
			// so OwnQuotes never fires and prioritization falls through
			// to CreationTimestamp/ExternalPrice/OrderClass.
			orders, err := PrioritizeOrders(gctx, a.Orders, time.Now(), r.cfg.PriorityMaxAge,
				common.HexToAddress(d.SubmissionAddr), nil, a.Prices, r.cfg.MaxOrdersPerDriver, r.balances)
			if err != nil {
				results[i] = driverSolutions{driver: d, err: err}
				return nil
			}

			driverAuction := a
			driverAuction.Orders = orders
			req, err := prepareRequest(driverAuction)
			if err != nil {
				results[i] = driverSolutions{driver: d, err: err}
				return nil
			}

			callCtx, cancel := context.WithDeadline(gctx, callDeadline)
			defer cancel()

			start := time.Now()
			sols, err := r.driverClient.Solve(callCtx, d, req)
			if r.onDriverLatency != nil {
				r.onDriverLatency(d.Name, time.Since(start))
			}
			if err != nil {
				results[i] = driverSolutions{driver: d, err: err}
				return nil // a failing driver is excluded, not fatal to the round
			}
			results[i] = driverSolutions{driver: d, solutions: sols}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
