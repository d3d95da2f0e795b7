package competition

import (
	"context"
	"fmt"
	"math/big"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
)

// finalize runs Phase D over the rank-1 winner: reveal, then settle via
// the pluggable submission strategy. A nil SubmissionStrategy falls
// back to asking the driver's own /settle endpoint, which is itself one
// valid strategy implementation (mempool broadcast through the driver).
func (r *Runner) finalize(ctx context.Context, a domain.Auction, w ranked, drivers map[string]Driver) (domain.Winner, settleOutcome, error) {
	d, ok := drivers[w.driver]
	if !ok {
		return domain.Winner{}, settleOutcome{}, errkind.NewDataInconsistency("finalize: unknown driver %q", w.driver)
	}

	auctionID := fmt.Sprintf("%d", a.Id)
	revealed, err := r.driverClient.Reveal(ctx, d, auctionID, w.solution.SolutionId)
	if err != nil {
		return domain.Winner{}, settleOutcome{}, errkind.NewTransient("reveal from %s: %w", d.Name, err)
	}

	var outcome settleOutcome
	if r.submission != nil {
		o := r.submission.Submit(ctx, revealed.Calldata, big.NewInt(0), nil, 0)
		outcome.Reason = o.Reason
		if !o.Failed {
			h := [32]byte(o.TxHash)
			outcome.TxHash = &h
		}
	} else {
		outcome, err = r.driverClient.Settle(ctx, d, auctionID, w.solution.SolutionId)
		if err != nil {
			return domain.Winner{}, settleOutcome{}, errkind.NewTransient("settle via %s: %w", d.Name, err)
		}
	}

	return domain.Winner{Driver: w.driver, SolutionId: w.solution.SolutionId}, outcome, nil
}
