package competition

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// Simulator checks a candidate solution's access list and gas estimate
// before it is allowed to win, per §4.4 Phase B. Like the native-price
// Estimator, this is an open interface: simulation backends (local EVM,
// a forked-node RPC, a third-party API) are pluggable.
type Simulator interface {
	Simulate(ctx context.Context, a domain.Auction, s domain.Solution) error
}

// ExternalPrices supplies the restricted reference price set Phase B
// checks clearing prices against.
type ExternalPrices interface {
	Price(token common.Address) (*big.Int, bool)
}

// SubmissionStrategy drives a winning solution's settlement transaction
// on-chain (mempool broadcast, private relay, or both), per §4.4 Phase D.
type SubmissionStrategy interface {
	Submit(ctx context.Context, calldata []byte, gasPriceMin, gasPriceMax *big.Int, deadlineBlock uint64) SubmitOutcome
}

type SubmitOutcome struct {
	TxHash common.Hash
	Failed bool
	Reason string
}

// BalanceFetcher reports how much of sellToken owner can cover, for the
// order-prioritization tail-drop in §4.4.
type BalanceFetcher interface {
	Balance(ctx context.Context, owner, token common.Address) (*big.Int, error)
}
