package priceestimator

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
)

// ErrNoFeed is a business-level "no liquidity"/no-feed answer: unlike
// ErrProtocol, it must not flip the Fallback wrapper to its secondary
// tier, since the token is simply untracked rather than the feed being
// unreachable.
var ErrNoFeed = errors.New("priceestimator: no feed registered for token")

// ContractCaller is the narrow go-ethereum surface an on-chain read
// needs — satisfied directly by *ethclient.Client, so OnChain never
// has to depend on rpc.EthRpc's wider transaction/log surface.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// aggregatorABI is a Chainlink AggregatorV3Interface, the feed every
// OnChain address in Feeds is expected to implement.
var aggregatorABI abi.ABI

func init() {
	var err error
	aggregatorABI, err = abi.JSON(strings.NewReader(`[{
		"name": "latestRoundData",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		]
	}]`))
	if err != nil {
		panic("priceestimator: invalid aggregator abi: " + err.Error())
	}
}

// OnChain reads a token's native price from a Chainlink-style feed
// registered per token. It is the Fallback's primary tier: cheap,
// deterministic, and only as fresh as the feed's own update cadence.
type OnChain struct {
	caller ContractCaller
	feeds  map[common.Address]common.Address
}

func NewOnChain(caller ContractCaller, feeds map[common.Address]common.Address) *OnChain {
	return &OnChain{caller: caller, feeds: feeds}
}

func (o *OnChain) Price(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	feed, ok := o.feeds[token]
	if !ok {
		return domain.NativePrice{}, ErrNoFeed
	}

	data, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return domain.NativePrice{}, ErrProtocol
	}

	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return domain.NativePrice{}, errkind.NewTransient("call feed %s for %s: %w: %w", feed, token, ErrProtocol, err)
	}

	vals, err := aggregatorABI.Unpack("latestRoundData", out)
	if err != nil || len(vals) < 2 {
		return domain.NativePrice{}, ErrProtocol
	}
	answer, ok := vals[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return domain.NativePrice{}, ErrProtocol
	}

	return domain.NativePrice{Value: answer}, nil
}
