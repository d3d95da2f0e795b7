package auction

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/errkind"
)

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{"name": "decimals", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint8"}]},
		{"name": "symbol", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "string"}]},
		{"name": "balanceOf", "type": "function", "stateMutability": "view", "inputs": [{"name": "owner", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]}
	]`))
	if err != nil {
		panic("auction: invalid erc20 abi: " + err.Error())
	}
}

// ERC20Metadata implements TokenMetadata against live ERC20 contracts,
// consulting a static allowlist for StaticallyTrusted and falling back
// to on-chain calls for decimals/symbol/balance. Contract calls that
// revert (non-standard tokens missing symbol/decimals) degrade to a
// nil field rather than failing the whole auction build.
type ERC20Metadata struct {
	caller  ethereum.ContractCaller
	trusted map[common.Address]bool
}

func NewERC20Metadata(caller ethereum.ContractCaller, trusted []common.Address) *ERC20Metadata {
	set := make(map[common.Address]bool, len(trusted))
	for _, t := range trusted {
		set[t] = true
	}
	return &ERC20Metadata{caller: caller, trusted: set}
}

func (m *ERC20Metadata) StaticallyTrusted(token common.Address) bool {
	return m.trusted[token]
}

func (m *ERC20Metadata) Decimals(ctx context.Context, token common.Address) (*uint8, error) {
	out, err := m.call(ctx, token, "decimals")
	if err != nil {
		return nil, nil
	}
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil || len(vals) != 1 {
		return nil, nil
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *ERC20Metadata) Symbol(ctx context.Context, token common.Address) (*string, error) {
	out, err := m.call(ctx, token, "symbol")
	if err != nil {
		return nil, nil
	}
	vals, err := erc20ABI.Unpack("symbol", out)
	if err != nil || len(vals) != 1 {
		return nil, nil
	}
	s, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *ERC20Metadata) AvailableBalance(ctx context.Context, token common.Address, owners []common.Address) (*big.Int, error) {
	total := new(big.Int)
	for _, owner := range owners {
		data, err := erc20ABI.Pack("balanceOf", owner)
		if err != nil {
			return nil, errkind.NewDataInconsistency("pack balanceOf(%s): %w", owner, err)
		}
		out, err := m.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return nil, errkind.NewTransient("balanceOf(%s, %s): %w", token, owner, err)
		}
		vals, err := erc20ABI.Unpack("balanceOf", out)
		if err != nil || len(vals) != 1 {
			continue
		}
		bal, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		total.Add(total, bal)
	}
	return total, nil
}

// Balance reads a single owner's balanceOf(token), satisfying
// competition.BalanceFetcher for the order-prioritization tail-drop in
// §4.4. Unlike AvailableBalance, it never sums across multiple owners
// and returns an error for an undecodable result instead of skipping
// it; any error fails prioritization for the driver being dispatched
// to rather than admitting the order.
func (m *ERC20Metadata) Balance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, errkind.NewDataInconsistency("pack balanceOf(%s): %w", owner, err)
	}
	out, err := m.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errkind.NewTransient("balanceOf(%s, %s): %w", token, owner, err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return nil, errkind.NewDataInconsistency("unpack balanceOf(%s, %s)", token, owner)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errkind.NewDataInconsistency("balanceOf(%s, %s): unexpected type", token, owner)
	}
	return bal, nil
}

func (m *ERC20Metadata) call(ctx context.Context, token common.Address, method string) ([]byte, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	return m.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
}

// StaticGovernance is a GovernanceTrust backed by a fixed set loaded at
// startup (§4.3 step 3 does not specify a live governance feed, only
// that the union of static and governance trust applies).
type StaticGovernance struct {
	trusted map[common.Address]bool
}

func NewStaticGovernance(tokens []common.Address) *StaticGovernance {
	set := make(map[common.Address]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return &StaticGovernance{trusted: set}
}

func (g *StaticGovernance) Trusted(token common.Address) bool {
	return g.trusted[token]
}
