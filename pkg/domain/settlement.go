package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BlockLogKey is the (block_number, log_index) pair that totally
// orders every event stream in the system (§3, §5).
type BlockLogKey struct {
	BlockNumber uint64
	LogIndex    uint
}

// Less implements the strict lexicographic ordering the spec requires
// between any two events.
func (k BlockLogKey) Less(o BlockLogKey) bool {
	if k.BlockNumber != o.BlockNumber {
		return k.BlockNumber < o.BlockNumber
	}
	return k.LogIndex < o.LogIndex
}

// SettlementEvent is the on-chain row observed by the indexer: a
// GPv2Settlement `Settlement` log, enriched later with the submitting
// tx's (from, nonce) once C5 resolves it.
type SettlementEvent struct {
	BlockLogKey
	SolverAddress common.Address
	TxHash        common.Hash

	TxFrom *common.Address
	TxNonce *uint64

	Resolved    bool
	DecodeFailed bool
}

// SettlementObservation is the economics recorded once C5 decodes a
// settlement's calldata against the auction's stored prices.
type SettlementObservation struct {
	BlockLogKey
	AuctionId          int64
	GasUsed            *big.Int
	EffectiveGasPrice  *big.Int
	Surplus            *big.Int
	Fee                *big.Int
}

// TransferCancellation is a reconstruction of §3's rule: any ERC20
// Transfer whose `from` is an order owner and whose token is that
// order's sell-token cancels every live order of theirs on that token.
type TransferCancellation struct {
	Owner common.Address
	Token common.Address
	Block uint64
}

// AuctionTransactionKey links a settlement's submitter identity to the
// auction id it settled, keyed by the pair that is that identity's
// common on-chain identity: (solver_address, nonce).
type AuctionTransactionKey struct {
	SolverAddress common.Address
	Nonce         uint64
}
