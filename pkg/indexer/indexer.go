// Package indexer implements the Chain Indexer (C1): it follows chain
// head progression and turns it into durable state — settlement
// events and transfer-driven order cancellations — handling reorgs by
// walking back to a common ancestor. Presignature, on-chain order
// placement and order invalidation logs are not read by this package.
package indexer

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
	"github.com/cowdex/autopilot/pkg/rpc"
	"github.com/cowdex/autopilot/pkg/store"
)

// transferSig is keccak("Transfer(address,address,uint256)").
var transferSig = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// settlementSig is keccak("Settlement(address)"), the GPv2Settlement
// contract's event topic, emitted once per settle transaction.
var settlementSig = gethcrypto.Keccak256Hash([]byte("Settlement(address)"))

const settlementsCategory = "settlements"

// Config carries the addresses and constants an indexer run needs.
type Config struct {
	SettlementContract common.Address
	VaultRelayer       common.Address
	MaxReorgBlockCount uint64
	ConsecutiveErrorAlert int
}

// ignored reports whether an address is exempt from the transfer-scan
// cancellation rule — the settlement contract and vault relayer move
// tokens on behalf of users constantly and are never "the user
// disposing of their balance", per §4.1 step 3.
func (c Config) ignored(addr common.Address) bool {
	return addr == c.SettlementContract || addr == c.VaultRelayer
}

// Indexer runs the per-block procedure of §4.1 against a node and a
// store, reporting consecutive-error counts through onConsecutiveErrors.
type Indexer struct {
	rpc   rpc.EthRpc
	store store.Store
	cfg   Config
	log   *zap.Logger

	onConsecutiveErrors func(count int)
	onBlockProcessed    func()
	onReorg             func()
}

func New(client rpc.EthRpc, st store.Store, cfg Config, log *zap.Logger) *Indexer {
	return &Indexer{rpc: client, store: st, cfg: cfg, log: log}
}

// OnConsecutiveErrors registers the telemetry collaborator invoked
// whenever a run of RPC failures crosses the configured alert
// threshold. Never fatal, per §4.1's failure semantics.
func (ix *Indexer) OnConsecutiveErrors(f func(count int)) { ix.onConsecutiveErrors = f }

// OnBlockProcessed registers a collaborator invoked after each head is
// processed successfully, for telemetry counters.
func (ix *Indexer) OnBlockProcessed(f func()) { ix.onBlockProcessed = f }

// OnReorg registers a collaborator invoked whenever a reorg is
// detected and walked back, for telemetry counters.
func (ix *Indexer) OnReorg(f func()) { ix.onReorg = f }

// Run processes heads from the stream until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context, heads <-chan rpc.Head) {
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case head, ok := <-heads:
			if !ok {
				return
			}
			if err := ix.processHeadWithRetry(ctx, head); err != nil {
				consecutive++
				ix.log.Error("indexer: processing head failed after retries", zap.Uint64("block", head.Number), zap.Error(err))
				if ix.cfg.ConsecutiveErrorAlert > 0 && consecutive >= ix.cfg.ConsecutiveErrorAlert && ix.onConsecutiveErrors != nil {
					ix.onConsecutiveErrors(consecutive)
				}
				continue
			}
			consecutive = 0
		}
	}
}

func (ix *Indexer) processHeadWithRetry(ctx context.Context, head rpc.Head) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := ix.ProcessHead(ctx, head)
		if err == nil {
			return nil
		}
		var transient *errkind.Transient
		if errors.As(err, &transient) {
			return err // retry
		}
		return backoff.Permanent(err)
	}, policy)
}

// headCategory tracks chain-continuity bookkeeping (last observed head
// number/hash, for reorg detection), distinct from settlementsCategory
// which tracks how far event indexing has progressed.
const headCategory = "head"

// ProcessHead runs the per-block procedure for one new head: reorg
// detection, settlement-event indexing up to the reorg-safe boundary,
// and the transfer-cancellation scan of the new block itself.
func (ix *Indexer) ProcessHead(ctx context.Context, head rpc.Head) error {
	lastHeadNumber, lastHeadHash, haveHead, err := ix.store.LastIndexedBlock(ctx, headCategory)
	if err != nil {
		return err
	}

	if haveHead && head.Number == lastHeadNumber+1 && head.ParentHash != lastHeadHash {
		ancestor := ix.findCommonAncestor(lastHeadNumber)
		if err := ix.store.DeleteEventsAfter(ctx, settlementsCategory, ancestor); err != nil {
			return err
		}
		if err := ix.store.SetIndexedBlock(ctx, settlementsCategory, ancestor, common.Hash{}); err != nil {
			return err
		}
		ix.log.Warn("indexer: reorg detected, walked back",
			zap.Uint64("to_block", ancestor), zap.Uint64("observed_head", head.Number))
		if ix.onReorg != nil {
			ix.onReorg()
		}
	}

	reorgSafe := uint64(0)
	if head.Number > ix.cfg.MaxReorgBlockCount {
		reorgSafe = head.Number - ix.cfg.MaxReorgBlockCount
	}

	lastIndexed, _, haveIndexed, err := ix.store.LastIndexedBlock(ctx, settlementsCategory)
	if err != nil {
		return err
	}
	start := lastIndexed + 1
	if !haveIndexed {
		start = reorgSafe
	}
	for b := start; b <= reorgSafe; b++ {
		if err := ix.indexSettlementEvents(ctx, b); err != nil {
			return err
		}
		if err := ix.store.SetIndexedBlock(ctx, settlementsCategory, b, common.Hash{}); err != nil {
			return err
		}
	}

	if err := ix.scanTransfers(ctx, head.Number); err != nil {
		return err
	}

	if err := ix.store.SetIndexedBlock(ctx, headCategory, head.Number, head.Hash); err != nil {
		return err
	}
	if ix.onBlockProcessed != nil {
		ix.onBlockProcessed()
	}
	return nil
}

// findCommonAncestor assumes a single step back is sufficient for the
// common case of shallow reorgs; a reorg deeper than one block is
// caught on the next head, since the parent hash will still mismatch
// the (still stale) stored head and this walks back one block again.
func (ix *Indexer) findCommonAncestor(from uint64) uint64 {
	if from == 0 {
		return 0
	}
	return from - 1
}

func (ix *Indexer) indexSettlementEvents(ctx context.Context, block uint64) error {
	logs, err := ix.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: blockBig(block),
		ToBlock:   blockBig(block),
		Addresses: []common.Address{ix.cfg.SettlementContract},
		Topics:    [][]common.Hash{{settlementSig}},
	})
	if err != nil {
		return err
	}
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		ev := domain.SettlementEvent{
			BlockLogKey:   domain.BlockLogKey{BlockNumber: l.BlockNumber, LogIndex: l.Index},
			SolverAddress: common.BytesToAddress(l.Topics[1].Bytes()),
			TxHash:        l.TxHash,
		}
		if err := ix.store.InsertSettlementEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// scanTransfers implements §4.1 step 3: fetch all receipts for the
// block, extract ERC20 Transfer logs, drop ignored-set transfers, and
// hand the remaining (owner, token) pairs to the store's single
// cancellation transaction.
func (ix *Indexer) scanTransfers(ctx context.Context, block uint64) error {
	receipts, err := ix.rpc.BlockReceipts(ctx, block)
	if err != nil {
		return err
	}

	var edges []store.TransferEdge
	for _, r := range receipts {
		for _, l := range r.Logs {
			if len(l.Topics) != 3 || l.Topics[0] != transferSig {
				continue
			}
			from := common.BytesToAddress(l.Topics[1].Bytes())
			to := common.BytesToAddress(l.Topics[2].Bytes())
			if ix.cfg.ignored(from) || ix.cfg.ignored(to) {
				continue
			}
			edges = append(edges, store.TransferEdge{From: from, To: to, Token: l.Address})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	_, err = ix.store.CancelByTransfers(ctx, block, edges, time.Now())
	return err
}

func blockBig(n uint64) *big.Int { return new(big.Int).SetUint64(n) }
