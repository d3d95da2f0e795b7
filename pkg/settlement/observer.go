package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
	"github.com/cowdex/autopilot/pkg/rpc"
	"github.com/cowdex/autopilot/pkg/store"
)

// ReorgSafeBlocks is how far behind the chain head an observer trusts
// a block not to be reorged away, mirroring the indexer's own
// MaxReorgBlockCount treatment of finality.
const ReorgSafeBlocks = 12

// Config bundles an observer run's tunables.
type Config struct {
	ReorgSafeBlocks uint64
	PollInterval    time.Duration
	Haircuts        HaircutBps
}

// Observer runs §4.5's poll procedure: it links settlement events back
// to the auction that produced them and records surplus and fees.
type Observer struct {
	rpc     rpc.EthRpc
	store   store.Store
	decoder SettlementDecoder
	cfg     Config
	log     *zap.Logger

	onObservation  func(domain.SettlementObservation)
	onDecodeFailed func()
}

func New(client rpc.EthRpc, st store.Store, decoder SettlementDecoder, cfg Config, log *zap.Logger) *Observer {
	if cfg.ReorgSafeBlocks == 0 {
		cfg.ReorgSafeBlocks = ReorgSafeBlocks
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Observer{rpc: client, store: st, decoder: decoder, cfg: cfg, log: log}
}

// OnObservation registers a collaborator invoked after each settlement
// observation is persisted, for telemetry counters/histograms.
func (o *Observer) OnObservation(f func(domain.SettlementObservation)) { o.onObservation = f }

// OnDecodeFailed registers a collaborator invoked whenever a
// settlement's calldata fails to decode.
func (o *Observer) OnDecodeFailed(f func()) { o.onDecodeFailed = f }

// Run polls until ctx is cancelled, processing one unresolved event per
// tick so a slow RPC node never stalls the whole backlog behind one
// retry budget.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.tick(ctx); err != nil {
				o.log.Error("settlement observer: tick failed", zap.Error(err))
			}
		}
	}
}

func (o *Observer) tick(ctx context.Context) error {
	head, err := o.currentHead(ctx)
	if err != nil {
		return err
	}
	safeBlock := uint64(0)
	if head > o.cfg.ReorgSafeBlocks {
		safeBlock = head - o.cfg.ReorgSafeBlocks
	}

	event, ok, err := o.store.NextUnresolvedSettlementEvent(ctx, safeBlock)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return o.processWithRetry(ctx, event)
}

func (o *Observer) currentHead(ctx context.Context) (uint64, error) {
	h, err := o.rpc.BlockByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return h.Number.Uint64(), nil
}

// processWithRetry retries transient RPC/store failures with backoff,
// matching the indexer's own retry shape; permanent failures (bad
// calldata, missing auction link) are handled inline by process and
// never reach here as errors.
func (o *Observer) processWithRetry(ctx context.Context, event domain.SettlementEvent) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := o.process(ctx, event)
		if err == nil {
			return nil
		}
		var transient *errkind.Transient
		if errors.As(err, &transient) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// process runs steps 1-8 of §4.5 for a single settlement event.
func (o *Observer) process(ctx context.Context, event domain.SettlementEvent) error {
	// Step 1-2: resolve the submitting tx's (from, nonce).
	tx, pending, err := o.rpc.TransactionByHash(ctx, event.TxHash)
	if err != nil {
		return err
	}
	if pending || tx == nil {
		// Not yet available; leave unresolved, retry next tick.
		return nil
	}
	from, err := txSender(tx)
	if err != nil {
		return errkind.NewDataInconsistency("settlement observer: recover sender for %s: %w", event.TxHash, err)
	}
	if err := o.store.ResolveSettlementTx(ctx, event.BlockLogKey, from, tx.Nonce()); err != nil {
		return err
	}

	// Step 3: look up the auction this tx settled.
	key := domain.AuctionTransactionKey{SolverAddress: from, Nonce: tx.Nonce()}
	auctionID, err := o.store.AuctionIDForTransaction(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn("settlement observer: no auction linked to settlement tx",
			zap.String("tx", event.TxHash.Hex()), zap.String("solver", from.Hex()), zap.Uint64("nonce", tx.Nonce()))
		return nil
	}
	if err != nil {
		return err
	}

	// Step 4: receipt for gas accounting.
	receipt, err := o.rpc.TransactionReceipt(ctx, event.TxHash)
	if err != nil {
		return err
	}

	// Step 5: decode calldata.
	decoded, err := o.decoder.Decode(ctx, tx.Data())
	if err != nil {
		if markErr := o.store.MarkDecodeFailed(ctx, event.BlockLogKey); markErr != nil {
			return markErr
		}
		o.log.Error("settlement observer: decode failed, event marked DecodeFailed",
			zap.String("tx", event.TxHash.Hex()), zap.Error(err))
		if o.onDecodeFailed != nil {
			o.onDecodeFailed()
		}
		return nil
	}
	decoded = foldHaircuts(decoded, o.cfg.Haircuts[driverNameForSolver(from)])

	// Step 6: surplus/fee against the auction's stored prices.
	auction, err := o.store.Auction(ctx, auctionID)
	if err != nil {
		return err
	}
	prices, err := o.store.AuctionPrices(ctx, auctionID)
	if err != nil {
		return err
	}
	orders := make(map[domain.OrderUid]domain.Order, len(auction.Orders))
	for _, ord := range auction.Orders {
		orders[ord.Uid] = ord
	}
	trades := ComputeSurplus(decoded, orders, prices)

	totalSurplus := big.NewInt(0)
	totalFee := big.NewInt(0)
	for _, t := range trades {
		totalSurplus.Add(totalSurplus, t.Surplus)
		totalFee.Add(totalFee, t.Fee)
	}

	// Step 7: persist the observation.
	obs := domain.SettlementObservation{
		BlockLogKey:       event.BlockLogKey,
		AuctionId:         auctionID,
		GasUsed:           new(big.Int).SetUint64(receipt.GasUsed),
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		Surplus:           totalSurplus,
		Fee:               totalFee,
	}
	if err := o.store.InsertSettlementObservation(ctx, obs); err != nil {
		return err
	}
	if o.onObservation != nil {
		o.onObservation(obs)
	}

	// Step 8: drop auction_prices for tokens not used in this tx.
	return o.store.ReduceAuctionPrices(ctx, auctionID, decoded.Tokens)
}

// driverNameForSolver has no durable mapping in the store today; an
// empty driver name falls back to HaircutBps's zero-value (no
// adjustment), which is correct for any solver without a configured
// haircut.
func driverNameForSolver(from common.Address) string { return "" }

// txSender recovers the submitting address from a signed transaction
// without needing a live chain connection for signature verification.
func txSender(tx *types.Transaction) (common.Address, error) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	return types.Sender(signer, tx)
}
