// Package auction implements the Auction Builder (C3): it snapshots
// live orders, enriches them with native prices and token metadata,
// and persists an immutable Auction for the Competition Runner.
package auction

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
	"github.com/cowdex/autopilot/pkg/priceestimator"
	"github.com/cowdex/autopilot/pkg/store"
	"github.com/cowdex/autopilot/pkg/util"
)

// TokenMetadata supplies the non-price facts §4.3 step 3 assembles per
// token: decimals, symbol, and the protocol's static trust list.
type TokenMetadata interface {
	Decimals(ctx context.Context, token common.Address) (*uint8, error)
	Symbol(ctx context.Context, token common.Address) (*string, error)
	AvailableBalance(ctx context.Context, token common.Address, owners []common.Address) (*big.Int, error)
	StaticallyTrusted(token common.Address) bool
}

// GovernanceTrust reports tokens flagged as trusted by governance,
// unioned with the static trust list per §4.3 step 3.
type GovernanceTrust interface {
	Trusted(token common.Address) bool
}

// Builder runs the C3 procedure on a timer or new-block trigger.
type Builder struct {
	store     store.Store
	estimator priceestimator.Estimator
	meta      TokenMetadata
	gov       GovernanceTrust
	clock     util.Clock
	log       *zap.Logger

	totalDeadline time.Duration
	priceBudget   time.Duration

	onBuilt     func(time.Duration)
	trackToken  func(common.Address)
}

// OnBuilt registers a collaborator invoked with the wall-clock time a
// successful Build took, for telemetry histograms. Only Run's
// trigger-driven builds report latency; a direct Build call is left to
// the caller to time.
func (b *Builder) OnBuilt(f func(time.Duration)) { b.onBuilt = f }

// TrackTokens registers a collaborator invoked once per unique token
// discovered in a round, before pricing — wired to the native-price
// cache's Track so its background refresh timer picks up every token
// the builder cares about, not only tokens some earlier Price call
// happened to request.
func (b *Builder) TrackTokens(f func(common.Address)) { b.trackToken = f }

func New(st store.Store, estimator priceestimator.Estimator, meta TokenMetadata, gov GovernanceTrust,
	clock util.Clock, totalDeadline, priceBudget time.Duration, log *zap.Logger) *Builder {
	return &Builder{
		store: st, estimator: estimator, meta: meta, gov: gov, clock: clock,
		totalDeadline: totalDeadline, priceBudget: priceBudget, log: log,
	}
}

// Build runs the full C3 procedure once and returns the persisted
// auction.
func (b *Builder) Build(ctx context.Context) (domain.Auction, error) {
	now := b.clock.Now()
	orders, err := b.store.LiveOrders(ctx, now)
	if err != nil {
		return domain.Auction{}, err
	}

	tokens := uniqueTokens(orders)
	if b.trackToken != nil {
		for _, token := range tokens {
			b.trackToken(token)
		}
	}

	priceCtx, cancel := context.WithTimeout(ctx, b.priceBudget)
	defer cancel()

	// Every token's price is fetched concurrently rather than one at a
	// time: with a buffered RPC transport in front of the estimator's
	// on-chain tier, these concurrent eth_call reads coalesce into a
	// handful of eth_batch round trips instead of one per token.
	type priceResult struct {
		price domain.NativePrice
		err   error
	}
	priceResults := make([]priceResult, len(tokens))
	pg, pgctx := errgroup.WithContext(priceCtx)
	for i, token := range tokens {
		i, token := i, token
		pg.Go(func() error {
			price, err := b.estimator.Price(pgctx, token)
			priceResults[i] = priceResult{price: price, err: err}
			return nil // a single token's failure never aborts the round
		})
	}
	_ = pg.Wait()

	prices := make(map[common.Address]domain.NativePrice, len(tokens))
	priceable := make(map[common.Address]bool, len(tokens))
	for i, token := range tokens {
		r := priceResults[i]
		if r.err != nil {
			b.log.Warn("auction: dropping token, no native price within budget", zap.String("token", token.Hex()), zap.Error(r.err))
			continue
		}
		prices[token] = r.price
		priceable[token] = true
	}

	orders = dropOrdersMissingPrice(orders, priceable)

	priceableTokens := make([]common.Address, 0, len(priceable))
	for token := range priceable {
		priceableTokens = append(priceableTokens, token)
	}

	infoResults := make([]domain.TokenInfo, len(priceableTokens))
	ig, igctx := errgroup.WithContext(ctx)
	for i, token := range priceableTokens {
		i, token := i, token
		ig.Go(func() error {
			info, err := b.assembleTokenInfo(igctx, token, prices[token], orders)
			if err != nil {
				return err
			}
			infoResults[i] = info
			return nil
		})
	}
	if err := ig.Wait(); err != nil {
		return domain.Auction{}, err
	}

	tokenInfo := make(map[common.Address]domain.TokenInfo, len(priceableTokens))
	for i, token := range priceableTokens {
		tokenInfo[token] = infoResults[i]
	}

	id, err := b.store.NextAuctionId(ctx)
	if err != nil {
		return domain.Auction{}, err
	}

	a := domain.Auction{
		Id:         id,
		Orders:     orders,
		Prices:     prices,
		Tokens:     tokenInfo,
		Deadline:   now.Add(b.totalDeadline),
		CreatedAt:  now,
	}
	if err := b.store.InsertAuction(ctx, a); err != nil {
		return domain.Auction{}, errkind.NewFatal("persist auction %d: %w", id, err)
	}
	return a, nil
}

func (b *Builder) assembleTokenInfo(ctx context.Context, token common.Address, price domain.NativePrice, orders []domain.Order) (domain.TokenInfo, error) {
	decimals, err := b.meta.Decimals(ctx, token)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	symbol, err := b.meta.Symbol(ctx, token)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	owners := ownersTrading(token, orders)
	balance, err := b.meta.AvailableBalance(ctx, token, owners)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	trusted := b.meta.StaticallyTrusted(token) || (b.gov != nil && b.gov.Trusted(token))
	p := price
	return domain.TokenInfo{
		Decimals:         decimals,
		Symbol:           symbol,
		ReferencePrice:   &p,
		AvailableBalance: balance,
		Trusted:          trusted,
	}, nil
}

func uniqueTokens(orders []domain.Order) []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, o := range orders {
		for _, t := range [2]common.Address{o.SellToken, o.BuyToken} {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func ownersTrading(token common.Address, orders []domain.Order) []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, o := range orders {
		if o.SellToken != token && o.BuyToken != token {
			continue
		}
		if !seen[o.Owner] {
			seen[o.Owner] = true
			out = append(out, o.Owner)
		}
	}
	return out
}

// dropOrdersMissingPrice removes any order that needs a token for
// which no native price was obtained within budget, per §4.3 step 2.
func dropOrdersMissingPrice(orders []domain.Order, priceable map[common.Address]bool) []domain.Order {
	out := orders[:0:0]
	for _, o := range orders {
		if priceable[o.SellToken] && priceable[o.BuyToken] {
			out = append(out, o)
		}
	}
	return out
}
