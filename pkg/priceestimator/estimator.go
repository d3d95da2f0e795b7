// Package priceestimator provides native token pricing for the Auction
// Builder (C3): an open Estimator interface for pluggable price
// sources, a two-tier Fallback wrapper (§4.3.1), and a refreshing Cache
// that fronts either one with a max-age and a bounded-concurrency
// background refresh loop.
package priceestimator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
	"github.com/cowdex/autopilot/pkg/util"
)

// Estimator is the native price source collaborator. It is an open
// interface — unlike the domain's sealed unions — because price
// sources are pluggable adapters (on-chain pools, off-chain oracles,
// aggregators), not a fixed catalog.
type Estimator interface {
	Price(ctx context.Context, token common.Address) (domain.NativePrice, error)
}

// tier state for the fallback wrapper.
type tier int

const (
	tierPrimary tier = iota
	tierFallback
)

// Fallback implements §4.3.1's two-tier estimator: stays on the
// primary until it reports a protocol-internal error, then serves the
// secondary until a probe interval has elapsed, at which point both
// run concurrently and a primary success wins the tier back.
type Fallback struct {
	primary   Estimator
	secondary Estimator
	probeEvery time.Duration
	clock     util.Clock

	mu        sync.Mutex
	state     tier
	lastProbe time.Time
}

func NewFallback(primary, secondary Estimator, probeEvery time.Duration, clock util.Clock) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, probeEvery: probeEvery, clock: clock, state: tierPrimary}
}

// ErrProtocol marks a hard protocol-internal failure (malformed
// response, unreachable endpoint) that triggers a tier transition, as
// opposed to a business-level "no liquidity" answer which does not.
var ErrProtocol = errors.New("price estimator: protocol error")

func (f *Fallback) Price(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	f.mu.Lock()
	state := f.state
	lastProbe := f.lastProbe
	f.mu.Unlock()

	switch state {
	case tierPrimary:
		price, err := f.primary.Price(ctx, token)
		if err == nil {
			return price, nil
		}
		if !errors.Is(err, ErrProtocol) {
			return domain.NativePrice{}, err
		}
		f.mu.Lock()
		f.state = tierFallback
		f.lastProbe = f.clock.Now()
		f.mu.Unlock()
		return f.secondary.Price(ctx, token)

	default: // tierFallback
		if f.clock.Now().Before(lastProbe.Add(f.probeEvery)) {
			return f.secondary.Price(ctx, token)
		}
		return f.probe(ctx, token)
	}
}

// probe runs primary and secondary concurrently once the probe
// interval has elapsed: a primary success returns the wrapper to
// Primary; a second primary failure just advances last_probe and the
// secondary's result still serves the caller.
func (f *Fallback) probe(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	var primaryPrice domain.NativePrice
	var primaryErr error
	var secondaryPrice domain.NativePrice
	var secondaryErr error

	var g errgroup.Group
	g.Go(func() error {
		primaryPrice, primaryErr = f.primary.Price(ctx, token)
		return nil
	})
	g.Go(func() error {
		secondaryPrice, secondaryErr = f.secondary.Price(ctx, token)
		return nil
	})
	_ = g.Wait()

	f.mu.Lock()
	f.lastProbe = f.clock.Now()
	if primaryErr == nil {
		f.state = tierPrimary
	}
	f.mu.Unlock()

	if primaryErr == nil {
		return primaryPrice, nil
	}
	return secondaryPrice, secondaryErr
}
