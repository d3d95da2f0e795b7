package auction

import (
	"context"

	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/rpc"
)

// Run triggers Build on each new-block signal or every tick_interval,
// whichever comes first (§4.3 Trigger), forwarding each produced
// auction to onAuction.
func (b *Builder) Run(ctx context.Context, heads <-chan rpc.Head, tickInterval func() <-chan struct{}, onAuction func(domain.Auction)) {
	ticks := tickInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-heads:
			if !ok {
				return
			}
			b.buildAndEmit(ctx, onAuction)
		case _, ok := <-ticks:
			if !ok {
				return
			}
			b.buildAndEmit(ctx, onAuction)
		}
	}
}

func (b *Builder) buildAndEmit(ctx context.Context, onAuction func(domain.Auction)) {
	start := b.clock.Now()
	a, err := b.Build(ctx)
	if err != nil {
		b.log.Error("auction: build failed", zap.Error(err))
		return
	}
	if b.onBuilt != nil {
		b.onBuilt(b.clock.Now().Sub(start))
	}
	onAuction(a)
}
