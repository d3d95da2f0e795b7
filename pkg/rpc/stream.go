package rpc

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cowdex/autopilot/pkg/util"
)

// Head is one new chain head notification, per §4.1's "{number, hash,
// parent_hash}".
type Head struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

// CurrentBlockStream publishes Head on every observed new block.
// Polling rather than a websocket subscription, since the autopilot's
// only hard requirement is "eventually observe new heads", and polling
// works uniformly whether the configured node URL is ws:// or http://.
type CurrentBlockStream struct {
	rpc   EthRpc
	clock util.Clock
	poll  time.Duration
}

func NewCurrentBlockStream(rpc EthRpc, clock util.Clock, poll time.Duration) *CurrentBlockStream {
	return &CurrentBlockStream{rpc: rpc, clock: clock, poll: poll}
}

// Run polls for new heads until ctx is cancelled, sending each one on
// the returned channel. The channel is closed when Run returns.
func (s *CurrentBlockStream) Run(ctx context.Context) <-chan Head {
	out := make(chan Head)
	go func() {
		defer close(out)
		var lastNumber uint64
		var haveLast bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.poll):
			}

			header, err := s.rpc.BlockByNumber(ctx, nil)
			if err != nil {
				continue
			}
			number := header.Number.Uint64()
			if haveLast && number <= lastNumber {
				continue
			}
			haveLast = true
			lastNumber = number

			head := Head{Number: number, Hash: header.Hash(), ParentHash: header.ParentHash}
			select {
			case out <- head:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// HeaderByNumber is a convenience that fetches the header of a
// specific historical block.
func HeaderByNumber(ctx context.Context, rpc EthRpc, number uint64) (*types.Header, error) {
	return rpc.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}
