package rpc

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/cowdex/autopilot/pkg/errkind"
)

// call is one pending request queued into a Buffered transport.
type call struct {
	method string
	args   []any
	result any
	done   chan error
}

// Buffered coalesces many independent JSON-RPC calls issued by
// concurrent goroutines (e.g. per-token native-price lookups during
// auction building) into a bounded number of eth_batch requests,
// trading a small fixed delay for fewer round trips to the node.
type Buffered struct {
	raw *gethrpc.Client

	maxBatch int
	delay    time.Duration

	mu      sync.Mutex
	pending []*call
	timer   *time.Timer
}

// NewBuffered wraps a raw rpc.Client. maxBatch caps how many calls ride
// in one eth_batch (the spec's "maximum batch size 100"); delay is the
// optional coalescing window (0 disables batching, dispatching calls
// as they arrive).
func NewBuffered(raw *gethrpc.Client, maxBatch int, delay time.Duration) *Buffered {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	return &Buffered{raw: raw, maxBatch: maxBatch, delay: delay}
}

// Call enqueues one request and blocks until its batch has been sent
// and the result decoded into `result`.
func (b *Buffered) Call(ctx context.Context, result any, method string, args ...any) error {
	c := &call{method: method, args: args, result: result, done: make(chan error, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, c)
	flush := len(b.pending) >= b.maxBatch
	if flush {
		batch := b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		go b.send(ctx, batch)
	} else {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.delay, func() { b.flush(ctx) })
		}
		b.mu.Unlock()
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffered) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()
	if len(batch) > 0 {
		b.send(ctx, batch)
	}
}

func (b *Buffered) send(ctx context.Context, batch []*call) {
	elems := make([]gethrpc.BatchElem, len(batch))
	for i, c := range batch {
		elems[i] = gethrpc.BatchElem{Method: c.method, Args: c.args, Result: c.result}
	}
	err := b.raw.BatchCallContext(ctx, elems)
	for i, c := range batch {
		if err != nil {
			c.done <- errkind.NewTransient("batched rpc call %s: %w", c.method, err)
			continue
		}
		c.done <- elems[i].Error
	}
}

// CallContract implements ethereum.ContractCaller (and the narrower
// priceestimator.ContractCaller) by riding eth_call through the same
// batching queue as every other buffered call, so concurrent per-token
// price/metadata reads during auction building coalesce into eth_batch
// round trips instead of one eth_call per token.
func (b *Buffered) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result hexutil.Bytes
	err := b.Call(ctx, &result, "eth_call", toCallArg(call), toBlockNumArg(blockNumber))
	return result, err
}

// CodeAt completes the ethereum.ContractCaller interface; batched the
// same way as CallContract.
func (b *Buffered) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	var result hexutil.Bytes
	err := b.Call(ctx, &result, "eth_getCode", contract, toBlockNumArg(blockNumber))
	return result, err
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{"to": msg.To}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}
	return arg
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
