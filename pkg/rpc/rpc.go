// Package rpc wraps the go-ethereum client the Chain Indexer (C1) and
// Settlement Observer (C5) depend on, plus a small buffered batch
// transport that folds many independent calls into fewer JSON-RPC
// round trips.
package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cowdex/autopilot/pkg/errkind"
)

// EthRpc is the node access surface C1/C5 depend on (§5). It is an
// open interface so tests can substitute a fake node without spinning
// up anvil/geth.
type EthRpc interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockReceipts(ctx context.Context, number uint64) (types.Receipts, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client adapts *ethclient.Client (and, for block receipts, the raw
// *rpc.Client it wraps) to EthRpc.
type Client struct {
	eth *ethclient.Client
	raw *rpc.Client
}

// Dial connects to a node URL, reusing the same underlying rpc.Client
// for both the typed ethclient calls and the batched raw calls.
func Dial(ctx context.Context, url string) (*Client, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errkind.NewTransient("dial node %s: %w", url, err)
	}
	return &Client{eth: ethclient.NewClient(raw), raw: raw}, nil
}

func (c *Client) Close() { c.raw.Close() }

// Raw exposes the underlying JSON-RPC client so a Buffered transport
// can be built on top of the same connection rather than dialing a
// second one.
func (c *Client) Raw() *rpc.Client { return c.raw }

func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, errkind.NewTransient("header by number: %w", err)
	}
	return h, nil
}

// BlockReceipts fetches every receipt in a block with one RPC call
// (eth_getBlockReceipts), the way the spec's §4.1 step-3 transfer scan
// requires "fetch all receipts for the new block" to be cheap.
func (c *Client) BlockReceipts(ctx context.Context, number uint64) (types.Receipts, error) {
	var raw []*types.Receipt
	err := c.raw.CallContext(ctx, &raw, "eth_getBlockReceipts", hexBlockNumber(number))
	if err != nil {
		return nil, errkind.NewTransient("get_block_receipts(%d): %w", number, err)
	}
	return raw, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, errkind.NewTransient("get_transaction(%s): %w", hash, err)
	}
	return tx, pending, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, errkind.NewTransient("get_transaction_receipt(%s): %w", hash, err)
	}
	return r, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, errkind.NewTransient("filter logs: %w", err)
	}
	return logs, nil
}

func hexBlockNumber(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}
