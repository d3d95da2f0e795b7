package indexer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/rpc"
	"github.com/cowdex/autopilot/pkg/store"
	"github.com/cowdex/autopilot/pkg/store/memstore"
)

type fakeRPC struct {
	receipts map[uint64]types.Receipts
	logs     []types.Log
}

func (f *fakeRPC) BlockByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number}, nil
}

func (f *fakeRPC) BlockReceipts(ctx context.Context, number uint64) (types.Receipts, error) {
	return f.receipts[number], nil
}

func (f *fakeRPC) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, nil
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (f *fakeRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

var _ rpc.EthRpc = (*fakeRPC)(nil)

func TestScanTransfersCancelsOrderOnMatchingTransfer(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	owner := common.HexToAddress("0xabc")
	token := common.HexToAddress("0xdef")

	order := domain.Order{
		Owner: owner, SellToken: token, BuyToken: common.HexToAddress("0x1"),
		SellAmount: big.NewInt(100), BuyAmount: big.NewInt(90),
		ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
	}
	order.Uid[0] = 1
	if _, err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	transferLog := types.Log{
		Address: token,
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(owner.Bytes()),
			common.BytesToHash(common.HexToAddress("0x999").Bytes()),
		},
		BlockNumber: 10,
	}
	rpcFake := &fakeRPC{receipts: map[uint64]types.Receipts{
		10: {{Logs: []*types.Log{&transferLog}}},
	}}

	cfg := Config{
		SettlementContract: common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41"),
		VaultRelayer:       common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"),
		MaxReorgBlockCount: 64,
	}
	ix := New(rpcFake, st, cfg, zap.NewNop())

	if err := ix.scanTransfers(ctx, 10); err != nil {
		t.Fatalf("scan transfers: %v", err)
	}

	got, err := st.GetOrder(ctx, order.Uid)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.CancellationTimestamp == nil {
		t.Fatal("order was not cancelled by matching transfer")
	}

	last, err := st.LastOrderEvent(ctx, order.Uid)
	if err != nil {
		t.Fatalf("last order event: %v", err)
	}
	if last.Kind != domain.EventCancelled {
		t.Errorf("last event = %s, want Cancelled", last.Kind)
	}
}

func TestScanTransfersIgnoresSettlementContractParty(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	owner := common.HexToAddress("0xabc")
	token := common.HexToAddress("0xdef")
	settlement := common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")

	order := domain.Order{
		Owner: owner, SellToken: token, BuyToken: common.HexToAddress("0x1"),
		SellAmount: big.NewInt(100), BuyAmount: big.NewInt(90),
		ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
	}
	order.Uid[0] = 1
	if _, err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	// Settlement contract pulling funds from the user during a trade
	// must never trigger cancellation.
	transferLog := types.Log{
		Address: token,
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(owner.Bytes()),
			common.BytesToHash(settlement.Bytes()),
		},
		BlockNumber: 10,
	}
	rpcFake := &fakeRPC{receipts: map[uint64]types.Receipts{
		10: {{Logs: []*types.Log{&transferLog}}},
	}}

	cfg := Config{SettlementContract: settlement, MaxReorgBlockCount: 64}
	ix := New(rpcFake, st, cfg, zap.NewNop())

	if err := ix.scanTransfers(ctx, 10); err != nil {
		t.Fatalf("scan transfers: %v", err)
	}

	got, err := st.GetOrder(ctx, order.Uid)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.CancellationTimestamp != nil {
		t.Fatal("order was cancelled despite settlement-contract counterparty")
	}
}

func TestProcessHeadDetectsReorgAndDeletesEvents(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	cfg := Config{MaxReorgBlockCount: 64}
	ix := New(&fakeRPC{}, st, cfg, zap.NewNop())

	if err := st.SetIndexedBlock(ctx, headCategory, 100, common.HexToHash("0x100")); err != nil {
		t.Fatalf("seed head: %v", err)
	}
	if err := st.SetIndexedBlock(ctx, settlementsCategory, 100, common.Hash{}); err != nil {
		t.Fatalf("seed settlements: %v", err)
	}
	ev := domain.SettlementEvent{BlockLogKey: domain.BlockLogKey{BlockNumber: 100, LogIndex: 0}}
	if err := st.InsertSettlementEvent(ctx, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	head := rpc.Head{Number: 101, Hash: common.HexToHash("0x101"), ParentHash: common.HexToHash("0x100-different")}
	if err := ix.ProcessHead(ctx, head); err != nil {
		t.Fatalf("process head: %v", err)
	}

	_, _, ok, err := st.NextUnresolvedSettlementEvent(ctx, 1000)
	if err != nil {
		t.Fatalf("next unresolved: %v", err)
	}
	if ok {
		t.Error("settlement event at block 100 should have been deleted by reorg walk-back to block 99")
	}
}

var _ = store.ErrNotFound
