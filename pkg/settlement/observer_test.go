package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store/memstore"
)

type fakeRPC struct {
	tx      *types.Transaction
	receipt *types.Receipt
	head    uint64
}

func (f fakeRPC) BlockByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}
func (f fakeRPC) BlockReceipts(ctx context.Context, number uint64) (types.Receipts, error) {
	return nil, nil
}
func (f fakeRPC) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return f.tx, false, nil
}
func (f fakeRPC) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipt, nil
}
func (f fakeRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

type packTrade struct {
	SellTokenIndex *big.Int
	BuyTokenIndex  *big.Int
	Receiver       common.Address
	SellAmount     *big.Int
	BuyAmount      *big.Int
	ValidTo        uint32
	AppData        [32]byte
	FeeAmount      *big.Int
	Flags          *big.Int
	ExecutedAmount *big.Int
	Signature      []byte
}

func buildSettleCalldata(t *testing.T, tokens []common.Address, prices []*big.Int, trades []packTrade) []byte {
	t.Helper()
	calldata, err := settleABI.Pack("settle", tokens, prices, trades, [][3]struct {
		Target   common.Address
		Value    *big.Int
		CallData []byte
	}{})
	if err != nil {
		t.Fatalf("pack settle calldata: %v", err)
	}
	return calldata
}

func signedTx(t *testing.T, nonce uint64, calldata []byte) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1)
	to := SettlementContract
	tx := types.NewTx(&types.LegacyTx{
		Nonce: nonce, To: &to, Value: big.NewInt(0), Gas: 200000, GasPrice: big.NewInt(1), Data: calldata,
	})
	signer := types.NewEIP155Signer(chainID)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return signed, gethcrypto.PubkeyToAddress(key.PublicKey)
}

func TestObserverHappyPathRecordsSurplus(t *testing.T) {
	owner := common.HexToAddress("0x01")
	sell := common.HexToAddress("0xaa")
	buy := common.HexToAddress("0xbb")
	var uid domain.OrderUid
	uid[0] = 9

	calldata := buildSettleCalldata(t, []common.Address{sell, buy}, []*big.Int{big.NewInt(1), big.NewInt(1)},
		[]packTrade{{
			SellTokenIndex: big.NewInt(0), BuyTokenIndex: big.NewInt(1), Receiver: owner,
			SellAmount: big.NewInt(100), BuyAmount: big.NewInt(90), ValidTo: 0,
			FeeAmount: big.NewInt(0), Flags: big.NewInt(0), ExecutedAmount: big.NewInt(100),
			Signature: []byte{},
		}})
	tx, from := signedTx(t, 3, calldata)

	st := memstore.New()
	ctx := context.Background()
	if err := st.InsertAuction(ctx, domain.Auction{
		Id:     1,
		Orders: []domain.Order{{
			Uid: uid, Owner: owner, SellToken: sell, BuyToken: buy, Side: domain.Sell,
			SellAmount: big.NewInt(100), BuyAmount: big.NewInt(80),
		}},
		Prices: map[common.Address]domain.NativePrice{buy: {Value: new(big.Int).Set(weiPerEther)}},
	}); err != nil {
		t.Fatalf("insert auction: %v", err)
	}
	if err := st.LinkAuctionTransaction(ctx, domain.AuctionTransactionKey{SolverAddress: from, Nonce: 3}, 1); err != nil {
		t.Fatalf("link auction transaction: %v", err)
	}
	key := domain.BlockLogKey{BlockNumber: 10, LogIndex: 0}
	if err := st.InsertSettlementEvent(ctx, domain.SettlementEvent{BlockLogKey: key, TxHash: tx.Hash()}); err != nil {
		t.Fatalf("insert settlement event: %v", err)
	}

	rpc := fakeRPC{tx: tx, receipt: &types.Receipt{GasUsed: 150000, EffectiveGasPrice: big.NewInt(2)}, head: 100}
	obs := New(rpc, st, GPv2Decoder{}, Config{ReorgSafeBlocks: 0, PollInterval: time.Hour}, zap.NewNop())
	var recorded domain.SettlementObservation
	obs.OnObservation(func(o domain.SettlementObservation) { recorded = o })

	if err := obs.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	event, ok, err := st.NextUnresolvedSettlementEvent(ctx, 1000)
	if err != nil {
		t.Fatalf("next unresolved: %v", err)
	}
	if ok {
		t.Fatalf("event %+v still unresolved after processing", event)
	}
	// executed buy 100 - limit buy 80 = 20, at a native price of 1e18.
	if recorded.Surplus == nil || recorded.Surplus.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("recorded surplus = %v, want 20", recorded.Surplus)
	}
}

func TestObserverMarksDecodeFailedOnBadCalldata(t *testing.T) {
	tx, from := signedTx(t, 1, []byte{0xde, 0xad, 0xbe, 0xef, 0x01})

	st := memstore.New()
	ctx := context.Background()
	key := domain.BlockLogKey{BlockNumber: 5, LogIndex: 0}
	if err := st.InsertSettlementEvent(ctx, domain.SettlementEvent{BlockLogKey: key, TxHash: tx.Hash()}); err != nil {
		t.Fatalf("insert settlement event: %v", err)
	}
	// Decode failure must be reached past the auction-lookup step, so
	// link a transaction identity even though no auction backs it.
	if err := st.LinkAuctionTransaction(ctx, domain.AuctionTransactionKey{SolverAddress: from, Nonce: 1}, 1); err != nil {
		t.Fatalf("link auction transaction: %v", err)
	}

	rpc := fakeRPC{tx: tx, receipt: &types.Receipt{GasUsed: 1, EffectiveGasPrice: big.NewInt(1)}, head: 100}
	obs := New(rpc, st, GPv2Decoder{}, Config{ReorgSafeBlocks: 0, PollInterval: time.Hour}, zap.NewNop())

	if err := obs.process(ctx, domain.SettlementEvent{BlockLogKey: key, TxHash: tx.Hash()}); err != nil {
		t.Fatalf("process: %v", err)
	}

	_, ok, err := st.NextUnresolvedSettlementEvent(ctx, 1000)
	if err != nil {
		t.Fatalf("next unresolved: %v", err)
	}
	if ok {
		t.Fatalf("decode-failed event should not be returned as unresolved")
	}
}

func TestFoldHaircutPreservesZeroBps(t *testing.T) {
	trade := Trade{ExecutedAmount: big.NewInt(1000), FeeAmount: big.NewInt(10)}
	got := foldHaircut(trade, 0)
	if got.ExecutedAmount.Cmp(trade.ExecutedAmount) != 0 {
		t.Errorf("zero bps should be a no-op")
	}
}

func TestFoldHaircutAddsFraction(t *testing.T) {
	trade := Trade{ExecutedAmount: big.NewInt(10000), FeeAmount: big.NewInt(100)}
	got := foldHaircut(trade, 200)
	want := big.NewInt(10200)
	if got.ExecutedAmount.Cmp(want) != 0 {
		t.Errorf("executed amount = %s, want %s", got.ExecutedAmount, want)
	}
}
