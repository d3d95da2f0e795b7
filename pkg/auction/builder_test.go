package auction

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store/memstore"
	"github.com/cowdex/autopilot/pkg/util"
)

type fakeEstimator struct {
	prices map[common.Address]*big.Int
}

func (f *fakeEstimator) Price(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	v, ok := f.prices[token]
	if !ok {
		return domain.NativePrice{}, errNoPrice
	}
	return domain.NativePrice{Value: v}, nil
}

var errNoPrice = context.DeadlineExceeded

type fakeMeta struct{}

func (fakeMeta) Decimals(ctx context.Context, token common.Address) (*uint8, error) { return nil, nil }
func (fakeMeta) Symbol(ctx context.Context, token common.Address) (*string, error)  { return nil, nil }
func (fakeMeta) AvailableBalance(ctx context.Context, token common.Address, owners []common.Address) (*big.Int, error) {
	return big.NewInt(1000), nil
}
func (fakeMeta) StaticallyTrusted(token common.Address) bool { return false }

func TestBuildDropsOrdersMissingNativePrice(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	priced := common.HexToAddress("0x1")
	unpriced := common.HexToAddress("0x2")

	good := domain.Order{
		SellToken: priced, BuyToken: priced,
		SellAmount: big.NewInt(10), BuyAmount: big.NewInt(9),
		ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
	}
	good.Uid[0] = 1
	bad := domain.Order{
		SellToken: priced, BuyToken: unpriced,
		SellAmount: big.NewInt(10), BuyAmount: big.NewInt(9),
		ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
	}
	bad.Uid[0] = 2

	for _, o := range []domain.Order{good, bad} {
		if _, err := st.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	estimator := &fakeEstimator{prices: map[common.Address]*big.Int{priced: big.NewInt(1e18)}}
	b := New(st, estimator, fakeMeta{}, nil, util.RealClock{}, 30*time.Second, time.Second, zap.NewNop())

	a, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(a.Orders) != 1 || a.Orders[0].Uid != good.Uid {
		t.Fatalf("auction orders = %v, want only the fully-priced order", a.Orders)
	}
	if _, ok := a.Tokens[unpriced]; ok {
		t.Errorf("unpriced token leaked into auction.Tokens")
	}
}

func TestBuildAssignsIncreasingAuctionIds(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	estimator := &fakeEstimator{prices: map[common.Address]*big.Int{}}
	b := New(st, estimator, fakeMeta{}, nil, util.RealClock{}, 30*time.Second, time.Second, zap.NewNop())

	first, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	second, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if second.Id <= first.Id {
		t.Errorf("second auction id %d did not strictly increase over first %d", second.Id, first.Id)
	}
}
