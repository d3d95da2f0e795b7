package memstore

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store"
)

func testOrder(uid byte, owner common.Address, validTo time.Time) domain.Order {
	var id domain.OrderUid
	id[0] = uid
	copy(id[32:52], owner[:])
	return domain.Order{
		Uid:        id,
		Owner:      owner,
		SellToken:  common.HexToAddress("0x1"),
		BuyToken:   common.HexToAddress("0x2"),
		SellAmount: big.NewInt(1000),
		BuyAmount:  big.NewInt(900),
		ValidFrom:  validTo.Add(-time.Hour),
		ValidTo:    validTo,
		CreatedAt:  validTo.Add(-time.Hour),
	}
}

func TestInsertOrderRejectsDuplicateUid(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := common.HexToAddress("0xabc")
	o := testOrder(1, owner, time.Now().Add(time.Hour))

	if _, err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.InsertOrder(ctx, o); err != store.ErrDuplicate {
		t.Fatalf("second insert error = %v, want ErrDuplicate", err)
	}
}

func TestLiveOrdersExcludesCancelledAndExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	owner := common.HexToAddress("0xabc")

	live := testOrder(1, owner, now.Add(time.Hour))
	expired := testOrder(2, owner, now.Add(-time.Hour))
	expired.ValidFrom = now.Add(-2 * time.Hour)

	for _, o := range []domain.Order{live, expired} {
		if _, err := s.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.Cancel(ctx, live.Uid, now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	fresh := testOrder(3, owner, now.Add(time.Hour))
	if _, err := s.InsertOrder(ctx, fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	orders, err := s.LiveOrders(ctx, now)
	if err != nil {
		t.Fatalf("live orders: %v", err)
	}
	for _, o := range orders {
		if o.Uid == expired.Uid {
			t.Errorf("expired order %s reported live", o.Uid)
		}
		if o.Uid == live.Uid {
			t.Errorf("cancelled order %s reported live", o.Uid)
		}
	}
}

func TestCancelIsIdempotentAndMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := common.HexToAddress("0xabc")
	o := testOrder(1, owner, time.Now().Add(time.Hour))
	if _, err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	t1 := time.Now()
	if err := s.Cancel(ctx, o.Uid, t1); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	got, err := s.GetOrder(ctx, o.Uid)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.CancellationTimestamp == nil || !got.CancellationTimestamp.Equal(t1) {
		t.Fatalf("cancellation timestamp = %v, want %v", got.CancellationTimestamp, t1)
	}

	t2 := t1.Add(time.Minute)
	if err := s.Cancel(ctx, o.Uid, t2); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	got, _ = s.GetOrder(ctx, o.Uid)
	if !got.CancellationTimestamp.Equal(t1) {
		t.Errorf("cancellation timestamp moved on repeat cancel: got %v, want %v (unchanged)", got.CancellationTimestamp, t1)
	}

	last, err := s.LastOrderEvent(ctx, o.Uid)
	if err != nil {
		t.Fatalf("last order event: %v", err)
	}
	if last.Kind != domain.EventCancelled {
		t.Errorf("last event kind = %s, want Cancelled", last.Kind)
	}
}

func TestCancelByTransfersCancelsMatchingOwnerAndToken(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := common.HexToAddress("0xabc")
	other := common.HexToAddress("0xdef")

	matching := testOrder(1, owner, time.Now().Add(time.Hour))
	differentToken := testOrder(2, owner, time.Now().Add(time.Hour))
	differentToken.SellToken = common.HexToAddress("0x99")
	differentOwner := testOrder(3, other, time.Now().Add(time.Hour))

	for _, o := range []domain.Order{matching, differentToken, differentOwner} {
		if _, err := s.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	cancelled, err := s.CancelByTransfers(ctx, 100, []store.TransferEdge{
		{From: owner, To: common.HexToAddress("0x1234"), Token: matching.SellToken},
	}, time.Now())
	if err != nil {
		t.Fatalf("cancel by transfers: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != matching.Uid {
		t.Fatalf("cancelled = %v, want only %s", cancelled, matching.Uid)
	}

	for _, uid := range []domain.OrderUid{differentToken.Uid, differentOwner.Uid} {
		o, err := s.GetOrder(ctx, uid)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if o.CancellationTimestamp != nil {
			t.Errorf("order %s unexpectedly cancelled", uid)
		}
	}
}

func TestFindQuoteExactPrefersCheapestEffectiveCost(t *testing.T) {
	s := New()
	ctx := context.Background()
	fp := domain.Fingerprint{
		SellToken: common.HexToAddress("0x1"),
		BuyToken:  common.HexToAddress("0x2"),
		Amount:    big.NewInt(1000),
		Side:      domain.Sell,
	}
	expensive := domain.Quote{
		Fingerprint: fp, GasAmount: big.NewInt(100000), GasPrice: big.NewInt(50), SellTokenPrice: 1.0,
		ExpirationAt: time.Now().Add(time.Hour),
	}
	cheap := domain.Quote{
		Fingerprint: fp, GasAmount: big.NewInt(50000), GasPrice: big.NewInt(50), SellTokenPrice: 1.0,
		ExpirationAt: time.Now().Add(time.Hour),
	}
	if _, err := s.InsertQuote(ctx, expensive); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertQuote(ctx, cheap); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.FindQuoteExact(ctx, fp, time.Now())
	if err != nil {
		t.Fatalf("find quote: %v", err)
	}
	if got.EffectiveCost() != cheap.EffectiveCost() {
		t.Errorf("picked quote with cost %v, want cheapest %v", got.EffectiveCost(), cheap.EffectiveCost())
	}
}

func TestDriverStatsConsecutiveFailures(t *testing.T) {
	s := New()
	ctx := context.Background()
	driver := "solver-a"

	for i := int64(1); i <= 4; i++ {
		if err := s.InsertAuction(ctx, domain.Auction{Id: i}); err != nil {
			t.Fatalf("insert auction: %v", err)
		}
		if err := s.InsertCompetition(ctx, domain.Competition{
			AuctionId: i,
			Winner:    &domain.Winner{Driver: driver, SolutionId: uint64(i)},
		}); err != nil {
			t.Fatalf("insert competition: %v", err)
		}
	}
	// auction 2 settled, the rest did not.
	if err := s.InsertSettlementObservation(ctx, domain.SettlementObservation{AuctionId: 2}); err != nil {
		t.Fatalf("insert observation: %v", err)
	}

	stats, err := s.DriverStats(ctx, driver, 10)
	if err != nil {
		t.Fatalf("driver stats: %v", err)
	}
	if stats.WindowSize != 4 {
		t.Errorf("window size = %d, want 4", stats.WindowSize)
	}
	if stats.FailedInWindow != 3 {
		t.Errorf("failed in window = %d, want 3", stats.FailedInWindow)
	}
	if stats.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2 (auctions 4 and 3, stopped by settled auction 2)", stats.ConsecutiveFailures)
	}
}
