package priceestimator

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// fakeClock is a manually-advanced clock for deterministic fallback
// timing tests, the same role the teacher's RealClock plays in
// production but substitutable in tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type scriptedEstimator struct {
	calls int32
	fn    func(calls int32) (domain.NativePrice, error)
}

func (e *scriptedEstimator) Price(ctx context.Context, token common.Address) (domain.NativePrice, error) {
	n := atomic.AddInt32(&e.calls, 1)
	return e.fn(n)
}

func constEstimator(value int64) *scriptedEstimator {
	return &scriptedEstimator{fn: func(int32) (domain.NativePrice, error) {
		return domain.NativePrice{Value: big.NewInt(value)}, nil
	}}
}

func TestFallbackSwitchesOnProtocolError(t *testing.T) {
	primary := &scriptedEstimator{fn: func(int32) (domain.NativePrice, error) {
		return domain.NativePrice{}, ErrProtocol
	}}
	secondary := constEstimator(42)
	clock := &fakeClock{now: time.Now()}
	f := NewFallback(primary, secondary, time.Minute, clock)

	price, err := f.Price(context.Background(), common.HexToAddress("0x1"))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Value.Int64() != 42 {
		t.Errorf("price = %v, want secondary's 42", price.Value)
	}
	if f.state != tierFallback {
		t.Errorf("state = %v, want Fallback", f.state)
	}
}

func TestFallbackStaysOnSecondaryUntilProbeInterval(t *testing.T) {
	primary := &scriptedEstimator{fn: func(int32) (domain.NativePrice, error) {
		return domain.NativePrice{}, ErrProtocol
	}}
	secondary := constEstimator(7)
	clock := &fakeClock{now: time.Now()}
	f := NewFallback(primary, secondary, time.Minute, clock)

	// Trip into fallback.
	if _, err := f.Price(context.Background(), common.HexToAddress("0x1")); err != nil {
		t.Fatalf("price: %v", err)
	}
	primaryCallsBefore := primary.calls

	// Within the probe interval, only secondary should be consulted.
	clock.advance(30 * time.Second)
	if _, err := f.Price(context.Background(), common.HexToAddress("0x1")); err != nil {
		t.Fatalf("price: %v", err)
	}
	if primary.calls != primaryCallsBefore {
		t.Errorf("primary was called again before probe interval elapsed")
	}
}

func TestFallbackRecoversToPrimaryAfterProbeSucceeds(t *testing.T) {
	var primaryShouldFail int32 = 1
	primary := &scriptedEstimator{fn: func(int32) (domain.NativePrice, error) {
		if atomic.LoadInt32(&primaryShouldFail) == 1 {
			return domain.NativePrice{}, ErrProtocol
		}
		return domain.NativePrice{Value: big.NewInt(100)}, nil
	}}
	secondary := constEstimator(7)
	clock := &fakeClock{now: time.Now()}
	f := NewFallback(primary, secondary, time.Minute, clock)

	if _, err := f.Price(context.Background(), common.HexToAddress("0x1")); err != nil {
		t.Fatalf("trip into fallback: %v", err)
	}

	// Recovery: primary starts succeeding, probe interval elapses.
	atomic.StoreInt32(&primaryShouldFail, 0)
	clock.advance(time.Minute + time.Second)

	price, err := f.Price(context.Background(), common.HexToAddress("0x1"))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if price.Value.Int64() != 100 {
		t.Errorf("price after recovery = %v, want primary's 100", price.Value)
	}
	if f.state != tierPrimary {
		t.Errorf("state after successful probe = %v, want Primary", f.state)
	}
}

func TestFallbackDoesNotSwitchOnNonProtocolError(t *testing.T) {
	noLiquidity := errors.New("no liquidity")
	primary := &scriptedEstimator{fn: func(int32) (domain.NativePrice, error) {
		return domain.NativePrice{}, noLiquidity
	}}
	secondary := constEstimator(7)
	clock := &fakeClock{now: time.Now()}
	f := NewFallback(primary, secondary, time.Minute, clock)

	_, err := f.Price(context.Background(), common.HexToAddress("0x1"))
	if !errors.Is(err, noLiquidity) {
		t.Fatalf("err = %v, want noLiquidity surfaced directly", err)
	}
	if f.state != tierPrimary {
		t.Errorf("state = %v, want to remain Primary on a business-level error", f.state)
	}
}

func TestCacheServesStaleWithinMaxAgeAndRefetchesAfter(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	src := constEstimator(1)
	cache := NewCache(src, time.Minute, 4, clock)

	token := common.HexToAddress("0x1")
	if _, err := cache.Price(context.Background(), token); err != nil {
		t.Fatalf("price: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("calls = %d, want 1", src.calls)
	}

	clock.advance(30 * time.Second)
	if _, err := cache.Price(context.Background(), token); err != nil {
		t.Fatalf("price: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("calls = %d, want still 1 (served from cache)", src.calls)
	}

	clock.advance(time.Minute)
	if _, err := cache.Price(context.Background(), token); err != nil {
		t.Fatalf("price: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("calls = %d, want 2 (max age elapsed)", src.calls)
	}
}
