package competition

import (
	"context"

	"github.com/cowdex/autopilot/pkg/store"
)

// eligibleDrivers applies the solver participation guard of §4.4: a
// failure-rate threshold, a consecutive-failure threshold, and the
// on-chain allowlist carried on DriverSettlementStats. It reads
// store.Store.DriverStats directly, so guard state updates lazily —
// only after the next solution is stored (documented behavior scenario
// S3 relies on).
func eligibleDrivers(ctx context.Context, st store.Store, drivers []Driver, window int, maxFailureRate float64,
	maxConsecutiveFailures int) ([]Driver, error) {

	out := make([]Driver, 0, len(drivers))
	for _, d := range drivers {
		stats, err := st.DriverStats(ctx, d.Name, window)
		if err != nil {
			return nil, err
		}
		if stats.FailureRate() > maxFailureRate {
			continue
		}
		if stats.ConsecutiveFailures >= maxConsecutiveFailures {
			continue
		}
		if !stats.Allowlisted {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
