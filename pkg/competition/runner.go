// Package competition implements the Competition Runner (C4): for one
// auction it dispatches to every eligible solver driver, collects and
// ranks their solutions, and drives the winner through to settlement,
// per §4.4.
package competition

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store"
)

// Config bundles the tunables of §4.4's runner: guard thresholds,
// the safety buffer subtracted from the auction deadline, the maximum
// clearing-price deviation allowed in Phase B, and the order
// prioritization budget/window applied per driver in Phase A.
type Config struct {
	GuardHistoryWindow       int
	GuardMaxFailureRate      float64
	GuardConsecutiveFailures int
	SafetyBuffer             time.Duration
	MaxPriceDeviationBps     int
	MaxOrdersPerDriver       int
	PriorityMaxAge           time.Duration
}

// Runner drives run_competition(auction) → Result<Winner, NoSolution>.
type Runner struct {
	store        store.Store
	driverClient *DriverClient
	drivers      []Driver
	simulator    Simulator
	submission   SubmissionStrategy
	ext          ExternalPrices
	balances     BalanceFetcher
	cfg          Config
	log          *zap.Logger
	rng          *rand.Rand

	onDriverRejected func(driver, reason string)
	onDriverLatency  func(driver string, d time.Duration)
}

// OnDriverRejected registers a collaborator invoked for every Phase B
// rejection, for telemetry counters broken down by driver and reason.
func (r *Runner) OnDriverRejected(f func(driver, reason string)) { r.onDriverRejected = f }

// OnDriverLatency registers a collaborator invoked after every driver
// /solve call returns, for telemetry histograms broken down by driver.
func (r *Runner) OnDriverLatency(f func(driver string, d time.Duration)) { r.onDriverLatency = f }

func New(st store.Store, client *DriverClient, drivers []Driver, simulator Simulator,
	submission SubmissionStrategy, ext ExternalPrices, balances BalanceFetcher, cfg Config, log *zap.Logger, seed int64) *Runner {
	return &Runner{
		store: st, driverClient: client, drivers: drivers, simulator: simulator,
		submission: submission, ext: ext, balances: balances, cfg: cfg, log: log,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// RunCompetition is the public contract of §4.4.
func (r *Runner) RunCompetition(ctx context.Context, a domain.Auction) (domain.Winner, error) {
	eligible, err := eligibleDrivers(ctx, r.store, r.drivers, r.cfg.GuardHistoryWindow,
		r.cfg.GuardMaxFailureRate, r.cfg.GuardConsecutiveFailures)
	if err != nil {
		return domain.Winner{}, err
	}

	results, err := r.dispatch(ctx, a, eligible, r.cfg.SafetyBuffer)
	if err != nil {
		return domain.Winner{}, err
	}

	candidates := r.collect(ctx, a, results, r.ext, r.cfg.MaxPriceDeviationBps)

	var survivors []candidate
	var rejected []candidate
	for _, c := range candidates {
		if c.rejected {
			rejected = append(rejected, c)
		} else {
			survivors = append(survivors, c)
		}
	}

	driversByName := make(map[string]Driver, len(eligible))
	for _, d := range eligible {
		driversByName[d.Name] = d
	}

	if len(survivors) == 0 {
		r.notifyAll(ctx, nil, rejected, driversByName)
		comp := domain.Competition{AuctionId: a.Id, Solutions: rankedToRecords(nil, rejected), CreatedAt: time.Now()}
		_ = r.store.InsertCompetition(ctx, comp)
		return domain.Winner{}, domain.ErrNoSolution{AuctionId: a.Id}
	}

	rs := rankSurvivors(survivors, r.rng)
	r.notifyAll(ctx, rs, rejected, driversByName)

	comp := domain.Competition{AuctionId: a.Id, Solutions: rankedToRecords(rs, rejected), CreatedAt: time.Now()}

	win, ok := winnerOf(rs)
	if !ok {
		_ = r.store.InsertCompetition(ctx, comp)
		return domain.Winner{}, domain.ErrNoSolution{AuctionId: a.Id}
	}

	winner, outcome, err := r.finalize(ctx, a, win, driversByName)
	if err != nil {
		r.log.Error("competition: finalize failed", zap.Int64("auction", a.Id), zap.Error(err))
		_ = r.store.InsertCompetition(ctx, comp)
		return domain.Winner{}, err
	}

	if outcome.TxHash != nil {
		comp.Winner = &winner
		comp.TransactionHash = outcome.TxHash
		if outcome.TxFrom != nil && outcome.TxNonce != nil {
			key := domain.AuctionTransactionKey{SolverAddress: *outcome.TxFrom, Nonce: *outcome.TxNonce}
			if err := r.store.LinkAuctionTransaction(ctx, key, a.Id); err != nil {
				r.log.Warn("competition: link auction transaction failed", zap.Error(err))
			}
		}
	} else {
		r.log.Warn("competition: settle failed", zap.String("reason", outcome.Reason))
	}

	if err := r.store.InsertCompetition(ctx, comp); err != nil {
		r.log.Error("competition: persist failed", zap.Error(err))
	}

	return winner, nil
}

func (r *Runner) notifyAll(ctx context.Context, rs []ranked, rejected []candidate, drivers map[string]Driver) {
	for _, rk := range rs {
		d, ok := drivers[rk.driver]
		if !ok {
			continue
		}
		body := notifyBody{SolutionId: rk.solution.SolutionId, Kind: "Ranked", Rank: rk.rank}
		if err := r.driverClient.Notify(ctx, d, body); err != nil {
			r.log.Warn("competition: notify ranked failed", zap.String("driver", d.Name), zap.Error(err))
		}
	}
	for _, c := range rejected {
		d, ok := drivers[c.driver]
		if !ok {
			continue
		}
		body := notifyBody{SolutionId: c.solution.SolutionId, Kind: "Rejected", Reason: string(c.reason)}
		if err := r.driverClient.Notify(ctx, d, body); err != nil {
			r.log.Warn("competition: notify rejected failed", zap.String("driver", d.Name), zap.Error(err))
		}
	}
}

func rankedToRecords(rs []ranked, rejected []candidate) []domain.RankedSolution {
	out := make([]domain.RankedSolution, 0, len(rs)+len(rejected))
	for _, rk := range rs {
		out = append(out, domain.RankedSolution{Driver: rk.driver, Solution: rk.solution, Rank: rk.rank})
	}
	for _, c := range rejected {
		out = append(out, domain.RankedSolution{Driver: c.driver, Solution: c.solution, Reason: c.reason, Rejected: true})
	}
	return out
}
