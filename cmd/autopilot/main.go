// autopilot wires the Chain Indexer, Auction Builder, Competition
// Runner, and Settlement Observer into one long-running process,
// fronted by a read-only status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cowdex/autopilot/internal/config"
	"github.com/cowdex/autopilot/pkg/api"
	"github.com/cowdex/autopilot/pkg/auction"
	"github.com/cowdex/autopilot/pkg/competition"
	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/indexer"
	"github.com/cowdex/autopilot/pkg/metrics"
	"github.com/cowdex/autopilot/pkg/priceestimator"
	"github.com/cowdex/autopilot/pkg/rpc"
	"github.com/cowdex/autopilot/pkg/settlement"
	"github.com/cowdex/autopilot/pkg/store"
	"github.com/cowdex/autopilot/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	envPath := flag.String("env", "", "path to .env file (defaults to ./.env)")
	logPath := flag.String("log-file", "", "optional file to additionally write logs to")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if *logPath != "" {
		log, err = util.NewLoggerWithFile(*logPath)
	} else {
		log, err = util.NewLogger()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("autopilot exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	reg := metrics.New()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	client, err := rpc.Dial(ctx, cfg.NodeURL)
	if err != nil {
		return fmt.Errorf("dial node: %w", err)
	}
	defer client.Close()

	clock := util.RealClock{}

	ixCfg := indexer.Config{
		SettlementContract: settlement.SettlementContract,
		VaultRelayer:       settlement.VaultRelayer,
		MaxReorgBlockCount: cfg.Indexer.MaxReorgBlockCount,
		ConsecutiveErrorAlert: cfg.Indexer.ConsecutiveErrorAlert,
	}
	ix := indexer.New(client, st, ixCfg, log.Named("indexer"))
	ix.OnConsecutiveErrors(func(count int) {
		reg.IndexerConsecutiveErrors.Set(float64(count))
		log.Warn("indexer: consecutive error streak", zap.Int("count", count))
	})
	ix.OnBlockProcessed(func() { reg.IndexerBlocksProcessed.Inc() })
	ix.OnReorg(func() { reg.IndexerReorgsHandled.Inc() })

	indexerHeads := rpc.NewCurrentBlockStream(client, clock, time.Second).Run(ctx)
	auctionHeads := rpc.NewCurrentBlockStream(client, clock, time.Second).Run(ctx)

	// Buffered rides the same dialed connection as client and coalesces
	// the concurrent per-token eth_call reads Build and the estimator's
	// on-chain tier issue into bounded eth_batch round trips.
	buffered := rpc.NewBuffered(client.Raw(), cfg.RPC.BatchMaxSize, cfg.RPC.BatchDelay())

	priceCache := buildPriceEstimator(buffered, cfg, clock)
	meta := auction.NewERC20Metadata(buffered, nil)
	gov := auction.NewStaticGovernance(nil)

	builder := auction.New(st, priceCache, meta, gov, clock,
		cfg.Auction.TotalDeadline(), time.Duration(cfg.NativePrice.BudgetMillis)*time.Millisecond, log.Named("auction"))
	builder.OnBuilt(func(d time.Duration) { reg.AuctionBuildLatency.Observe(d.Seconds()) })
	builder.TrackTokens(priceCache.Track)

	apiServer := api.NewServer(st, log.Named("api"))

	drivers := make([]competition.Driver, 0, len(cfg.Competition.Drivers))
	for _, d := range cfg.Competition.Drivers {
		drivers = append(drivers, competition.Driver{Name: d.Name, BaseURL: d.URL, SubmissionAddr: d.Address, Brotli: true})
	}
	driverClient := competition.NewDriverClient(&http.Client{Timeout: cfg.Auction.TotalDeadline()})

	runnerCfg := competition.Config{
		GuardHistoryWindow:       cfg.Competition.GuardHistoryWindow,
		GuardMaxFailureRate:      cfg.Competition.MaxSettlementFailureRate,
		GuardConsecutiveFailures: cfg.Competition.GuardConsecutiveFailures,
		SafetyBuffer:             cfg.Competition.SafetyBuffer(),
		MaxPriceDeviationBps:     cfg.Competition.MaxSettlementPriceDeviationBps,
		MaxOrdersPerDriver:       cfg.Competition.MaxOrdersPerDriver,
		PriorityMaxAge:           cfg.Competition.PriorityMaxAge(),
	}
	// Simulator, ExternalPrices, and SubmissionStrategy are all
	// documented nil-safe collaborators in pkg/competition: without a
	// forked-EVM simulator or a private relay configured, Phase B's
	// simulation check is skipped and Phase D settles through the
	// winning driver's own /settle endpoint. meta doubles as the
	// BalanceFetcher the order-prioritization tail-drop needs.
	runner := competition.New(st, driverClient, drivers, nil, nil, nil, meta, runnerCfg, log.Named("competition"), time.Now().UnixNano())
	runner.OnDriverRejected(func(driver, reason string) { reg.CompetitionDriverRejections.WithLabelValues(driver, reason).Inc() })
	runner.OnDriverLatency(func(driver string, d time.Duration) { reg.CompetitionDriverLatency.WithLabelValues(driver).Observe(d.Seconds()) })

	obsCfg := settlement.Config{
		ReorgSafeBlocks: settlement.ReorgSafeBlocks,
		PollInterval:    cfg.Settlement.PollInterval(),
		Haircuts:        settlement.HaircutBps{},
	}
	observer := settlement.New(client, st, settlement.GPv2Decoder{}, obsCfg, log.Named("settlement"))
	observer.OnDecodeFailed(func() { reg.SettlementDecodeFailed.Inc() })
	observer.OnObservation(func(obs domain.SettlementObservation) {
		reg.SettlementsObserved.Inc()
		if obs.Surplus != nil {
			surplusFloat, _ := new(big.Float).SetInt(obs.Surplus).Float64()
			reg.SettlementSurplus.Observe(surplusFloat)
		}
	})

	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	spawn(func() { ix.Run(ctx, indexerHeads) })
	spawn(func() {
		builder.Run(ctx, auctionHeads, tickerFunc(ctx, cfg.Auction.TickInterval()), func(a domain.Auction) {
			reg.AuctionsBuilt.Inc()
			apiServer.BroadcastAuction(a)

			reg.CompetitionRuns.Inc()
			winner, err := runner.RunCompetition(ctx, a)
			if err != nil {
				if _, ok := err.(domain.ErrNoSolution); ok {
					reg.CompetitionNoSolution.Inc()
				} else {
					log.Error("competition: run failed", zap.Int64("auction", a.Id), zap.Error(err))
				}
				return
			}
			log.Info("competition: winner", zap.Int64("auction", a.Id), zap.String("driver", winner.Driver))
		})
	})
	spawn(func() { observer.Run(ctx) })
	spawn(func() { priceCache.RunRefreshLoop(ctx, cfg.NativePrice.RefreshInterval()) })
	spawn(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", zap.Error(err))
		}
	})
	spawn(func() {
		if err := apiServer.Start(ctx, ":8090"); err != nil && err != http.ErrServerClosed {
			log.Error("api server exited", zap.Error(err))
		}
	})

	log.Info("autopilot started", zap.String("metrics_addr", cfg.MetricsAddr))
	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	return nil
}

func buildPriceEstimator(caller priceestimator.ContractCaller, cfg config.Config, clock util.Clock) *priceestimator.Cache {
	onchain := priceestimator.NewOnChain(caller, nil)
	httpOracle := priceestimator.NewHTTPOracle("http://localhost:8081", 5*time.Second)
	fallback := priceestimator.NewFallback(onchain, httpOracle, cfg.NativePrice.ProbeInterval(), clock)
	return priceestimator.NewCache(fallback, cfg.NativePrice.MaxAge(), cfg.NativePrice.MaxConcurrentRefresh, clock)
}

// tickerFunc adapts a plain time.Ticker to the channel-factory shape
// auction.Builder.Run expects, closing the channel when ctx ends so
// Run's select sees a clean shutdown rather than a leaked goroutine.
func tickerFunc(ctx context.Context, interval time.Duration) func() <-chan struct{} {
	return func() <-chan struct{} {
		out := make(chan struct{})
		go func() {
			defer close(out)
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					select {
					case out <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out
	}
}
