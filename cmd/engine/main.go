// The trading engine binary: market data ingestion, bar aggregation,
// indicators, asset selection, signal generation, circuit breakers, order
// execution and the campaign scheduler, wired into one process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/bars"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/campaign"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/executor"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/indicators"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/ingest"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/marketdata"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/risk"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/selection"
	tradesignal "github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/signal"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/staleness"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("environment", cfg.App.Environment).
		Str("exchange", cfg.Exchange.Name).
		Msg("starting trading engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	catalog, err := database.GetActiveSymbols(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load symbol catalog")
	}
	symbols := make([]string, 0, len(catalog))
	for _, s := range catalog {
		symbols = append(symbols, s.DisplaySymbol)
	}
	if len(symbols) == 0 {
		logger.Warn().Msg("symbol catalog is empty, engine will idle until symbols are seeded")
	}

	// Market data path: websocket stream with REST fallback polling, L2
	// writes coalesced per symbol.
	hot := marketdata.NewStore(redisClient, cfg.MarketData)
	restClient := ingest.NewRESTClient(cfg.Exchange)
	writer := marketdata.NewCoalescingWriter(hot, cfg.MarketData.L2WriteConcurrency)
	defer writer.Close()

	poller := ingest.NewPoller(cfg.Exchange, restClient, hot, writer, symbols)

	// Risk service first: the staleness guard feeds its breaker branch.
	mirror := risk.NewStateMirror(redisClient)
	riskService := risk.NewService(cfg.Risk, database, mirror)

	guard := staleness.NewGuard(cfg.Staleness, hot, poller, riskService, cfg.Exchange.Name, symbols)

	stream := ingest.NewStream(cfg.Exchange, cfg.MarketData, ingest.StreamOpts{
		Store:   hot,
		Writer:  writer,
		Symbols: symbols,
		OnState: func(connected bool) { poller.SetActive(!connected) },
		OnUnsupported: func(symbol string) {
			guard.MarkUnsupported(symbol)
			poller.RemoveSymbol(symbol)
		},
	})

	aggregator := bars.NewAggregator(hot, database, cfg.Exchange.Name, symbols)
	indicatorService := indicators.NewService(hot, database, cfg.Exchange.Name)
	selector := selection.NewSelector(cfg.Selection, database, indicatorService)
	signalEngine := tradesignal.NewEngine(cfg.Signals, cfg.Exchange.Fees, database, guard, riskService)

	var exec executor.Executor
	if restClient.HasCredentials() {
		exec = executor.NewLiveExecutor(restClient, cfg.Exchange.Name)
		logger.Info().Msg("live execution enabled")
	} else {
		exec = executor.NewPaperExecutor(hot, cfg.Exchange.Fees, cfg.Exchange.Name)
		logger.Info().Msg("no exchange credentials, running in paper mode")
	}

	scheduler := campaign.NewEngine(cfg.Scheduler, cfg.Risk, cfg.Exchange.Name, campaign.Deps{
		Store:    database,
		Selector: selector,
		Signals:  signalEngine,
		Ind:      indicatorService,
		Risk:     riskService,
		Exec:     exec,
		Quotes:   hot,
	})

	autoReset := riskService.StartAutoReset(ctx)
	defer autoReset.Stop()

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start metrics server")
		}
		updater := metrics.NewUpdater(database, database.Pool(), redisClient, 15*time.Second)
		go updater.Run(ctx)
	}

	go stream.Run(ctx)
	go poller.Run(ctx)
	go guard.Run(ctx)
	go aggregator.Run(ctx)
	go scheduler.Run(ctx)

	logger.Info().Int("symbols", len(symbols)).Msg("engine running")
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}
	logger.Info().Msg("shutdown complete")
}
