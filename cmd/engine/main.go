package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnidex-labs/matchcore/params"
	"github.com/omnidex-labs/matchcore/pkg/engine"
	"github.com/omnidex-labs/matchcore/pkg/eventbus"
	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/store"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

// main wires the matching/risk engine's components together and runs its
// background loops (funding, write-through persistence). There is no
// ingress here by design (transport/API is a Non-goal) — this binary is
// the process that an ingress layer would embed engine.Engine into.
func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/matchcore.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data/pebble"
	}
	tier, err := store.NewPebbleTier(dataDir)
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "err", err, "dir", dataDir)
	}
	defer tier.Close()

	queue := store.NewQueue(cfg.Store.QueueCapacity)
	worker := store.NewWorker(queue, tier, logger)
	go worker.Run()

	bus := eventbus.New(cfg.Events.SubscriberTimeout(), util.RealClock{})

	registry := market.NewRegistry()
	eng := engine.New(cfg, registry, bus, queue, util.RealClock{}, logger)

	fundingRateCap := fixedpoint.MustFromDecimalString(cfg.Perp.FundingRateCapWei)

	perpMarkets := []market.Params{
		{
			ID:                   "BTC-USD",
			Base:                 "BTC",
			Quote:                "USD",
			Kind:                 market.Perpetual,
			TickSize:             fixedpoint.MustFromDecimalString("0.01"),
			SizeIncrement:        fixedpoint.MustFromDecimalString("0.0001"),
			MinSize:              fixedpoint.MustFromDecimalString("0.0001"),
			MaxSize:              fixedpoint.MustFromDecimalString("10000"),
			MakerFeeBps:          cfg.Fees.PerpMakerBps,
			TakerFeeBps:          cfg.Fees.PerpTakerBps,
			MaxLeverage:          cfg.Perp.DefaultMaxLeverage,
			InitialMarginBps:     500,
			MaintenanceMarginBps: 300,
			FundingInterval:      cfg.Perp.FundingInterval(),
			FundingRateCap:       fundingRateCap,
		},
	}
	spotMarkets := []market.Params{
		{
			ID:            "XOM-USDC",
			Base:          "XOM",
			Quote:         "USDC",
			Kind:          market.Spot,
			TickSize:      fixedpoint.MustFromDecimalString("0.01"),
			SizeIncrement: fixedpoint.MustFromDecimalString("1"),
			MinSize:       fixedpoint.MustFromDecimalString("1"),
			MaxSize:       fixedpoint.MustFromDecimalString("1000000"),
			MakerFeeBps:   cfg.Fees.SpotMakerBps,
			TakerFeeBps:   cfg.Fees.SpotTakerBps,
		},
	}

	for _, p := range spotMarkets {
		if _, err := eng.RegisterMarket(p); err != nil {
			sugar.Fatalw("register_market_failed", "err", err, "market", p.ID)
		}
	}
	for _, p := range perpMarkets {
		if _, err := eng.RegisterMarket(p); err != nil {
			sugar.Fatalw("register_market_failed", "err", err, "market", p.ID)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fundingStop := make(chan struct{})
	for _, p := range perpMarkets {
		marketID := p.ID
		interval := p.FundingInterval
		go eng.RunFundingLoop(marketID, interval, p.FundingRateCap, fundingStop)
		sugar.Infow("funding_loop_started", "market", marketID, "interval", interval)
	}

	sugar.Infow("engine_started",
		"perp_markets", len(perpMarkets),
		"spot_markets", len(spotMarkets),
		"queue_capacity", cfg.Store.QueueCapacity,
	)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutdown_signal_received")
			close(fundingStop)
			queue.Close()
			<-worker.Done()
			sugar.Infow("queue_drain_complete", "high_water_mark", queue.HighWaterMark())
			return
		case <-ticker.C:
			sugar.Infow("engine_heartbeat", "queue_len", queue.Len())
		}
	}
}
