// Package params holds the engine's configuration surface: fee schedules,
// perpetual defaults, scheduler debounce, and storage/event back-pressure
// limits. Values come from defaults, overridden by an optional .env file,
// overridden again by the process environment.
package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Fees holds basis-point fee rates applied to quote notional.
type Fees struct {
	SpotMakerBps   int64
	SpotTakerBps   int64
	PerpMakerBps   int64
	PerpTakerBps   int64
	LiquidationBps int64
}

// Perp holds defaults applied to perpetual markets that omit a value.
type Perp struct {
	DefaultMaxLeverage  int64
	FundingIntervalSecs int64
	FundingRateCapWei   string // decimal string, parsed by fixedpoint at startup
}

// Scheduler holds C8 tuning knobs.
type Scheduler struct {
	MarkQuiescentMs int64
}

// Store holds C7 backpressure tuning.
type Store struct {
	QueueCapacity int
}

// Events holds C6 tuning.
type Events struct {
	SubscriberTimeoutMs int64
}

// Risk holds engine-wide risk toggles.
type Risk struct {
	SelfTradePrevent bool
}

// Config is the full engine configuration.
type Config struct {
	Fees      Fees
	Perp      Perp
	Scheduler Scheduler
	Store     Store
	Events    Events
	Risk      Risk
}

// Default returns the engine's baseline configuration.
func Default() Config {
	return Config{
		Fees: Fees{
			SpotMakerBps:   10,
			SpotTakerBps:   20,
			PerpMakerBps:   -2,
			PerpTakerBps:   5,
			LiquidationBps: 50,
		},
		Perp: Perp{
			DefaultMaxLeverage:  50,
			FundingIntervalSecs: 3600,
			FundingRateCapWei:   "0.0075",
		},
		Scheduler: Scheduler{
			MarkQuiescentMs: 200,
		},
		Store: Store{
			QueueCapacity: 4096,
		},
		Events: Events{
			SubscriberTimeoutMs: 2000,
		},
		Risk: Risk{
			SelfTradePrevent: true,
		},
	}
}

// LoadFromEnv loads configuration from an optional .env file and the process
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("FEES_SPOT_MAKER_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.SpotMakerBps = n
		}
	}
	if v := os.Getenv("FEES_SPOT_TAKER_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.SpotTakerBps = n
		}
	}
	if v := os.Getenv("FEES_PERP_MAKER_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.PerpMakerBps = n
		}
	}
	if v := os.Getenv("FEES_PERP_TAKER_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.PerpTakerBps = n
		}
	}
	if v := os.Getenv("FEES_LIQUIDATION_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fees.LiquidationBps = n
		}
	}
	if v := os.Getenv("PERP_DEFAULT_MAX_LEVERAGE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Perp.DefaultMaxLeverage = n
		}
	}
	if v := os.Getenv("PERP_FUNDING_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Perp.FundingIntervalSecs = n
		}
	}
	if v := os.Getenv("PERP_FUNDING_RATE_CAP_WEI"); v != "" {
		cfg.Perp.FundingRateCapWei = v
	}
	if v := os.Getenv("SCHEDULER_MARK_QUIESCENT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Scheduler.MarkQuiescentMs = n
		}
	}
	if v := os.Getenv("STORE_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.QueueCapacity = n
		}
	}
	if v := os.Getenv("EVENTS_SUBSCRIBER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Events.SubscriberTimeoutMs = n
		}
	}
	if v := os.Getenv("RISK_SELF_TRADE_PREVENT"); v != "" {
		cfg.Risk.SelfTradePrevent = v == "true"
	}

	return cfg
}

// FundingInterval returns the configured funding interval as a duration.
func (p Perp) FundingInterval() time.Duration {
	return time.Duration(p.FundingIntervalSecs) * time.Second
}

// SubscriberTimeout returns the configured subscriber eviction timeout.
func (e Events) SubscriberTimeout() time.Duration {
	return time.Duration(e.SubscriberTimeoutMs) * time.Millisecond
}

// MarkQuiescent returns the configured mark-update debounce window.
func (s Scheduler) MarkQuiescent() time.Duration {
	return time.Duration(s.MarkQuiescentMs) * time.Millisecond
}
