// Package config defines all configuration for the simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via SIM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Market    MarketConfig    `mapstructure:"market"`
	Fee       FeeConfig       `mapstructure:"fee"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Bus       BusConfig       `mapstructure:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Guard     GuardConfig     `mapstructure:"guard"`
}

// GuardConfig sets the safety-guard thresholds that pause a device or
// the whole simulation when a storage or market invariant looks
// violated (a misconfiguration or scheduler bug, not a normal market
// outcome).
type GuardConfig struct {
	MaxGlobalTradedKWh float64       `mapstructure:"max_global_traded_kwh"`
	SoCSwingPct        float64       `mapstructure:"soc_swing_pct"`
	SwingWindowSec     int           `mapstructure:"swing_window_sec"`
	CooldownAfterTrip  time.Duration `mapstructure:"cooldown_after_trip"`
}

// PersistenceConfig controls crash-safe device-state persistence
// across restarts.
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// DeviceConfig describes one storage device to register with the
// engine at startup. Rates are plain float64 here (viper/YAML native
// type); main.go converts to decimal.Decimal when building the
// engine's own DeviceConfig.
type DeviceConfig struct {
	Name                 string  `mapstructure:"name"`
	CapacityKWh          float64 `mapstructure:"capacity_kwh"`
	MinAllowedSOC        float64 `mapstructure:"min_allowed_soc"`
	MaxAbsBatteryPowerKW float64 `mapstructure:"max_abs_battery_power_kw"`
	InitialSOC           float64 `mapstructure:"initial_soc"`
	TwoSided             bool    `mapstructure:"two_sided"`
	CapPriceStrategy     bool    `mapstructure:"cap_price_strategy"`
	OfferInitialRate     float64 `mapstructure:"offer_initial_rate"`
	OfferFinalRate       float64 `mapstructure:"offer_final_rate"`
	OfferChangePerUpdate float64 `mapstructure:"offer_change_per_update"`
	BidInitialRate       float64 `mapstructure:"bid_initial_rate"`
	BidFinalRate         float64 `mapstructure:"bid_final_rate"`
	BidChangePerUpdate   float64 `mapstructure:"bid_change_per_update"`
	FitToLimit           bool    `mapstructure:"fit_to_limit"`
	DesiredBuyEnergyKWh  float64 `mapstructure:"desired_buy_energy_kwh"`
}

// MarketType selects how bids/offers get matched into trades.
type MarketType int

const (
	MarketTypeOneSided MarketType = iota + 1
	MarketTypeTwoSidedPayAsBid
	MarketTypeTwoSidedPayAsClear
	MarketTypeExternalMatcher
)

// MarketConfig sets the slot/tick clock every market and device shares.
type MarketConfig struct {
	Type         int           `mapstructure:"type"`
	SlotLength   time.Duration `mapstructure:"slot_length"`
	TickLength   time.Duration `mapstructure:"tick_length"`
	TicksPerSlot int           `mapstructure:"ticks_per_slot"`
	// WindowSize is how many consecutive slot markets stay open for
	// trading at once (the current slot plus future slots). The
	// engine keeps exactly this many markets in its sliding window.
	WindowSize int `mapstructure:"window_size"`
}

// FeeConfig selects and parameterizes the grid-fee engine (C2).
type FeeConfig struct {
	Type          string  `mapstructure:"type"` // "constant" or "percentage"
	ConstantPerKWh float64 `mapstructure:"constant_per_kwh"`
	PercentageRate float64 `mapstructure:"percentage_rate"`
}

// MatchingConfig parameterizes the matching engine (C3).
type MatchingConfig struct {
	ExternalMatcherWorkers int           `mapstructure:"external_matcher_workers"`
	PublishResponseTimeout time.Duration `mapstructure:"publish_response_timeout"`
}

// SchedulerConfig sets the tick-driven price scheduler parameters (C4)
// shared by every device.
type SchedulerConfig struct {
	MinUpdateIntervalMinutes int           `mapstructure:"min_update_interval_minutes"`
	DefaultUpdateInterval    time.Duration `mapstructure:"default_update_interval"`
}

// StorageConfig sets the default storage device parameters (C5).
type StorageConfig struct {
	MinAllowedSOC              float64 `mapstructure:"min_allowed_soc"`
	SellOnMostExpensiveMarket  bool    `mapstructure:"sell_on_most_expensive_market"`
	AlternativePricingScheme   int     `mapstructure:"alternative_pricing_scheme"`
	FeedInTariffPercentage     float64 `mapstructure:"feed_in_tariff_percentage"`
}

// BusConfig controls the external message-bus connection (§4.5/§6).
type BusConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url"`
	WorkerPoolSize     int           `mapstructure:"worker_pool_size"`
	StopJoinTimeout    time.Duration `mapstructure:"stop_join_timeout"`
	DispatchBottomToTop bool         `mapstructure:"dispatch_bottom_to_top"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the optional web dashboard server (an
// out-of-scope, interface-specified reporter collaborator).
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the update-interval bounds plus the remaining
// required fields. Per-device rate orderings are not checked here; the
// engine checks them when it registers devices and populates their
// schedules, which also happens before the first tick.
func (c *Config) Validate() error {
	switch MarketType(c.Market.Type) {
	case MarketTypeOneSided, MarketTypeTwoSidedPayAsBid, MarketTypeTwoSidedPayAsClear, MarketTypeExternalMatcher:
	default:
		return fmt.Errorf("market.type must be one of 1 (one-sided), 2 (pay-as-bid), 3 (pay-as-clear), 4 (external-matcher)")
	}
	if c.Market.SlotLength <= 0 {
		return fmt.Errorf("market.slot_length must be > 0")
	}
	if c.Market.TickLength <= 0 {
		return fmt.Errorf("market.tick_length must be > 0")
	}
	if c.Market.TicksPerSlot <= 0 {
		return fmt.Errorf("market.ticks_per_slot must be > 0")
	}
	if c.Market.WindowSize <= 0 {
		return fmt.Errorf("market.window_size must be > 0")
	}

	switch c.Fee.Type {
	case "constant":
		if c.Fee.ConstantPerKWh < 0 {
			return fmt.Errorf("fee.constant_per_kwh must be >= 0")
		}
	case "percentage":
		if c.Fee.PercentageRate < 0 {
			return fmt.Errorf("fee.percentage_rate must be >= 0")
		}
	default:
		return fmt.Errorf("fee.type must be one of: constant, percentage")
	}

	if c.Matching.ExternalMatcherWorkers <= 0 {
		return fmt.Errorf("matching.external_matcher_workers must be > 0")
	}

	if c.Scheduler.MinUpdateIntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.min_update_interval_minutes must be > 0")
	}
	minInterval := time.Duration(c.Scheduler.MinUpdateIntervalMinutes) * time.Minute
	if c.Scheduler.DefaultUpdateInterval < minInterval {
		return fmt.Errorf("scheduler.default_update_interval (%s) must be >= scheduler.min_update_interval_minutes (%s)",
			c.Scheduler.DefaultUpdateInterval, minInterval)
	}
	if c.Scheduler.DefaultUpdateInterval >= c.Market.SlotLength {
		return fmt.Errorf("scheduler.default_update_interval must be < market.slot_length")
	}

	if c.Storage.MinAllowedSOC < 0 || c.Storage.MinAllowedSOC > 1 {
		return fmt.Errorf("storage.min_allowed_soc must be in [0, 1]")
	}
	switch c.Storage.AlternativePricingScheme {
	case 0, 1, 2, 3:
	default:
		return fmt.Errorf("storage.alternative_pricing_scheme must be one of: 0, 1, 2, 3")
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device name is required")
		}
	}

	if c.Guard.MaxGlobalTradedKWh < 0 {
		return fmt.Errorf("guard.max_global_traded_kwh must be >= 0")
	}
	if c.Guard.SoCSwingPct < 0 {
		return fmt.Errorf("guard.soc_swing_pct must be >= 0")
	}

	if c.Bus.Enabled {
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.enabled is true")
		}
		if c.Bus.WorkerPoolSize <= 0 {
			return fmt.Errorf("bus.worker_pool_size must be > 0")
		}
		if c.Bus.StopJoinTimeout <= 0 {
			return fmt.Errorf("bus.stop_join_timeout must be > 0")
		}
	}

	return nil
}
