package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Market: MarketConfig{
			Type:         int(MarketTypeTwoSidedPayAsBid),
			SlotLength:   60 * time.Minute,
			TickLength:   1 * time.Minute,
			TicksPerSlot: 60,
			WindowSize:   4,
		},
		Fee: FeeConfig{Type: "constant", ConstantPerKWh: 0.01},
		Matching: MatchingConfig{
			ExternalMatcherWorkers: 10,
			PublishResponseTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MinUpdateIntervalMinutes: 1,
			DefaultUpdateInterval:    15 * time.Minute,
		},
		Storage: StorageConfig{MinAllowedSOC: 0.1, AlternativePricingScheme: 0},
		Devices: []DeviceConfig{{Name: "battery-1"}},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsUnknownMarketType(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Market.Type = 99
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown market type")
	}
}

func TestValidateRejectsUpdateIntervalBelowMinimum(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Scheduler.DefaultUpdateInterval = 30 * time.Second
	cfg.Scheduler.MinUpdateIntervalMinutes = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for update interval below minimum")
	}
}

func TestValidateRejectsUpdateIntervalNotLessThanSlot(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Scheduler.DefaultUpdateInterval = cfg.Market.SlotLength
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error when update interval >= slot length")
	}
}

func TestValidateRejectsOutOfRangeSOC(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Storage.MinAllowedSOC = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for out-of-range min_allowed_soc")
	}
}

func TestValidateRejectsUnknownFeeType(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Fee.Type = "flat-ish"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown fee type")
	}
}

func TestValidateRejectsZeroWindowSize(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Market.WindowSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for zero window_size")
	}
}

func TestValidateRejectsNoDevices(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Devices = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for no devices configured")
	}
}

func TestValidateRejectsNegativeGuardThresholds(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Guard.MaxGlobalTradedKWh = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for negative guard.max_global_traded_kwh")
	}
}

func TestValidateRequiresBusURLWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Bus.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing bus.url")
	}
}
