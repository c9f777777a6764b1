package api

import (
	"time"

	"energymarket-sim/internal/config"
)

// DashboardSnapshot represents the complete dashboard state: every
// currently open market plus every registered device.
type DashboardSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Markets   []MarketStatus `json:"markets"`
	Devices   []DeviceStatus `json:"devices"`
	Config    ConfigSummary  `json:"config"`
}

// MarketStatus represents one open or recently-closed slot market.
type MarketStatus struct {
	MarketID    string    `json:"market_id"`
	TimeSlot    time.Time `json:"time_slot"`
	IsReadonly  bool      `json:"is_readonly"`
	OfferCount  int       `json:"offer_count"`
	BidCount    int       `json:"bid_count"`
	BestOffer   float64   `json:"best_offer_rate"`
	BestBid     float64   `json:"best_bid_rate"`
	TradeCount  int       `json:"trade_count"`
	TradeEnergy float64   `json:"accumulated_trade_energy_kwh"`
}

// DeviceStatus represents one storage device's current state.
type DeviceStatus struct {
	Name        string  `json:"name"`
	SoC         float64 `json:"soc"`
	CapacityKWh float64 `json:"capacity_kwh"`
}

// ConfigSummary represents the simulation parameters shown on the
// dashboard's configuration panel.
type ConfigSummary struct {
	MarketType         int     `json:"market_type"`
	SlotLengthMinutes  float64 `json:"slot_length_minutes"`
	TickLengthMinutes  float64 `json:"tick_length_minutes"`
	FeeType            string  `json:"fee_type"`
	ExternalMatcherMax int     `json:"external_matcher_workers"`
	DeviceCount        int     `json:"device_count"`
}

// NewConfigSummary creates a config summary from the simulator config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		MarketType:         cfg.Market.Type,
		SlotLengthMinutes:  cfg.Market.SlotLength.Minutes(),
		TickLengthMinutes:  cfg.Market.TickLength.Minutes(),
		FeeType:            cfg.Fee.Type,
		ExternalMatcherMax: cfg.Matching.ExternalMatcherWorkers,
		DeviceCount:        len(cfg.Devices),
	}
}
