package api

import (
	"time"

	"energymarket-sim/internal/config"
)

// MarketSnapshotProvider provides read-only snapshot access to the
// engine's current market window and registered devices. The engine
// implements this directly; it is the dashboard's only dependency on
// the simulation core.
type MarketSnapshotProvider interface {
	GetMarketsSnapshot() []MarketStatus
	GetDevicesSnapshot() []DeviceStatus
}

// BuildSnapshot aggregates state from the engine into a dashboard
// snapshot.
func BuildSnapshot(provider MarketSnapshotProvider, cfg config.Config) DashboardSnapshot {
	return DashboardSnapshot{
		Timestamp: time.Now(),
		Markets:   provider.GetMarketsSnapshot(),
		Devices:   provider.GetDevicesSnapshot(),
		Config:    NewConfigSummary(cfg),
	}
}
