// Package risk enforces device- and market-level safety limits across
// the running simulation.
//
// The guard runs as a standalone goroutine that receives DeviceReports
// from the engine after every slot roll and checks them against
// configured limits:
//
//   - Per-device storage bound:  a device reporting used-storage above
//     its own capacity means the storage invariant (0 ≤ used ≤ capacity)
//     has already been violated upstream — a configuration or scheduler
//     bug, not a market outcome.
//   - Global traded energy:      caps total kWh traded across all open
//     markets in a rolling window, catching a runaway matching loop.
//   - Rapid SoC movement:        triggers a guard signal if a device's
//     state of charge moves more than SoCSwingPct within SwingWindowSec
//     seconds — a real battery cannot swing that fast; it signals bad
//     input data.
//
// When a limit is breached, the guard emits a GuardSignal on SignalCh()
// and pauses the offending device (or all devices, for a global breach).
// The engine asks IsPaused before each device's market cycle and skips
// a paused device. After a trip, the pause stays active for
// CooldownAfterTrip, during which the device's scheduler output is not
// reposted.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"energymarket-sim/internal/config"
)

// DeviceReport is sent by the engine after each slot roll for a device.
// It carries the current storage state for guard evaluation.
type DeviceReport struct {
	DeviceName       string
	MarketID         string
	SoC              float64 // state of charge, in [0, 1]
	UsedStorageKWh   float64
	CapacityKWh      float64
	TradedEnergyKWh  float64 // energy this device traded this slot
	Timestamp        time.Time
}

// GuardSignal tells the engine to pause a device from posting. If
// DeviceName is empty, it means pause ALL devices (global trip).
type GuardSignal struct {
	DeviceName string // empty = pause ALL devices
	Reason     string
}

// socAnchor stores a reference SoC at a point in time for detecting
// rapid charge/discharge swings within a rolling window.
type socAnchor struct {
	soc       float64
	timestamp time.Time
}

// Manager enforces safety limits across all active devices and
// markets. It aggregates device reports, checks limits, and emits
// guard signals when breached.
type Manager struct {
	cfg    config.GuardConfig
	logger *slog.Logger

	mu              sync.RWMutex
	devices         map[string]DeviceReport // latest report per device
	totalTraded     float64                 // sum of TradedEnergyKWh this window
	pausedGlobal    bool                    // true while in global cooldown
	pausedUntil     time.Time               // when global cooldown expires
	socAnchors      map[string]socAnchor    // reference SoC for swing detection
	devicePauses    map[string]time.Time    // per-device cooldown expiry

	reportCh chan DeviceReport // engine writes here
	signalCh chan GuardSignal  // engine reads guard signals from here
}

// NewManager creates a safety guard.
func NewManager(cfg config.GuardConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		devices:      make(map[string]DeviceReport),
		socAnchors:   make(map[string]socAnchor),
		devicePauses: make(map[string]time.Time),
		reportCh:     make(chan DeviceReport, 100),
		signalCh:     make(chan GuardSignal, 10),
	}
}

// Run starts the guard monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredPauses()
		}
	}
}

// Report submits a device report (non-blocking).
func (rm *Manager) Report(report DeviceReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("guard report channel full, dropping report", "device", report.DeviceName)
	}
}

// SignalCh returns the channel for reading guard signals.
func (rm *Manager) SignalCh() <-chan GuardSignal {
	return rm.signalCh
}

// RemoveDevice cleans up state for a deregistered device.
func (rm *Manager) RemoveDevice(name string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.devices, name)
	delete(rm.socAnchors, name)
	delete(rm.devicePauses, name)

	rm.totalTraded = 0
	for _, d := range rm.devices {
		rm.totalTraded += d.TradedEnergyKWh
	}
}

// IsPaused returns whether the named device (or the whole simulation,
// via a prior global trip) is currently paused from posting.
func (rm *Manager) IsPaused(deviceName string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.pausedGlobal {
		if time.Now().After(rm.pausedUntil) {
			rm.pausedGlobal = false
			rm.logger.Info("global guard cooldown expired")
		} else {
			return true
		}
	}

	until, ok := rm.devicePauses[deviceName]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(rm.devicePauses, deviceName)
		return false
	}
	return true
}

// GuardSnapshot represents aggregate safety metrics for the dashboard.
type GuardSnapshot struct {
	TotalTradedKWh  float64
	MaxTradedKWh    float64
	PausedGlobal    bool
	PausedUntil     time.Time
	PausedDevices   int
	ActiveDevices   int
}

// GetGuardSnapshot returns a point-in-time view of guard state.
func (rm *Manager) GetGuardSnapshot() GuardSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	return GuardSnapshot{
		TotalTradedKWh: rm.totalTraded,
		MaxTradedKWh:   rm.cfg.MaxGlobalTradedKWh,
		PausedGlobal:   rm.pausedGlobal,
		PausedUntil:    rm.pausedUntil,
		PausedDevices:  len(rm.devicePauses),
		ActiveDevices:  len(rm.devices),
	}
}

func (rm *Manager) processReport(report DeviceReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.devices[report.DeviceName] = report

	rm.totalTraded = 0
	for _, d := range rm.devices {
		rm.totalTraded += d.TradedEnergyKWh
	}

	if report.CapacityKWh > 0 && report.UsedStorageKWh > report.CapacityKWh {
		rm.emitTrip(report.DeviceName, fmt.Sprintf(
			"used storage %.3f kWh exceeds capacity %.3f kWh", report.UsedStorageKWh, report.CapacityKWh))
	}

	if rm.cfg.MaxGlobalTradedKWh > 0 && rm.totalTraded > rm.cfg.MaxGlobalTradedKWh {
		rm.emitTrip("", "global traded-energy limit breached")
	}

	rm.checkSoCSwing(report)
}

// checkSoCSwing detects rapid charge/discharge using a rolling anchor.
// On each report, it compares SoC to the anchor set at the start of the
// window. If the anchor is older than SwingWindowSec, it resets. If SoC
// moved more than SoCSwingPct from the anchor, the guard trips.
func (rm *Manager) checkSoCSwing(report DeviceReport) {
	if rm.cfg.SwingWindowSec <= 0 || rm.cfg.SoCSwingPct <= 0 {
		return
	}
	window := time.Duration(rm.cfg.SwingWindowSec) * time.Second

	anchor, ok := rm.socAnchors[report.DeviceName]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		rm.socAnchors[report.DeviceName] = socAnchor{soc: report.SoC, timestamp: report.Timestamp}
		return
	}

	delta := report.SoC - anchor.soc
	if delta < 0 {
		delta = -delta
	}

	if delta > rm.cfg.SoCSwingPct {
		rm.emitTrip(report.DeviceName, fmt.Sprintf(
			"SoC swung %.1f%% in %ds", delta*100, rm.cfg.SwingWindowSec))
	}
}

func (rm *Manager) clearExpiredPauses() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.pausedGlobal && time.Now().After(rm.pausedUntil) {
		rm.pausedGlobal = false
		rm.logger.Info("global guard cooldown expired")
	}
	for name, until := range rm.devicePauses {
		if time.Now().After(until) {
			delete(rm.devicePauses, name)
		}
	}
}

// emitTrip activates a pause (global if deviceName is empty), starts
// the cooldown timer, and sends a GuardSignal to the engine. If the
// signal channel is full, it drains the stale signal first so the
// latest trip reason is always delivered.
func (rm *Manager) emitTrip(deviceName, reason string) {
	until := time.Now().Add(rm.cfg.CooldownAfterTrip)
	if deviceName == "" {
		rm.pausedGlobal = true
		rm.pausedUntil = until
	} else {
		rm.devicePauses[deviceName] = until
	}

	rm.logger.Error("GUARD TRIP", "device", deviceName, "reason", reason, "cooldown_until", until)

	sig := GuardSignal{DeviceName: deviceName, Reason: reason}
	select {
	case rm.signalCh <- sig:
	default:
		select {
		case <-rm.signalCh:
		default:
		}
		rm.signalCh <- sig
	}
}
