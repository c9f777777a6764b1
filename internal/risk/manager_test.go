package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"energymarket-sim/internal/config"
)

func testGuardConfig() config.GuardConfig {
	return config.GuardConfig{
		MaxGlobalTradedKWh: 500,
		SoCSwingPct:        0.10, // 10%
		SwingWindowSec:     60,
		CooldownAfterTrip:  5 * time.Minute,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testGuardConfig(), logger)
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(DeviceReport{
		DeviceName:      "battery-1",
		MarketID:        "m1",
		SoC:             0.5,
		UsedStorageKWh:  5,
		CapacityKWh:     10,
		TradedEnergyKWh: 1,
		Timestamp:       time.Now(),
	})

	if rm.pausedGlobal {
		t.Error("guard should not trip for report under limits")
	}

	select {
	case sig := <-rm.signalCh:
		t.Errorf("unexpected guard signal: %+v", sig)
	default:
	}
}

func TestProcessReportCapacityBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(DeviceReport{
		DeviceName:     "battery-1",
		MarketID:       "m1",
		UsedStorageKWh: 15, // exceeds 10 kWh capacity
		CapacityKWh:    10,
		Timestamp:      time.Now(),
	})

	if _, paused := rm.devicePauses["battery-1"]; !paused {
		t.Error("device should be paused for capacity breach")
	}

	select {
	case sig := <-rm.signalCh:
		if sig.DeviceName != "battery-1" {
			t.Errorf("guard signal device = %q, want battery-1", sig.DeviceName)
		}
	default:
		t.Error("expected guard signal on channel")
	}
}

func TestProcessReportGlobalTradedBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(DeviceReport{DeviceName: "d1", TradedEnergyKWh: 90, CapacityKWh: 1000, Timestamp: time.Now()})
	rm.processReport(DeviceReport{DeviceName: "d2", TradedEnergyKWh: 90, CapacityKWh: 1000, Timestamp: time.Now()})
	rm.processReport(DeviceReport{DeviceName: "d3", TradedEnergyKWh: 90, CapacityKWh: 1000, Timestamp: time.Now()})
	rm.processReport(DeviceReport{DeviceName: "d4", TradedEnergyKWh: 90, CapacityKWh: 1000, Timestamp: time.Now()})
	rm.processReport(DeviceReport{DeviceName: "d5", TradedEnergyKWh: 90, CapacityKWh: 1000, Timestamp: time.Now()})
	rm.processReport(DeviceReport{DeviceName: "d6", TradedEnergyKWh: 90, CapacityKWh: 1000, Timestamp: time.Now()})

	if !rm.pausedGlobal {
		t.Error("guard should trip for global traded-energy breach")
	}

	drained := 0
	for {
		select {
		case <-rm.signalCh:
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Error("expected at least one guard signal")
	}
}

func TestCheckSoCSwingNormal(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()

	rm.processReport(DeviceReport{DeviceName: "battery-1", SoC: 0.50, CapacityKWh: 10, Timestamp: now})
	rm.processReport(DeviceReport{DeviceName: "battery-1", SoC: 0.54, CapacityKWh: 10, Timestamp: now.Add(10 * time.Second)})

	select {
	case <-rm.signalCh:
		t.Error("should not trip for a 4% SoC move")
	default:
	}
}

func TestCheckSoCSwingSpike(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()

	rm.processReport(DeviceReport{DeviceName: "battery-1", SoC: 0.50, CapacityKWh: 10, Timestamp: now})
	rm.processReport(DeviceReport{DeviceName: "battery-1", SoC: 0.15, CapacityKWh: 10, Timestamp: now.Add(10 * time.Second)})

	if _, paused := rm.devicePauses["battery-1"]; !paused {
		t.Error("guard should trip for a 35% SoC swing")
	}
}

func TestIsPausedCooldown(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.cfg.CooldownAfterTrip = 100 * time.Millisecond
	rm.processReport(DeviceReport{
		DeviceName:     "battery-1",
		UsedStorageKWh: 20, // exceeds capacity
		CapacityKWh:    10,
		Timestamp:      time.Now(),
	})

	if !rm.IsPaused("battery-1") {
		t.Error("device should be paused immediately after breach")
	}

	time.Sleep(150 * time.Millisecond)

	if rm.IsPaused("battery-1") {
		t.Error("device pause should expire after cooldown")
	}
}

func TestRemoveDeviceRecomputesTotals(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()
	rm.processReport(DeviceReport{DeviceName: "d1", TradedEnergyKWh: 6, CapacityKWh: 100, Timestamp: now})
	rm.processReport(DeviceReport{DeviceName: "d2", TradedEnergyKWh: 7, CapacityKWh: 100, Timestamp: now})

	if got := rm.totalTraded; got != 13 {
		t.Fatalf("totalTraded before remove = %v, want 13", got)
	}

	rm.RemoveDevice("d2")

	if got := rm.totalTraded; got != 6 {
		t.Fatalf("totalTraded after remove = %v, want 6", got)
	}
}
