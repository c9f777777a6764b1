package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSaveAndLoadDeviceState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := DeviceState{
		Name:        "battery-1",
		SoC:         decimal.NewFromFloat(0.62),
		UsedStorage: decimal.NewFromFloat(6.2),
		SavedAt:     time.Now(),
	}

	if err := s.SaveDeviceState(state); err != nil {
		t.Fatalf("SaveDeviceState: %v", err)
	}

	loaded, err := s.LoadDeviceState("battery-1")
	if err != nil {
		t.Fatalf("LoadDeviceState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadDeviceState returned nil")
	}

	if !loaded.SoC.Equal(state.SoC) {
		t.Errorf("SoC = %v, want %v", loaded.SoC, state.SoC)
	}
	if !loaded.UsedStorage.Equal(state.UsedStorage) {
		t.Errorf("UsedStorage = %v, want %v", loaded.UsedStorage, state.UsedStorage)
	}
}

func TestLoadDeviceStateMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadDeviceState("nonexistent")
	if err != nil {
		t.Fatalf("LoadDeviceState: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing device state, got %+v", loaded)
	}
}

func TestSaveDeviceStateOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state1 := DeviceState{Name: "battery-1", SoC: decimal.NewFromFloat(0.1)}
	state2 := DeviceState{Name: "battery-1", SoC: decimal.NewFromFloat(0.9)}

	_ = s.SaveDeviceState(state1)
	_ = s.SaveDeviceState(state2)

	loaded, err := s.LoadDeviceState("battery-1")
	if err != nil {
		t.Fatalf("LoadDeviceState: %v", err)
	}
	if !loaded.SoC.Equal(decimal.NewFromFloat(0.9)) {
		t.Errorf("SoC = %v, want 0.9 (latest save)", loaded.SoC)
	}
}

func TestSaveDeviceStateSeparateFilesPerDevice(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveDeviceState(DeviceState{Name: "battery-1", SoC: decimal.NewFromFloat(0.3)})
	_ = s.SaveDeviceState(DeviceState{Name: "battery-2", SoC: decimal.NewFromFloat(0.7)})

	a, err := s.LoadDeviceState("battery-1")
	if err != nil {
		t.Fatalf("LoadDeviceState battery-1: %v", err)
	}
	b, err := s.LoadDeviceState("battery-2")
	if err != nil {
		t.Fatalf("LoadDeviceState battery-2: %v", err)
	}
	if !a.SoC.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("battery-1 SoC = %v, want 0.3", a.SoC)
	}
	if !b.SoC.Equal(decimal.NewFromFloat(0.7)) {
		t.Errorf("battery-2 SoC = %v, want 0.7", b.SoC)
	}
}
