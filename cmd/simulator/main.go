// energymarket-sim — a discrete-event peer-to-peer energy market
// simulator. Devices post offers and bids into per-time-slot markets;
// prices evolve during the slot under per-device update schedules;
// the matching engine clears two-sided markets each tick.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine         — orchestrator: tick clock, sliding market window, device lifecycle
//	internal/market         — per-slot order book: offers, bids, trades, splits, listeners
//	internal/matching       — pay-as-bid / pay-as-clear recommenders, external-matcher revalidation
//	internal/fee            — grid fee engines applied to posted prices
//	internal/scheduler      — per-device offer/bid rate schedules, tick-driven
//	internal/storage        — bidirectional storage device strategy (buy below bid rate, sell above offer rate)
//	internal/bus            — external message-bus subscriber + in-process broker
//	internal/profile        — HTTP-backed external rate-curve fetcher
//	internal/store          — crash-safe device state-of-charge persistence
//	internal/api            — optional dashboard HTTP/WS server
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"energymarket-sim/internal/api"
	"energymarket-sim/internal/config"
	"energymarket-sim/internal/engine"
	"energymarket-sim/internal/storage"
	"energymarket-sim/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	deviceCfgs := make([]engine.DeviceConfig, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		deviceCfgs = append(deviceCfgs, toEngineDeviceConfig(d, cfg.Market.SlotLength, cfg.Storage))
	}

	eng, err := engine.New(*cfg, deviceCfgs, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.Persistence.Enabled {
		recorder, err := store.Open(cfg.Persistence.Dir)
		if err != nil {
			logger.Error("failed to open device-state store", "error", err)
			os.Exit(1)
		}
		defer recorder.Close()
		eng.SetRecorder(recorder)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.StartSimulation(time.Now().Truncate(cfg.Market.SlotLength), cfg.Market.WindowSize); err != nil {
		logger.Error("failed to start simulation", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("simulation run failed", "error", err)
		}
	}()

	logger.Info("energy market simulator started",
		"market_type", cfg.Market.Type,
		"slot_length", cfg.Market.SlotLength,
		"tick_length", cfg.Market.TickLength,
		"devices", len(deviceCfgs),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
}

func toEngineDeviceConfig(d config.DeviceConfig, slotLength time.Duration, storageCfg config.StorageConfig) engine.DeviceConfig {
	return engine.DeviceConfig{
		Name:                 d.Name,
		Storage:              storageConfig(d, slotLength, storageCfg),
		OfferInitialRate:     decimal.NewFromFloat(d.OfferInitialRate),
		OfferFinalRate:       decimal.NewFromFloat(d.OfferFinalRate),
		OfferChangePerUpdate: decimal.NewFromFloat(d.OfferChangePerUpdate),
		BidInitialRate:       decimal.NewFromFloat(d.BidInitialRate),
		BidFinalRate:         decimal.NewFromFloat(d.BidFinalRate),
		BidChangePerUpdate:   decimal.NewFromFloat(d.BidChangePerUpdate),
		FitToLimit:           d.FitToLimit,
		DesiredBuyEnergyKWh:  decimal.NewFromFloat(d.DesiredBuyEnergyKWh),

		AlternativePricingScheme: storage.AlternativePricingScheme(storageCfg.AlternativePricingScheme),
		FeedInTariffPercentage:   decimal.NewFromFloat(storageCfg.FeedInTariffPercentage),
	}
}

func storageConfig(d config.DeviceConfig, slotLength time.Duration, storageCfg config.StorageConfig) storage.Config {
	return storage.Config{
		OwnerName:                 d.Name,
		CapacityKWh:               decimal.NewFromFloat(d.CapacityKWh),
		MinAllowedSOC:             decimal.NewFromFloat(d.MinAllowedSOC),
		MaxAbsBatteryPowerKW:      decimal.NewFromFloat(d.MaxAbsBatteryPowerKW),
		InitialSOC:                decimal.NewFromFloat(d.InitialSOC),
		SlotLength:                slotLength,
		TwoSided:                  d.TwoSided,
		CapPriceStrategy:          d.CapPriceStrategy,
		SellOnMostExpensiveMarket: storageCfg.SellOnMostExpensiveMarket,
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
