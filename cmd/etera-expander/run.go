package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/etera-expander/db"
	"github.com/thatsimonsguy/etera-expander/internal/api"
	"github.com/thatsimonsguy/etera-expander/internal/config"
	"github.com/thatsimonsguy/etera-expander/internal/controllers/heatingcontroller"
	"github.com/thatsimonsguy/etera-expander/internal/datadog"
	"github.com/thatsimonsguy/etera-expander/internal/etera"
	"github.com/thatsimonsguy/etera-expander/internal/heatpump"
	"github.com/thatsimonsguy/etera-expander/internal/model"
	"github.com/thatsimonsguy/etera-expander/internal/notifications"
	"github.com/thatsimonsguy/etera-expander/internal/telemetry"
	"github.com/thatsimonsguy/etera-expander/internal/temperature"
	"github.com/thatsimonsguy/etera-expander/system/shutdown"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heating controller service",
	RunE:  runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(true)

	log.Info().
		Str("config", configPath).
		Str("expander", cfg.Expander.Port).
		Bool("heat_pump", cfg.HeatPump.Enabled).
		Int("loops", len(cfg.Control.LoopOperation)).
		Msg("Starting etera-expander")

	datadog.InitMetrics(cfg.Datadog)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := db.SeedLoops(conn, cfg.Control.LoopModes()); err != nil {
		conn.Close()
		return err
	}

	source, closeSource, err := openHeatPump(cfg.HeatPump)
	if err != nil {
		conn.Close()
		return err
	}

	port, err := openSerial(cfg.Expander)
	if err != nil {
		closeSource()
		conn.Close()
		return err
	}
	bridge := etera.New(port, etera.Options{ReadTimeout: cfg.Expander.Timeout()})

	notifier := notifications.New(cfg.NtfyTopic)

	var controller *heatingcontroller.Controller
	var publisher *telemetry.Publisher
	if cfg.MQTT.Enabled {
		publisher = telemetry.New(cfg.MQTT, func(loop int, mode model.LoopMode) error {
			return controller.SetLoopMode(loop, mode)
		})
	}
	filter := temperature.NewFilter(cfg.TemperatureFilter, notifier)
	controller = heatingcontroller.New(conn, bridge, source, cfg.Control, publisher, notifier, filter)

	// the engine outlives the control loop so relays can still be switched off
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		bridge.Run(engineCtx)
	}()

	shutdown.Register(bridge, safeRelays(cfg.Control),
		func() { conn.Close() },
		closeSource,
		func() { port.Close() },
		func() {
			stopEngine()
			<-engineDone
		},
		publisher.Close,
		datadog.Close,
	)

	sink := &eventSink{
		db:           conn,
		publisher:    publisher,
		notifier:     notifier,
		thermometers: cfg.Expander.NumberOfThermometers,
	}
	go sink.run(engineCtx, bridge.Events())

	publisher.Connect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(conn, controller, bridge)
	go func() {
		if err := server.Start(ctx, cfg.APIPort); err != nil {
			shutdown.ShutdownWithError(err, "REST API server failed")
		}
	}()

	controller.Run(ctx, cfg.PollInterval())

	log.Info().Msg("Received shutdown signal")
	shutdown.Shutdown()
	return nil
}

// openHeatPump returns the Modbus reader, or the configured static state when
// the heat pump is disabled.
func openHeatPump(cfg config.HeatPump) (heatpump.Source, func(), error) {
	if !cfg.Enabled {
		log.Warn().Msg("Heat pump disabled, using static state from config")
		return heatpump.Static{State: cfg.Static}, func() {}, nil
	}
	m, err := heatpump.NewModbus(cfg)
	if err != nil {
		return nil, nil, err
	}
	return m, func() { m.Close() }, nil
}

// safeRelays lists every relay the controller drives.
func safeRelays(c config.Control) []int {
	ids := append([]int(nil), c.LoopPumpRelays...)
	return append(ids, c.SolarPumpRelayID, c.InterTankPumpRelayID)
}
