package heatingcontroller

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/db"
	"github.com/thatsimonsguy/etera-expander/internal/config"
	"github.com/thatsimonsguy/etera-expander/internal/controllers/loopcontroller"
	"github.com/thatsimonsguy/etera-expander/internal/controllers/solarcontroller"
	"github.com/thatsimonsguy/etera-expander/internal/datadog"
	"github.com/thatsimonsguy/etera-expander/internal/heatpump"
	"github.com/thatsimonsguy/etera-expander/internal/model"
	"github.com/thatsimonsguy/etera-expander/internal/temperature"
)

// Bridge is what the heating cycle needs from the expander.
type Bridge interface {
	loopcontroller.Actuator
	Ready(ctx context.Context) error
	IsReady() bool
	GetTemperatures(ctx context.Context) ([]float64, error)
}

// Reporter receives every cycle report, typically the MQTT publisher.
type Reporter interface {
	PublishCycle(r model.CycleReport)
	PublishBridge(ready bool)
}

// Filter screens raw probe readings, marking rejects as NaN.
type Filter interface {
	Apply(temps []float64) []float64
}

// Notifier is told about safety interlocks.
type Notifier interface {
	SendAsync(title, message string)
}

type LoopConfig struct {
	Settings loopcontroller.Settings
	// Sensor indexes the temperature list returned by the bridge.
	Sensor int
}

// LoopConfigs builds per-loop settings; loop i drives motor i.
func LoopConfigs(c config.Control) []LoopConfig {
	loops := make([]LoopConfig, len(c.LoopOperation))
	for i := range loops {
		loops[i] = LoopConfig{
			Settings: loopcontroller.Settings{
				BaseTemperature:  c.LoopTemperature[i],
				CurveCoefficient: c.HeatingCurveCoefficient,
				ValveFullTravel:  time.Duration(c.ValveFullTravelSeconds) * time.Second,
				Motor:            i,
				PumpRelay:        c.LoopPumpRelays[i],
			},
			Sensor: c.LoopSensors[i],
		}
	}
	return loops
}

func SolarSettings(c config.Control) solarcontroller.Settings {
	return solarcontroller.Settings{
		Enabled:           c.SolarPumpOperation,
		DifferenceOn:      c.SolarPumpDifferenceOn,
		DifferenceOff:     c.SolarPumpDifferenceOff,
		FreezeTemperature: c.SolarFreezeTemperature,
		CollectorSensor:   c.SolarSensors[0],
		TankSensor:        c.SolarSensors[2],
		PumpRelay:         c.SolarPumpRelayID,
		InterTankEnabled:  c.IntraTankCirculationOperation,
		InterTankRelay:    c.InterTankPumpRelayID,
	}
}

type Controller struct {
	db       *sql.DB
	bridge   Bridge
	heatPump heatpump.Source
	solar    *solarcontroller.Controller
	loops    []LoopConfig
	reporter Reporter
	notifier Notifier
	filter   Filter

	now func() time.Time

	// heating edge detection across cycles
	prevHeating bool
	hasPrev     bool

	mu   sync.RWMutex
	last model.CycleReport
}

func New(conn *sql.DB, bridge Bridge, source heatpump.Source, control config.Control, reporter Reporter, notifier Notifier, filter Filter) *Controller {
	return &Controller{
		db:       conn,
		bridge:   bridge,
		heatPump: source,
		solar:    solarcontroller.New(SolarSettings(control), bridge),
		loops:    LoopConfigs(control),
		reporter: reporter,
		notifier: notifier,
		filter:   filter,
		now:      time.Now,
	}
}

// LastReport returns the most recent completed cycle.
func (c *Controller) LastReport() model.CycleReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// SetLoopMode is the operator entry point shared by the API and MQTT.
func (c *Controller) SetLoopMode(id int, mode model.LoopMode) error {
	if id < 0 || id >= len(c.loops) {
		return fmt.Errorf("%w: %d", db.ErrLoopNotFound, id)
	}
	if err := db.UpdateLoopMode(c.db, id, mode, c.now()); err != nil {
		return err
	}
	log.Info().Int("loop", id).Str("mode", string(mode)).Msg("Loop mode changed")
	return nil
}

// Run waits for the expander and then runs a cycle every interval until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Starting heating controller")

	if err := c.bridge.Ready(ctx); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.Cycle(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Heating controller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cycle runs one control pass. Every failure is local to the resource it
// happened on.
func (c *Controller) Cycle(ctx context.Context) model.CycleReport {
	now := c.now()
	report := model.CycleReport{At: now}

	ready := c.bridge.IsReady()
	if c.reporter != nil {
		c.reporter.PublishBridge(ready)
	}
	if !ready {
		log.Warn().Msg("Expander not ready, skipping heating cycle")
		return report
	}

	var hp *model.HeatPumpState
	if state, err := c.heatPump.Read(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to read heat pump state, only solar is controlled")
		report.FailedActions++
	} else {
		hp = &state
		report.HeatPump = hp
		datadog.Gauge("heat_pump.outside_temperature", state.OutsideTemperature)
	}

	temps, err := c.bridge.GetTemperatures(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read temperatures")
		datadog.Incr("bridge.failed_operations", "operation:temperatures")
		report.FailedActions++
		temps = nil
	}
	report.Temperatures = temps
	raw := temps
	for i, t := range temps {
		datadog.Gauge("temperature", t, "sensor:"+strconv.Itoa(i))
	}
	if temps != nil && c.filter != nil {
		temps = c.filter.Apply(temps)
		for i, t := range temps {
			if math.IsNaN(t) {
				report.RejectedSensors = append(report.RejectedSensors, i)
			}
		}
	}

	heatingStarted := false
	if hp != nil {
		heatingStarted = c.hasPrev && !c.prevHeating && hp.Heating()
		c.prevHeating = hp.Heating()
		c.hasPrev = true
		if heatingStarted {
			log.Info().Msg("Heat pump started heating")
		}
	}

	for _, err := range c.solar.Cycle(ctx, temps, hp) {
		log.Error().Err(err).Msg("Solar control action failed")
		datadog.Incr("bridge.failed_operations", "operation:solar")
		report.FailedActions++
	}
	report.SolarPumpOn = c.solar.SolarOn()
	report.InterTankOn = c.solar.InterTankOn()
	datadog.BoolGauge("solar_pump", report.SolarPumpOn)
	datadog.BoolGauge("inter_tank_pump", report.InterTankOn)

	if hp != nil {
		loops, failed := c.cycleLoops(ctx, raw, temps, *hp, heatingStarted, now)
		report.Loops = loops
		report.FailedActions += failed
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	if c.reporter != nil {
		c.reporter.PublishCycle(report)
	}
	log.Info().
		Int("sensors", len(temps)).
		Int("loops", len(report.Loops)).
		Int("failed_actions", report.FailedActions).
		Msg("Heating cycle complete")
	return report
}

func (c *Controller) cycleLoops(ctx context.Context, raw, temps []float64, hp model.HeatPumpState, heatingStarted bool, now time.Time) ([]model.LoopReport, int) {
	loops, err := db.GetLoops(c.db)
	if err != nil {
		log.Error().Err(err).Msg("Could not retrieve loops from db")
		return nil, 1
	}

	reports := make([]model.LoopReport, len(loops))
	failures := make([]int, len(loops))
	var wg sync.WaitGroup
	for i, l := range loops {
		if l.ID >= len(c.loops) {
			continue
		}
		wg.Add(1)
		go func(i int, l model.Loop) {
			defer wg.Done()
			reports[i], failures[i] = c.cycleLoop(ctx, l, raw, temps, hp, heatingStarted, now)
		}(i, l)
	}
	wg.Wait()

	failed := 0
	for _, n := range failures {
		failed += n
	}
	return reports, failed
}

func (c *Controller) cycleLoop(ctx context.Context, l model.Loop, raw, temps []float64, hp model.HeatPumpState, heatingStarted bool, now time.Time) (model.LoopReport, int) {
	cfg := c.loops[l.ID]
	in := loopcontroller.Inputs{HeatPump: hp, HeatingStarted: heatingStarted}
	if cfg.Sensor < len(temps) {
		in.Temperature = temps[cfg.Sensor]
		in.HasTemperature = !math.IsNaN(in.Temperature)
		// a filtered spike still counts against the safety ceiling
		in.RawTemperature = raw[cfg.Sensor]
		in.HasRawTemperature = in.RawTemperature != temperature.PowerOnValue
	} else if temps != nil {
		log.Warn().Int("loop", l.ID).Int("sensor", cfg.Sensor).Int("sensors", len(temps)).Msg("Loop sensor index out of range")
	}

	d := loopcontroller.Evaluate(l, cfg.Settings, in, now)

	log.Debug().
		Int("loop", l.ID).
		Str("mode", string(d.Mode)).
		Float64("loop_temp", in.Temperature).
		Bool("pump", d.Pump).
		Dur("move", d.Move).
		Str("reason", d.Reason).
		Msg("Evaluated loop")

	failed := 0
	var operatorMode model.LoopMode
	if d.ModeChanged {
		forced, err := db.ForceLoopMode(c.db, l, d.Mode, now)
		switch {
		case err != nil:
			log.Error().Err(err).Int("loop", l.ID).Msg("Failed to persist loop mode")
			failed++
		case !forced:
			if cur, err := db.GetLoopByID(c.db, l.ID); err == nil {
				operatorMode = cur.Mode
			}
			log.Warn().Int("loop", l.ID).Str("to", string(d.Mode)).Str("reason", d.Reason).Msg("Loop mode changed during cycle, keeping operator mode")
		default:
			log.Info().Int("loop", l.ID).Str("from", string(l.Mode)).Str("to", string(d.Mode)).Str("reason", d.Reason).Msg("Loop mode forced")
		}
	}
	if d.OverTemperature {
		hot := in.RawTemperature
		log.Error().Int("loop", l.ID).Float64("loop_temp", hot).Bool("filtered", !in.HasTemperature).Msg("Loop over safety temperature, switched off")
		if c.notifier != nil {
			c.notifier.SendAsync(fmt.Sprintf("Loop %d over temperature", l.ID),
				fmt.Sprintf("Loop %d reached %.1f°C and was switched off", l.ID, hot))
		}
	}

	updated, errs := loopcontroller.Apply(ctx, c.bridge, l, cfg.Settings, d, now)
	if operatorMode != "" {
		updated.Mode = operatorMode
	}
	for _, err := range errs {
		log.Error().Err(err).Int("loop", l.ID).Msg("Loop action failed")
		datadog.Incr("bridge.failed_operations", "operation:loop")
		failed++
	}
	if !d.Skip {
		if err := db.UpdateLoopActuators(c.db, updated); err != nil {
			log.Error().Err(err).Int("loop", l.ID).Msg("Failed to persist loop state")
			failed++
		}
	}

	tag := "loop:" + strconv.Itoa(l.ID)
	datadog.Gauge("loop.valve_position", updated.ValvePosition, tag)
	datadog.BoolGauge("loop.pump", updated.PumpOn, tag)

	report := model.LoopReport{
		ID:            l.ID,
		Mode:          updated.Mode,
		Target:        d.Target,
		ValvePosition: updated.ValvePosition,
		PumpOn:        updated.PumpOn,
	}
	if in.HasTemperature {
		t := in.Temperature
		report.Temperature = &t
		datadog.Gauge("loop.temperature", t, tag)
	}
	return report, failed
}
