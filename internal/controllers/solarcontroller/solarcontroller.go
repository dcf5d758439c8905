package solarcontroller

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

type Relays interface {
	SetRelay(ctx context.Context, relay int, state bool) error
}

type Settings struct {
	Enabled           bool
	DifferenceOn      float64
	DifferenceOff     float64
	FreezeTemperature float64
	CollectorSensor   int
	TankSensor        int
	PumpRelay         int

	InterTankEnabled bool
	InterTankRelay   int
}

// SolarPumpShouldRun is a two threshold hysteresis on collector minus tank.
// Between the thresholds the current state is kept.
func SolarPumpShouldRun(current bool, collector, tank float64, s Settings) bool {
	diff := collector - tank
	switch {
	case diff > s.DifferenceOn || collector < s.FreezeTemperature:
		return true
	case diff < s.DifferenceOff:
		return false
	default:
		return current
	}
}

func InterTankPumpShouldRun(additionalSource bool, s Settings) bool {
	return additionalSource && s.InterTankEnabled
}

// Controller tracks the two pump relays across cycles. State only changes
// once the relay command succeeded.
type Controller struct {
	settings    Settings
	relays      Relays
	solarOn     bool
	interTankOn bool
}

func New(s Settings, relays Relays) *Controller {
	return &Controller{settings: s, relays: relays}
}

func (c *Controller) SolarOn() bool     { return c.solarOn }
func (c *Controller) InterTankOn() bool { return c.interTankOn }

// Cycle evaluates both pumps. A nil temps or heat pump state skips the pump
// that depends on it.
func (c *Controller) Cycle(ctx context.Context, temps []float64, hp *model.HeatPumpState) []error {
	var errs []error

	if want, ok := c.solarTarget(temps); ok {
		if err := c.relays.SetRelay(ctx, c.settings.PumpRelay, want); err != nil {
			errs = append(errs, fmt.Errorf("solar pump: %w", err))
		} else {
			if want != c.solarOn {
				log.Info().Bool("on", want).Msg("Solar pump switched")
			}
			c.solarOn = want
		}
	}

	if hp != nil {
		want := InterTankPumpShouldRun(hp.AdditionalSourceEnabled, c.settings)
		if err := c.relays.SetRelay(ctx, c.settings.InterTankRelay, want); err != nil {
			errs = append(errs, fmt.Errorf("inter-tank pump: %w", err))
		} else {
			if want != c.interTankOn {
				log.Info().Bool("on", want).Msg("Inter-tank pump switched")
			}
			c.interTankOn = want
		}
	}

	return errs
}

func (c *Controller) solarTarget(temps []float64) (bool, bool) {
	if !c.settings.Enabled {
		return false, true
	}
	s := c.settings
	if s.CollectorSensor >= len(temps) || s.TankSensor >= len(temps) {
		log.Warn().
			Int("collector_sensor", s.CollectorSensor).
			Int("tank_sensor", s.TankSensor).
			Int("sensors", len(temps)).
			Msg("Solar sensors not available, skipping solar pump")
		return false, false
	}
	collector, tank := temps[s.CollectorSensor], temps[s.TankSensor]
	if math.IsNaN(collector) || math.IsNaN(tank) {
		log.Warn().Msg("Solar sensor reading rejected, skipping solar pump")
		return false, false
	}
	log.Debug().
		Float64("collector", collector).
		Float64("tank", tank).
		Bool("current", c.solarOn).
		Msg("Evaluating solar pump")
	return SolarPumpShouldRun(c.solarOn, collector, tank, s), true
}
