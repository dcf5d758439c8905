package loopcontroller

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/internal/etera"
	"github.com/thatsimonsguy/etera-expander/internal/model"
)

const (
	SafetyCeiling     = 45.0
	MinHold           = 3 * time.Minute
	HeatingStartPulse = 5 * time.Second
	// GainMsPerDegree sizes proportional pulses from the temperature error.
	GainMsPerDegree   = 1000.0
	MaxOpenPulse      = 10 * time.Second
	MaxClosePulse     = 20 * time.Second
	ExpeditedTarget   = 35.0
	StandbyTarget     = 16.0
	ExpeditedDuration = 3 * time.Hour
)

// Valve motors close counter-clockwise.
const (
	Closing = etera.CounterClockwise
	Opening = etera.Clockwise
)

// Actuator is the subset of the bridge a loop needs.
type Actuator interface {
	MoveMotor(ctx context.Context, motor int, dir etera.Direction, durationMs int, override bool) error
	SetRelay(ctx context.Context, relay int, state bool) error
}

type Settings struct {
	// BaseTemperature is the target loop temperature at 0 °C outside.
	BaseTemperature  float64
	CurveCoefficient float64
	ValveFullTravel  time.Duration
	Motor            int
	PumpRelay        int
}

type Inputs struct {
	Temperature    float64
	HasTemperature bool
	// RawTemperature is the reading before spike filtering. It only feeds the
	// safety interlock.
	RawTemperature    float64
	HasRawTemperature bool
	HeatPump          model.HeatPumpState
	// HeatingStarted is set on the cycle the heat pump enters heating.
	HeatingStarted bool
}

// Decision is what one cycle wants done to a loop.
type Decision struct {
	Mode        model.LoopMode
	ModeChanged bool
	// Skip leaves the loop untouched this cycle.
	Skip      bool
	Pump      bool
	Move      time.Duration
	Direction etera.Direction
	Override  bool
	Target    *float64
	// OverTemperature is set when the safety interlock fired.
	OverTemperature bool
	Reason          string
}

// TargetTemperature follows the heating curve, shifted in eco and replaced by
// the fixed targets of expedited and standby.
func TargetTemperature(mode model.LoopMode, s Settings, hp model.HeatPumpState) float64 {
	switch mode {
	case model.LoopExpedited:
		return ExpeditedTarget
	case model.LoopStandby:
		return StandbyTarget
	}
	target := s.BaseTemperature - hp.OutsideTemperature*s.CurveCoefficient
	if hp.Eco() {
		target += hp.EcoOffset
	}
	return target
}

// Evaluate decides what to do with one loop. It has no side effects.
func Evaluate(loop model.Loop, s Settings, in Inputs, now time.Time) Decision {
	d := Decision{Mode: loop.Mode, Pump: loop.PumpOn}

	if loop.Mode == model.LoopExpedited && loop.ExpeditedStartedAt != nil &&
		now.Sub(*loop.ExpeditedStartedAt) >= ExpeditedDuration {
		d.Mode = model.LoopOff
		d.ModeChanged = true
	}

	closeFully := func(reason string) Decision {
		d.Pump = false
		d.Reason = reason
		if loop.ValvePosition > 0 {
			d.Move = s.ValveFullTravel
			d.Direction = Closing
			d.Override = true
		}
		return d
	}

	if !in.HeatPump.LoopCirculationRunning {
		return closeFully("loop circulation stopped")
	}
	if d.Mode == model.LoopOff {
		if d.ModeChanged {
			return closeFully("expedited expired")
		}
		return closeFully("loop off")
	}

	if t, ok := safetyReading(in); ok && t > SafetyCeiling {
		d.Mode = model.LoopOff
		d.ModeChanged = loop.Mode != model.LoopOff
		d.OverTemperature = true
		d.Pump = false
		d.Move = s.ValveFullTravel
		d.Direction = Closing
		d.Override = true
		d.Reason = "over temperature"
		return d
	}

	if in.HeatingStarted {
		d.Pump = true
		d.Move = HeatingStartPulse
		d.Direction = Closing
		d.Override = true
		d.Reason = "heating started"
		return d
	}

	if !in.HasTemperature {
		d.Skip = true
		d.Reason = "no temperature"
		return d
	}

	d.Pump = true

	if loop.LastValveMoveAt != nil && now.Sub(*loop.LastValveMoveAt) < MinHold {
		d.Reason = "holding"
		return d
	}

	target := TargetTemperature(d.Mode, s, in.HeatPump)
	d.Target = &target

	diff := in.Temperature - target
	if diff >= 0 {
		d.Direction = Closing
		d.Move = pulse(diff, MaxClosePulse)
		d.Reason = "above target"
	} else {
		d.Direction = Opening
		d.Move = pulse(-diff, MaxOpenPulse)
		d.Reason = "below target"
	}
	return d
}

// safetyReading is the filtered temperature when there is one, otherwise the
// raw reading the filter rejected.
func safetyReading(in Inputs) (float64, bool) {
	if in.HasTemperature {
		return in.Temperature, true
	}
	return in.RawTemperature, in.HasRawTemperature
}

func pulse(errDegrees float64, max time.Duration) time.Duration {
	p := time.Duration(math.Round(errDegrees*GainMsPerDegree)) * time.Millisecond
	if p > max {
		return max
	}
	return p
}

// UpdatePosition moves the open-loop valve estimate, in percent.
func UpdatePosition(pos float64, dir etera.Direction, moved, fullTravel time.Duration) float64 {
	if fullTravel <= 0 {
		return pos
	}
	delta := float64(moved) / float64(fullTravel) * 100
	if dir == Closing {
		delta = -delta
	}
	return math.Max(0, math.Min(100, pos+delta))
}

// Apply carries out a decision. The pump relay is set every cycle since the
// expander drops all relays on reset. The returned loop reflects only what
// succeeded.
func Apply(ctx context.Context, act Actuator, loop model.Loop, s Settings, d Decision, now time.Time) (model.Loop, []error) {
	loop.Mode = d.Mode
	if d.Skip {
		return loop, nil
	}

	var errs []error

	// a pump stays on until its valve is closed down, and comes on before it opens
	if d.Pump {
		if err := act.SetRelay(ctx, s.PumpRelay, true); err != nil {
			errs = append(errs, fmt.Errorf("loop %d pump on: %w", loop.ID, err))
		} else {
			loop.PumpOn = true
		}
	}

	if d.Move > 0 {
		ms := int(d.Move / time.Millisecond)
		if err := act.MoveMotor(ctx, s.Motor, d.Direction, ms, d.Override); err != nil {
			errs = append(errs, fmt.Errorf("loop %d valve %s %dms: %w", loop.ID, d.Direction, ms, err))
		} else {
			loop.ValvePosition = UpdatePosition(loop.ValvePosition, d.Direction, d.Move, s.ValveFullTravel)
			moved := now
			loop.LastValveMoveAt = &moved
			log.Debug().
				Int("loop", loop.ID).
				Str("direction", d.Direction.String()).
				Int("duration_ms", ms).
				Float64("valve_position", loop.ValvePosition).
				Str("reason", d.Reason).
				Msg("Valve moved")
		}
	}

	if !d.Pump {
		if err := act.SetRelay(ctx, s.PumpRelay, false); err != nil {
			errs = append(errs, fmt.Errorf("loop %d pump off: %w", loop.ID, err))
		} else {
			loop.PumpOn = false
		}
	}

	return loop, errs
}
