package loopcontroller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/etera-expander/internal/etera"
	"github.com/thatsimonsguy/etera-expander/internal/model"
)

var testSettings = Settings{
	BaseTemperature:  24.0,
	CurveCoefficient: 0.2,
	ValveFullTravel:  120 * time.Second,
	Motor:            1,
	PumpRelay:        1,
}

var now = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func heating(outside float64) model.HeatPumpState {
	return model.HeatPumpState{
		OutsideTemperature:     outside,
		LoopCirculationRunning: true,
		WorkingFunction:        model.WorkingFunctionHeating,
	}
}

func TestTargetTemperature(t *testing.T) {
	hp := heating(-10)
	assert.InDelta(t, 26.0, TargetTemperature(model.LoopOn, testSettings, hp), 1e-9)

	hp.ScheduleStatus = model.ScheduleEco
	hp.EcoOffset = -2.0
	assert.InDelta(t, 24.0, TargetTemperature(model.LoopOn, testSettings, hp), 1e-9)

	assert.Equal(t, ExpeditedTarget, TargetTemperature(model.LoopExpedited, testSettings, hp))
	assert.Equal(t, StandbyTarget, TargetTemperature(model.LoopStandby, testSettings, hp))
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		loop          model.Loop
		in            Inputs
		wantMode      model.LoopMode
		wantChanged   bool
		wantSkip      bool
		wantPump      bool
		wantMove      time.Duration
		wantDirection etera.Direction
		wantOverride  bool
		wantOverTemp  bool
	}{
		{
			name:          "circulation stopped closes open valve",
			loop:          model.Loop{Mode: model.LoopOn, ValvePosition: 40, PumpOn: true},
			in:            Inputs{Temperature: 30, HasTemperature: true, HeatPump: model.HeatPumpState{}},
			wantMode:      model.LoopOn,
			wantPump:      false,
			wantMove:      120 * time.Second,
			wantDirection: Closing,
			wantOverride:  true,
		},
		{
			name:     "circulation stopped with closed valve only stops pump",
			loop:     model.Loop{Mode: model.LoopOn, ValvePosition: 0, PumpOn: true},
			in:       Inputs{Temperature: 30, HasTemperature: true},
			wantMode: model.LoopOn,
			wantPump: false,
		},
		{
			name:          "off closes valve",
			loop:          model.Loop{Mode: model.LoopOff, ValvePosition: 10, PumpOn: true},
			in:            Inputs{Temperature: 30, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOff,
			wantPump:      false,
			wantMove:      120 * time.Second,
			wantDirection: Closing,
			wantOverride:  true,
		},
		{
			name:     "missing temperature skips",
			loop:     model.Loop{Mode: model.LoopOn, PumpOn: true},
			in:       Inputs{HeatPump: heating(0)},
			wantMode: model.LoopOn,
			wantSkip: true,
			wantPump: true,
		},
		{
			name:          "over temperature forces off",
			loop:          model.Loop{Mode: model.LoopExpedited, ExpeditedStartedAt: ago(time.Hour), PumpOn: true},
			in:            Inputs{Temperature: 45.5, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOff,
			wantChanged:   true,
			wantPump:      false,
			wantMove:      120 * time.Second,
			wantDirection: Closing,
			wantOverride:  true,
			wantOverTemp:  true,
		},
		{
			name:          "rejected reading above ceiling forces off",
			loop:          model.Loop{Mode: model.LoopOn, ValvePosition: 30, PumpOn: true},
			in:            Inputs{RawTemperature: 48, HasRawTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOff,
			wantChanged:   true,
			wantPump:      false,
			wantMove:      120 * time.Second,
			wantDirection: Closing,
			wantOverride:  true,
			wantOverTemp:  true,
		},
		{
			name:     "rejected reading below ceiling skips",
			loop:     model.Loop{Mode: model.LoopOn, PumpOn: true},
			in:       Inputs{RawTemperature: 30, HasRawTemperature: true, HeatPump: heating(0)},
			wantMode: model.LoopOn,
			wantSkip: true,
			wantPump: true,
		},
		{
			name:          "exactly at ceiling is still controlled",
			loop:          model.Loop{Mode: model.LoopOn},
			in:            Inputs{Temperature: 45.0, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantMove:      MaxClosePulse,
			wantDirection: Closing,
		},
		{
			name:          "heating start pulse ignores hold",
			loop:          model.Loop{Mode: model.LoopOn, LastValveMoveAt: ago(time.Minute)},
			in:            Inputs{Temperature: 20, HasTemperature: true, HeatPump: heating(0), HeatingStarted: true},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantMove:      HeatingStartPulse,
			wantDirection: Closing,
			wantOverride:  true,
		},
		{
			name:          "heating start pulse without temperature",
			loop:          model.Loop{Mode: model.LoopOn},
			in:            Inputs{HeatPump: heating(0), HeatingStarted: true},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantMove:      HeatingStartPulse,
			wantDirection: Closing,
			wantOverride:  true,
		},
		{
			name:     "hold interval not elapsed",
			loop:     model.Loop{Mode: model.LoopOn, LastValveMoveAt: ago(2 * time.Minute)},
			in:       Inputs{Temperature: 20, HasTemperature: true, HeatPump: heating(0)},
			wantMode: model.LoopOn,
			wantPump: true,
		},
		{
			name:          "below target opens proportionally",
			loop:          model.Loop{Mode: model.LoopOn, LastValveMoveAt: ago(4 * time.Minute)},
			in:            Inputs{Temperature: 20.5, HasTemperature: true, HeatPump: heating(-5)},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantMove:      4500 * time.Millisecond,
			wantDirection: Opening,
		},
		{
			name:          "far below target caps open pulse",
			loop:          model.Loop{Mode: model.LoopOn},
			in:            Inputs{Temperature: 5, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantMove:      MaxOpenPulse,
			wantDirection: Opening,
		},
		{
			name:          "above target closes proportionally",
			loop:          model.Loop{Mode: model.LoopOn},
			in:            Inputs{Temperature: 27, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantMove:      3 * time.Second,
			wantDirection: Closing,
		},
		{
			name:          "on target sends nothing",
			loop:          model.Loop{Mode: model.LoopOn},
			in:            Inputs{Temperature: 24, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOn,
			wantPump:      true,
			wantDirection: Closing,
		},
		{
			name:          "standby uses low target",
			loop:          model.Loop{Mode: model.LoopStandby},
			in:            Inputs{Temperature: 18, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopStandby,
			wantPump:      true,
			wantMove:      2 * time.Second,
			wantDirection: Closing,
		},
		{
			name:          "expedited uses high target",
			loop:          model.Loop{Mode: model.LoopExpedited, ExpeditedStartedAt: ago(time.Hour)},
			in:            Inputs{Temperature: 20, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopExpedited,
			wantPump:      true,
			wantMove:      MaxOpenPulse,
			wantDirection: Opening,
		},
		{
			name:          "expedited just before expiry stays",
			loop:          model.Loop{Mode: model.LoopExpedited, ExpeditedStartedAt: ago(ExpeditedDuration - time.Second)},
			in:            Inputs{Temperature: 20, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopExpedited,
			wantPump:      true,
			wantMove:      MaxOpenPulse,
			wantDirection: Opening,
		},
		{
			name:          "expedited just after expiry reverts to off",
			loop:          model.Loop{Mode: model.LoopExpedited, ExpeditedStartedAt: ago(ExpeditedDuration + time.Second), ValvePosition: 60, PumpOn: true},
			in:            Inputs{Temperature: 30, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOff,
			wantChanged:   true,
			wantPump:      false,
			wantMove:      120 * time.Second,
			wantDirection: Closing,
			wantOverride:  true,
		},
		{
			name:          "expedited expires to off",
			loop:          model.Loop{Mode: model.LoopExpedited, ExpeditedStartedAt: ago(3 * time.Hour), ValvePosition: 60, PumpOn: true},
			in:            Inputs{Temperature: 30, HasTemperature: true, HeatPump: heating(0)},
			wantMode:      model.LoopOff,
			wantChanged:   true,
			wantPump:      false,
			wantMove:      120 * time.Second,
			wantDirection: Closing,
			wantOverride:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.loop, testSettings, tt.in, now)
			assert.Equal(t, tt.wantMode, d.Mode, "mode")
			assert.Equal(t, tt.wantChanged, d.ModeChanged, "mode changed")
			assert.Equal(t, tt.wantSkip, d.Skip, "skip")
			assert.Equal(t, tt.wantPump, d.Pump, "pump")
			assert.Equal(t, tt.wantMove, d.Move, "move")
			if tt.wantMove > 0 {
				assert.Equal(t, tt.wantDirection, d.Direction, "direction")
			}
			assert.Equal(t, tt.wantOverride, d.Override, "override")
			assert.Equal(t, tt.wantOverTemp, d.OverTemperature, "over temperature")
		})
	}
}

func TestUpdatePosition(t *testing.T) {
	full := 120 * time.Second
	assert.InDelta(t, 50.0, UpdatePosition(0, Opening, 60*time.Second, full), 1e-9)
	assert.InDelta(t, 100.0, UpdatePosition(90, Opening, 60*time.Second, full), 1e-9)
	assert.InDelta(t, 0.0, UpdatePosition(10, Closing, 60*time.Second, full), 1e-9)
	assert.InDelta(t, 45.0, UpdatePosition(50, Closing, 6*time.Second, full), 1e-9)
	assert.Equal(t, 30.0, UpdatePosition(30, Opening, time.Second, 0))
}

type fakeActuator struct {
	moveErr  error
	relayErr error
	moves    []string
	relays   map[int]bool
	calls    []string
}

func (f *fakeActuator) MoveMotor(ctx context.Context, motor int, dir etera.Direction, durationMs int, override bool) error {
	f.calls = append(f.calls, "move")
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, dir.String())
	return nil
}

func (f *fakeActuator) SetRelay(ctx context.Context, relay int, state bool) error {
	f.calls = append(f.calls, "relay")
	if f.relayErr != nil {
		return f.relayErr
	}
	if f.relays == nil {
		f.relays = map[int]bool{}
	}
	f.relays[relay] = state
	return nil
}

func TestApplyOpensAndReassertsPump(t *testing.T) {
	act := &fakeActuator{}
	loop := model.Loop{ID: 1, Mode: model.LoopOn, ValvePosition: 10, PumpOn: true}
	d := Decision{Mode: model.LoopOn, Pump: true, Move: 12 * time.Second, Direction: Opening}

	got, errs := Apply(context.Background(), act, loop, testSettings, d, now)
	require.Empty(t, errs)
	assert.Equal(t, []string{"relay", "move"}, act.calls, "pump comes on before the valve opens")
	assert.True(t, act.relays[1])
	assert.InDelta(t, 20.0, got.ValvePosition, 1e-9)
	require.NotNil(t, got.LastValveMoveAt)
	assert.True(t, now.Equal(*got.LastValveMoveAt))
}

func TestApplyClosesBeforePumpOff(t *testing.T) {
	act := &fakeActuator{}
	loop := model.Loop{ID: 1, Mode: model.LoopOn, ValvePosition: 50, PumpOn: true}
	d := Decision{Mode: model.LoopOff, ModeChanged: true, Pump: false, Move: 120 * time.Second, Direction: Closing, Override: true}

	got, errs := Apply(context.Background(), act, loop, testSettings, d, now)
	require.Empty(t, errs)
	assert.Equal(t, []string{"move", "relay"}, act.calls)
	assert.Equal(t, model.LoopOff, got.Mode)
	assert.False(t, got.PumpOn)
	assert.Equal(t, 0.0, got.ValvePosition)
}

func TestApplyFailureKeepsEstimate(t *testing.T) {
	act := &fakeActuator{moveErr: etera.ErrDeviceOperationFailed}
	moved := ago(10 * time.Minute)
	loop := model.Loop{ID: 2, Mode: model.LoopOn, ValvePosition: 30, LastValveMoveAt: moved}
	d := Decision{Mode: model.LoopOn, Pump: true, Move: 3 * time.Second, Direction: Opening}

	got, errs := Apply(context.Background(), act, loop, testSettings, d, now)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], etera.ErrDeviceOperationFailed))
	assert.Equal(t, 30.0, got.ValvePosition)
	assert.Equal(t, moved, got.LastValveMoveAt)
	assert.True(t, got.PumpOn)
}

func TestApplyRelayFailureKeepsPumpState(t *testing.T) {
	act := &fakeActuator{relayErr: etera.ErrDeviceNotReady}
	loop := model.Loop{ID: 0, Mode: model.LoopOn, PumpOn: false}

	got, errs := Apply(context.Background(), act, loop, testSettings, Decision{Mode: model.LoopOn, Pump: true}, now)
	require.Len(t, errs, 1)
	assert.False(t, got.PumpOn)
}

func TestApplySkipDoesNothing(t *testing.T) {
	act := &fakeActuator{}
	loop := model.Loop{ID: 0, Mode: model.LoopOn, PumpOn: true}

	got, errs := Apply(context.Background(), act, loop, testSettings, Decision{Mode: model.LoopOn, Skip: true, Pump: true}, now)
	assert.Empty(t, errs)
	assert.Empty(t, act.calls)
	assert.Equal(t, loop, got)
}
