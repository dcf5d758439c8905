package solarcontroller

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

var testSettings = Settings{
	Enabled:           true,
	DifferenceOn:      8.0,
	DifferenceOff:     3.0,
	FreezeTemperature: 2.0,
	CollectorSensor:   0,
	TankSensor:        2,
	PumpRelay:         4,
	InterTankEnabled:  true,
	InterTankRelay:    5,
}

func TestSolarPumpShouldRun(t *testing.T) {
	tests := []struct {
		name      string
		current   bool
		collector float64
		tank      float64
		want      bool
	}{
		{"turns on above on threshold", false, 60, 50, true},
		{"stays off inside band", false, 55, 50, false},
		{"stays on inside band", true, 55, 50, true},
		{"turns off below off threshold", true, 52, 50, false},
		{"exactly on threshold holds", false, 58, 50, false},
		{"exactly off threshold holds", true, 53, 50, true},
		{"freeze protection", false, 1.5, 40, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SolarPumpShouldRun(tt.current, tt.collector, tt.tank, testSettings))
		})
	}
}

func TestInterTankPumpShouldRun(t *testing.T) {
	assert.True(t, InterTankPumpShouldRun(true, testSettings))
	assert.False(t, InterTankPumpShouldRun(false, testSettings))

	disabled := testSettings
	disabled.InterTankEnabled = false
	assert.False(t, InterTankPumpShouldRun(true, disabled))
}

type fakeRelays struct {
	err   map[int]error
	state map[int]bool
	calls int
}

func (f *fakeRelays) SetRelay(ctx context.Context, relay int, state bool) error {
	f.calls++
	if err := f.err[relay]; err != nil {
		return err
	}
	f.state[relay] = state
	return nil
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{err: map[int]error{}, state: map[int]bool{}}
}

func TestCycleDrivesRelays(t *testing.T) {
	relays := newFakeRelays()
	c := New(testSettings, relays)

	errs := c.Cycle(context.Background(), []float64{70, 0, 50}, &model.HeatPumpState{AdditionalSourceEnabled: true})
	assert.Empty(t, errs)
	assert.True(t, relays.state[4])
	assert.True(t, relays.state[5])
	assert.True(t, c.SolarOn())
	assert.True(t, c.InterTankOn())

	// inside the band the pump stays on and the relay is re-asserted
	errs = c.Cycle(context.Background(), []float64{55, 0, 50}, &model.HeatPumpState{})
	assert.Empty(t, errs)
	assert.True(t, relays.state[4])
	assert.False(t, relays.state[5])
	assert.Equal(t, 4, relays.calls)
}

func TestCycleFailureKeepsState(t *testing.T) {
	relays := newFakeRelays()
	relays.err[4] = errors.New("device operation failed")
	c := New(testSettings, relays)

	errs := c.Cycle(context.Background(), []float64{70, 0, 50}, nil)
	assert.Len(t, errs, 1)
	assert.False(t, c.SolarOn())
	assert.Equal(t, 1, relays.calls, "no heat pump state skips the inter-tank pump")
}

func TestCycleMissingSensorsSkipsSolar(t *testing.T) {
	relays := newFakeRelays()
	c := New(testSettings, relays)

	errs := c.Cycle(context.Background(), []float64{70}, &model.HeatPumpState{})
	assert.Empty(t, errs)
	_, touched := relays.state[4]
	assert.False(t, touched)
	assert.Equal(t, 1, relays.calls)

	errs = c.Cycle(context.Background(), nil, nil)
	assert.Empty(t, errs)
	assert.Equal(t, 1, relays.calls)

	// a rejected reading counts as missing
	errs = c.Cycle(context.Background(), []float64{math.NaN(), 0, 50}, nil)
	assert.Empty(t, errs)
	assert.Equal(t, 1, relays.calls)
}

func TestCycleDisabledSolarForcesOff(t *testing.T) {
	relays := newFakeRelays()
	s := testSettings
	s.Enabled = false
	c := New(s, relays)

	c.Cycle(context.Background(), nil, nil)
	assert.False(t, relays.state[4])
	_, touched := relays.state[4]
	assert.True(t, touched)
}

func TestCycleHysteresisSequence(t *testing.T) {
	relays := newFakeRelays()
	c := New(testSettings, relays)

	tank := 40.0
	for i, step := range []struct {
		difference float64
		want       bool
	}{
		{9, true},
		{5, true},
		{5, true},
		{2, false},
	} {
		temps := []float64{tank + step.difference, 0, tank}
		assert.Empty(t, c.Cycle(context.Background(), temps, nil), "step %d", i)
		assert.Equal(t, step.want, c.SolarOn(), "step %d", i)
		assert.Equal(t, step.want, relays.state[testSettings.PumpRelay], "step %d", i)
	}
}
