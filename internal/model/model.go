package model

import (
	"fmt"
	"strings"
	"time"
)

type LoopMode string

const (
	LoopOff       LoopMode = "off"
	LoopOn        LoopMode = "on"
	LoopExpedited LoopMode = "expedited"
	LoopStandby   LoopMode = "standby"
)

func ParseLoopMode(s string) (LoopMode, error) {
	switch m := LoopMode(strings.ToLower(strings.TrimSpace(s))); m {
	case LoopOff, LoopOn, LoopExpedited, LoopStandby:
		return m, nil
	default:
		return "", fmt.Errorf("unknown loop mode %q", s)
	}
}

// Schedule status and working function codes reported by the heat pump.
const (
	ScheduleEco            = 2
	WorkingFunctionHeating = 0
)

// HeatPumpState is the externally supplied snapshot the control loop runs on.
type HeatPumpState struct {
	OutsideTemperature      float64 `json:"outside_temperature"`
	DesiredDHWTemperature   float64 `json:"desired_dhw_temperature"`
	AdditionalSourceEnabled bool    `json:"additional_source_enabled"`
	LoopCirculationRunning  bool    `json:"loop_circulation_running"`
	EcoOffset               float64 `json:"eco_offset"`
	ScheduleStatus          int     `json:"schedule_status"`
	WorkingFunction         int     `json:"working_function"`
}

func (s HeatPumpState) Heating() bool {
	return s.WorkingFunction == WorkingFunctionHeating
}

func (s HeatPumpState) Eco() bool {
	return s.ScheduleStatus == ScheduleEco
}

// Loop is the persisted control state of one heating loop.
type Loop struct {
	ID                 int        `json:"id"`
	Mode               LoopMode   `json:"mode"`
	ExpeditedStartedAt *time.Time `json:"expedited_started_at,omitempty"`
	// ValvePosition is an open-loop estimate in percent, 0 closed.
	ValvePosition   float64    `json:"valve_position"`
	LastValveMoveAt *time.Time `json:"last_valve_move_at,omitempty"`
	PumpOn          bool       `json:"pump_on"`
}

// LoopReport is what one cycle decided and achieved for a loop.
type LoopReport struct {
	ID            int      `json:"id"`
	Mode          LoopMode `json:"mode"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Target        *float64 `json:"target,omitempty"`
	ValvePosition float64  `json:"valve_position"`
	PumpOn        bool     `json:"pump_on"`
}

// CycleReport summarizes one heating control cycle.
type CycleReport struct {
	At       time.Time      `json:"at"`
	HeatPump *HeatPumpState `json:"heat_pump,omitempty"`
	// Temperatures are the raw readings; RejectedSensors were not used.
	Temperatures    []float64    `json:"temperatures,omitempty"`
	RejectedSensors []int        `json:"rejected_sensors,omitempty"`
	SolarPumpOn     bool         `json:"solar_pump_on"`
	InterTankOn     bool         `json:"inter_tank_pump_on"`
	Loops           []LoopReport `json:"loops"`
	FailedActions   int          `json:"failed_actions"`
}
