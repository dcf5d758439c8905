package heatpump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/simonvetter/modbus"

	"github.com/thatsimonsguy/etera-expander/internal/config"
	"github.com/thatsimonsguy/etera-expander/internal/model"
)

// Holding register addresses, zero based.
const (
	RegWorkingFunction    = 2000
	RegAdditionalSource   = 2015
	RegDesiredDHW         = 2023
	RegScheduleStatus     = 2043
	RegLoopCirculation    = 2044
	RegEcoOffset          = 2046
	RegOutsideTemperature = 2102
	blockStart            = RegWorkingFunction
	blockLength           = RegEcoOffset - RegWorkingFunction + 1
)

// Source supplies the heat pump snapshot for one control cycle.
type Source interface {
	Read(ctx context.Context) (model.HeatPumpState, error)
}

type registerReader interface {
	ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error)
	ReadRegister(addr uint16, regType modbus.RegType) (uint16, error)
}

// Modbus reads the heat pump over Modbus RTU or TCP.
type Modbus struct {
	mu     sync.Mutex
	client *modbus.ModbusClient
	regs   registerReader
}

func NewModbus(cfg config.HeatPump) (*Modbus, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:      cfg.URL,
		Speed:    uint(cfg.BaudRate),
		DataBits: 8,
		Parity:   modbus.PARITY_NONE,
		StopBits: 1,
		Timeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("create modbus client: %w", err)
	}
	if err := client.Open(); err != nil {
		return nil, fmt.Errorf("open modbus %s: %w", cfg.URL, err)
	}
	if err := client.SetUnitId(uint8(cfg.UnitID)); err != nil {
		client.Close()
		return nil, fmt.Errorf("set modbus unit id: %w", err)
	}

	log.Info().Str("url", cfg.URL).Int("unit_id", cfg.UnitID).Msg("Heat pump modbus connected")
	return &Modbus{client: client, regs: client}, nil
}

func (m *Modbus) Read(ctx context.Context) (model.HeatPumpState, error) {
	if err := ctx.Err(); err != nil {
		return model.HeatPumpState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	block, err := m.regs.ReadRegisters(blockStart, blockLength, modbus.HOLDING_REGISTER)
	if err != nil {
		return model.HeatPumpState{}, fmt.Errorf("read heat pump registers %d-%d: %w", blockStart, RegEcoOffset, err)
	}
	outside, err := m.regs.ReadRegister(RegOutsideTemperature, modbus.HOLDING_REGISTER)
	if err != nil {
		return model.HeatPumpState{}, fmt.Errorf("read outside temperature: %w", err)
	}

	state, err := decodeState(block, outside)
	if err != nil {
		return state, err
	}
	log.Debug().
		Float64("outside", state.OutsideTemperature).
		Int("working_function", state.WorkingFunction).
		Bool("circulation", state.LoopCirculationRunning).
		Msg("Heat pump state read")
	return state, nil
}

func (m *Modbus) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// decodeState converts the register block starting at RegWorkingFunction.
// Registers are signed; temperatures are tenths of a degree.
func decodeState(block []uint16, outside uint16) (model.HeatPumpState, error) {
	if len(block) != blockLength {
		return model.HeatPumpState{}, fmt.Errorf("heat pump register block has %d registers, expected %d", len(block), blockLength)
	}
	reg := func(addr int) int16 {
		return int16(block[addr-blockStart])
	}
	return model.HeatPumpState{
		OutsideTemperature:      float64(int16(outside)) * 0.1,
		DesiredDHWTemperature:   float64(reg(RegDesiredDHW)) * 0.1,
		AdditionalSourceEnabled: reg(RegAdditionalSource) > 0,
		LoopCirculationRunning:  reg(RegLoopCirculation) > 0,
		EcoOffset:               float64(reg(RegEcoOffset)) * 0.1,
		ScheduleStatus:          int(reg(RegScheduleStatus)),
		WorkingFunction:         int(reg(RegWorkingFunction)),
	}, nil
}

// Static returns a fixed snapshot, for installations without Modbus access.
type Static struct {
	State model.HeatPumpState
}

func (s Static) Read(ctx context.Context) (model.HeatPumpState, error) {
	return s.State, ctx.Err()
}
