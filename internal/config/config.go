package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/etera-expander/internal/model"
)

type Expander struct {
	Port      string `json:"port"`
	BaudRate  int    `json:"baud_rate"`
	TimeoutMs int    `json:"timeout_ms"`
	// NumberOfThermometers is only used to sanity check the sensor registry.
	NumberOfThermometers int `json:"number_of_thermometers"`
}

func (e Expander) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

type HeatPump struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	BaudRate  int    `json:"baud_rate"`
	UnitID    int    `json:"unit_id"`
	TimeoutMs int    `json:"timeout_ms"`
	// Static is used instead of Modbus when the heat pump is disabled.
	Static model.HeatPumpState `json:"static"`
}

type Control struct {
	LoopOperation           []string  `json:"loop_operation"`
	LoopSensors             []int     `json:"loop_sensors"`
	LoopTemperature         []float64 `json:"loop_temperature"`
	LoopPumpRelays          []int     `json:"loop_pump_relays"`
	HeatingCurveCoefficient float64   `json:"heating_curve_coefficient"`
	ValveFullTravelSeconds  int       `json:"valve_full_travel_seconds"`

	SolarPumpOperation     bool    `json:"solar_pump_operation"`
	SolarPumpDifferenceOn  float64 `json:"solar_pump_difference_on"`
	SolarPumpDifferenceOff float64 `json:"solar_pump_difference_off"`
	SolarFreezeTemperature float64 `json:"solar_freeze_temperature"`
	// SolarSensors: collector, pre-tank top, pre-tank bottom, then optional extras.
	SolarSensors     []int `json:"solar_sensors"`
	SolarPumpRelayID int   `json:"solar_pump_relay_id"`

	IntraTankCirculationOperation bool `json:"intra_tank_circulation_operation"`
	InterTankPumpRelayID          int  `json:"inter_tank_pump_relay_id"`
}

// LoopModes returns the configured initial mode of every loop.
func (c Control) LoopModes() []model.LoopMode {
	modes := make([]model.LoopMode, len(c.LoopOperation))
	for i, s := range c.LoopOperation {
		modes[i], _ = model.ParseLoopMode(s)
	}
	return modes
}

// TemperatureFilter rejects probe readings that jump implausibly between
// cycles.
type TemperatureFilter struct {
	Disabled     bool    `json:"disabled"`
	MaxDelta     float64 `json:"max_delta"`
	MaxAnomalies int     `json:"max_anomalies"`
}

type MQTT struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Prefix   string `json:"prefix"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type Datadog struct {
	Enabled   bool     `json:"enabled"`
	AgentAddr string   `json:"agent_addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

type Config struct {
	LogLevel            string `json:"log_level"`
	LogFile             string `json:"log_file"`
	DBPath              string `json:"db_path"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	APIPort             int    `json:"api_port"`
	NtfyTopic           string `json:"ntfy_topic"`

	Expander          Expander          `json:"expander"`
	HeatPump          HeatPump          `json:"heat_pump"`
	Control           Control           `json:"control"`
	TemperatureFilter TemperatureFilter `json:"temperature_filter"`
	MQTT              MQTT              `json:"mqtt"`
	Datadog           Datadog           `json:"datadog"`
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads the JSON config at path, applies defaults and validates it.
// Invalid configuration panics.
func Load(path string) Config {
	file, err := os.Open(path)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/var/log/etera-expander.log"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/etera-expander.db"
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 30
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}

	if cfg.Expander.Port == "" {
		cfg.Expander.Port = "/dev/ttyUSB1"
	}
	if cfg.Expander.BaudRate == 0 {
		cfg.Expander.BaudRate = 115200
	}
	if cfg.Expander.TimeoutMs == 0 {
		cfg.Expander.TimeoutMs = 500
	}

	if cfg.HeatPump.URL == "" {
		cfg.HeatPump.URL = "rtu:///dev/ttyUSB0"
	}
	if cfg.HeatPump.BaudRate == 0 {
		cfg.HeatPump.BaudRate = 115200
	}
	if cfg.HeatPump.UnitID == 0 {
		cfg.HeatPump.UnitID = 20
	}
	if cfg.HeatPump.TimeoutMs == 0 {
		cfg.HeatPump.TimeoutMs = 500
	}

	c := &cfg.Control
	if len(c.LoopOperation) == 0 {
		c.LoopOperation = []string{"on", "on", "on", "off"}
	}
	if len(c.LoopSensors) == 0 {
		c.LoopSensors = []int{0, 1, 5, 6}
	}
	if len(c.LoopTemperature) == 0 {
		c.LoopTemperature = []float64{24.0, 24.0, 24.0, 24.0}
	}
	if len(c.LoopPumpRelays) == 0 {
		c.LoopPumpRelays = []int{0, 1, 2, 3}
	}
	if c.HeatingCurveCoefficient == 0 {
		c.HeatingCurveCoefficient = 0.2
	}
	if c.ValveFullTravelSeconds == 0 {
		c.ValveFullTravelSeconds = 120
	}
	if c.SolarPumpDifferenceOn == 0 && c.SolarPumpDifferenceOff == 0 {
		c.SolarPumpDifferenceOn = 8.0
		c.SolarPumpDifferenceOff = 3.0
	}
	if c.SolarFreezeTemperature == 0 {
		c.SolarFreezeTemperature = 2.0
	}
	if len(c.SolarSensors) == 0 {
		c.SolarSensors = []int{4, 3, 2, 8, 7}
	}
	if c.SolarPumpRelayID == 0 && c.InterTankPumpRelayID == 0 {
		c.SolarPumpRelayID = 4
		c.InterTankPumpRelayID = 5
	}
	if cfg.Expander.NumberOfThermometers == 0 {
		cfg.Expander.NumberOfThermometers = 10
	}

	if cfg.TemperatureFilter.MaxDelta == 0 {
		cfg.TemperatureFilter.MaxDelta = 15.0
	}
	if cfg.TemperatureFilter.MaxAnomalies == 0 {
		cfg.TemperatureFilter.MaxAnomalies = 6
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "etera-expander"
	}
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = "expander"
	}
	if cfg.Datadog.AgentAddr == "" {
		cfg.Datadog.AgentAddr = "127.0.0.1:8125"
	}
	if cfg.Datadog.Namespace == "" {
		cfg.Datadog.Namespace = "etera."
	}
}

func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	var problems []string
	c := cfg.Control

	loops := len(c.LoopOperation)
	if loops < 1 || loops > 4 {
		problems = append(problems, fmt.Sprintf("control.loop_operation must list 1 to 4 loops, got %d", loops))
	}
	if len(c.LoopSensors) != loops {
		problems = append(problems, fmt.Sprintf("control.loop_sensors has %d entries, expected %d", len(c.LoopSensors), loops))
	}
	if len(c.LoopTemperature) != loops {
		problems = append(problems, fmt.Sprintf("control.loop_temperature has %d entries, expected %d", len(c.LoopTemperature), loops))
	}
	if len(c.LoopPumpRelays) != loops {
		problems = append(problems, fmt.Sprintf("control.loop_pump_relays has %d entries, expected %d", len(c.LoopPumpRelays), loops))
	}
	for i, s := range c.LoopOperation {
		if _, err := model.ParseLoopMode(s); err != nil {
			problems = append(problems, fmt.Sprintf("control.loop_operation[%d]: %v", i, err))
		}
	}

	thermometers := cfg.Expander.NumberOfThermometers
	checkSensor := func(field string, idx int) {
		if idx < 0 || idx >= thermometers {
			problems = append(problems, fmt.Sprintf("%s index %d outside 0..%d", field, idx, thermometers-1))
		}
	}
	for i, idx := range c.LoopSensors {
		checkSensor(fmt.Sprintf("control.loop_sensors[%d]", i), idx)
	}
	if len(c.SolarSensors) < 3 {
		problems = append(problems, "control.solar_sensors needs at least collector, pre-tank top and pre-tank bottom")
	}
	for i, idx := range c.SolarSensors {
		checkSensor(fmt.Sprintf("control.solar_sensors[%d]", i), idx)
	}

	usedRelays := map[int]string{}
	checkRelay := func(field string, id int) {
		if id < 0 || id > 7 {
			problems = append(problems, fmt.Sprintf("%s relay %d outside 0..7", field, id))
			return
		}
		if other, exists := usedRelays[id]; exists {
			problems = append(problems, fmt.Sprintf("%s and %s both use relay %d", field, other, id))
			return
		}
		usedRelays[id] = field
	}
	for i, id := range c.LoopPumpRelays {
		checkRelay(fmt.Sprintf("control.loop_pump_relays[%d]", i), id)
	}
	checkRelay("control.solar_pump_relay_id", c.SolarPumpRelayID)
	checkRelay("control.inter_tank_pump_relay_id", c.InterTankPumpRelayID)

	if c.SolarPumpDifferenceOff >= c.SolarPumpDifferenceOn {
		problems = append(problems, "control.solar_pump_difference_off must be below solar_pump_difference_on")
	}
	if c.ValveFullTravelSeconds <= 0 {
		problems = append(problems, "control.valve_full_travel_seconds must be positive")
	}
	if cfg.HeatPump.UnitID < 1 || cfg.HeatPump.UnitID > 247 {
		problems = append(problems, fmt.Sprintf("heat_pump.unit_id %d outside 1..247", cfg.HeatPump.UnitID))
	}
	if cfg.TemperatureFilter.MaxDelta < 0 || cfg.TemperatureFilter.MaxAnomalies < 0 {
		problems = append(problems, "temperature_filter.max_delta and max_anomalies must not be negative")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}
