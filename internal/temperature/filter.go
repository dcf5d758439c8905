package temperature

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/internal/config"
)

// PowerOnValue is what a DS18B20 reports before its first conversion.
const PowerOnValue = 85.0

// Plausible DS18B20 range.
const (
	minPlausible = -55.0
	maxPlausible = 125.0
)

// baselineWindow is how many consecutive jumped readings are looked at
// before accepting them as the new level.
const baselineWindow = 3

type Notifier interface {
	SendAsync(title, message string)
}

type history struct {
	last      float64
	hasLast   bool
	pending   []float64
	anomalies int
	recovery  int
	disabled  bool
}

// Filter drops readings that jump more than MaxDelta from the last accepted
// value of the same probe. A probe with MaxAnomalies rejects in a row is
// disabled until it delivers MaxAnomalies consistent readings again.
type Filter struct {
	mu           sync.Mutex
	maxDelta     float64
	maxAnomalies int
	sensors      map[int]*history
	notifier     Notifier
}

// NewFilter returns nil when the filter is disabled; a nil Filter passes
// everything through.
func NewFilter(cfg config.TemperatureFilter, notifier Notifier) *Filter {
	if cfg.Disabled {
		log.Warn().Msg("Temperature filter disabled")
		return nil
	}
	return &Filter{
		maxDelta:     cfg.MaxDelta,
		maxAnomalies: cfg.MaxAnomalies,
		sensors:      map[int]*history{},
		notifier:     notifier,
	}
}

// Apply returns the readings with rejected values replaced by NaN.
func (f *Filter) Apply(temps []float64) []float64 {
	out := make([]float64, len(temps))
	copy(out, temps)
	if f == nil {
		return out
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range temps {
		if !f.accept(i, t) {
			out[i] = math.NaN()
		}
	}
	return out
}

// Disabled lists the probes currently taken out of service.
func (f *Filter) Disabled() []int {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for id, h := range f.sensors {
		if h.disabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Filter) accept(sensor int, t float64) bool {
	h := f.sensors[sensor]
	if h == nil {
		h = &history{}
		f.sensors[sensor] = h
	}

	if !plausible(t) {
		log.Warn().Int("sensor", sensor).Float64("temp", t).Msg("Implausible temperature reading rejected")
		f.reject(sensor, h, t)
		return false
	}

	if !h.hasLast {
		h.last, h.hasLast = t, true
		return true
	}

	if math.Abs(t-h.last) <= f.maxDelta {
		h.pending = nil
		h.anomalies = 0
		h.last = t
		if h.disabled {
			h.recovery++
			if h.recovery < f.maxAnomalies {
				return false
			}
			f.enable(sensor, h, t)
		}
		return true
	}

	h.pending = append(h.pending, t)
	if len(h.pending) > baselineWindow {
		h.pending = h.pending[1:]
	}
	if f.newBaseline(h.pending) {
		log.Info().Int("sensor", sensor).Float64("temp", t).Float64("previous", h.last).Msg("Stable new baseline detected, accepting temperature")
		h.pending = nil
		h.anomalies = 0
		h.last = t
		if h.disabled {
			f.enable(sensor, h, t)
		}
		return true
	}

	log.Warn().Int("sensor", sensor).Float64("temp", t).Float64("last_good", h.last).Msg("Temperature reading rejected as anomalous")
	f.reject(sensor, h, t)
	return false
}

func (f *Filter) reject(sensor int, h *history, t float64) {
	h.anomalies++
	h.recovery = 0
	if h.anomalies < f.maxAnomalies || h.disabled {
		return
	}
	h.disabled = true
	log.Error().Int("sensor", sensor).Float64("temp", t).Float64("last_good", h.last).Msg("Temperature sensor disabled")
	if f.notifier != nil {
		f.notifier.SendAsync(fmt.Sprintf("Sensor %d disabled", sensor),
			fmt.Sprintf("Sensor %d: %.1f°C after %d anomalies, last good %.1f°C", sensor, t, h.anomalies, h.last))
	}
}

func (f *Filter) enable(sensor int, h *history, t float64) {
	h.disabled = false
	h.recovery = 0
	log.Info().Int("sensor", sensor).Float64("temp", t).Msg("Sensor recovered and re-enabled")
	if f.notifier != nil {
		f.notifier.SendAsync(fmt.Sprintf("Sensor %d recovered", sensor),
			fmt.Sprintf("Sensor %d: %.1f°C", sensor, t))
	}
}

// newBaseline reports whether the jumped readings either settled at a new
// level or move steadily in one direction.
func (f *Filter) newBaseline(pending []float64) bool {
	if len(pending) < baselineWindow {
		return false
	}

	var sum float64
	for _, t := range pending {
		sum += t
	}
	mean := sum / float64(len(pending))
	var variance float64
	for _, t := range pending {
		variance += (t - mean) * (t - mean)
	}
	if math.Sqrt(variance/float64(len(pending))) < 2.0 {
		return true
	}

	increasing := pending[1] > pending[0]
	for i := 1; i < len(pending); i++ {
		step := pending[i] - pending[i-1]
		if increasing && step < -0.5 || !increasing && step > 0.5 {
			return false
		}
		if math.Abs(step) > f.maxDelta {
			return false
		}
	}
	return true
}

func plausible(t float64) bool {
	return t != PowerOnValue && t >= minPlausible && t <= maxPlausible
}
