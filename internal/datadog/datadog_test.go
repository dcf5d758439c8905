package datadog

import (
	"testing"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/stretchr/testify/assert"
)

type recordingClient struct {
	statsd.NoOpClient
	gauges map[string]float64
	incrs  map[string]int
	tags   [][]string
}

func (r *recordingClient) Gauge(name string, value float64, tags []string, rate float64) error {
	r.gauges[name] = value
	r.tags = append(r.tags, tags)
	return nil
}

func (r *recordingClient) Incr(name string, tags []string, rate float64) error {
	r.incrs[name]++
	return nil
}

func withRecorder(t *testing.T) *recordingClient {
	rec := &recordingClient{gauges: map[string]float64{}, incrs: map[string]int{}}
	orig := dogstatsd
	dogstatsd = rec
	t.Cleanup(func() { dogstatsd = orig })
	return rec
}

func TestGaugeWithoutClientIsNoop(t *testing.T) {
	orig := dogstatsd
	dogstatsd = nil
	t.Cleanup(func() { dogstatsd = orig })

	assert.NotPanics(t, func() {
		Gauge("loop.temperature", 21.5)
		Incr("device.resets")
	})
}

func TestGaugeAndIncr(t *testing.T) {
	rec := withRecorder(t)

	Gauge("loop.temperature", 21.5, "loop:0")
	BoolGauge("relay.state", true, "relay:4")
	BoolGauge("relay.state.off", false)
	Incr("device.resets")
	Incr("device.resets")

	assert.Equal(t, 21.5, rec.gauges["loop.temperature"])
	assert.Equal(t, 1.0, rec.gauges["relay.state"])
	assert.Equal(t, 0.0, rec.gauges["relay.state.off"])
	assert.Equal(t, 2, rec.incrs["device.resets"])
	assert.Equal(t, []string{"loop:0"}, rec.tags[0])
}
