package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/internal/config"
)

var (
	dogstatsd statsd.ClientInterface
	enabled   bool
)

func InitMetrics(cfg config.Datadog) {
	if !cfg.Enabled {
		log.Info().Msg("Datadog metrics disabled")
		return
	}

	client, err := statsd.New(cfg.AgentAddr,
		statsd.WithNamespace(cfg.Namespace),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}
	dogstatsd = client
	enabled = true

	log.Info().
		Str("addr", cfg.AgentAddr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Datadog metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Gauge(name, value, tags, 1)
		if err != nil && enabled {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Incr(name string, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Incr(name, tags, 1)
		if err != nil && enabled {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}

// BoolGauge reports on/off states as 1 or 0.
func BoolGauge(name string, on bool, tags ...string) {
	v := 0.0
	if on {
		v = 1
	}
	Gauge(name, v, tags...)
}

func Close() {
	if dogstatsd != nil {
		dogstatsd.Close()
		dogstatsd = nil
		enabled = false
	}
}
