package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/db"
	"github.com/thatsimonsguy/etera-expander/internal/datadog"
	"github.com/thatsimonsguy/etera-expander/internal/etera"
)

const (
	eventRetention = 30 * 24 * time.Hour
	pruneInterval  = 24 * time.Hour
)

type bridgePublisher interface {
	PublishBridge(ready bool)
	PublishDeviceMessage(text string)
}

type alerter interface {
	SendAsync(title, message string)
}

// eventSink is the single consumer of expander events.
type eventSink struct {
	db           *sql.DB
	publisher    bridgePublisher
	notifier     alerter
	thermometers int
}

func (s *eventSink) run(ctx context.Context, events <-chan etera.Event) {
	s.prune(time.Now())
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			s.handle(e)
		case now := <-ticker.C:
			s.prune(now)
		}
	}
}

func (s *eventSink) handle(e etera.Event) {
	switch e.Kind {
	case etera.EventReady:
		log.Info().Int("sensors", e.Sensors).Msg("Expander initialized")
		if e.Sensors != s.thermometers {
			log.Warn().
				Int("sensors", e.Sensors).
				Int("number_of_thermometers", s.thermometers).
				Msg("Sensor registry size differs from config, sensor indices may point at other probes")
		}
		datadog.Gauge("bridge.sensors", float64(e.Sensors))
		s.publisher.PublishBridge(true)
	case etera.EventReset:
		log.Warn().Msg("Expander reset, pending commands failed")
		datadog.Incr("bridge.resets")
		s.notifier.SendAsync("Expander reset", fmt.Sprintf("The expander reset at %s and is reinitializing", e.At.Format(time.RFC3339)))
		s.publisher.PublishBridge(false)
	case etera.EventMessage:
		log.Info().Str("device_message", e.Text()).Msg("Expander message")
		s.publisher.PublishDeviceMessage(e.Text())
	}

	if err := db.InsertDeviceEvent(s.db, string(e.Kind), e.Text(), e.Sensors, e.At); err != nil {
		log.Error().Err(err).Str("kind", string(e.Kind)).Msg("Failed to record device event")
	}
}

func (s *eventSink) prune(now time.Time) {
	n, err := db.PruneDeviceEvents(s.db, now.Add(-eventRetention))
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune device events")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Pruned old device events")
	}
}
