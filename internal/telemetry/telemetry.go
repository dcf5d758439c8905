package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/internal/config"
	"github.com/thatsimonsguy/etera-expander/internal/model"
)

const publishTimeout = 5 * time.Second

// ModeHandler applies an operator mode change received over MQTT.
type ModeHandler func(loop int, mode model.LoopMode) error

// Publisher mirrors controller state to MQTT. A nil Publisher is a no-op.
type Publisher struct {
	client mqtt.Client
	prefix string
	onMode ModeHandler
}

func New(cfg config.MQTT, onMode ModeHandler) *Publisher {
	p := &Publisher{prefix: strings.TrimSuffix(cfg.Prefix, "/"), onMode: onMode}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.topic("availability"), "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
		c.Publish(p.topic("availability"), 1, true, "online")
		c.Subscribe(p.topic("loop/+/mode/set"), 1, p.handleModeCommand)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect starts the connection. Failures are retried in the background.
func (p *Publisher) Connect() {
	if p == nil {
		return
	}
	token := p.client.Connect()
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		log.Warn().Err(token.Error()).Msg("Could not connect to MQTT initially, will retry in background")
	}
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.client.IsConnected() {
		p.client.Publish(p.topic("availability"), 1, true, "offline").WaitTimeout(publishTimeout)
	}
	p.client.Disconnect(250)
}

func (p *Publisher) topic(suffix string) string {
	return p.prefix + "/" + suffix
}

func (p *Publisher) publish(suffix string, retained bool, payload string) {
	token := p.client.Publish(p.topic(suffix), 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Debug().Str("topic", suffix).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Debug().Err(err).Str("topic", suffix).Msg("MQTT publish failed")
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func formatTemp(t float64) string {
	return strconv.FormatFloat(t, 'f', 2, 64)
}

// PublishCycle mirrors one control cycle.
func (p *Publisher) PublishCycle(r model.CycleReport) {
	if p == nil {
		return
	}
	for i, t := range r.Temperatures {
		p.publish(fmt.Sprintf("temperature/%d", i), true, formatTemp(t))
	}
	p.publish("solar_pump", true, onOff(r.SolarPumpOn))
	p.publish("inter_tank_pump", true, onOff(r.InterTankOn))

	for _, l := range r.Loops {
		base := fmt.Sprintf("loop/%d/", l.ID)
		p.publish(base+"mode", true, string(l.Mode))
		p.publish(base+"pump", true, onOff(l.PumpOn))
		p.publish(base+"valve_position", true, strconv.FormatFloat(l.ValvePosition, 'f', 1, 64))
		if l.Temperature != nil {
			p.publish(base+"temperature", true, formatTemp(*l.Temperature))
		}
		if l.Target != nil {
			p.publish(base+"target", true, formatTemp(*l.Target))
		}
	}
}

func (p *Publisher) PublishBridge(ready bool) {
	if p == nil {
		return
	}
	p.publish("bridge/ready", true, strconv.FormatBool(ready))
}

func (p *Publisher) PublishDeviceMessage(text string) {
	if p == nil {
		return
	}
	p.publish("device/message", false, text)
}

func (p *Publisher) handleModeCommand(_ mqtt.Client, msg mqtt.Message) {
	loop, ok := parseModeTopic(p.prefix, msg.Topic())
	if !ok {
		log.Warn().Str("topic", msg.Topic()).Msg("Ignoring malformed mode topic")
		return
	}
	mode, err := model.ParseLoopMode(string(msg.Payload()))
	if err != nil {
		log.Warn().Err(err).Int("loop", loop).Msg("Ignoring invalid mode command")
		return
	}

	log.Info().Int("loop", loop).Str("mode", string(mode)).Msg("Received loop mode command")
	if p.onMode == nil {
		return
	}
	if err := p.onMode(loop, mode); err != nil {
		log.Error().Err(err).Int("loop", loop).Msg("Failed to apply loop mode command")
		return
	}
	p.publish(fmt.Sprintf("loop/%d/mode", loop), true, string(mode))
}

// parseModeTopic extracts n from <prefix>/loop/<n>/mode/set.
func parseModeTopic(prefix, topic string) (int, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/loop/")
	if !found {
		return 0, false
	}
	id, found := strings.CutSuffix(rest, "/mode/set")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
