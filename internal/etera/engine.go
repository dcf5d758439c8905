package etera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var errEchoTimeout = errors.New("no echo from device")

// rxByte is a received byte tagged with the port session it was read in.
type rxByte struct {
	c       byte
	session uint64
}

// Run is the device engine. It owns the port and the parser state and blocks
// until ctx is cancelled. Only one Run may be active per Bridge.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	readerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.readLoop(readerCtx)

	log.Info().Msg("Expander engine started, waiting for device ready")

	ticker := time.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	for {
		b.tick()

		select {
		case <-ctx.Done():
			b.ready.clear()
			b.abortAll()
			log.Info().Msg("Expander engine stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// readLoop copies everything the port delivers into the incoming channel so
// the engine can wait for bytes with its own deadlines.
func (b *Bridge) readLoop(ctx context.Context) {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		b.readMu.Lock()
		session := b.session.Load()
		n, err := b.port.Read(buf)
		b.readMu.Unlock()
		if err != nil {
			log.Debug().Err(err).Msg("Serial read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		for _, c := range buf[:n] {
			select {
			case b.incoming <- rxByte{c: c, session: session}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bridge) tick() {
	if b.reopen {
		b.reopenPort()
	}

	for {
		c, ok := b.pollByte()
		if !ok {
			break
		}
		b.handleByte(c)
	}

	if b.state == StateIdle {
		b.dispatch()
	}
}

// pollByte returns the next framer byte without blocking. Replayed bytes go
// first.
func (b *Bridge) pollByte() (byte, bool) {
	if len(b.replay) > 0 {
		c := b.replay[0]
		b.replay = b.replay[1:]
		return c, true
	}
	for {
		select {
		case rx := <-b.incoming:
			if b.stale(rx) {
				continue
			}
			return rx.c, true
		default:
			return 0, false
		}
	}
}

// readByte waits up to the read timeout for a fresh byte from the port.
func (b *Bridge) readByte() (byte, bool) {
	timer := time.NewTimer(b.opts.ReadTimeout)
	defer timer.Stop()
	for {
		select {
		case rx := <-b.incoming:
			if b.stale(rx) {
				continue
			}
			return rx.c, true
		case <-timer.C:
			return 0, false
		}
	}
}

// stale reports bytes read from the port before the latest reopen.
func (b *Bridge) stale(rx rxByte) bool {
	return rx.session != b.session.Load()
}

// readFull reads exactly n bytes, each within the read timeout.
func (b *Bridge) readFull(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		c, ok := b.readByte()
		if !ok {
			return out, fmt.Errorf("short read: got %d of %d bytes", len(out), n)
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *Bridge) handleByte(c byte) {
	switch c {
	case byteReady:
		if b.state != StateAwaitingReady && b.state != StateDeviceResetting {
			b.emit(Event{Kind: EventReset})
			b.abortAll()
		}
		b.initialize()
		return
	case byteReset:
		b.message(fmt.Sprintf("device reset unexpectedly in state %s", b.state))
		b.resetDevice()
		return
	case byteMessageBegin:
		if len(b.text) > 0 {
			b.message(string(b.text))
		}
		b.text = nil
		if b.state != StateReadingDiagnosticText {
			b.prevText = b.state
		}
		b.state = StateReadingDiagnosticText
		return
	case byteMessageEnd:
		if b.state != StateReadingDiagnosticText {
			b.message(fmt.Sprintf("device sent end of message in state %s, resetting", b.state))
			b.resetDevice()
			return
		}
		b.state = b.prevText
		b.emit(Event{Kind: EventMessage, Message: b.text})
		b.text = nil
		return
	}

	if b.state == StateReadingDiagnosticText {
		b.text = append(b.text, c)
		return
	}

	if motor, ok := motorStopID(c); ok {
		if !b.motors[motor].completeStarted() {
			log.Debug().Int("motor", motor).Msg("Stop notification with no move in flight")
		}
		return
	}

	b.message(fmt.Sprintf("device sent unknown byte 0x%02X in state %s, resetting", c, b.state))
	b.resetDevice()
}

// initialize reads the sensor registry after a ready byte and opens the gate.
func (b *Bridge) initialize() {
	b.ready.clear()

	if err := b.sendCommand([]byte{cmdSensorCount}); err != nil {
		log.Error().Err(err).Msg("Failed to request sensor count")
		b.resetDevice()
		return
	}
	raw, err := b.readFull(1)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read sensor count")
		b.resetDevice()
		return
	}
	count := int(raw[0])

	if err := b.sendCommand([]byte{cmdSensorList}); err != nil {
		log.Error().Err(err).Msg("Failed to request sensor list")
		b.resetDevice()
		return
	}
	sensors := make([]SensorID, 0, count)
	for i := 0; i < count; i++ {
		raw, err := b.readFull(SensorIDLength)
		if err != nil {
			log.Error().Err(err).Int("sensor", i).Msg("Failed to read sensor id")
			b.resetDevice()
			return
		}
		var id SensorID
		copy(id[:], raw)
		sensors = append(sensors, id)
	}

	b.sensorsMu.Lock()
	b.sensors = sensors
	b.sensorsMu.Unlock()

	b.state = StateIdle
	b.ready.open()
	log.Info().Int("sensors", count).Msg("Expander ready")
	b.emit(Event{Kind: EventReady, Sensors: count})
}

// resetDevice fails everything pending and reopens the port, which restarts
// the firmware. The engine then waits for the next ready byte.
func (b *Bridge) resetDevice() {
	b.ready.clear()
	wasInitialized := b.state != StateAwaitingReady
	b.replay = nil
	b.text = nil
	b.state = StateDeviceResetting
	b.reopenPort()

	if wasInitialized {
		b.emit(Event{Kind: EventReset})
	}
	if n := b.abortAll(); n > 0 {
		log.Warn().Int("aborted", n).Msg("Aborted pending expander commands")
	}
}

func (b *Bridge) reopenPort() {
	b.readMu.Lock()
	err := b.port.Reopen()
	// bytes from before the reopen belong to the previous session
	b.session.Add(1)
	b.readMu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to reopen serial port, will retry")
		b.reopen = true
		return
	}
	b.reopen = false
}

func (b *Bridge) abortAll() int {
	n := 0
	for _, q := range b.motors {
		n += q.abort()
	}
	n += b.relays.abort()
	n += b.temperatures.abort()
	return n
}

// dispatch sends at most one new command per queue: the unstarted head of each
// motor, then one relay, then one temperature read. A command that cannot be
// confirmed resets the device and ends the tick.
func (b *Bridge) dispatch() {
	for _, q := range b.motors {
		m := q.startNext()
		if m == nil {
			continue
		}
		if err := b.sendCommand(m.wire()); err != nil {
			log.Error().Err(err).Int("motor", m.Motor).Msg("Motor move not confirmed")
			b.resetDevice()
			q.fail(m)
			return
		}
		log.Debug().
			Int("motor", m.Motor).
			Str("direction", m.Direction.String()).
			Int("duration_ms", int(m.DurationMs)).
			Msg("Motor move started")
	}

	if r, ok := b.relays.pop(); ok {
		if err := b.sendCommand(r.wire()); err != nil {
			log.Error().Err(err).Int("relay", r.Relay).Msg("Relay command not confirmed")
			b.resetDevice()
			r.finish(false)
			return
		}
		r.finish(true)
	}

	if t, ok := b.temperatures.pop(); ok {
		if err := b.sendCommand(t.wire()); err != nil {
			log.Error().Err(err).Msg("Temperature command not confirmed")
			b.resetDevice()
			t.finish(false)
			return
		}
		raw, err := b.readFull(2 * b.sensorCount())
		if err != nil {
			log.Error().Err(err).Msg("Temperature payload incomplete")
			t.finish(false)
			return
		}
		temps, err := DecodeTemperatures(raw)
		if err != nil {
			t.finish(false)
			return
		}
		t.Temperatures = temps
		t.finish(true)
	}
}

// sendCommand writes cmd and waits for the echo of its leading byte. Bytes
// that arrive in between are kept for the framer.
func (b *Bridge) sendCommand(cmd []byte) error {
	for attempt := 1; attempt <= b.opts.SendAttempts; attempt++ {
		if _, err := b.port.Write(cmd); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Serial write failed")
			continue
		}
		if b.confirm(cmd[0]) {
			return nil
		}
		log.Debug().Int("attempt", attempt).Hex("command", cmd).Msg("Command echo missing")
	}
	return fmt.Errorf("%w after %d attempts (command 0x%02X)", errEchoTimeout, b.opts.SendAttempts, cmd[0])
}

func (b *Bridge) confirm(expected byte) bool {
	for {
		c, ok := b.readByte()
		if !ok {
			return false
		}
		if c == expected {
			return true
		}
		b.replay = append(b.replay, c)
	}
}

func (b *Bridge) message(text string) {
	log.Warn().Msg(text)
	b.emit(Event{Kind: EventMessage, Message: []byte(text)})
}

// emit never blocks the engine; events are dropped when nobody keeps up.
func (b *Bridge) emit(e Event) {
	e.At = time.Now()
	select {
	case b.events <- e:
	default:
		log.Warn().Str("kind", string(e.Kind)).Msg("Event channel full, dropping event")
	}
}
