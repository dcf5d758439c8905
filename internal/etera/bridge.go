package etera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Port is the serial line the engine talks over. Read must return within a
// bounded timeout, with n == 0 and a nil error when nothing arrived.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Reopen() error
}

type Options struct {
	// ReadTimeout bounds every wait for a byte from the device.
	ReadTimeout time.Duration
	// TickInterval is the pause between engine iterations.
	TickInterval time.Duration
	SendAttempts int
	EventBuffer  int
}

func DefaultOptions() Options {
	return Options{
		ReadTimeout:  500 * time.Millisecond,
		TickInterval: 50 * time.Millisecond,
		SendAttempts: 3,
		EventBuffer:  64,
	}
}

// Bridge drives the expander: Run is the device engine, the exported methods
// are the only way other components reach the hardware.
type Bridge struct {
	opts Options

	// engine-owned
	port     Port
	state    ParserState
	prevText ParserState
	text     []byte
	replay   []byte
	reopen   bool
	incoming chan rxByte

	// readMu ties each port read to the session it was made in. session
	// advances on every reopen.
	readMu  sync.Mutex
	session atomic.Uint64

	motors       [MotorCount]*motorQueue
	relays       fifo[*RelaySet]
	temperatures fifo[*TemperatureRead]

	ready *readyGate

	sensorsMu sync.RWMutex
	sensors   []SensorID

	events  chan Event
	running atomic.Bool
}

func New(port Port, opts Options) *Bridge {
	def := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.SendAttempts <= 0 {
		opts.SendAttempts = def.SendAttempts
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	b := &Bridge{
		opts:     opts,
		port:     port,
		state:    StateAwaitingReady,
		incoming: make(chan rxByte, 4096),
		ready:    newReadyGate(),
		events:   make(chan Event, opts.EventBuffer),
	}
	for i := range b.motors {
		b.motors[i] = &motorQueue{}
	}
	return b
}

// Events delivers ready, reset and diagnostic message notifications.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Ready blocks until the device has been initialized.
func (b *Bridge) Ready(ctx context.Context) error {
	select {
	case <-b.ready.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) IsReady() bool {
	return b.ready.isOpen()
}

// MoveMotor runs a motor for durationMs. Moves longer than the wire field are
// split into chunks that run back to back; the first failing chunk fails the
// whole move and no later chunk is sent. With override any queued or running
// move of that motor is aborted first.
func (b *Bridge) MoveMotor(ctx context.Context, motor int, dir Direction, durationMs int, override bool) error {
	if motor < 0 || motor >= MotorCount {
		return fmt.Errorf("%w: motor id %d must be between 0 and %d", ErrInvalidArgument, motor, MotorCount-1)
	}
	if durationMs < 0 {
		return fmt.Errorf("%w: move duration %dms must be non-negative", ErrInvalidArgument, durationMs)
	}
	if dir != Clockwise && dir != CounterClockwise {
		return fmt.Errorf("%w: unknown direction %d", ErrInvalidArgument, dir)
	}
	if !b.ready.isOpen() {
		return ErrDeviceNotReady
	}

	moves := b.motors[motor].enqueue(motor, dir, durationMs, override)
	for i, m := range moves {
		ok, err := m.wait(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: motor %d stopped at chunk %d/%d", ErrDeviceOperationFailed, motor, i+1, len(moves))
		}
	}
	return nil
}

func (b *Bridge) SetRelay(ctx context.Context, relay int, state bool) error {
	if relay < 0 || relay >= RelayCount {
		return fmt.Errorf("%w: relay id %d must be between 0 and %d", ErrInvalidArgument, relay, RelayCount-1)
	}
	if !b.ready.isOpen() {
		return ErrDeviceNotReady
	}

	cmd := newRelaySet(relay, state)
	b.relays.push(cmd)
	ok, err := cmd.wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: relay %d not switched", ErrDeviceOperationFailed, relay)
	}
	return nil
}

// GetTemperatures returns one reading per registered sensor, in registry order.
func (b *Bridge) GetTemperatures(ctx context.Context) ([]float64, error) {
	if !b.ready.isOpen() {
		return nil, ErrDeviceNotReady
	}

	cmd := newTemperatureRead()
	b.temperatures.push(cmd)
	ok, err := cmd.wait(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: temperature read", ErrDeviceOperationFailed)
	}
	return cmd.Temperatures, nil
}

// GetSensors returns a copy of the registry built at the last initialization.
// Indices are only meaningful until the next device reset.
func (b *Bridge) GetSensors(ctx context.Context) ([]SensorID, error) {
	if !b.ready.isOpen() {
		return nil, ErrDeviceNotReady
	}
	b.sensorsMu.RLock()
	defer b.sensorsMu.RUnlock()
	out := make([]SensorID, len(b.sensors))
	copy(out, b.sensors)
	return out, nil
}

func (b *Bridge) sensorCount() int {
	b.sensorsMu.RLock()
	defer b.sensorsMu.RUnlock()
	return len(b.sensors)
}
