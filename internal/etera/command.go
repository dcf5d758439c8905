package etera

import (
	"context"
	"sync"
	"sync/atomic"
)

// signal is a latch set exactly once by the engine. Any number of callers may
// wait on it; waiting never consumes it.
type signal struct {
	done       chan struct{}
	once       sync.Once
	successful atomic.Bool
}

func (s *signal) finish(successful bool) {
	s.once.Do(func() {
		s.successful.Store(successful)
		close(s.done)
	})
}

// Done is closed once the command has finished.
func (s *signal) Done() <-chan struct{} {
	return s.done
}

// Successful is only meaningful after Done is closed.
func (s *signal) Successful() bool {
	return s.successful.Load()
}

func (s *signal) wait(ctx context.Context) (bool, error) {
	select {
	case <-s.done:
		return s.successful.Load(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Command is one pending operation: *MotorMove, *RelaySet or *TemperatureRead.
type Command interface {
	Done() <-chan struct{}
	Successful() bool
	finish(successful bool)
}

type MotorMove struct {
	signal
	Motor      int
	Direction  Direction
	DurationMs uint16

	// chain groups the chunks of one MoveMotor call.
	chain   uint64
	started bool
}

func newMotorMove(motor int, dir Direction, durationMs uint16, chain uint64) *MotorMove {
	return &MotorMove{
		signal:     signal{done: make(chan struct{})},
		Motor:      motor,
		Direction:  dir,
		DurationMs: durationMs,
		chain:      chain,
	}
}

func (m *MotorMove) wire() []byte {
	return encodeMotorMove(m.Motor, m.Direction, m.DurationMs)
}

type RelaySet struct {
	signal
	Relay int
	State bool
}

func newRelaySet(relay int, state bool) *RelaySet {
	return &RelaySet{signal: signal{done: make(chan struct{})}, Relay: relay, State: state}
}

func (r *RelaySet) wire() []byte {
	return encodeRelaySet(r.Relay, r.State)
}

type TemperatureRead struct {
	signal
	Temperatures []float64
}

func newTemperatureRead() *TemperatureRead {
	return &TemperatureRead{signal: signal{done: make(chan struct{})}}
}

func (t *TemperatureRead) wire() []byte {
	return []byte{cmdTemperatures}
}
