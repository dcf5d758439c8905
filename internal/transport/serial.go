package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

var ErrClosed = errors.New("serial port is closed")

// openPort is swapped in tests.
var openPort = serial.Open

type Options struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

func (o Options) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Serial is a reopenable serial line. Reads and writes may run concurrently;
// Reopen waits for them to return.
type Serial struct {
	opts Options

	mu   sync.RWMutex
	port serial.Port
}

func Open(opts Options) (*Serial, error) {
	if opts.Port == "" {
		return nil, errors.New("serial port name is required")
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 500 * time.Millisecond
	}

	s := &Serial{opts: opts}
	port, err := s.open()
	if err != nil {
		return nil, err
	}
	s.port = port
	return s, nil
}

func (s *Serial) open() (serial.Port, error) {
	port, err := openPort(s.opts.Port, s.opts.mode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.opts.Port, err)
	}
	if err := port.SetReadTimeout(s.opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", s.opts.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Warn().Err(err).Str("port", s.opts.Port).Msg("Failed to flush serial input")
	}
	log.Info().Str("port", s.opts.Port).Int("baud", s.opts.BaudRate).Msg("Serial port opened")
	return port, nil
}

// Read returns 0, nil when nothing arrived within the read timeout.
func (s *Serial) Read(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port == nil {
		return 0, ErrClosed
	}
	return s.port.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port == nil {
		return 0, ErrClosed
	}
	return s.port.Write(p)
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Reopen closes the line and opens it again with the same parameters. On
// failure the line stays closed and Reopen can be retried.
func (s *Serial) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			log.Warn().Err(err).Str("port", s.opts.Port).Msg("Error closing serial port before reopen")
		}
		s.port = nil
	}
	port, err := s.open()
	if err != nil {
		return err
	}
	s.port = port
	return nil
}

func (s *Serial) Name() string {
	return s.opts.Port
}
