package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type fakePort struct {
	serial.Port
	rx          []byte
	tx          []byte
	readTimeout time.Duration
	flushed     bool
	closed      bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.tx = append(f.tx, p...)
	return len(p), nil
}

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.readTimeout = t
	return nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.flushed = true
	return nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func withFakeOpen(t *testing.T, open func(name string, mode *serial.Mode) (serial.Port, error)) {
	orig := openPort
	openPort = open
	t.Cleanup(func() { openPort = orig })
}

func TestOpenAppliesDefaults(t *testing.T) {
	var gotMode *serial.Mode
	port := &fakePort{}
	withFakeOpen(t, func(name string, mode *serial.Mode) (serial.Port, error) {
		assert.Equal(t, "/dev/ttyACM0", name)
		gotMode = mode
		return port, nil
	})

	s, err := Open(Options{Port: "/dev/ttyACM0"})
	require.NoError(t, err)
	assert.Equal(t, 115200, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)
	assert.Equal(t, serial.NoParity, gotMode.Parity)
	assert.Equal(t, serial.OneStopBit, gotMode.StopBits)
	assert.Equal(t, 500*time.Millisecond, port.readTimeout)
	assert.True(t, port.flushed)
	assert.Equal(t, "/dev/ttyACM0", s.Name())
}

func TestOpenRequiresName(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestReadWriteAndClose(t *testing.T) {
	port := &fakePort{rx: []byte{0xE0, 0x02}}
	withFakeOpen(t, func(string, *serial.Mode) (serial.Port, error) { return port, nil })

	s, err := Open(Options{Port: "x"})
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x02}, buf[:n])

	n, err = s.Write([]byte{'c'})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{'c'}, port.tx)

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Write([]byte{'c'})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close(), "closing twice is harmless")
}

func TestReopen(t *testing.T) {
	var opened []*fakePort
	fail := false
	withFakeOpen(t, func(string, *serial.Mode) (serial.Port, error) {
		if fail {
			return nil, errors.New("device gone")
		}
		p := &fakePort{}
		opened = append(opened, p)
		return p, nil
	})

	s, err := Open(Options{Port: "x", BaudRate: 9600, ReadTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, s.Reopen())
	require.Len(t, opened, 2)
	assert.True(t, opened[0].closed)
	assert.Equal(t, time.Second, opened[1].readTimeout)

	fail = true
	assert.Error(t, s.Reopen())
	assert.True(t, opened[1].closed)
	_, err = s.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)

	fail = false
	require.NoError(t, s.Reopen())
	_, err = s.Write([]byte{1})
	assert.NoError(t, err)
}
