package etera

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice plays the expander firmware on the other end of a Port.
type fakeDevice struct {
	mu      sync.Mutex
	pending []byte
	writes  [][]byte
	reopens int

	sensors      []SensorID
	temperatures []byte
	// autoStop reports every motor move as finished right after its echo.
	autoStop bool
	// readyOnReopen sends the ready byte after each reopen, as a real reset does.
	readyOnReopen bool
	// dropEcho suppresses the firmware response for matching commands.
	dropEcho func(cmd []byte) bool
	// before is sent ahead of the echo for matching commands.
	before func(cmd []byte) []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		sensors: []SensorID{
			{0x28, 1, 2, 3, 4, 5, 6, 7},
			{0x28, 8, 9, 10, 11, 12, 13, 14},
		},
		temperatures: []byte{0x00, 0x01, 0x00, 0x02},
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		d.mu.Unlock()
		return n, nil
	}
	d.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	return 0, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	cmd := append([]byte(nil), p...)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, cmd)

	if d.dropEcho != nil && d.dropEcho(cmd) {
		return len(p), nil
	}
	if d.before != nil {
		d.pending = append(d.pending, d.before(cmd)...)
	}

	d.pending = append(d.pending, cmd[0])
	switch {
	case cmd[0] == cmdSensorCount:
		d.pending = append(d.pending, byte(len(d.sensors)))
	case cmd[0] == cmdSensorList:
		for _, s := range d.sensors {
			d.pending = append(d.pending, s[:]...)
		}
	case cmd[0] == cmdTemperatures:
		d.pending = append(d.pending, d.temperatures...)
	case cmd[0]&0b11111000 == motorMovePrefix && d.autoStop:
		motor := (cmd[0] >> 1) & 0b11
		d.pending = append(d.pending, motorStopPattern|motor)
	}
	return len(p), nil
}

func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) Reopen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reopens++
	d.pending = nil
	if d.readyOnReopen {
		d.pending = append(d.pending, byteReady)
	}
	return nil
}

func (d *fakeDevice) inject(b ...byte) {
	d.mu.Lock()
	d.pending = append(d.pending, b...)
	d.mu.Unlock()
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

// countWrites returns how many writes started with the given command bytes.
func (d *fakeDevice) countWrites(prefix []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.writes {
		if bytes.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

func (d *fakeDevice) motorWrites() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for _, w := range d.writes {
		if len(w) == 3 && w[0]&0b11111000 == motorMovePrefix {
			out = append(out, w)
		}
	}
	return out
}

func (d *fakeDevice) reopenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reopens
}

func testOptions() Options {
	return Options{
		ReadTimeout:  50 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
		SendAttempts: 3,
		EventBuffer:  64,
	}
}

// startBridge runs an engine against dev and waits for it to become ready.
func startBridge(t *testing.T, dev *fakeDevice) *Bridge {
	t.Helper()
	b := New(dev, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	dev.inject(byteReady)
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readyCancel()
	require.NoError(t, b.Ready(readyCtx))
	return b
}

func waitEvent(t *testing.T, b *Bridge, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-b.Events():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}
