package etera

import "sync"

// ParserState is owned by the engine goroutine.
type ParserState int

const (
	StateAwaitingReady ParserState = iota
	StateDeviceResetting
	StateIdle
	StateReadingDiagnosticText
)

func (s ParserState) String() string {
	switch s {
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateDeviceResetting:
		return "device_resetting"
	case StateIdle:
		return "idle"
	case StateReadingDiagnosticText:
		return "reading_diagnostic_text"
	default:
		return "unknown"
	}
}

// readyGate is set only by the engine and awaited by any number of callers.
type readyGate struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newReadyGate() *readyGate {
	return &readyGate{ch: make(chan struct{})}
}

func (g *readyGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		g.set = true
		close(g.ch)
	}
}

func (g *readyGate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		g.set = false
		g.ch = make(chan struct{})
	}
}

func (g *readyGate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

func (g *readyGate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
