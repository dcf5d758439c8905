package etera

import (
	"strconv"
	"time"
	"unicode/utf8"
)

type EventKind string

const (
	EventReady   EventKind = "ready"
	EventReset   EventKind = "reset"
	EventMessage EventKind = "message"
)

// Event is a notification from the engine to its single consumer.
type Event struct {
	Kind    EventKind
	Message []byte
	Sensors int
	At      time.Time
}

// Text renders the diagnostic message, quoting it when the firmware sent
// something that is not valid UTF-8.
func (e Event) Text() string {
	if utf8.Valid(e.Message) {
		return string(e.Message)
	}
	return strconv.Quote(string(e.Message))
}
