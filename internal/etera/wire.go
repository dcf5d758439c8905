package etera

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Control bytes sent by the expander firmware.
const (
	byteReady        byte = 0xE0
	byteReset        byte = 0xE1
	byteMessageBegin byte = 0xEA
	byteMessageEnd   byte = 0xEB

	motorStopMask    byte = 0b11111000
	motorStopPattern byte = 0b11010000
)

// Command bytes sent by the host.
const (
	motorMovePrefix byte = 0b11000000
	relaySetPrefix  byte = 0b10100000

	cmdSensorCount  byte = 'c'
	cmdSensorList   byte = 'a'
	cmdTemperatures byte = 't'
)

const (
	MotorCount     = 4
	RelayCount     = 8
	SensorIDLength = 8

	// MaxMotorChunk is the largest duration the uint16 wire field can carry.
	MaxMotorChunk = 65535
)

type Direction int

const (
	CounterClockwise Direction = 0
	Clockwise        Direction = 1
)

func (d Direction) String() string {
	if d == Clockwise {
		return "clockwise"
	}
	return "counter_clockwise"
}

// SensorID is the 1-wire ROM address of a temperature probe.
type SensorID [SensorIDLength]byte

func (s SensorID) String() string {
	return hex.EncodeToString(s[:])
}

func encodeMotorMove(motor int, dir Direction, durationMs uint16) []byte {
	b := make([]byte, 3)
	b[0] = motorMovePrefix | byte(motor&0b11)<<1 | byte(dir&1)
	binary.LittleEndian.PutUint16(b[1:], durationMs)
	return b
}

func encodeRelaySet(relay int, state bool) []byte {
	b := relaySetPrefix | byte(relay&0b111)<<1
	if state {
		b |= 1
	}
	return []byte{b}
}

// motorStopID reports whether b is a motor stop notification and for which motor.
func motorStopID(b byte) (int, bool) {
	if b&motorStopMask != motorStopPattern {
		return 0, false
	}
	return int(b & 0b11), true
}

// DecodeTemperature converts one little-endian signed 1/16 °C reading.
func DecodeTemperature(raw [2]byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(raw[:]))) / 16
}

// DecodeTemperatures converts a full 't' response into °C readings.
func DecodeTemperatures(raw []byte) ([]float64, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd temperature payload length %d", len(raw))
	}
	temps := make([]float64, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		temps = append(temps, DecodeTemperature([2]byte{raw[i], raw[i+1]}))
	}
	return temps, nil
}

// splitDuration chunks a move into pieces the wire duration field can hold.
func splitDuration(durationMs int) []uint16 {
	var chunks []uint16
	for durationMs > MaxMotorChunk {
		chunks = append(chunks, MaxMotorChunk)
		durationMs -= MaxMotorChunk
	}
	if durationMs > 0 {
		chunks = append(chunks, uint16(durationMs))
	}
	return chunks
}
