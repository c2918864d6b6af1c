// Package codec packs and unpacks the fixed little-endian payloads exchanged
// with the motor controller. Every function is pure.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// TelemetryFrameSize is the minimum length of a telemetry notify payload.
const TelemetryFrameSize = 12

// ErrShortPayload is returned when a payload is shorter than its layout.
var ErrShortPayload = errors.New("payload too short")

// Frame is one decoded telemetry notification.
type Frame struct {
	Speed       float64   `json:"speed"`       // measured speed, display units
	Error       float64   `json:"error"`       // control error, rad/s
	LoopMicros  uint32    `json:"loop_micros"` // controller loop duration
	ArrivalTime time.Time `json:"arrival_time"`
}

// DecodeTelemetry decodes a telemetry payload received at the given time.
// Payloads shorter than TelemetryFrameSize report false; trailing bytes are ignored.
func DecodeTelemetry(b []byte, at time.Time) (Frame, bool) {
	if len(b) < TelemetryFrameSize {
		return Frame{}, false
	}
	return Frame{
		Speed:       float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))),
		Error:       float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))),
		LoopMicros:  binary.LittleEndian.Uint32(b[8:12]),
		ArrivalTime: at,
	}, true
}

// EncodeTelemetry is the inverse of DecodeTelemetry. The device emulator and
// tests use it to produce notify payloads.
func EncodeTelemetry(speed, ctrlErr float64, loopMicros uint32) []byte {
	b := make([]byte, TelemetryFrameSize)
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(float32(speed)))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(float32(ctrlErr)))
	binary.LittleEndian.PutUint32(b[8:12], loopMicros)
	return b
}

// EncodeScalar packs v as a single float32.
func EncodeScalar(v float64) []byte {
	return EncodeVector(v)
}

// EncodeVector packs each value as a float32, in order.
func EncodeVector(vs ...float64) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
	}
	return b
}

// DecodeVector unpacks n float32 values from the front of b.
func DecodeVector(b []byte, n int) ([]float64, error) {
	if len(b) < 4*n {
		return nil, fmt.Errorf("decode %d floats from %d bytes: %w", n, len(b), ErrShortPayload)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
	}
	return out, nil
}
