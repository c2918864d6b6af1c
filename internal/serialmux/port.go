package serialmux

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// SerialPorter is the part of a serial port the mux needs. Tests and the
// emulator provide their own.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// DefaultBaudRate is the motor controller's bridge rate.
const DefaultBaudRate = 115200

// DefaultPortMode is the -serial flag default.
const DefaultPortMode = "115200,8N1"

// bridgeBaudRates are the rates the controller's USB bridge firmware accepts.
var bridgeBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

var parityCodes = map[byte]serial.Parity{
	'N': serial.NoParity,
	'E': serial.EvenParity,
	'O': serial.OddParity,
	'M': serial.MarkParity,
	'S': serial.SpaceParity,
}

var stopBitCodes = map[string]serial.StopBits{
	"1":   serial.OneStopBit,
	"1.5": serial.OnePointFiveStopBits,
	"2":   serial.TwoStopBits,
}

// PortOptions is the line configuration of the controller's serial bridge.
type PortOptions struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultPortOptions returns 115200 baud, 8N1.
func DefaultPortOptions() PortOptions {
	return PortOptions{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// ParsePortOptions reads "<baud>[,<framing>]", for example "230400" or
// "57600,7E2". Framing is data bits, a parity letter (N, E, O, M, S) and
// stop bits (1, 1.5, 2); it defaults to 8N1.
func ParsePortOptions(s string) (PortOptions, error) {
	opts := DefaultPortOptions()
	baudStr, framing, hasFraming := strings.Cut(strings.TrimSpace(s), ",")

	if baudStr != "" {
		baud, err := strconv.Atoi(strings.TrimSpace(baudStr))
		if err != nil {
			return opts, fmt.Errorf("invalid baud rate %q", baudStr)
		}
		opts.BaudRate = baud
	}

	if hasFraming {
		framing = strings.ToUpper(strings.TrimSpace(framing))
		if len(framing) < 3 {
			return opts, fmt.Errorf("invalid framing %q: expected e.g. 8N1", framing)
		}
		opts.DataBits = int(framing[0] - '0')
		parity, ok := parityCodes[framing[1]]
		if !ok {
			return opts, fmt.Errorf("unsupported parity %q: expected N, E, O, M or S", framing[1:2])
		}
		opts.Parity = parity
		stop, ok := stopBitCodes[framing[2:]]
		if !ok {
			return opts, fmt.Errorf("unsupported stop bits %q: expected 1, 1.5 or 2", framing[2:])
		}
		opts.StopBits = stop
	}

	return opts, opts.Validate()
}

// Validate rejects rates and framings the bridge cannot run.
func (o PortOptions) Validate() error {
	if !slices.Contains(bridgeBaudRates, o.BaudRate) {
		return fmt.Errorf("invalid baud rate %d: the bridge supports %v", o.BaudRate, bridgeBaudRates)
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	// 1.5 stop bits only exist with 5 data bits.
	if o.StopBits == serial.OnePointFiveStopBits && o.DataBits != 5 {
		return fmt.Errorf("1.5 stop bits require 5 data bits, got %d", o.DataBits)
	}
	return nil
}

// String formats the options the way ParsePortOptions reads them.
func (o PortOptions) String() string {
	parity := byte('?')
	for code, p := range parityCodes {
		if p == o.Parity {
			parity = code
		}
	}
	stop := "?"
	for code, sb := range stopBitCodes {
		if sb == o.StopBits {
			stop = code
		}
	}
	return fmt.Sprintf("%d,%d%c%s", o.BaudRate, o.DataBits, parity, stop)
}

func (o PortOptions) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		Parity:   o.Parity,
		StopBits: o.StopBits,
	}
}

// OpenSerialMux opens the controller's port at path and wraps it in a mux.
func OpenSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	port, err := serial.Open(path, opts.mode())
	if err != nil {
		return nil, fmt.Errorf("open %s at %s: %w", path, opts, err)
	}
	return NewSerialMux[serial.Port](port), nil
}
