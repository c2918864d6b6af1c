package serialmux

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel tags each line on the wire with the characteristic it carries.
type Channel byte

const (
	// ChannelTelemetry carries speed notifications from the device.
	ChannelTelemetry Channel = 'T'
	// ChannelVelocityPID carries velocity loop gains in either direction.
	ChannelVelocityPID Channel = 'V'
	// ChannelCurrentPI carries current loop gains in either direction.
	ChannelCurrentPI Channel = 'C'
	// ChannelTarget carries the commanded speed to the device.
	ChannelTarget Channel = 'S'
	// ChannelReadback asks the device to report a gain set.
	ChannelReadback Channel = 'R'
)

func (c Channel) String() string {
	switch c {
	case ChannelTelemetry:
		return "telemetry"
	case ChannelVelocityPID:
		return "velocity_pid"
	case ChannelCurrentPI:
		return "current_pi"
	case ChannelTarget:
		return "target"
	case ChannelReadback:
		return "readback"
	default:
		return fmt.Sprintf("channel(%q)", byte(c))
	}
}

var (
	ErrEmptyLine      = errors.New("empty line")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Payload is one decoded line. For readback requests Data holds the single
// channel byte being requested.
type Payload struct {
	Channel Channel
	Data    []byte
	// At is when the line was read off the port; zero for outbound payloads.
	At time.Time
}

// ReadbackRequest returns the payload asking the device to report ch.
func ReadbackRequest(ch Channel) Payload {
	return Payload{Channel: ChannelReadback, Data: []byte{byte(ch)}}
}

// ParseLine decodes a "<channel> <hex>" line. Surrounding whitespace and a
// trailing carriage return are ignored.
func ParseLine(line string) (Payload, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Payload{}, ErrEmptyLine
	}
	ch := Channel(line[0])
	body := strings.TrimSpace(line[1:])

	switch ch {
	case ChannelTelemetry, ChannelVelocityPID, ChannelCurrentPI, ChannelTarget:
		data, err := hex.DecodeString(body)
		if err != nil {
			return Payload{}, fmt.Errorf("channel %s: %w", ch, err)
		}
		return Payload{Channel: ch, Data: data}, nil
	case ChannelReadback:
		if len(body) != 1 {
			return Payload{}, fmt.Errorf("readback request %q: want one channel letter", body)
		}
		switch target := Channel(body[0]); target {
		case ChannelVelocityPID, ChannelCurrentPI:
			return ReadbackRequest(target), nil
		default:
			return Payload{}, fmt.Errorf("readback of %s: %w", target, ErrUnknownChannel)
		}
	default:
		return Payload{}, fmt.Errorf("%q: %w", byte(ch), ErrUnknownChannel)
	}
}

// Line formats the payload for the wire, without the newline.
func (p Payload) Line() string {
	if p.Channel == ChannelReadback {
		return fmt.Sprintf("%c %s", byte(p.Channel), string(p.Data))
	}
	return fmt.Sprintf("%c %s", byte(p.Channel), strings.ToUpper(hex.EncodeToString(p.Data)))
}
