package serialmux

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Payload
		wantErr bool
	}{
		{
			name: "telemetry",
			line: "T 00509A44000080BEF4010000",
			want: Payload{Channel: ChannelTelemetry, Data: []byte{0x00, 0x50, 0x9A, 0x44, 0x00, 0x00, 0x80, 0xBE, 0xF4, 0x01, 0x00, 0x00}},
		},
		{
			name: "lowercase hex and carriage return",
			line: "V 0000803f\r",
			want: Payload{Channel: ChannelVelocityPID, Data: []byte{0x00, 0x00, 0x80, 0x3F}},
		},
		{
			name: "short telemetry still parses",
			line: "T 0102",
			want: Payload{Channel: ChannelTelemetry, Data: []byte{0x01, 0x02}},
		},
		{
			name: "empty telemetry body",
			line: "T",
			want: Payload{Channel: ChannelTelemetry, Data: []byte{}},
		},
		{
			name: "readback request",
			line: "R C",
			want: ReadbackRequest(ChannelCurrentPI),
		},
		{name: "odd hex", line: "T 0", wantErr: true},
		{name: "unknown channel", line: "Q 00", wantErr: true},
		{name: "readback of telemetry", line: "R T", wantErr: true},
		{name: "readback without channel", line: "R", wantErr: true},
		{name: "blank", line: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestParseLine_Errors(t *testing.T) {
	if _, err := ParseLine(""); !errors.Is(err, ErrEmptyLine) {
		t.Errorf("ParseLine(\"\") error = %v, want ErrEmptyLine", err)
	}
	if _, err := ParseLine("Z 00"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("ParseLine(\"Z 00\") error = %v, want ErrUnknownChannel", err)
	}
}

func TestPayloadLine(t *testing.T) {
	tests := []struct {
		p    Payload
		want string
	}{
		{Payload{Channel: ChannelTarget, Data: []byte{0x00, 0x00, 0x80, 0x3F}}, "S 0000803F"},
		{ReadbackRequest(ChannelVelocityPID), "R V"},
		{Payload{Channel: ChannelTelemetry}, "T "},
	}
	for _, tt := range tests {
		if got := tt.p.Line(); got != tt.want {
			t.Errorf("Line() = %q, want %q", got, tt.want)
		}
	}
}

func TestChannelString(t *testing.T) {
	if got := ChannelTelemetry.String(); got != "telemetry" {
		t.Errorf("String() = %q", got)
	}
	if got := Channel('Z').String(); got != `channel('Z')` {
		t.Errorf("String() = %q", got)
	}
}
