package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeTelemetry_CanonicalFrame(t *testing.T) {
	payload := []byte{
		0x00, 0x50, 0x9A, 0x44, // 1234.5
		0x00, 0x00, 0x80, 0xBE, // -0.25
		0xF4, 0x01, 0x00, 0x00, // 500
	}
	at := time.Unix(1700000000, 0)

	f, ok := DecodeTelemetry(payload, at)
	if !ok {
		t.Fatal("DecodeTelemetry rejected a 12 byte frame")
	}
	want := Frame{Speed: 1234.5, Error: -0.25, LoopMicros: 500, ArrivalTime: at}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTelemetry_ShortPayloads(t *testing.T) {
	full := EncodeTelemetry(1, 2, 3)
	for n := 0; n < TelemetryFrameSize; n++ {
		if _, ok := DecodeTelemetry(full[:n], time.Now()); ok {
			t.Errorf("DecodeTelemetry accepted %d byte payload", n)
		}
	}
}

func TestDecodeTelemetry_IgnoresTrailingBytes(t *testing.T) {
	payload := append(EncodeTelemetry(45, 0.5, 1000), 0xFF, 0xFF)
	f, ok := DecodeTelemetry(payload, time.Time{})
	if !ok {
		t.Fatal("DecodeTelemetry rejected a long payload")
	}
	if f.Speed != 45 || f.Error != 0.5 || f.LoopMicros != 1000 {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestEncodeScalar(t *testing.T) {
	got := EncodeScalar(1.0)
	want := []byte{0x00, 0x00, 0x80, 0x3F}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EncodeScalar(1.0) mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandPayloadLengths(t *testing.T) {
	if n := len(EncodeTargetSpeed(3.49)); n != 4 {
		t.Errorf("target speed payload is %d bytes, want 4", n)
	}
	if n := len(CurrentPI{P: 1, I: 2}.Encode()); n != 8 {
		t.Errorf("current PI payload is %d bytes, want 8", n)
	}
	if n := len(VelocityPID{P: 1, I: 2, D: 3}.Encode()); n != 12 {
		t.Errorf("velocity PID payload is %d bytes, want 12", n)
	}
}

func TestVelocityPIDReadback(t *testing.T) {
	in := VelocityPID{P: 0.5, I: 2.25, D: -0.125}
	got, err := DecodeVelocityPID(in.Encode())
	if err != nil {
		t.Fatalf("DecodeVelocityPID: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("readback mismatch (-want +got):\n%s", diff)
	}
}

func TestCurrentPIReadback_Short(t *testing.T) {
	_, err := DecodeCurrentPI([]byte{1, 2, 3, 4, 5})
	if !errors.Is(err, ErrShortPayload) {
		t.Errorf("expected ErrShortPayload, got %v", err)
	}
}
