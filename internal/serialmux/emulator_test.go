package serialmux

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/units"
)

func nextOn(t *testing.T, ch <-chan Payload, want Channel) Payload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			require.True(t, ok, "subscriber closed")
			if p.Channel == want {
				return p
			}
		case <-deadline:
			t.Fatalf("no %s payload within deadline", want)
		}
	}
}

func TestEmulator_StreamsTelemetryAndFollowsTarget(t *testing.T) {
	mux := NewEmulatedSerialMux(EmulatorConfig{NotifyRate: 1000, Slew: 1})
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	_, ch := mux.Subscribe()
	p := nextOn(t, ch, ChannelTelemetry)
	f, ok := codec.DecodeTelemetry(p.Data, p.At)
	require.True(t, ok)
	assert.InDelta(t, 0, f.Speed, 1e-9, "motor idles until commanded")
	assert.Equal(t, uint32(1000), f.LoopMicros)

	target := units.ToRadPerSec(45, units.RPM)
	require.NoError(t, mux.SendPayload(Payload{Channel: ChannelTarget, Data: codec.EncodeTargetSpeed(target)}))
	assert.InDelta(t, target, mux.port.TargetRadPerSec(), 1e-5)

	// Frames queued before the command still read zero; with full slew the
	// motor sits on target within the modulation depth once it arrives.
	var f2 codec.Frame
	for i := 0; i < 5000 && f2.Speed < 40; i++ {
		p := nextOn(t, ch, ChannelTelemetry)
		f2, _ = codec.DecodeTelemetry(p.Data, p.At)
	}
	assert.InDelta(t, 45, f2.Speed, 45*0.005)
	assert.Less(t, math.Abs(f2.Error), 45*0.005)
}

func TestEmulator_ReadbackRoundTrip(t *testing.T) {
	mux := NewEmulatedSerialMux(EmulatorConfig{NotifyRate: 200})
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)
	_, ch := mux.Subscribe()

	gains := codec.VelocityPID{P: 1.5, I: 0.25, D: 0.125}
	require.NoError(t, mux.SendPayload(Payload{Channel: ChannelVelocityPID, Data: gains.Encode()}))
	require.NoError(t, mux.SendPayload(ReadbackRequest(ChannelVelocityPID)))

	got, err := codec.DecodeVelocityPID(nextOn(t, ch, ChannelVelocityPID).Data)
	require.NoError(t, err)
	assert.Equal(t, gains, got)

	require.NoError(t, mux.SendPayload(ReadbackRequest(ChannelCurrentPI)))
	pi, err := codec.DecodeCurrentPI(nextOn(t, ch, ChannelCurrentPI).Data)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, pi.P, 1e-6)
}

func TestEmulator_CloseEndsStream(t *testing.T) {
	port := NewEmulatedPort(EmulatorConfig{})
	require.NoError(t, port.Close())
	require.NoError(t, port.Close())

	buf := make([]byte, 64)
	_, err := port.Read(buf)
	assert.Error(t, err)

	_, err = port.Write([]byte("R V\n"))
	assert.Error(t, err)
}
