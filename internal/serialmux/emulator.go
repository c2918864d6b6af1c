package serialmux

import (
	"io"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/units"
)

// EmulatorConfig shapes the synthetic turntable behind an EmulatedPort.
// Zero fields take the defaults noted beside them.
type EmulatorConfig struct {
	NotifyRate   float64 // Hz, 500
	Unit         string  // unit telemetry speed is reported in, rpm
	WowHz        float64 // 0.55, roughly once per revolution at 33 1/3
	WowDepth     float64 // fractional speed modulation, 0.001
	FlutterHz    float64 // 8
	FlutterDepth float64 // 0.0003
	Noise        float64 // fractional gaussian noise, 0.0002
	Slew         float64 // per-notification approach to target, 0.02
}

func (c EmulatorConfig) withDefaults() EmulatorConfig {
	if c.NotifyRate <= 0 {
		c.NotifyRate = 500
	}
	if !units.IsValid(c.Unit) {
		c.Unit = units.RPM
	}
	if c.WowHz <= 0 {
		c.WowHz = 0.55
	}
	if c.WowDepth <= 0 {
		c.WowDepth = 0.001
	}
	if c.FlutterHz <= 0 {
		c.FlutterHz = 8
	}
	if c.FlutterDepth <= 0 {
		c.FlutterDepth = 0.0003
	}
	if c.Noise <= 0 {
		c.Noise = 0.0002
	}
	if c.Slew <= 0 || c.Slew > 1 {
		c.Slew = 0.02
	}
	return c
}

// EmulatedPort is a SerialPorter that behaves like the motor controller: it
// streams telemetry at NotifyRate, follows target writes, stores gain writes
// and answers readback requests. It is used for development without hardware.
type EmulatedPort struct {
	cfg EmulatorConfig
	r   *io.PipeReader
	w   *io.PipeWriter
	rng *rand.Rand

	mu        sync.Mutex
	targetRad float64
	speedRad  float64
	velocity  codec.VelocityPID
	current   codec.CurrentPI

	done      chan struct{}
	closeOnce sync.Once
}

// NewEmulatedPort starts the telemetry generator. Close stops it.
func NewEmulatedPort(cfg EmulatorConfig) *EmulatedPort {
	r, w := io.Pipe()
	e := &EmulatedPort{
		cfg:      cfg.withDefaults(),
		r:        r,
		w:        w,
		rng:      rand.New(rand.NewPCG(1, 2)),
		velocity: codec.VelocityPID{P: 0.8, I: 0.05, D: 0.001},
		current:  codec.CurrentPI{P: 0.3, I: 0.01},
		done:     make(chan struct{}),
	}
	go e.generate()
	return e
}

// NewEmulatedSerialMux creates a SerialMux backed by an EmulatedPort.
func NewEmulatedSerialMux(cfg EmulatorConfig) *SerialMux[*EmulatedPort] {
	return NewSerialMux(NewEmulatedPort(cfg))
}

func (e *EmulatedPort) generate() {
	period := time.Duration(float64(time.Second) / e.cfg.NotifyRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			frame := e.step(t, uint32(period/time.Microsecond))
			if err := e.emit(Payload{Channel: ChannelTelemetry, Data: frame}); err != nil {
				return
			}
		}
	}
}

// step advances the motor model by one notification and encodes the frame.
func (e *EmulatedPort) step(t float64, loopMicros uint32) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.speedRad += (e.targetRad - e.speedRad) * e.cfg.Slew
	mod := 1 +
		e.cfg.WowDepth*math.Sin(2*math.Pi*e.cfg.WowHz*t) +
		e.cfg.FlutterDepth*math.Sin(2*math.Pi*e.cfg.FlutterHz*t) +
		e.cfg.Noise*e.rng.NormFloat64()
	measured := units.FromRadPerSec(e.speedRad*mod, e.cfg.Unit)
	target := units.FromRadPerSec(e.targetRad, e.cfg.Unit)
	return codec.EncodeTelemetry(measured, target-measured, loopMicros)
}

func (e *EmulatedPort) emit(p Payload) error {
	_, err := e.w.Write([]byte(p.Line() + "\n"))
	return err
}

// Read returns the next bytes of the emulated line stream.
func (e *EmulatedPort) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

// Write accepts command lines. Unparseable lines are ignored, as the
// firmware does.
func (e *EmulatedPort) Write(p []byte) (int, error) {
	select {
	case <-e.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, line := range strings.Split(string(p), "\n") {
		payload, err := ParseLine(line)
		if err != nil {
			continue
		}
		e.handle(payload)
	}
	return len(p), nil
}

func (e *EmulatedPort) handle(p Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch p.Channel {
	case ChannelTarget:
		if v, err := codec.DecodeVector(p.Data, 1); err == nil {
			e.targetRad = v[0]
		}
	case ChannelVelocityPID:
		if g, err := codec.DecodeVelocityPID(p.Data); err == nil {
			e.velocity = g
		}
	case ChannelCurrentPI:
		if g, err := codec.DecodeCurrentPI(p.Data); err == nil {
			e.current = g
		}
	case ChannelReadback:
		var reply Payload
		switch Channel(p.Data[0]) {
		case ChannelVelocityPID:
			reply = Payload{Channel: ChannelVelocityPID, Data: e.velocity.Encode()}
		case ChannelCurrentPI:
			reply = Payload{Channel: ChannelCurrentPI, Data: e.current.Encode()}
		default:
			return
		}
		// The pipe write blocks until the reader drains it, so it must not
		// hold up the caller's command write.
		go e.emit(reply)
	}
}

// TargetRadPerSec returns the last commanded speed.
func (e *EmulatedPort) TargetRadPerSec() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetRad
}

// Close stops the generator and ends the line stream.
func (e *EmulatedPort) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.w.Close()
	})
	return nil
}
