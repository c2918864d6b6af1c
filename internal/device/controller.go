// Package device talks to the motor controller over a serialmux transport.
// It feeds telemetry into the flutter engine and issues speed and gain
// commands, pairing readback requests with the device's replies.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/monitoring"
	"github.com/banshee-data/turntable.report/internal/serialmux"
	"github.com/banshee-data/turntable.report/internal/units"
)

// ErrReadbackTimeout is returned when the device does not answer a readback
// request within the configured timeout.
var ErrReadbackTimeout = errors.New("readback timed out")

// ErrInvalidUnit is returned for a speed unit outside units.ValidUnits.
var ErrInvalidUnit = errors.New("invalid speed unit")

// Transport is the subset of serialmux.SerialMuxInterface the controller needs.
type Transport interface {
	Subscribe() (string, chan serialmux.Payload)
	Unsubscribe(string)
	SendPayload(serialmux.Payload) error
}

// Notifier is told whenever ingestion changes engine state.
type Notifier interface {
	Notify()
}

// DropCounter records telemetry payloads the codec rejected.
type DropCounter interface {
	FrameDropped()
}

// Config wires a Controller.
type Config struct {
	// DisplayUnit is the unit telemetry speed arrives in and targets are
	// held in. Defaults to rpm.
	DisplayUnit     string
	ReadbackTimeout time.Duration
	Notifier        Notifier
	Drops           DropCounter
}

// Controller owns the command side of the device and the ingest loop.
type Controller struct {
	transport Transport
	engine    *flutter.Engine
	cfg       Config

	mu      sync.Mutex
	waiters map[serialmux.Channel][]chan []byte
	dropped uint64
}

// NewController returns a controller. Run must be started for telemetry and
// readbacks to flow.
func NewController(transport Transport, engine *flutter.Engine, cfg Config) *Controller {
	if !units.IsValid(cfg.DisplayUnit) {
		cfg.DisplayUnit = units.RPM
	}
	if cfg.ReadbackTimeout <= 0 {
		cfg.ReadbackTimeout = 2 * time.Second
	}
	return &Controller{
		transport: transport,
		engine:    engine,
		cfg:       cfg,
		waiters:   make(map[serialmux.Channel][]chan []byte),
	}
}

// DisplayUnit returns the unit the engine's speeds are expressed in.
func (c *Controller) DisplayUnit() string {
	return c.cfg.DisplayUnit
}

// Run consumes transport payloads until ctx is done or the transport closes
// the subscription.
func (c *Controller) Run(ctx context.Context) error {
	id, ch := c.transport.Subscribe()
	defer c.transport.Unsubscribe(id)

	monitoring.Logf("device: ingest loop started (display unit %s)", c.cfg.DisplayUnit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-ch:
			if !ok {
				monitoring.Logf("device: transport closed")
				return nil
			}
			c.handle(p)
		}
	}
}

func (c *Controller) handle(p serialmux.Payload) {
	switch p.Channel {
	case serialmux.ChannelTelemetry:
		at := p.At
		if at.IsZero() {
			at = time.Now()
		}
		if !c.engine.Ingest(p.Data, at) {
			c.mu.Lock()
			c.dropped++
			n := c.dropped
			c.mu.Unlock()
			if c.cfg.Drops != nil {
				c.cfg.Drops.FrameDropped()
			}
			monitoring.Debugf("device: dropped %d-byte telemetry payload (%d total)", len(p.Data), n)
			return
		}
		if c.cfg.Notifier != nil {
			c.cfg.Notifier.Notify()
		}
	case serialmux.ChannelVelocityPID, serialmux.ChannelCurrentPI:
		c.deliver(p.Channel, p.Data)
	default:
		monitoring.Debugf("device: ignoring inbound %s payload", p.Channel)
	}
}

// Dropped returns how many telemetry payloads failed to decode or carried
// a non-finite speed or error.
func (c *Controller) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// SetTargetSpeed commands the motor to value in unit and moves the engine's
// target to the same speed in the display unit. Any change of target
// restarts the statistics window, so applying a preset resets the metrics
// until the window refills.
func (c *Controller) SetTargetSpeed(ctx context.Context, value float64, unit string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !units.IsValid(unit) {
		return fmt.Errorf("%w %q: expected one of %s", ErrInvalidUnit, unit, units.GetValidUnitsString())
	}
	rad := units.ToRadPerSec(value, unit)
	p := serialmux.Payload{Channel: serialmux.ChannelTarget, Data: codec.EncodeTargetSpeed(rad)}
	if err := c.transport.SendPayload(p); err != nil {
		return fmt.Errorf("send target speed: %w", err)
	}
	c.engine.SetTarget(units.Convert(value, unit, c.cfg.DisplayUnit))
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Notify()
	}
	monitoring.Logf("device: target set to %g %s (%.4f rad/s)", value, unit, rad)
	return nil
}

// WriteVelocityPID sends new velocity loop gains.
func (c *Controller) WriteVelocityPID(ctx context.Context, g codec.VelocityPID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transport.SendPayload(serialmux.Payload{Channel: serialmux.ChannelVelocityPID, Data: g.Encode()}); err != nil {
		return fmt.Errorf("send velocity PID: %w", err)
	}
	return nil
}

// WriteCurrentPI sends new current loop gains.
func (c *Controller) WriteCurrentPI(ctx context.Context, g codec.CurrentPI) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transport.SendPayload(serialmux.Payload{Channel: serialmux.ChannelCurrentPI, Data: g.Encode()}); err != nil {
		return fmt.Errorf("send current PI: %w", err)
	}
	return nil
}

// ReadVelocityPID asks the device for its velocity loop gains.
func (c *Controller) ReadVelocityPID(ctx context.Context) (codec.VelocityPID, error) {
	b, err := c.readback(ctx, serialmux.ChannelVelocityPID)
	if err != nil {
		return codec.VelocityPID{}, err
	}
	return codec.DecodeVelocityPID(b)
}

// ReadCurrentPI asks the device for its current loop gains.
func (c *Controller) ReadCurrentPI(ctx context.Context) (codec.CurrentPI, error) {
	b, err := c.readback(ctx, serialmux.ChannelCurrentPI)
	if err != nil {
		return codec.CurrentPI{}, err
	}
	return codec.DecodeCurrentPI(b)
}

// readback registers a waiter before sending the request so a fast reply is
// never missed. Concurrent readers of one channel all receive the next reply.
func (c *Controller) readback(ctx context.Context, ch serialmux.Channel) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadbackTimeout)
	defer cancel()

	w := make(chan []byte, 1)
	c.mu.Lock()
	c.waiters[ch] = append(c.waiters[ch], w)
	c.mu.Unlock()
	defer c.removeWaiter(ch, w)

	if err := c.transport.SendPayload(serialmux.ReadbackRequest(ch)); err != nil {
		return nil, fmt.Errorf("request %s readback: %w", ch, err)
	}

	select {
	case b := <-w:
		return b, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", ch, ErrReadbackTimeout)
		}
		return nil, ctx.Err()
	}
}

func (c *Controller) deliver(ch serialmux.Channel, data []byte) {
	c.mu.Lock()
	waiters := c.waiters[ch]
	delete(c.waiters, ch)
	c.mu.Unlock()

	if len(waiters) == 0 {
		monitoring.Debugf("device: unsolicited %s readback", ch)
		return
	}
	for _, w := range waiters {
		w <- data
	}
}

func (c *Controller) removeWaiter(ch serialmux.Channel, w chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[ch]
	for i, x := range ws {
		if x == w {
			c.waiters[ch] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[ch]) == 0 {
		delete(c.waiters, ch)
	}
}
