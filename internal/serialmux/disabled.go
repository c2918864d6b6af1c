package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/turntable.report/internal/monitoring"
)

// ErrDeviceDisabled is returned for commands sent while running with
// -disable-device.
var ErrDeviceDisabled = errors.New("motor controller disabled")

// DisabledSerialMux stands in for the controller when none is attached.
// Subscribers never receive a payload; their channels close on Unsubscribe
// or Close so ingest loops shut down normally.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan Payload
	closed      bool
	rejected    int
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan Payload)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan Payload) {
	id := randomID()
	ch := make(chan Payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

// SendPayload drops p and reports ErrDeviceDisabled.
func (d *DisabledSerialMux) SendPayload(p Payload) error {
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
	monitoring.Debugf("device disabled, dropping %s command", p.Channel)
	return ErrDeviceDisabled
}

// Rejected counts commands dropped by SendPayload.
func (d *DisabledSerialMux) Rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial", "motor controller link status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "serial disabled (%d commands rejected)\n", d.Rejected())
	})
}
