// Serialmux shares the motor controller's serial line between the ingest
// loop, debug pages and anything else that wants decoded payloads, and
// serialises commands written back to the device.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/turntable.report/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// subscriberBuffer absorbs a few hundred milliseconds of telemetry at the
// device's notify rate so a briefly busy reader does not miss frames.
const subscriberBuffer = 256

var sendCommandTemplate = template.Must(template.New("send-command").Parse(sendCommandPage))

// SerialMuxInterface is what the rest of the service needs from a device
// link. SerialMux, DisabledSerialMux and the emulator all satisfy it.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel of decoded inbound payloads.
	Subscribe() (string, chan Payload)
	// Unsubscribe closes and forgets the channel for id.
	Unsubscribe(string)
	// SendPayload writes one command line to the device.
	SendPayload(Payload) error
	// Monitor reads the link until ctx ends or the port fails.
	Monitor(context.Context) error
	// Close closes every subscriber and the port.
	Close() error
	// AttachAdminRoutes adds debug pages under /debug/. tsweb limits them
	// to loopback and tailnet clients.
	AttachAdminRoutes(*http.ServeMux)
}

// LinkStats counts what Monitor has seen since the mux was created.
type LinkStats struct {
	Lines    uint64    `json:"lines"`
	BadLines uint64    `json:"bad_lines"`
	Missed   uint64    `json:"missed"`
	LastLine time.Time `json:"last_line"`
}

// SerialMux fans payloads read from port out to subscribers.
type SerialMux[T SerialPorter] struct {
	port T

	mu          sync.Mutex
	subscribers map[string]chan Payload

	writeMu sync.Mutex
	closing atomic.Bool

	lines, badLines, missed atomic.Uint64
	lastLine                atomic.Int64

	now func() time.Time
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan Payload),
		now:         time.Now,
	}
}

// randomID returns 8 random bytes, hex encoded.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan Payload) {
	id := randomID()
	ch := make(chan Payload, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendPayload writes p as one newline-terminated line. Concurrent callers
// never interleave.
func (s *SerialMux[T]) SendPayload(p Payload) error {
	line := p.Line() + "\n"
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("write %s: %w", p.Channel, err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor scans the port line by line, decodes each line and publishes it.
// Lines that do not decode are counted and dropped. It returns nil when the
// port reaches EOF or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	var scanErr error

	// Scan blocks in Read, so it runs apart from the select below.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.port)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr = sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return scanErr
			}
			if s.closing.Load() {
				return nil
			}
			s.handleLine(line)
		}
	}
}

func (s *SerialMux[T]) handleLine(line string) {
	p, err := ParseLine(line)
	if errors.Is(err, ErrEmptyLine) {
		return
	}
	if err != nil {
		s.badLines.Add(1)
		monitoring.Logf("serialmux: dropping line %q: %v", line, err)
		return
	}
	p.At = s.now()
	s.lines.Add(1)
	s.lastLine.Store(p.At.UnixNano())
	s.publish(p)
}

// publish never blocks; a full subscriber misses p.
func (s *SerialMux[T]) publish(p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- p:
		default:
			s.missed.Add(1)
		}
	}
}

// Stats returns the link counters.
func (s *SerialMux[T]) Stats() LinkStats {
	st := LinkStats{
		Lines:    s.lines.Load(),
		BadLines: s.badLines.Load(),
		Missed:   s.missed.Load(),
	}
	if ns := s.lastLine.Load(); ns != 0 {
		st.LastLine = time.Unix(0, ns)
	}
	return st
}

func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.mu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial", "motor controller link counters", func(w http.ResponseWriter, r *http.Request) {
		st := s.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "lines %d\nbad_lines %d\nmissed %d\n", st.Lines, st.BadLines, st.Missed)
		if !st.LastLine.IsZero() {
			fmt.Fprintf(w, "last_line %s\n", st.LastLine.Format(time.RFC3339Nano))
		}
	})

	debug.HandleFunc("send-command", "send a line to the motor controller", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", s.sendCommand)
	debug.HandleSilentFunc("tail", s.tail)
}

// sendCommand writes one protocol line posted as the "command" form value.
func (s *SerialMux[T]) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	p, err := ParseLine(command)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid command: %v", err), http.StatusBadRequest)
		return
	}
	if p.Channel == ChannelTelemetry {
		http.Error(w, "Invalid command: telemetry is device to host only", http.StatusBadRequest)
		return
	}
	if err := s.SendPayload(p); err != nil {
		http.Error(w, "Failed to write command", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Wrote command %q to serial port", p.Line())
}

// tail streams every decoded payload as a server-sent event named after
// its channel.
func (s *SerialMux[T]) tail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.Subscribe()
	defer s.Unsubscribe(id)

	fmt.Fprint(w, ": ping\n\n")
	flusher.Flush()

	for {
		select {
		case p, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", p.Channel, p.Line()); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

const sendCommandPage = `<!doctype html>
<html>
<head><title>send command</title></head>
<body>
<form id="send">
  <input name="command" placeholder="R V" autofocus>
  <button type="submit">send</button>
</form>
<pre id="result"></pre>
<pre id="tail"></pre>
<script>
document.getElementById("send").addEventListener("submit", async (e) => {
  e.preventDefault();
  const res = await fetch("send-command-api", {method: "POST", body: new FormData(e.target)});
  document.getElementById("result").textContent = await res.text();
});
const tail = document.getElementById("tail");
const es = new EventSource("tail");
for (const name of ["telemetry", "velocity_pid", "current_pi"]) {
  es.addEventListener(name, (e) => {
    tail.textContent = (e.data + "\n" + tail.textContent).slice(0, 8000);
  });
}
</script>
</body>
</html>
`
