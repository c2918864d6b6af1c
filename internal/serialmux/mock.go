package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter for tests in this and
// dependent packages. Reads replay queued protocol lines and writes are
// captured. With Reply set it answers commands like a controller would.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	in      bytes.Buffer
	out     bytes.Buffer
	pending string

	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error
	// BlockReads makes Read wait for data or Close instead of returning EOF.
	BlockReads bool
	// Reply is called for each complete line written; returned payloads
	// are queued for reading.
	Reply func(Payload) []Payload

	Closed bool
}

// NewTestableSerialPort returns an empty, open port.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.in.Len() == 0 {
		t.cond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.in.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	t.out.Write(p)

	if t.Reply != nil {
		t.pending += string(p)
		for {
			line, rest, ok := strings.Cut(t.pending, "\n")
			if !ok {
				break
			}
			t.pending = rest
			if req, err := ParseLine(line); err == nil {
				t.queueLocked(t.Reply(req)...)
			}
		}
	}
	return len(p), nil
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.cond.Broadcast()
	return nil
}

// AddReadData queues raw bytes for reading.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in.Write(data)
	t.cond.Broadcast()
}

// AddPayloads queues payloads as protocol lines for reading.
func (t *TestableSerialPort) AddPayloads(payloads ...Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queueLocked(payloads...)
}

func (t *TestableSerialPort) queueLocked(payloads ...Payload) {
	for _, p := range payloads {
		t.in.WriteString(p.Line())
		t.in.WriteByte('\n')
	}
	t.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.out.Bytes())
}

// WrittenPayloads parses everything written so far, skipping bad lines.
func (t *TestableSerialPort) WrittenPayloads() []Payload {
	var out []Payload
	for _, line := range strings.Split(string(t.GetWrittenData()), "\n") {
		if p, err := ParseLine(line); err == nil {
			out = append(out, p)
		}
	}
	return out
}
