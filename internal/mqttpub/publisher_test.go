package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turntable.report/internal/flutter"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	err          error
	disconnected bool
	sent         chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{sent: make(chan struct{}, 16)}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.messages = append(c.messages, message{topic, qos, retained, payload.([]byte)})
	c.mu.Unlock()
	c.sent <- struct{}{}
	return fakeToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) snapshot() ([]message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...), c.disconnected
}

func TestNewMetricPayload(t *testing.T) {
	at := time.Unix(1700000000, 0)

	p := NewMetricPayload(flutter.Metrics{Status: flutter.StatusInsufficient, Target: 45, SampleCount: 10}, at)
	assert.Equal(t, int64(1700000000), p.Timestamp)
	assert.Equal(t, "insufficient_samples", p.Status)
	assert.Nil(t, p.WeightedRMS)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "weighted_rms")

	p = NewMetricPayload(flutter.Metrics{
		Status: flutter.StatusReady,
		Stats:  &flutter.WindowedStats{UnweightedRMS: 0.1, UnweightedTwoSigma: 0.2, WeightedRMS: 0.03, WeightedTwoSigma: 0.06},
	}, at)
	require.NotNil(t, p.WeightedTwoSigma)
	assert.Equal(t, 0.06, *p.WeightedTwoSigma)
	assert.Equal(t, 0.1, *p.UnweightedRMS)
}

func TestPublisher_RunSendsQueuedMetrics(t *testing.T) {
	client := newFakeClient()
	p := New(client, Config{Topic: "lab/deck1", QoS: 1, Retain: true})
	assert.Equal(t, "lab/deck1/metrics", p.Topic())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.PublishSnapshot(flutter.Snapshot{})
	p.PublishMetrics(flutter.Metrics{Status: flutter.StatusStopped})

	select {
	case <-client.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
	cancel()
	<-done

	msgs, disconnected := client.snapshot()
	require.Len(t, msgs, 1)
	assert.True(t, disconnected)
	assert.Equal(t, "lab/deck1/metrics", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.True(t, msgs[0].retained)

	var got MetricPayload
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "stopped", got.Status)
}

func TestPublisher_DefaultTopicAndFullQueue(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("broker gone")
	p := New(client, Config{})
	assert.Equal(t, "turntable/metrics", p.Topic())

	// Nothing drains the queue; extra messages are dropped without blocking.
	for i := 0; i < cap(p.queue)+5; i++ {
		p.PublishMetrics(flutter.Metrics{Status: flutter.StatusStopped})
	}
	assert.Len(t, p.queue, cap(p.queue))

	// Publish errors are logged, not returned.
	p.send(<-p.queue)
	msgs, _ := client.snapshot()
	assert.Len(t, msgs, 1)
}
