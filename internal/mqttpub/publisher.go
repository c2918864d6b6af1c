// Package mqttpub forwards wow & flutter metrics to an MQTT broker.
package mqttpub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/monitoring"
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config describes the broker connection.
type Config struct {
	Broker   string
	Topic    string // prefix; metrics go to <Topic>/metrics
	Username string
	Password string
	QoS      byte
	Retain   bool
}

// MetricPayload is the JSON body of one metrics message.
type MetricPayload struct {
	Timestamp   int64   `json:"timestamp"`
	Status      string  `json:"status"`
	Target      float64 `json:"target"`
	SampleRate  float64 `json:"sample_rate_hz"`
	SampleCount int     `json:"sample_count"`

	UnweightedRMS      *float64 `json:"unweighted_rms,omitempty"`
	UnweightedTwoSigma *float64 `json:"unweighted_two_sigma,omitempty"`
	WeightedRMS        *float64 `json:"weighted_rms,omitempty"`
	WeightedTwoSigma   *float64 `json:"weighted_two_sigma,omitempty"`
}

// Publisher is a scheduler publisher. Metric ticks are queued and sent from
// Run so a slow broker never stalls the tick.
type Publisher struct {
	client Client
	topic  string
	qos    byte
	retain bool
	now    func() time.Time

	queue chan MetricPayload
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "turntable_" + hex.EncodeToString(b)
}

// Connect dials the broker and returns a publisher over the live client.
func Connect(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(generateClientID())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		monitoring.Logf("MQTT: connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("MQTT: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(15*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	monitoring.Logf("MQTT: publishing to %s on %s", cfg.Topic, cfg.Broker)
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client Client, cfg Config) *Publisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "turntable"
	}
	return &Publisher{
		client: client,
		topic:  topic + "/metrics",
		qos:    cfg.QoS,
		retain: cfg.Retain,
		now:    time.Now,
		queue:  make(chan MetricPayload, 16),
	}
}

// Topic is where metrics are published.
func (p *Publisher) Topic() string {
	return p.topic
}

func (p *Publisher) PublishSnapshot(flutter.Snapshot) {}

// PublishMetrics queues m. When the queue is full the message is dropped.
func (p *Publisher) PublishMetrics(m flutter.Metrics) {
	payload := NewMetricPayload(m, p.now())
	select {
	case p.queue <- payload:
	default:
		monitoring.Debugf("MQTT: queue full, dropping metrics")
	}
}

// NewMetricPayload flattens m into its wire form. The figures are omitted
// unless the metrics are ready.
func NewMetricPayload(m flutter.Metrics, at time.Time) MetricPayload {
	out := MetricPayload{
		Timestamp:   at.Unix(),
		Status:      string(m.Status),
		Target:      m.Target,
		SampleRate:  m.SampleRate,
		SampleCount: m.SampleCount,
	}
	if st := m.Stats; st != nil {
		out.UnweightedRMS = &st.UnweightedRMS
		out.UnweightedTwoSigma = &st.UnweightedTwoSigma
		out.WeightedRMS = &st.WeightedRMS
		out.WeightedTwoSigma = &st.WeightedTwoSigma
	}
	return out
}

// Run sends queued messages until ctx is cancelled, then disconnects.
func (p *Publisher) Run(ctx context.Context) {
	defer p.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			p.send(payload)
		}
	}
}

func (p *Publisher) send(payload MetricPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		monitoring.Logf("MQTT: failed to marshal payload: %v", err)
		return
	}
	token := p.client.Publish(p.topic, p.qos, p.retain, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		monitoring.Logf("MQTT: failed to publish to %s: %v", p.topic, token.Error())
	}
}
