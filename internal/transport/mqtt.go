package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/noxist/ticketd/internal/core"
)

const (
	defaultMaxChunkBytes = 128 * 1024
	relaySource          = "ticketd"
)

type MqttRelayConfig struct {
	Username       string
	Password       string
	UseTLS         bool
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	MaxChunkBytes  int
}

// relayEnvelope is the message format the cloud relay expects. Field names
// match what remote print agents already consume.
type relayEnvelope struct {
	TicketID   string `json:"ticket_id"`
	DataType   string `json:"data_type"`
	DataBase64 string `json:"data_base64"`
	CutPaper   int    `json:"cut_paper"`
	Copies     int    `json:"copies"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkCount int    `json:"chunk_count"`
	Source     string `json:"source"`
}

// MqttRelay publishes job payloads to a per-target topic at the configured
// QoS. A broker acknowledgement only means the relay accepted the message;
// it is a weaker guarantee than the local socket's synchronous ack and says
// nothing about the remote printer having printed.
type MqttRelay struct {
	cfg MqttRelayConfig

	mu      sync.Mutex
	clients map[string]mqtt.Client // keyed by broker URI

	// newClient is swapped out by tests.
	newClient func(opts *mqtt.ClientOptions) mqtt.Client
}

// NewMqttRelay builds a relay publishing at the configured QoS. QoS 0 is
// honored as fire-and-forget; callers wanting a broker acknowledgement
// configure 1 or 2.
func NewMqttRelay(cfg MqttRelayConfig) *MqttRelay {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = defaultMaxChunkBytes
	}
	return &MqttRelay{
		cfg:       cfg,
		clients:   make(map[string]mqtt.Client),
		newClient: mqtt.NewClient,
	}
}

func (t *MqttRelay) Deliver(ctx context.Context, job *core.PrintJob, target *core.PrinterTarget) error {
	client, err := t.client(target.Broker)
	if err != nil {
		return err
	}

	cut := 0
	if job.CutAfter {
		cut = 1
	}

	chunks := chunkPayload(job.Payload, t.cfg.MaxChunkBytes)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}

		envelope := relayEnvelope{
			TicketID:   job.ID,
			DataType:   "escpos",
			DataBase64: base64.StdEncoding.EncodeToString(chunk),
			CutPaper:   cut,
			Copies:     job.Copies,
			ChunkIndex: i,
			ChunkCount: len(chunks),
			Source:     relaySource,
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("marshal relay envelope: %w", err)
		}

		token := client.Publish(target.Topic, t.cfg.QoS, false, body)
		if !token.WaitTimeout(t.cfg.PublishTimeout) {
			return fmt.Errorf("%w: broker ack for chunk %d/%d", core.ErrTimeout, i+1, len(chunks))
		}
		if err := token.Error(); err != nil {
			t.dropClient(target.Broker)
			return fmt.Errorf("%w: publish to %s: %v", core.ErrRelayUnavailable, target.Topic, err)
		}
	}

	return nil
}

// client returns a connected client for the broker, reusing live ones.
func (t *MqttRelay) client(broker string) (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[broker]; ok && c.IsConnectionOpen() {
		return c, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURI(broker, t.cfg.UseTLS)).
		SetClientID(fmt.Sprintf("%s-%s", relaySource, uuid.New().String()[:8])).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetAutoReconnect(false)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := t.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: connect to %s timed out", core.ErrRelayUnavailable, broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", core.ErrRelayUnavailable, broker, err)
	}

	t.clients[broker] = client
	return client, nil
}

func (t *MqttRelay) dropClient(broker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[broker]; ok {
		c.Disconnect(0)
		delete(t.clients, broker)
	}
}

// Close disconnects all cached broker clients.
func (t *MqttRelay) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for broker, c := range t.clients {
		c.Disconnect(250)
		delete(t.clients, broker)
	}
}

func brokerURI(broker string, useTLS bool) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	scheme := "tcp"
	if useTLS {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s", scheme, broker)
}

// chunkPayload splits the raw payload so each base64-encoded chunk stays
// under the broker's message size limit.
func chunkPayload(payload []byte, maxBytes int) [][]byte {
	if len(payload) <= maxBytes {
		return [][]byte{payload}
	}
	chunks := make([][]byte, 0, (len(payload)+maxBytes-1)/maxBytes)
	for start := 0; start < len(payload); start += maxBytes {
		end := start + maxBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
