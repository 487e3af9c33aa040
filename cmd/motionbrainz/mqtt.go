package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PredictionPublisher pushes predictions to an external message broker.
// Publish must not block the caller on network I/O.
type PredictionPublisher interface {
	Publish(rec PredictionRecord) error
}

// mqttPayload is the broker message body. The window is omitted to keep messages small.
type mqttPayload struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Label     Label     `json:"label"`
	Magnitude float64   `json:"magnitude"`
	At        time.Time `json:"at"`
}

// MQTTPublisher publishes predictions with paho.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *slog.Logger
}

// NewMQTTPublisher connects to the broker described by cfg.
func NewMQTTPublisher(cfg MQTTConfig, sessionID string, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is empty")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		// MQTT 3.1 limits client IDs to 23 bytes.
		short := sessionID
		if len(short) > 8 {
			short = short[:8]
		}
		clientID = "motionbrainz-" + short
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	return newMQTTPublisherWithClient(client, cfg.Topic, cfg.QoS, logger), nil
}

func newMQTTPublisherWithClient(client mqtt.Client, topic string, qos int, logger *slog.Logger) *MQTTPublisher {
	if topic == "" {
		topic = defaultMQTTTopic
	}
	return &MQTTPublisher{client: client, topic: topic, qos: byte(qos), logger: logger}
}

// Publish sends rec to the configured topic. Delivery is fire-and-forget;
// broker errors are logged when the token completes.
func (p *MQTTPublisher) Publish(rec PredictionRecord) error {
	body, err := json.Marshal(mqttPayload{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Label:     rec.Label,
		Magnitude: rec.Magnitude,
		At:        rec.At,
	})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	if !p.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}

	token := p.client.Publish(p.topic, p.qos, false, body)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "error", err, "topic", p.topic, "id", rec.ID)
		}
	}()
	return nil
}

// Close disconnects from the broker, waiting briefly for in-flight work.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
