package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/internal/pipeline"
)

// MQTTConfig carries the broker settings for the MQTT sink.
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Topic    string
	QoS      int
	Retain   bool
}

// MQTTSink publishes canonical events to an MQTT broker. The client
// reconnects in the background; publishes while disconnected fail and
// are surfaced to the dispatcher as ordinary sink errors.
type MQTTSink struct {
	log    *zap.Logger
	client mqtt.Client
	topic  string
	qos    byte
	retain bool
}

func NewMQTTSink(log *zap.Logger, cfg MQTTConfig) *MQTTSink {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID("hidbridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		log.Info("MQTT connected", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	}
	s := &MQTTSink{
		log:    log,
		client: mqtt.NewClient(opts),
		topic:  cfg.Topic,
		qos:    byte(cfg.QoS),
		retain: cfg.Retain,
	}
	// Connect in the background; retry is handled by the client.
	s.client.Connect()
	return s
}

func (s *MQTTSink) Name() string {
	return "mqtt"
}

func (s *MQTTSink) Publish(ctx context.Context, event pipeline.CanonicalEvent) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, s.retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	s.log.Debug("event published",
		zap.String("topic", s.topic),
		zap.String("eventType", event.EventType))
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
