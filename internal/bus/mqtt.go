package bus

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig holds configuration for the MQTT publisher.
type MQTTConfig struct {
	// Broker is a paho broker URL, e.g. "tcp://192.168.1.10:1883"
	Broker   string
	ClientID string
	Username string
	Password string

	QoS    byte
	Retain bool

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	Logger *zerolog.Logger
}

// MQTTPublisher publishes readings to an MQTT broker.
type MQTTPublisher struct {
	client  mqtt.Client
	broker  string
	qos     byte
	retain  bool
	timeout time.Duration
	log     zerolog.Logger
}

// NewMQTTPublisher connects to the broker and returns a publisher. The client
// reconnects on its own after the initial connection succeeds.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	log := loggerOrNop(cfg.Logger)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("lost connection to MQTT broker")
	})

	log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("connecting to MQTT")
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &MQTTPublisher{
		client:  client,
		broker:  cfg.Broker,
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: cfg.PublishTimeout,
		log:     log,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic, payload string) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return &PublishError{Topic: topic, Err: ctx.Err()}
	case <-timer.C:
		return &PublishError{Topic: topic, Err: fmt.Errorf("timed out after %s", p.timeout)}
	}
	if err := token.Error(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work 250ms to finish.
func (p *MQTTPublisher) Close() error {
	p.log.Info().Msg("shutting down MQTT")
	p.client.Disconnect(250)
	return nil
}

// Broker returns the broker URL.
func (p *MQTTPublisher) Broker() string {
	return p.broker
}
