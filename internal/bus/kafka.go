package bus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic is used when the address carries no path.
const DefaultKafkaTopic = "envoy"

// KafkaConfig holds configuration for the Kafka publisher.
type KafkaConfig struct {
	// URL is "kafka://broker1:9092,broker2:9092/topic"
	URL string

	WriteTimeout time.Duration

	Logger *zerolog.Logger
}

// KafkaPublisher writes every reading to one Kafka topic. The bus topic
// becomes the message key so readings for one series land on one partition.
type KafkaPublisher struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	log     zerolog.Logger
}

// ParseKafkaURL splits a kafka:// address into brokers and a topic.
func ParseKafkaURL(raw string) ([]string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid Kafka URL: %w", err)
	}
	if u.Scheme != "kafka" {
		return nil, "", fmt.Errorf("invalid Kafka URL %q: scheme must be kafka", raw)
	}

	var brokers []string
	for _, b := range strings.Split(u.Host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, withDefaultPort(b, "9092"))
		}
	}
	if len(brokers) == 0 {
		return nil, "", fmt.Errorf("invalid Kafka URL %q: no brokers", raw)
	}

	topic := strings.Trim(u.Path, "/")
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return brokers, topic, nil
}

// NewKafkaPublisher creates a Kafka publisher. It does not contact the
// brokers; call Connect to verify reachability.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	brokers, topic, err := ParseKafkaURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              1,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}

	return &KafkaPublisher{
		writer:  w,
		brokers: brokers,
		topic:   topic,
		log:     loggerOrNop(cfg.Logger),
	}, nil
}

// Connect dials the first reachable broker.
func (p *KafkaPublisher) Connect(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		p.log.Info().Str("broker", broker).Str("topic", p.topic).Msg("connected to Kafka")
		return nil
	}
	return fmt.Errorf("failed to connect to Kafka: %w", lastErr)
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, payload string) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: []byte(payload),
		Time:  time.Now(),
	})
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Topic returns the Kafka topic readings are written to.
func (p *KafkaPublisher) Topic() string {
	return p.topic
}
