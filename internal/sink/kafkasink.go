package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
)

const kafkaFlushTimeout = 10 * time.Second

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	SASLMechanism string
	SASLUser      string
	SASLPassword  string
	TLSCAPath     string
	TLSSkipVerify bool
}

// KafkaSink publishes each record keyed by its event id, so a consumer
// can drop redeliveries.
type KafkaSink struct {
	config   KafkaConfig
	producer *kafka.Producer
	log      zerolog.Logger
}

func NewKafkaSinkFromEnv() *KafkaSink {
	return NewKafkaSink(KafkaConfig{
		Brokers:       getListEnv("KAFKA_BROKERS", "localhost:9092"),
		Topic:         getEnvOr("KAFKA_TOPIC", "rhc.audit"),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   getEnvOr("KAFKA_COMPRESSION", ""),
		SASLMechanism: getEnvOr("KAFKA_SASL_MECHANISM", ""),
		SASLUser:      getEnvOr("KAFKA_SASL_USER", ""),
		SASLPassword:  getEnvOr("KAFKA_SASL_PASSWORD", ""),
		TLSCAPath:     getEnvOr("KAFKA_TLS_CA", ""),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	})
}

func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	return &KafkaSink{config: cfg, log: zerolog.Nop()}
}

func (s *KafkaSink) WithLogger(log zerolog.Logger) *KafkaSink {
	s.log = log.With().Str("sink", "kafka").Logger()
	return s
}

func (c KafkaConfig) securityProtocol() string {
	switch {
	case c.SASLMechanism != "":
		return "SASL_SSL"
	case c.TLSCAPath != "":
		return "SSL"
	}
	return ""
}

func (s *KafkaSink) configMap() kafka.ConfigMap {
	c := s.config
	cm := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"acks":              c.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}
	set := func(key, value string) {
		if value != "" {
			cm[key] = value
		}
	}
	set("compression.type", c.Compression)
	set("security.protocol", c.securityProtocol())
	set("sasl.mechanism", c.SASLMechanism)
	if c.SASLMechanism != "" {
		set("sasl.username", c.SASLUser)
		set("sasl.password", c.SASLPassword)
	}
	set("ssl.ca.location", c.TLSCAPath)
	if c.TLSSkipVerify {
		cm["ssl.endpoint.identification.algorithm"] = "none"
	}
	return cm
}

func (s *KafkaSink) Start(ctx context.Context) error {
	cm := s.configMap()
	producer, err := kafka.NewProducer(&cm)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.producer = producer
	go s.handleDeliveryReports(ctx)
	return nil
}

func (s *KafkaSink) Enqueue(r audit.Record) error {
	if s.producer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.config.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.EventID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "record_type", Value: []byte(r.Type)},
			{Key: "outcome", Value: []byte(r.Outcome)},
			{Key: "schema", Value: []byte("v1")},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}
	remaining := s.producer.Flush(int(kafkaFlushTimeout.Milliseconds()))
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					s.log.Error().Err(e.TopicPartition.Error).Str("event_id", string(e.Key)).Msg("delivery failed")
				}
			case kafka.Error:
				s.log.Error().Err(e).Msg("producer error")
			}
		}
	}
}
