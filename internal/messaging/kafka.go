// Package messaging publishes bridge events to Kafka.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/stratumbridge/pkg/circuit"
	"github.com/bardlex/stratumbridge/pkg/errors"
	"github.com/bardlex/stratumbridge/pkg/log"
	"github.com/bardlex/stratumbridge/pkg/retry"
)

// Encoding selects the wire format of published events.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// ParseEncoding accepts "json" or "proto".
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingJSON, "":
		return EncodingJSON, nil
	case EncodingProto:
		return EncodingProto, nil
	default:
		return "", fmt.Errorf("unknown event encoding %q", s)
	}
}

// messageWriter is the subset of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the publisher.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	Encoding    Encoding
}

// KafkaPublisher writes events with one pooled writer per topic.
type KafkaPublisher struct {
	cfg    KafkaConfig
	logger *log.Logger

	writers   map[string]messageWriter
	writersMu sync.RWMutex
	newWriter func(topic string) messageWriter

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaPublisher creates a publisher. Connections are made lazily.
func NewKafkaPublisher(cfg KafkaConfig, logger *log.Logger) *KafkaPublisher {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}

	p := &KafkaPublisher{
		cfg:     cfg,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]messageWriter),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}
	p.newWriter = p.kafkaWriter
	return p
}

func (p *KafkaPublisher) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// writer gets or creates the writer for topic.
func (p *KafkaPublisher) writer(topic string) messageWriter {
	p.writersMu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.writersMu.RUnlock()
		return w
	}
	p.writersMu.RUnlock()

	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	p.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// TopicFor returns the full topic name of ev.
func (p *KafkaPublisher) TopicFor(ev Event) string {
	return p.cfg.TopicPrefix + ev.Topic()
}

// Publish encodes ev and writes it to its topic.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	topic := p.TopicFor(ev)
	key := ev.Key()

	data, err := Encode(ev, p.cfg.Encoding)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_event",
			"failed to encode event").
			WithContext("topic", topic)
	}

	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
				Headers: []kafka.Header{
					{Key: "encoding", Value: []byte(p.cfg.Encoding)},
				},
			}
			if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published event", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Encode renders ev as JSON or as a protobuf Struct.
func Encode(ev Event, enc Encoding) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if enc != EncodingProto {
		return data, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// Close closes every writer.
func (p *KafkaPublisher) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var lastErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}
	p.writers = make(map[string]messageWriter)
	return lastErr
}
