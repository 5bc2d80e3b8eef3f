package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/segmentio/kafka-go"
)

// KafkaBus implements EventBus on Kafka. One writer serves all topics; each
// subscription owns a consumer-group reader.
type KafkaBus struct {
	mu            sync.Mutex
	writer        *kafka.Writer
	brokers       []string
	groupID       string
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "kestrel"
	}

	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		brokers:       cfg.KafkaBrokers,
		groupID:       groupID,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes one message. The message id is the partition key.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	msg := newMessage(ctx, topic, payload)
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.ID),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

// Subscribe starts a consumer-group reader for topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  b.groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go b.consume(subCtx, sub, handler)

	b.subscriptions[sub.id] = sub
	return sub, nil
}

func (b *KafkaBus) consume(ctx context.Context, sub *kafkaSubscription, handler domain.MessageHandler) {
	defer close(sub.done)

	for {
		m, err := sub.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return
			}
			slog.Error("kafka read failed",
				"topic", sub.topic,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg, err := decodeMessage(m.Value)
		if err != nil {
			slog.Error("dropping kafka message",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"message_id", msg.ID,
				"trace_id", msg.Metadata[domain.MetadataTraceID],
				"error", err,
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

// Close stops all readers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return b.writer.Close()
}

// Unsubscribe stops the reader.
func (s *kafkaSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
