package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var mu sync.Mutex
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicAudit, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			receivedMsg = msg
			mu.Unlock()
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicAudit, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitGroupTimeout(t, &wg, time.Second)

		mu.Lock()
		defer mu.Unlock()
		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicAudit {
			t.Errorf("expected topic %s, got %s", domain.TopicAudit, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message id")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var wrong atomic.Int32
		bus.Subscribe(ctx, "other.topic", func(ctx context.Context, msg *domain.Message) error {
			wrong.Add(1)
			return nil
		})

		var wg sync.WaitGroup
		wg.Add(1)
		bus.Subscribe(ctx, "right.topic", func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "right.topic", []byte("x"))
		waitGroupTimeout(t, &wg, time.Second)

		time.Sleep(20 * time.Millisecond)
		if wrong.Load() != 0 {
			t.Errorf("message leaked to other topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, err := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		bus.Publish(ctx, "unsub.topic", []byte("data"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 0 {
			t.Errorf("expected 0 messages after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(3)

		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitGroupTimeout(t, &wg, time.Second)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "named.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		defer sub.Unsubscribe()

		if sub.Topic() != "named.topic" {
			t.Errorf("expected topic 'named.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}

	if _, err := bus.Subscribe(ctx, "close.topic", nil); err == nil {
		t.Error("expected subscribe error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("KafkaRequiresBrokers", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if err == nil {
			t.Error("expected error without brokers")
		}
	})

	t.Run("KafkaType", func(t *testing.T) {
		// Construction does not dial.
		bus, err := New(domain.EventBusConfig{Type: "kafka", KafkaBrokers: []string{"localhost:9092"}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := bus.(*KafkaBus); !ok {
			t.Error("expected KafkaBus for kafka type")
		}
		bus.Close()
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "rabbitmq"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	waitGroupTimeout(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestMessageEnvelope(t *testing.T) {
	t.Run("CarriesTraceID", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  spanID,
		}))

		msg := newMessage(ctx, domain.TopicRiskAssessed, []byte(`{}`))
		if msg.Metadata[domain.MetadataTraceID] != traceID.String() {
			t.Errorf("expected trace id %s, got %q", traceID, msg.Metadata[domain.MetadataTraceID])
		}

		data, err := encodeMessage(msg)
		if err != nil {
			t.Fatalf("encodeMessage failed: %v", err)
		}
		decoded, err := decodeMessage(data)
		if err != nil {
			t.Fatalf("decodeMessage failed: %v", err)
		}
		if decoded.ID != msg.ID || decoded.Metadata[domain.MetadataTraceID] != traceID.String() {
			t.Errorf("envelope lost fields: %+v", decoded)
		}
	})

	t.Run("NoTrace", func(t *testing.T) {
		msg := newMessage(context.Background(), domain.TopicAudit, nil)
		if _, ok := msg.Metadata[domain.MetadataTraceID]; ok {
			t.Error("expected no trace id without a span")
		}
	})

	t.Run("DecodeGarbage", func(t *testing.T) {
		if _, err := decodeMessage([]byte("not json")); err == nil {
			t.Error("expected decode error")
		}
	})
}
