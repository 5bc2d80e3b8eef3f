package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MetadataTraceID is the message metadata key carrying the publisher's trace id.
const MetadataTraceID = "trace_id"

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds
	SubjectPrefix     string `yaml:"subject_prefix"`

	// Kafka settings
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
}

// Standard topic names.
const (
	TopicAudit              = "kestrel.audit"
	TopicOrderStatusChanged = "kestrel.order.status_changed"
	TopicReportResolved     = "kestrel.report.resolved"
	TopicRiskAssessed       = "kestrel.risk.assessed"
)

// OrderStatusEvent is published when an order changes state.
type OrderStatusEvent struct {
	OrderID  string      `json:"orderId"`
	SellerID string      `json:"sellerId"`
	Status   OrderStatus `json:"status"`
}

// ReportResolvedEvent is published when moderation resolves a report.
type ReportResolvedEvent struct {
	ReportID string       `json:"reportId"`
	TargetID string       `json:"targetId"`
	Status   ReportStatus `json:"status"`
	Action   ReportAction `json:"action"`
}
