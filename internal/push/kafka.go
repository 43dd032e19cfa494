// Package push hands new-message notifications to the out-of-band push
// pipeline. Delivery to devices happens downstream of the topic.
package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/internal/service"
	"github.com/vedran77/courtside/pkg/logger"
)

const DefaultTopic = "messages.created"

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes one record per sent message, keyed by receiver so
// a receiver's notifications stay ordered within a partition.
type KafkaNotifier struct {
	w messageWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.PushFailures.Add(float64(len(msgs)))
				logger.Warn().Err(err).Int("records", len(msgs)).Msg("push: kafka write failed")
			}
		},
	}
	return &KafkaNotifier{w: w}
}

func (n *KafkaNotifier) NotifyNewMessage(ctx context.Context, p service.PushPayload) error {
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.ReceiverID.String()),
		Value: value,
		Time:  time.Now(),
	})
}

func (n *KafkaNotifier) Close() error { return n.w.Close() }

// LogNotifier stands in when no brokers are configured.
type LogNotifier struct{}

func (LogNotifier) NotifyNewMessage(_ context.Context, p service.PushPayload) error {
	logger.Debug().Stringer("receiver_id", p.ReceiverID).Stringer("message_id", p.MessageID).Msg("push: no broker configured, skipping")
	return nil
}
