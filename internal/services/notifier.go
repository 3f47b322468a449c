package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"chat-gateway/internal/models"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes push notifications to a topic consumed by the push
// delivery service. Writes are async; delivery errors are logged by the
// writer's completion callback.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *slog.Logger) *KafkaNotifier {
	n := &KafkaNotifier{log: log}
	n.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				n.log.Error("push notification publish failed", "count", len(messages), "error", err)
			}
		},
	}
	return n
}

func (n *KafkaNotifier) Notify(ctx context.Context, notifications []models.PushNotification) error {
	if len(notifications) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(notifications))
	for _, pn := range notifications {
		value, err := json.Marshal(pn)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.Itoa(pn.UserID)),
			Value: value,
			Time:  pn.CreatedAt,
		})
	}
	return n.writer.WriteMessages(ctx, msgs...)
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier only records notifications; used when no broker is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, notifications []models.PushNotification) error {
	for _, pn := range notifications {
		n.log.Debug("push notification", "user_id", pn.UserID, "chat_id", pn.ChatID, "message_id", pn.MessageID)
	}
	return nil
}

func (n *LogNotifier) Close() error { return nil }
