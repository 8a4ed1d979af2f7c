package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/stanstork/remindr/internal/config"
	"github.com/stanstork/remindr/internal/models"
)

// messageWriter is the part of *kafka.Writer the deliverer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDeliverer publishes reminders to a topic keyed by owner, so a consumer
// sees each owner's reminders in order.
type KafkaDeliverer struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// ReminderEvent is the message value published for each due reminder.
type ReminderEvent struct {
	Handle  string    `json:"handle"`
	OwnerID string    `json:"owner_id"`
	Text    string    `json:"text"`
	FireAt  time.Time `json:"fire_at"`
}

func NewKafkaDeliverer(cfg config.KafkaConfig, logger zerolog.Logger) (*KafkaDeliverer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("brokers are required for kafka deliverer")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("topic is required for kafka deliverer")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaDeliverer(w, topic, logger), nil
}

func newKafkaDeliverer(w messageWriter, topic string, logger zerolog.Logger) *KafkaDeliverer {
	return &KafkaDeliverer{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("deliverer", "kafka").Logger(),
	}
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, notif models.Notification) error {
	value, err := json.Marshal(ReminderEvent{
		Handle:  notif.Handle,
		OwnerID: notif.OwnerID,
		Text:    reminderText(notif),
		FireAt:  notif.FireAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode reminder event")
	}

	msg := kafka.Message{
		Key:   []byte(notif.OwnerID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "handle", Value: []byte(notif.Handle)},
		},
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return deliveryFailure("publish %s to %s: %v", notif.Handle, d.topic, err)
	}

	d.logger.Info().
		Str("handle", notif.Handle).
		Str("topic", d.topic).
		Msg("reminder published")
	return nil
}

// Close flushes and closes the underlying writer.
func (d *KafkaDeliverer) Close() error {
	return d.writer.Close()
}

func (d *KafkaDeliverer) String() string {
	return "KafkaDeliverer(" + d.topic + ")"
}
