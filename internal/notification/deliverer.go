package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/config"
	"github.com/stanstork/remindr/internal/errs"
	"github.com/stanstork/remindr/internal/models"
)

// Deliverer pushes a due reminder to its recipient. A nil error means the
// recipient has it; anything else is retried by the scheduler.
type Deliverer interface {
	Deliver(ctx context.Context, notification models.Notification) error
}

const reminderPrefix = "Reminder: "

// reminderText is the text every channel delivers.
func reminderText(notif models.Notification) string {
	return reminderPrefix + strings.TrimSpace(notif.Body)
}

// NewDeliverer builds the deliverer selected by cfg.Channel.
func NewDeliverer(cfg config.DeliveryConfig, logger zerolog.Logger) (Deliverer, error) {
	var (
		d   Deliverer
		err error
	)
	switch cfg.Channel {
	case "", config.ChannelLog:
		d = NewLogDeliverer(logger)
	case config.ChannelTelegram:
		d, err = NewTelegramDeliverer(cfg.Telegram, nil, logger)
	case config.ChannelWebhook:
		d, err = NewWebhookDeliverer(cfg.Webhook, nil, logger)
	case config.ChannelEmail:
		d, err = NewEmailDeliverer(cfg.Email, logger)
	case config.ChannelKafka:
		d, err = NewKafkaDeliverer(cfg.Kafka, logger)
	default:
		return nil, errors.Errorf("unsupported delivery channel %q", cfg.Channel)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to configure %s delivery", cfg.Channel)
	}

	logger.Info().Str("deliverer", channelName(d)).Msg("Delivery channel configured")
	return d, nil
}

func deliveryFailure(format string, args ...interface{}) error {
	return errors.Wrapf(errs.ErrDeliveryFailure, format, args...)
}

func channelName(d Deliverer) string {
	type named interface {
		String() string
	}
	if v, ok := d.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", d)
}
