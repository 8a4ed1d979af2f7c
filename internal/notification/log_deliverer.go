package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/models"
)

// LogDeliverer writes reminders to the application log. It is the default
// channel for local runs.
type LogDeliverer struct {
	logger zerolog.Logger
}

func NewLogDeliverer(logger zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{
		logger: logger.With().Str("deliverer", "log").Logger(),
	}
}

func (d *LogDeliverer) Deliver(_ context.Context, notif models.Notification) error {
	d.logger.Info().
		Str("handle", notif.Handle).
		Str("owner_id", notif.OwnerID).
		Time("fire_at", notif.FireAt).
		Msg(reminderText(notif))
	return nil
}

func (d *LogDeliverer) String() string {
	return "LogDeliverer"
}
