package notification

import (
	"context"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/errs"
	"github.com/stanstork/remindr/internal/models"
	"github.com/stanstork/remindr/internal/repository"
)

// LocalLayout is the wall-clock format accepted together with a timezone.
const LocalLayout = "2006-01-02 15:04"

// Scheduler is the part of the delivery scheduler the service drives.
type Scheduler interface {
	Schedule(ctx context.Context, handle string, due time.Time) error
	Unschedule(ctx context.Context, handle string) error
}

type Service interface {
	Submit(ctx context.Context, ownerID, text string, fireAt time.Time) (models.Notification, error)
	Cancel(ctx context.Context, ownerID, handle string) error
	List(ctx context.Context, ownerID string) ([]models.Notification, error)
	Get(ctx context.Context, ownerID, handle string) (models.Notification, error)
	Edit(ctx context.Context, ownerID, handle, text string) (models.Notification, error)
	Outcome(ctx context.Context, ownerID, handle string) (models.ArchivedNotification, error)
	ParseFireTime(value, zone string) (time.Time, error)
}

type Option func(*service)

// WithDefaultZone sets the zone used for wall-clock fire times submitted without one.
func WithDefaultZone(zone string) Option {
	return func(s *service) {
		s.defaultZone = strings.TrimSpace(zone)
	}
}

type service struct {
	repo        repository.NotificationRepository
	scheduler   Scheduler
	defaultZone string
	logger      zerolog.Logger
}

func NewService(repo repository.NotificationRepository, scheduler Scheduler, logger zerolog.Logger, opts ...Option) Service {
	s := &service{
		repo:      repo,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "notification_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Submit(ctx context.Context, ownerID, text string, fireAt time.Time) (models.Notification, error) {
	ownerID = strings.TrimSpace(ownerID)
	text = strings.TrimSpace(text)
	if ownerID == "" {
		return models.Notification{}, errors.Wrap(errs.ErrInvalidInput, "owner id is required")
	}
	if text == "" {
		return models.Notification{}, errors.Wrap(errs.ErrInvalidInput, "reminder text is required")
	}
	if fireAt.IsZero() {
		return models.Notification{}, errs.ErrInvalidTime
	}

	notif, err := s.repo.Insert(ctx, ownerID, text, fireAt)
	if err != nil {
		s.logger.Error().Err(err).Str("owner_id", ownerID).Msg("failed to persist notification")
		return models.Notification{}, err
	}

	// The record is durable at this point; a scheduler that cannot take it now
	// picks it up from the store on its next start.
	if err := s.scheduler.Schedule(ctx, notif.Handle, notif.FireAt); err != nil {
		s.logger.Warn().Err(err).Str("handle", notif.Handle).Msg("failed to schedule notification, deferring to recovery")
	}

	s.logger.Info().
		Str("handle", notif.Handle).
		Str("owner_id", ownerID).
		Time("fire_at", notif.FireAt).
		Msg("notification submitted")
	return notif, nil
}

func (s *service) Cancel(ctx context.Context, ownerID, handle string) error {
	notif, err := s.repo.GetForOwner(ctx, ownerID, handle)
	if err != nil {
		return err
	}

	err = s.scheduler.Unschedule(ctx, notif.Handle)
	unscheduled := err == nil
	switch {
	case err == nil, errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrSchedulerStopped):
	case errors.Is(err, errs.ErrTooLate):
		return errs.ErrTooLate
	default:
		return errors.Wrap(err, "failed to unschedule notification")
	}

	if err := s.repo.Delete(ctx, notif.Handle); err != nil {
		s.logger.Error().Err(err).Str("handle", notif.Handle).Msg("failed to delete cancelled notification")
		// The record is still pending; it must stay on the timeline.
		if unscheduled {
			if serr := s.scheduler.Schedule(context.WithoutCancel(ctx), notif.Handle, notif.Due()); serr != nil {
				s.logger.Warn().Err(serr).Str("handle", notif.Handle).Msg("failed to reschedule notification, deferring to recovery")
			}
		}
		return errors.Wrap(err, "failed to delete notification")
	}

	s.logger.Info().Str("handle", notif.Handle).Str("owner_id", ownerID).Msg("notification cancelled")
	return nil
}

func (s *service) List(ctx context.Context, ownerID string) ([]models.Notification, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *service) Get(ctx context.Context, ownerID, handle string) (models.Notification, error) {
	return s.repo.GetForOwner(ctx, ownerID, handle)
}

func (s *service) Edit(ctx context.Context, ownerID, handle, text string) (models.Notification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Notification{}, errors.Wrap(errs.ErrInvalidInput, "reminder text is required")
	}
	return s.repo.UpdateBody(ctx, ownerID, handle, text)
}

// Outcome reports how a resolved notification ended.
func (s *service) Outcome(ctx context.Context, ownerID, handle string) (models.ArchivedNotification, error) {
	return s.repo.GetArchived(ctx, ownerID, handle)
}

// ParseFireTime accepts an RFC 3339 timestamp, or a LocalLayout wall-clock
// time read in zone (falling back to the default zone). The result is UTC.
func (s *service) ParseFireTime(value, zone string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errs.ErrInvalidTime
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	zone = strings.TrimSpace(zone)
	if zone == "" {
		zone = s.defaultZone
	}
	if zone == "" {
		return time.Time{}, errors.Wrap(errs.ErrInvalidTime, "a timezone is required for local times")
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, errors.Wrapf(errs.ErrInvalidTime, "unknown timezone %q", zone)
	}

	t, err := time.ParseInLocation(LocalLayout, value, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(errs.ErrInvalidTime, "expected RFC 3339 or %q", LocalLayout)
	}
	// Wall-clock times skipped by a DST jump get normalized to another instant.
	if t.Format(LocalLayout) != value {
		return time.Time{}, errors.Wrapf(errs.ErrInvalidTime, "%s does not exist in %s", value, zone)
	}
	if ambiguousLocal(t, value, loc) {
		return time.Time{}, errors.Wrapf(errs.ErrInvalidTime, "%s occurs twice in %s", value, zone)
	}
	return t.UTC(), nil
}

// ambiguousLocal reports whether value names two instants in loc, as happens
// when clocks are set back.
func ambiguousLocal(t time.Time, value string, loc *time.Location) bool {
	wall, err := time.Parse(LocalLayout, value)
	if err != nil {
		return false
	}
	_, offset := t.Zone()
	for _, near := range []time.Time{t.Add(-24 * time.Hour), t.Add(24 * time.Hour)} {
		_, other := near.In(loc).Zone()
		if other == offset {
			continue
		}
		alt := wall.Add(-time.Duration(other) * time.Second)
		if alt.In(loc).Format(LocalLayout) == value {
			return true
		}
	}
	return false
}
