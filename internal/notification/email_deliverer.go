package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/config"
	"github.com/stanstork/remindr/internal/models"
)

// EmailDeliverer sends reminders over SMTP. Owners that are not e-mail
// addresses are mapped onto the configured recipient domain.
type EmailDeliverer struct {
	host     string
	port     int
	username string
	password string
	from     string
	domain   string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger   zerolog.Logger
}

func NewEmailDeliverer(cfg config.EmailConfig, logger zerolog.Logger) (*EmailDeliverer, error) {
	host := strings.TrimSpace(cfg.SMTPHost)
	from := strings.TrimSpace(cfg.From)
	if host == "" {
		return nil, errors.New("smtp_host is required for email deliverer")
	}
	if from == "" {
		return nil, errors.New("from is required for email deliverer")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	return &EmailDeliverer{
		host:     host,
		port:     port,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		from:     from,
		domain:   strings.TrimPrefix(strings.TrimSpace(cfg.RecipientDomain), "@"),
		send:     smtp.SendMail,
		logger:   logger.With().Str("deliverer", "email").Logger(),
	}, nil
}

func (d *EmailDeliverer) recipient(ownerID string) (string, error) {
	owner := strings.TrimSpace(ownerID)
	if strings.Contains(owner, "@") {
		return owner, nil
	}
	if d.domain == "" {
		return "", errors.Errorf("owner %q is not an e-mail address and no recipient domain is configured", owner)
	}
	return owner + "@" + d.domain, nil
}

func (d *EmailDeliverer) message(to string, notif models.Notification) []byte {
	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n",
		d.from, to, "[remindr] Reminder")

	body := strings.Builder{}
	body.WriteString(reminderText(notif))
	body.WriteString("\n\n")
	body.WriteString(fmt.Sprintf("Scheduled for: %s\n", notif.FireAt.Format("2006-01-02 15:04 MST")))
	body.WriteString(fmt.Sprintf("Reference: %s\n", notif.Handle))

	return []byte(headers + body.String())
}

func (d *EmailDeliverer) Deliver(ctx context.Context, notif models.Notification) error {
	to, err := d.recipient(notif.OwnerID)
	if err != nil {
		return errors.Wrap(err, "failed to resolve recipient")
	}

	addr := fmt.Sprintf("%s:%d", d.host, d.port)
	var auth smtp.Auth
	if d.username != "" {
		auth = smtp.PlainAuth("", d.username, d.password, d.host)
	}
	msg := d.message(to, notif)

	// net/smtp has no context support, so the send is abandoned on timeout.
	done := make(chan error, 1)
	go func() {
		done <- d.send(addr, auth, d.from, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return deliveryFailure("smtp send to %s: %v", to, err)
		}
	case <-ctx.Done():
		return deliveryFailure("smtp send to %s: %v", to, ctx.Err())
	}

	d.logger.Info().
		Str("handle", notif.Handle).
		Str("recipient", to).
		Msg("email reminder sent")
	return nil
}

func (d *EmailDeliverer) String() string {
	return fmt.Sprintf("EmailDeliverer(%s:%d)", d.host, d.port)
}
