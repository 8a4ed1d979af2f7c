package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/config"
	"github.com/stanstork/remindr/internal/models"
)

const webhookTokenTTL = 5 * time.Minute

// WebhookDeliverer POSTs reminders to an HTTP endpoint. Each request carries an
// HS256 bearer token whose subject is the owner and whose id is the handle.
type WebhookDeliverer struct {
	url    string
	secret []byte
	issuer string
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// WebhookPayload is the JSON body sent to the webhook endpoint.
type WebhookPayload struct {
	Handle  string    `json:"handle"`
	OwnerID string    `json:"owner_id"`
	Text    string    `json:"text"`
	FireAt  time.Time `json:"fire_at"`
	SentAt  time.Time `json:"sent_at"`
}

func NewWebhookDeliverer(cfg config.WebhookConfig, client *http.Client, logger zerolog.Logger) (*WebhookDeliverer, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("url is required for webhook deliverer")
	}
	if cfg.Secret == "" {
		return nil, errors.New("secret is required for webhook deliverer")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "remindr"
	}
	if client == nil {
		client = &http.Client{}
	}

	return &WebhookDeliverer{
		url:    url,
		secret: []byte(cfg.Secret),
		issuer: issuer,
		client: client,
		now:    time.Now,
		logger: logger.With().Str("deliverer", "webhook").Logger(),
	}, nil
}

func (d *WebhookDeliverer) sign(notif models.Notification, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    d.issuer,
		Subject:   notif.OwnerID,
		ID:        notif.Handle,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(webhookTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(d.secret)
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, notif models.Notification) error {
	now := d.now().UTC()

	payload, err := json.Marshal(WebhookPayload{
		Handle:  notif.Handle,
		OwnerID: notif.OwnerID,
		Text:    reminderText(notif),
		FireAt:  notif.FireAt,
		SentAt:  now,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook payload")
	}

	token, err := d.sign(notif, now)
	if err != nil {
		return errors.Wrap(err, "failed to sign webhook token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return deliveryFailure("webhook request for %s: %v", notif.Handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return deliveryFailure("webhook rejected %s with status %d", notif.Handle, resp.StatusCode)
	}

	d.logger.Info().
		Str("handle", notif.Handle).
		Int("status", resp.StatusCode).
		Msg("webhook reminder sent")
	return nil
}

func (d *WebhookDeliverer) String() string {
	return "WebhookDeliverer(" + d.url + ")"
}
