package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/config"
	"github.com/stanstork/remindr/internal/models"
)

// TelegramDeliverer sends reminders through the Telegram Bot API. The owner id
// is used as the chat id.
type TelegramDeliverer struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegramDeliverer(cfg config.TelegramConfig, client *http.Client, logger zerolog.Logger) (*TelegramDeliverer, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("token is required for telegram deliverer")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{}
	}

	return &TelegramDeliverer{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", apiURL, token),
		client:   client,
		logger:   logger.With().Str("deliverer", "telegram").Logger(),
	}, nil
}

func (d *TelegramDeliverer) Deliver(ctx context.Context, notif models.Notification) error {
	payload, err := json.Marshal(telegramMessage{
		ChatID: notif.OwnerID,
		Text:   reminderText(notif),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode telegram message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// The error text carries the URL, which embeds the bot token.
		return deliveryFailure("telegram request failed for %s", notif.Handle)
	}
	defer resp.Body.Close()

	var body telegramResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode/100 != 2 || !body.OK {
		return deliveryFailure("telegram rejected %s: status %d: %s", notif.Handle, resp.StatusCode, body.Description)
	}

	d.logger.Info().
		Str("handle", notif.Handle).
		Str("chat_id", notif.OwnerID).
		Msg("telegram reminder sent")
	return nil
}

func (d *TelegramDeliverer) String() string {
	return "TelegramDeliverer"
}
