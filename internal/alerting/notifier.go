// Package alerting pushes enforcement events to operators.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"compliance-guardian/internal/logging"
)

// Notification describes an enforcement event worth paging on.
type Notification struct {
	Kind        string
	At          time.Time
	ViolationID uint64
	Law         string
	Severity    string
	Action      string
	Violator    string
	Amount      decimal.Decimal
	Score       uint8
	Description string
	Channels    []string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notification Notification) error

func (f NotifierFunc) Notify(ctx context.Context, notification Notification) error {
	return f(ctx, notification)
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", note.Kind).
		Uint64("violation_id", note.ViolationID).
		Str("action", note.Action).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Compliance Guardian] %s\n", strings.ToUpper(note.Kind)))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.ViolationID != 0 {
		builder.WriteString(fmt.Sprintf("Violation: #%d (%s law, %s)\n", note.ViolationID, note.Law, note.Severity))
	}
	if note.Action != "" {
		builder.WriteString(fmt.Sprintf("Action: %s\n", note.Action))
	}
	if note.Violator != "" {
		builder.WriteString(fmt.Sprintf("Violator: %s\n", note.Violator))
	}
	if !note.Amount.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount.String()))
	}
	builder.WriteString(fmt.Sprintf("Score: %d\n", note.Score))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.Description != "" {
		builder.WriteString(note.Description)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
