package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Telegram sends notifications via the Telegram Bot API.
type Telegram struct {
	botToken string
	client   *http.Client
}

// NewTelegram creates a Telegram notifier for the given bot token.
func NewTelegram(botToken string) *Telegram {
	return &Telegram{
		botToken: botToken,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (t *Telegram) Name() string { return "telegram" }

// Send posts a message to a chat via the Telegram Bot API.
func (t *Telegram) Send(ctx context.Context, chatID int64, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	body, err := json.Marshal(telegramPayload{
		ChatID: strconv.FormatInt(chatID, 10),
		Text:   message,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned %s", resp.Status)
	}
	return nil
}

type telegramPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}
