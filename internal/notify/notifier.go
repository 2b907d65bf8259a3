// Package notify pushes agent state changes to the chats bound to them.
package notify

import (
	"context"
	"log/slog"
	"strconv"
)

// Notifier delivers one message to one chat.
type Notifier interface {
	// Name returns the provider name for logging.
	Name() string
	// Send delivers the message to the chat.
	Send(ctx context.Context, chatID int64, message string) error
}

// LogNotifier writes notifications to the log. Used when no bot token is
// configured so binding behavior stays observable in development.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a notifier that logs instead of delivering.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, chatID int64, message string) error {
	n.log.Info("notification", "chat_id", strconv.FormatInt(chatID, 10), "message", message)
	return nil
}
