// Package ingest turns incoming Telegram updates into subscriber
// registrations, either by polling getUpdates or by receiving webhook calls.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/makt28/plugwatch/internal/notify"
	"github.com/makt28/plugwatch/internal/telegram"
)

const (
	DefaultCommand     = "/start"
	DefaultWelcomeText = "Вас додано до сповіщень!"
)

// IngestError reports an inbound update that could not be understood.
type IngestError struct {
	UpdateID int64 // 0 when the id itself was unreadable
	Err      error
}

func (e *IngestError) Error() string {
	if e.UpdateID == 0 {
		return fmt.Sprintf("ingest: malformed update: %v", e.Err)
	}
	return fmt.Sprintf("ingest: malformed update %d: %v", e.UpdateID, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Adder is satisfied by the subscriber registry.
type Adder interface {
	Add(ctx context.Context, id string) (bool, error)
}

// Registrar applies the registration command to updates. Both the poller and
// the webhook feed it, so registration behaves the same for either source.
type Registrar struct {
	registry    Adder
	sender      notify.Sender
	command     string
	welcomeText string
}

// NewRegistrar creates a Registrar. sender may be nil or welcomeText empty to
// skip the welcome reply.
func NewRegistrar(registry Adder, sender notify.Sender, command, welcomeText string) *Registrar {
	if command == "" {
		command = DefaultCommand
	}
	return &Registrar{
		registry:    registry,
		sender:      sender,
		command:     command,
		welcomeText: welcomeText,
	}
}

// Handle registers the sender of u when its text is the registration command.
// Other updates, and commands that carry no chat, are ignored. The returned
// error is a registry failure.
func (r *Registrar) Handle(ctx context.Context, u telegram.Update) error {
	if u.Message == nil || strings.TrimSpace(u.Message.Text) != r.command {
		return nil
	}
	if u.Message.Chat.ID == 0 {
		slog.Warn("registration command without chat, ignoring", "update_id", u.UpdateID)
		return nil
	}

	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	added, err := r.registry.Add(ctx, chatID)
	if err != nil {
		return fmt.Errorf("register chat %s: %w", chatID, err)
	}
	if !added {
		slog.Debug("chat already subscribed", "chat_id", chatID, "update_id", u.UpdateID)
		return nil
	}
	slog.Info("new subscriber registered", "chat_id", chatID, "update_id", u.UpdateID)

	if r.sender != nil && r.welcomeText != "" {
		if err := r.sender.SendMessage(ctx, chatID, r.welcomeText); err != nil {
			slog.Warn("welcome message failed", "chat_id", chatID, "error", err)
		}
	}
	return nil
}
