package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultSendTimeout = 10 * time.Second

// Delivery summarizes one Notify call.
type Delivery struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Dispatcher fans a message out to every target.
type Dispatcher struct {
	sender      Sender
	targets     TargetSource
	sendTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. sendTimeout bounds each individual send.
func NewDispatcher(sender Sender, targets TargetSource, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Dispatcher{sender: sender, targets: targets, sendTimeout: sendTimeout}
}

// Notify sends text to each target independently. One failed send does not
// stop the others; failures are collected into a *DispatchError. If the
// targets cannot be resolved no send is attempted and that error is returned.
// Sends are not retried.
func (d *Dispatcher) Notify(ctx context.Context, text string) (Delivery, error) {
	targets, err := d.targets.Targets(ctx)
	if err != nil {
		return Delivery{}, fmt.Errorf("resolve notification targets: %w", err)
	}
	if len(targets) == 0 {
		slog.Warn("no subscribers, notification dropped")
		return Delivery{}, nil
	}

	var (
		delivery Delivery
		failures []SendFailure
	)
	for _, chatID := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := d.sender.SendMessage(sendCtx, chatID, text)
		cancel()

		if err != nil {
			delivery.Failed++
			failures = append(failures, SendFailure{ChatID: chatID, Err: err})
			slog.Error("notification send failed", "chat_id", chatID, "error", err)
			continue
		}
		delivery.Sent++
		slog.Info("notification sent", "chat_id", chatID)
	}

	if len(failures) > 0 {
		return delivery, &DispatchError{Total: len(targets), Failures: failures}
	}
	return delivery, nil
}
