package notify

import (
	"context"
	"fmt"
	"strings"
)

// Sender delivers a text message to one chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// TargetSource yields the chats a notification goes to.
type TargetSource interface {
	Targets(ctx context.Context) ([]string, error)
}

// Lister is satisfied by the subscriber registry.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// SubscriberTargets sends to every registered subscriber.
type SubscriberTargets struct {
	Registry Lister
}

func (s SubscriberTargets) Targets(ctx context.Context) ([]string, error) {
	return s.Registry.List(ctx)
}

// FixedTarget sends to a single configured chat (single-channel mode).
type FixedTarget string

func (f FixedTarget) Targets(context.Context) ([]string, error) {
	return []string{string(f)}, nil
}

// SendFailure records one target that could not be reached.
type SendFailure struct {
	ChatID string
	Err    error
}

// DispatchError reports that some sends of one notification failed.
type DispatchError struct {
	Total    int
	Failures []SendFailure
}

func (e *DispatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.ChatID, f.Err))
	}
	return fmt.Sprintf("notify: %d of %d sends failed (%s)", len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes the individual send errors to errors.Is / errors.As.
func (e *DispatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
