// Package notify tells the next owner of a stage that it is waiting on them.
// Delivery is best effort: callers log dispatch errors and move on.
package notify

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

const (
	KindAssigned = "stage.assigned"
	KindReminder = "stage.reminder"
)

type Recipient struct {
	UserID      string `json:"user_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email"`
	ActionToken string `json:"action_token,omitempty"`
}

type Notification struct {
	ID         string                   `json:"id"`
	Kind       string                   `json:"kind"`
	Initiative domain.Initiative        `json:"initiative"`
	Previous   *domain.StageTransaction `json:"previous,omitempty"`
	Next       domain.StageTransaction  `json:"next"`
	Actor      string                   `json:"actor"`
	Recipients []Recipient              `json:"recipients"`
	CreatedAt  string                   `json:"created_at"`
}

// Subject is a one-line summary suitable for a mail subject or a log message.
func (n Notification) Subject() string {
	if n.Kind == KindReminder {
		return fmt.Sprintf("Reminder: %s stage %d (%s) is waiting for you", n.Initiative.Title, n.Next.StageNumber, n.Next.StageName)
	}
	return fmt.Sprintf("%s stage %d (%s) is waiting for you", n.Initiative.Title, n.Next.StageNumber, n.Next.StageName)
}

type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
