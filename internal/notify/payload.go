package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"stageline/internal/actiontoken"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Directory is the slice of the user directory needed to address a notification.
type Directory interface {
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	UsersBySiteRole(ctx context.Context, site, role string) ([]domain.User, error)
}

type Issuer interface {
	Issue(ctx context.Context, c actiontoken.Claim) (string, error)
}

type BuildOptions struct {
	Kind       string
	Initiative domain.Initiative
	Previous   *domain.StageTransaction
	Next       domain.StageTransaction
	Actor      string
	Now        time.Time
}

// Build resolves who should hear about next and issues an action token per
// directory user when tokens is non-nil. A row addressed to an email that is
// not in the directory still gets a recipient, without a token.
func Build(ctx context.Context, dir Directory, tokens Issuer, opts BuildOptions) (Notification, error) {
	if opts.Kind == "" {
		opts.Kind = KindAssigned
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	n := Notification{
		ID:         uuid.NewString(),
		Kind:       opts.Kind,
		Initiative: opts.Initiative,
		Previous:   opts.Previous,
		Next:       opts.Next,
		Actor:      opts.Actor,
		CreatedAt:  opts.Now.UTC().Format(time.RFC3339),
	}
	var users []domain.User
	if opts.Next.PendingKind() == "user" {
		u, err := dir.GetUserByEmail(ctx, opts.Next.PendingWith)
		switch {
		case err == nil:
			users = append(users, u)
		case errors.Is(err, repo.ErrNotFound):
			n.Recipients = append(n.Recipients, Recipient{Email: opts.Next.PendingWith})
		default:
			return n, err
		}
	} else {
		found, err := dir.UsersBySiteRole(ctx, opts.Next.Site, opts.Next.RequiredRole)
		if err != nil {
			return n, err
		}
		users = found
	}
	for _, u := range users {
		r := Recipient{UserID: u.ID, Name: u.Name, Email: u.Email}
		if tokens != nil {
			tok, err := tokens.Issue(ctx, actiontoken.Claim{
				TransactionID: opts.Next.ID,
				UserID:        u.ID,
				IssuedAt:      n.CreatedAt,
			})
			if err != nil {
				return n, err
			}
			r.ActionToken = tok
		}
		n.Recipients = append(n.Recipients, r)
	}
	return n, nil
}
