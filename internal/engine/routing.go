package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// RoutingTable answers who owns a stage at a site. Both the routing entries
// and the user directory are read-only here; `sl config import` fills them.
type RoutingTable struct {
	Repo repo.Repo
}

// Lookup returns the active routing entry or repo.ErrNotFound.
func (t RoutingTable) Lookup(ctx context.Context, site string, stage int) (domain.RoutingEntry, error) {
	return t.Repo.GetRoutingEntry(ctx, site, stage)
}

// ResolveByRole returns active users holding role at site, ordered by
// priority, then email, then id. The engine routes to the first one.
func (t RoutingTable) ResolveByRole(ctx context.Context, site, role string) ([]domain.User, error) {
	return t.Repo.UsersBySiteRole(ctx, site, role)
}

func (t RoutingTable) FindUser(ctx context.Context, id string) (domain.User, error) {
	return t.Repo.GetUser(ctx, id)
}

func (t RoutingTable) lookupTx(ctx context.Context, tx *sql.Tx, site string, stage int) (domain.RoutingEntry, error) {
	e, err := t.Repo.GetRoutingEntryTx(ctx, tx, site, stage)
	if errors.Is(err, repo.ErrNotFound) {
		return e, MisconfiguredRoutingError{Site: site, Stage: stage}
	}
	if err != nil {
		return e, fmt.Errorf("routing lookup %s/%d: %w", site, stage, err)
	}
	return e, nil
}

// firstByRoleTx picks the owner of a role-routed stage.
func (t RoutingTable) firstByRoleTx(ctx context.Context, tx *sql.Tx, site, role string, stage int) (domain.User, error) {
	users, err := t.Repo.UsersBySiteRoleTx(ctx, tx, site, role)
	if err != nil {
		return domain.User{}, err
	}
	if len(users) == 0 {
		return domain.User{}, UnresolvedRoleError{Site: site, Role: role, Stage: stage}
	}
	return users[0], nil
}

func (t RoutingTable) findUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	u, err := t.Repo.GetUserTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, NotFoundError{Kind: "user", ID: id}
	}
	return u, err
}
