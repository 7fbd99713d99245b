// Package auth decides whether a directory user may act on a stage row.
package auth

import (
	"fmt"
	"strings"

	"stageline/internal/domain"
)

// ForbiddenError indicates the user does not own the stage.
type ForbiddenError struct {
	UserID string
	Stage  int
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("user %s may not act on stage %d", e.UserID, e.Stage)
}

// CanAct reports whether u owns row. Lead-owned rows belong to the assigned
// lead only; other rows belong to the addressed user, or to any active holder of
// the required role at the row's site when the row is addressed to a role.
func CanAct(u domain.User, row domain.StageTransaction) bool {
	if !u.Active {
		return false
	}
	if domain.IsLeadStage(row.StageNumber) && row.AssignedUserID != nil {
		return *row.AssignedUserID == u.ID
	}
	if row.PendingKind() == "user" {
		return strings.EqualFold(row.PendingWith, u.Email)
	}
	return u.Role == row.RequiredRole && u.Site == row.Site
}

func Authorize(u domain.User, row domain.StageTransaction) error {
	if CanAct(u, row) {
		return nil
	}
	return ForbiddenError{UserID: u.ID, Stage: row.StageNumber}
}
