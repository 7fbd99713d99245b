package server

import (
	"stageline/internal/domain"
	"stageline/internal/engine"
)

// Request payloads

type CreateInitiativeRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Site        string `json:"site" minLength:"1"`
}

type ActRequest struct {
	Decision       string          `json:"decision" enum:"Approve,Reject"`
	Comment        string          `json:"comment"`
	AssignedUserID *string         `json:"assigned_user_id,omitempty" doc:"Lead chosen when approving stage 3"`
	Flags          map[string]bool `json:"flags,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type InitiativeDetail struct {
	Initiative     domain.Initiative        `json:"initiative"`
	CurrentPending *domain.StageTransaction `json:"current_pending,omitempty"`
	Progress       domain.Progress          `json:"progress"`
}

type RegisterResponse struct {
	Initiative domain.Initiative         `json:"initiative"`
	Ledger     []domain.StageTransaction `json:"ledger"`
}

type ActResponse = engine.ActResult

type PendingResponse struct {
	Transaction *domain.StageTransaction `json:"transaction"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	User   domain.User `json:"user"`
	Source string      `json:"source"`
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
