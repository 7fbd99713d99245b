package domain

import "strings"

// Stage numbers with special meaning in the pipeline.
const (
	FirstStage      = 1
	EvaluationStage = 2
	LeadSelectStage = 3
	ClosureStage    = 10
	FinalStage      = 11
)

// Initiative lifecycle statuses.
const (
	InitiativePending    = "Pending"
	InitiativeInProgress = "InProgress"
	InitiativeCompleted  = "Completed"
	InitiativeRejected   = "Rejected"
)

// Stage row statuses.
const (
	StageNotStarted = "NotStarted"
	StagePending    = "Pending"
	StageApproved   = "Approved"
	StageRejected   = "Rejected"
)

type Decision string

const (
	DecisionApprove Decision = "Approve"
	DecisionReject  Decision = "Reject"
)

// ParseDecision accepts the canonical names case-insensitively.
func ParseDecision(in string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "approve", "approved":
		return DecisionApprove, true
	case "reject", "rejected":
		return DecisionReject, true
	}
	return "", false
}

// IsLeadStage reports whether the stage is owned by the lead chosen at stage 3.
func IsLeadStage(stage int) bool {
	return stage >= 4 && stage <= 6
}

// IsTerminalInitiative reports whether no further stage activity is allowed.
func IsTerminalInitiative(status string) bool {
	return status == InitiativeCompleted || status == InitiativeRejected
}

type Initiative struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Site           string  `json:"site"`
	Status         string  `json:"status" enum:"Pending,InProgress,Completed,Rejected"`
	CurrentStage   int     `json:"current_stage"`
	AssignedLeadID *string `json:"assigned_lead_id,omitempty"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	Version        int64   `json:"version"`
}

type StageTransaction struct {
	ID             string          `json:"id"`
	InitiativeID   string          `json:"initiative_id"`
	StageNumber    int             `json:"stage_number"`
	StageName      string          `json:"stage_name"`
	Site           string          `json:"site"`
	Status         string          `json:"status" enum:"NotStarted,Pending,Approved,Rejected"`
	RequiredRole   string          `json:"required_role"`
	PendingWith    string          `json:"pending_with,omitempty"`
	AssignedUserID *string         `json:"assigned_user_id,omitempty"`
	ActionBy       *string         `json:"action_by,omitempty"`
	ActionAt       *string         `json:"action_at,omitempty" format:"date-time"`
	Comment        *string         `json:"comment,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
	Version        int64           `json:"version"`
}

// PendingKind tells whether PendingWith addresses a concrete user or a role pool.
func (t StageTransaction) PendingKind() string {
	if strings.Contains(t.PendingWith, "@") {
		return "user"
	}
	return "role"
}

type RoutingEntry struct {
	Site             string `json:"site"`
	StageNumber      int    `json:"stage_number"`
	StageName        string `json:"stage_name"`
	RequiredRole     string `json:"required_role"`
	DefaultUserEmail string `json:"default_user_email,omitempty"`
	Active           bool   `json:"active"`
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Site     string `json:"site"`
	Role     string `json:"role"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// InitiativeSummary is the read model returned by ready-for-closure queries.
type InitiativeSummary struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Site           string  `json:"site"`
	Status         string  `json:"status"`
	CurrentStage   int     `json:"current_stage"`
	AssignedLeadID *string `json:"assigned_lead_id,omitempty"`
	ClosedBy       string  `json:"closed_by,omitempty"`
	ClosedAt       string  `json:"closed_at,omitempty" format:"date-time"`
}

type Progress struct {
	InitiativeID   string `json:"initiative_id"`
	Approved       int    `json:"approved"`
	Materialized   int    `json:"materialized"`
	Percent        int    `json:"percent"`
	PlannedPercent int    `json:"planned_percent"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	InitiativeID string `json:"initiative_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
