package engine

import "fmt"

// NotFoundError reports an unknown initiative, transaction or user id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotPendingError reports an action on a row that is no longer actionable.
type NotPendingError struct {
	TransactionID string
	Status        string
}

func (e NotPendingError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("transaction %s is not pending", e.TransactionID)
	}
	return fmt.Sprintf("transaction %s is not pending (status %s)", e.TransactionID, e.Status)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MisconfiguredRoutingError means a site has no active routing entry for a stage.
type MisconfiguredRoutingError struct {
	Site  string
	Stage int
}

func (e MisconfiguredRoutingError) Error() string {
	return fmt.Sprintf("no active routing entry for site %s stage %d", e.Site, e.Stage)
}

// UnresolvedRoleError means a role-routed stage has no active user at the site.
type UnresolvedRoleError struct {
	Site  string
	Role  string
	Stage int
}

func (e UnresolvedRoleError) Error() string {
	return fmt.Sprintf("no active %s user at site %s for stage %d", e.Role, e.Site, e.Stage)
}
