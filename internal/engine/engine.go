package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/notify"
	"stageline/internal/repo"
)

const registeredComment = "registered"

// Engine drives initiatives through the stage pipeline. Every mutation is one
// transaction; notifications go out after commit and never undo a transition.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Routing  RoutingTable
	Notifier notify.Dispatcher
	// Tokens, when set, issues a one-shot action token per notified user.
	Tokens notify.Issuer
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Routing:  RoutingTable{Repo: r},
		Notifier: notify.Nop{},
		Log:      logrus.StandardLogger(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// CreateOptions are parameters for registering an initiative.
type CreateOptions struct {
	ID          string
	Title       string
	Description string
	Site        string
	CreatedBy   string
}

func (o CreateOptions) validate() error {
	switch {
	case strings.TrimSpace(o.Title) == "":
		return ValidationError{Field: "title", Message: "is required"}
	case strings.TrimSpace(o.Site) == "":
		return ValidationError{Field: "site", Message: "is required"}
	case strings.TrimSpace(o.CreatedBy) == "":
		return ValidationError{Field: "created_by", Message: "is required"}
	}
	return nil
}

// Create inserts the initiative with its stage-1 row already Approved. The
// ledger then holds exactly that row until Seed runs.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Initiative, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, _, err := e.createTx(ctx, tx, opts)
	if err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return in, nil
}

func (e Engine) createTx(ctx context.Context, tx *sql.Tx, opts CreateOptions) (domain.Initiative, domain.StageTransaction, error) {
	if err := opts.validate(); err != nil {
		return domain.Initiative{}, domain.StageTransaction{}, err
	}
	first, err := e.Routing.lookupTx(ctx, tx, opts.Site, domain.FirstStage)
	if err != nil {
		return domain.Initiative{}, domain.StageTransaction{}, err
	}
	if _, err := e.Routing.lookupTx(ctx, tx, opts.Site, domain.EvaluationStage); err != nil {
		return domain.Initiative{}, domain.StageTransaction{}, err
	}
	now := e.stamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	in := domain.Initiative{
		ID:           id,
		Title:        strings.TrimSpace(opts.Title),
		Description:  opts.Description,
		Site:         opts.Site,
		Status:       domain.InitiativePending,
		CurrentStage: domain.FirstStage + 1,
		CreatedBy:    opts.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := e.Repo.InsertInitiativeTx(ctx, tx, in); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Initiative{}, domain.StageTransaction{}, ValidationError{Field: "id", Message: fmt.Sprintf("initiative %s already exists", id)}
		}
		return domain.Initiative{}, domain.StageTransaction{}, fmt.Errorf("insert initiative: %w", err)
	}
	comment := registeredComment
	row := domain.StageTransaction{
		ID:           uuid.NewString(),
		InitiativeID: in.ID,
		StageNumber:  domain.FirstStage,
		StageName:    first.StageName,
		Site:         in.Site,
		Status:       domain.StageApproved,
		RequiredRole: first.RequiredRole,
		ActionBy:     &in.CreatedBy,
		ActionAt:     &now,
		Comment:      &comment,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := e.Repo.InsertStageTx(ctx, tx, row); err != nil {
		return domain.Initiative{}, domain.StageTransaction{}, fmt.Errorf("insert stage 1: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.InitiativeRegistered, in.ID, "initiative", in.ID, in.CreatedBy, events.EventPayload{
		"title": in.Title,
		"site":  in.Site,
	}); err != nil {
		return domain.Initiative{}, domain.StageTransaction{}, err
	}
	return in, row, nil
}

// Seed opens stage 2 for evaluation and notifies its owner.
func (e Engine) Seed(ctx context.Context, initiativeID string) (domain.StageTransaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StageTransaction{}, NotFoundError{Kind: "initiative", ID: initiativeID}
	}
	if err != nil {
		return domain.StageTransaction{}, err
	}
	first, err := e.Repo.GetStageByNumberTx(ctx, tx, in.ID, domain.FirstStage)
	if err != nil {
		return domain.StageTransaction{}, fmt.Errorf("load stage 1: %w", err)
	}
	next, err := e.seedTx(ctx, tx, in)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageTransaction{}, err
	}
	e.notify(ctx, notify.KindAssigned, in, &first, next, in.CreatedBy)
	return next, nil
}

func (e Engine) seedTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) (domain.StageTransaction, error) {
	if domain.IsTerminalInitiative(in.Status) {
		return domain.StageTransaction{}, NotPendingError{TransactionID: in.ID, Status: in.Status}
	}
	if _, err := e.Repo.GetStageByNumberTx(ctx, tx, in.ID, domain.EvaluationStage); err == nil {
		return domain.StageTransaction{}, ValidationError{Field: "initiative_id", Message: "initiative already seeded"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.StageTransaction{}, err
	}
	row, err := e.createRoutedTx(ctx, tx, in, domain.EvaluationStage)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	if err := e.Events.Append(ctx, tx, events.StageSeeded, in.ID, "stage", row.ID, in.CreatedBy, events.EventPayload{
		"stage":        row.StageNumber,
		"pending_with": row.PendingWith,
	}); err != nil {
		return domain.StageTransaction{}, err
	}
	return row, nil
}

// Register creates and seeds an initiative atomically. A site without routing
// for stage 1 or 2 leaves nothing behind.
func (e Engine) Register(ctx context.Context, opts CreateOptions) (domain.Initiative, []domain.StageTransaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, nil, err
	}
	defer tx.Rollback()

	in, first, err := e.createTx(ctx, tx, opts)
	if err != nil {
		return domain.Initiative{}, nil, err
	}
	next, err := e.seedTx(ctx, tx, in)
	if err != nil {
		return domain.Initiative{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, nil, err
	}
	e.notify(ctx, notify.KindAssigned, in, &first, next, in.CreatedBy)
	return in, []domain.StageTransaction{first, next}, nil
}

// ActOptions carry one decision on one ledger row.
type ActOptions struct {
	TransactionID string
	Decision      domain.Decision
	Comment       string
	ActorName     string
	// ActorID, when set, must name a directory user allowed to act on the row.
	ActorID        string
	AssignedUserID *string
	Flags          map[string]bool
}

// ActResult is the decided row plus any rows created or activated by it.
type ActResult struct {
	Transaction domain.StageTransaction   `json:"transaction"`
	Initiative  domain.Initiative         `json:"initiative"`
	Next        []domain.StageTransaction `json:"next,omitempty"`
}

// Act records an Approve or Reject on a Pending row and applies the stage
// continuation. The status check, the conditional write, downstream row
// creation and the initiative update commit together; a concurrent act on the
// same row fails with NotPendingError.
func (e Engine) Act(ctx context.Context, opts ActOptions) (ActResult, error) {
	if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
		return ActResult{}, ValidationError{Field: "decision", Message: "must be Approve or Reject"}
	}
	comment := strings.TrimSpace(opts.Comment)
	if comment == "" {
		return ActResult{}, ValidationError{Field: "comment", Message: "is required"}
	}
	if strings.TrimSpace(opts.ActorName) == "" && opts.ActorID == "" {
		return ActResult{}, ValidationError{Field: "actor", Message: "is required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ActResult{}, err
	}
	defer tx.Rollback()

	row, err := e.Repo.GetStageTx(ctx, tx, opts.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return ActResult{}, NotFoundError{Kind: "transaction", ID: opts.TransactionID}
	}
	if err != nil {
		return ActResult{}, err
	}
	if row.Status != domain.StagePending {
		return ActResult{}, NotPendingError{TransactionID: row.ID, Status: row.Status}
	}
	in, err := e.Repo.GetInitiativeTx(ctx, tx, row.InitiativeID)
	if err != nil {
		return ActResult{}, fmt.Errorf("load initiative %s: %w", row.InitiativeID, err)
	}
	if domain.IsTerminalInitiative(in.Status) {
		return ActResult{}, NotPendingError{TransactionID: row.ID, Status: in.Status}
	}
	actor := strings.TrimSpace(opts.ActorName)
	actorID := opts.ActorID
	if opts.ActorID != "" {
		u, err := e.Routing.findUserTx(ctx, tx, opts.ActorID)
		if err != nil {
			return ActResult{}, err
		}
		if err := auth.Authorize(u, row); err != nil {
			return ActResult{}, err
		}
		if actor == "" {
			actor = u.Name
		}
	} else {
		actorID = actor
	}

	var lead *domain.User
	if opts.Decision == domain.DecisionApprove && row.StageNumber == domain.LeadSelectStage {
		if opts.AssignedUserID == nil || strings.TrimSpace(*opts.AssignedUserID) == "" {
			return ActResult{}, ValidationError{Field: "assigned_user_id", Message: "is required to approve stage 3"}
		}
		u, err := e.Routing.findUserTx(ctx, tx, strings.TrimSpace(*opts.AssignedUserID))
		var nf NotFoundError
		if errors.As(err, &nf) {
			return ActResult{}, ValidationError{Field: "assigned_user_id", Message: fmt.Sprintf("user %s not found", nf.ID)}
		}
		if err != nil {
			return ActResult{}, err
		}
		if !u.Active {
			return ActResult{}, ValidationError{Field: "assigned_user_id", Message: fmt.Sprintf("user %s is inactive", u.ID)}
		}
		lead = &u
	}

	now := e.stamp()
	decided := row
	decided.ActionBy = &actor
	decided.ActionAt = &now
	decided.Comment = &comment
	decided.UpdatedAt = now
	decided.Flags = mergeFlags(row.Flags, opts.Flags)
	if lead != nil {
		decided.AssignedUserID = &lead.ID
	}
	if opts.Decision == domain.DecisionReject {
		decided.Status = domain.StageRejected
	} else {
		decided.Status = domain.StageApproved
	}
	if err := e.Repo.UpdateStageDecisionTx(ctx, tx, decided); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ActResult{}, NotPendingError{TransactionID: row.ID}
		}
		return ActResult{}, fmt.Errorf("record decision: %w", err)
	}
	decided.Version++

	var next []domain.StageTransaction
	if opts.Decision == domain.DecisionReject {
		in.Status = domain.InitiativeRejected
	} else {
		next, err = e.continueFrom(ctx, tx, in, decided, lead)
		if err != nil {
			return ActResult{}, err
		}
		in.CurrentStage = min(decided.StageNumber+1, domain.FinalStage)
		in.Status = domain.InitiativeInProgress
		if decided.StageNumber == domain.FinalStage {
			in.Status = domain.InitiativeCompleted
		}
		if lead != nil {
			in.AssignedLeadID = &lead.ID
		}
	}
	in.UpdatedAt = now
	if err := e.Repo.UpdateInitiativeProgressTx(ctx, tx, in); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ActResult{}, NotPendingError{TransactionID: row.ID}
		}
		return ActResult{}, fmt.Errorf("update initiative: %w", err)
	}
	in.Version++

	if err := e.appendActEvents(ctx, tx, in, decided, next, actorID); err != nil {
		return ActResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ActResult{}, err
	}

	if decided.Status == domain.StageApproved && decided.StageNumber != domain.FinalStage {
		for _, n := range next {
			if n.Status == domain.StagePending {
				e.notify(ctx, notify.KindAssigned, in, &decided, n, actor)
			}
		}
	}
	return ActResult{Transaction: decided, Initiative: in, Next: next}, nil
}

// continueFrom applies what approving row causes downstream.
func (e Engine) continueFrom(ctx context.Context, tx *sql.Tx, in domain.Initiative, row domain.StageTransaction, lead *domain.User) ([]domain.StageTransaction, error) {
	switch n := row.StageNumber; {
	case n == domain.EvaluationStage:
		created, err := e.createRoutedTx(ctx, tx, in, domain.LeadSelectStage)
		if err != nil {
			return nil, err
		}
		return []domain.StageTransaction{created}, nil
	case n == domain.LeadSelectStage:
		return e.createLeadStagesTx(ctx, tx, in, *lead)
	case n == 4 || n == 5:
		activated, err := e.activateLeadStageTx(ctx, tx, in, n+1)
		if err != nil {
			return nil, err
		}
		return []domain.StageTransaction{activated}, nil
	case n >= 6 && n < domain.FinalStage:
		created, err := e.createRoleRoutedTx(ctx, tx, in, n+1)
		if err != nil {
			return nil, err
		}
		return []domain.StageTransaction{created}, nil
	case n == domain.FinalStage:
		return nil, nil
	default:
		return nil, fmt.Errorf("stage %d has no continuation", n)
	}
}

// createRoutedTx creates a Pending row addressed to the routing entry's
// default user, or to its role when no default user is configured.
func (e Engine) createRoutedTx(ctx context.Context, tx *sql.Tx, in domain.Initiative, stage int) (domain.StageTransaction, error) {
	entry, err := e.Routing.lookupTx(ctx, tx, in.Site, stage)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	pendingWith := entry.DefaultUserEmail
	if pendingWith == "" {
		pendingWith = entry.RequiredRole
	}
	row := e.newRow(in, entry, domain.StagePending, pendingWith, nil)
	return row, e.insertRowTx(ctx, tx, row)
}

// createRoleRoutedTx creates a Pending row addressed to the first active user
// holding the routed role at the site.
func (e Engine) createRoleRoutedTx(ctx context.Context, tx *sql.Tx, in domain.Initiative, stage int) (domain.StageTransaction, error) {
	entry, err := e.Routing.lookupTx(ctx, tx, in.Site, stage)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	owner, err := e.Routing.firstByRoleTx(ctx, tx, in.Site, entry.RequiredRole, stage)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	row := e.newRow(in, entry, domain.StagePending, owner.Email, nil)
	return row, e.insertRowTx(ctx, tx, row)
}

// createLeadStagesTx opens stage 4 for the lead and pre-creates 5 and 6 as
// NotStarted, all carrying the lead's id.
func (e Engine) createLeadStagesTx(ctx context.Context, tx *sql.Tx, in domain.Initiative, lead domain.User) ([]domain.StageTransaction, error) {
	var out []domain.StageTransaction
	for stage := domain.LeadSelectStage + 1; domain.IsLeadStage(stage); stage++ {
		entry, err := e.Routing.lookupTx(ctx, tx, in.Site, stage)
		if err != nil {
			return nil, err
		}
		status, pendingWith := domain.StageNotStarted, ""
		if stage == domain.LeadSelectStage+1 {
			status, pendingWith = domain.StagePending, lead.Email
		}
		leadID := lead.ID
		row := e.newRow(in, entry, status, pendingWith, &leadID)
		if err := e.insertRowTx(ctx, tx, row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (e Engine) activateLeadStageTx(ctx context.Context, tx *sql.Tx, in domain.Initiative, stage int) (domain.StageTransaction, error) {
	row, err := e.Repo.GetStageByNumberTx(ctx, tx, in.ID, stage)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StageTransaction{}, fmt.Errorf("stage %d of initiative %s was never created", stage, in.ID)
	}
	if err != nil {
		return domain.StageTransaction{}, err
	}
	if row.Status != domain.StageNotStarted {
		return domain.StageTransaction{}, NotPendingError{TransactionID: row.ID, Status: row.Status}
	}
	if row.AssignedUserID == nil {
		return domain.StageTransaction{}, fmt.Errorf("stage %d of initiative %s has no assigned lead", stage, in.ID)
	}
	lead, err := e.Routing.findUserTx(ctx, tx, *row.AssignedUserID)
	if err != nil {
		return domain.StageTransaction{}, err
	}
	now := e.stamp()
	if err := e.Repo.ActivateStageTx(ctx, tx, row.ID, lead.Email, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.StageTransaction{}, NotPendingError{TransactionID: row.ID}
		}
		return domain.StageTransaction{}, err
	}
	row.Status = domain.StagePending
	row.PendingWith = lead.Email
	row.UpdatedAt = now
	row.Version++
	return row, nil
}

func (e Engine) newRow(in domain.Initiative, entry domain.RoutingEntry, status, pendingWith string, assigned *string) domain.StageTransaction {
	now := e.stamp()
	return domain.StageTransaction{
		ID:             uuid.NewString(),
		InitiativeID:   in.ID,
		StageNumber:    entry.StageNumber,
		StageName:      entry.StageName,
		Site:           in.Site,
		Status:         status,
		RequiredRole:   entry.RequiredRole,
		PendingWith:    pendingWith,
		AssignedUserID: assigned,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

// insertRowTx maps a duplicate (initiative, stage) to NotPendingError: the
// predecessor was already acted on by someone else.
func (e Engine) insertRowTx(ctx context.Context, tx *sql.Tx, row domain.StageTransaction) error {
	if err := e.Repo.InsertStageTx(ctx, tx, row); err != nil {
		if repo.IsUniqueViolation(err) {
			return NotPendingError{TransactionID: row.ID, Status: "duplicate stage"}
		}
		return fmt.Errorf("insert stage %d: %w", row.StageNumber, err)
	}
	return nil
}

func (e Engine) appendActEvents(ctx context.Context, tx *sql.Tx, in domain.Initiative, decided domain.StageTransaction, next []domain.StageTransaction, actorID string) error {
	evtType := events.StageApproved
	if decided.Status == domain.StageRejected {
		evtType = events.StageRejected
	}
	payload := events.EventPayload{"stage": decided.StageNumber, "comment": *decided.Comment}
	if decided.AssignedUserID != nil {
		payload["assigned_user_id"] = *decided.AssignedUserID
	}
	if err := e.Events.Append(ctx, tx, evtType, in.ID, "stage", decided.ID, actorID, payload); err != nil {
		return err
	}
	for _, n := range next {
		t := events.StageCreated
		if n.Version > 1 {
			t = events.StageActivated
		}
		if err := e.Events.Append(ctx, tx, t, in.ID, "stage", n.ID, actorID, events.EventPayload{
			"stage":        n.StageNumber,
			"status":       n.Status,
			"pending_with": n.PendingWith,
		}); err != nil {
			return err
		}
	}
	switch in.Status {
	case domain.InitiativeRejected:
		return e.Events.Append(ctx, tx, events.InitiativeRejected, in.ID, "initiative", in.ID, actorID, events.EventPayload{"stage": decided.StageNumber})
	case domain.InitiativeCompleted:
		return e.Events.Append(ctx, tx, events.InitiativeCompleted, in.ID, "initiative", in.ID, actorID, nil)
	}
	return nil
}

// notify is best effort: failures are logged, never returned.
func (e Engine) notify(ctx context.Context, kind string, in domain.Initiative, prev *domain.StageTransaction, next domain.StageTransaction, actor string) {
	if e.Notifier == nil {
		return
	}
	log := e.log().WithFields(logrus.Fields{
		"initiative_id": in.ID,
		"stage":         next.StageNumber,
		"kind":          kind,
	})
	n, err := notify.Build(ctx, e.Repo, e.Tokens, notify.BuildOptions{
		Kind:       kind,
		Initiative: in,
		Previous:   prev,
		Next:       next,
		Actor:      actor,
		Now:        e.now(),
	})
	if err != nil {
		log.WithError(err).Warn("build notification")
		return
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		log.WithError(err).Warn("notification failed")
	}
}

func mergeFlags(base, extra map[string]bool) map[string]bool {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]bool, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
