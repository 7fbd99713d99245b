package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stageline/internal/actiontoken"
	"stageline/internal/domain"
	"stageline/internal/notify"
	"stageline/internal/repo"
)

func (e Engine) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	in, err := e.Repo.GetInitiative(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return in, NotFoundError{Kind: "initiative", ID: id}
	}
	return in, err
}

func (e Engine) ListInitiatives(ctx context.Context, f repo.InitiativeFilters) ([]domain.Initiative, error) {
	return e.Repo.ListInitiatives(ctx, f)
}

func (e Engine) GetTransaction(ctx context.Context, id string) (domain.StageTransaction, error) {
	t, err := e.Repo.GetStage(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, NotFoundError{Kind: "transaction", ID: id}
	}
	return t, err
}

// GetLedger returns every row of the initiative, unfiltered.
func (e Engine) GetLedger(ctx context.Context, initiativeID string) ([]domain.StageTransaction, error) {
	if _, err := e.GetInitiative(ctx, initiativeID); err != nil {
		return nil, err
	}
	return e.Repo.ListLedger(ctx, initiativeID)
}

func (e Engine) GetVisibleLedger(ctx context.Context, initiativeID string) ([]domain.StageTransaction, error) {
	rows, err := e.GetLedger(ctx, initiativeID)
	if err != nil {
		return nil, err
	}
	return VisibleLedger(rows), nil
}

// GetPending lists Pending rows requiring role at any site.
func (e Engine) GetPending(ctx context.Context, role string) ([]domain.StageTransaction, error) {
	return e.Repo.ListPending(ctx, repo.PendingFilters{Role: role})
}

func (e Engine) GetPendingAtSite(ctx context.Context, site, role string) ([]domain.StageTransaction, error) {
	return e.Repo.ListPending(ctx, repo.PendingFilters{Site: site, Role: role})
}

// GetPendingForUser lists rows the user could act on right now.
func (e Engine) GetPendingForUser(ctx context.Context, userID string) ([]domain.StageTransaction, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, NotFoundError{Kind: "user", ID: userID}
	}
	if err != nil {
		return nil, err
	}
	return e.Repo.ListPendingForUser(ctx, u)
}

// GetCurrentPending returns the actionable row of an initiative, or nil once
// it is terminal.
func (e Engine) GetCurrentPending(ctx context.Context, initiativeID string) (*domain.StageTransaction, error) {
	rows, err := e.GetLedger(ctx, initiativeID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Status == domain.StagePending {
			return &rows[i], nil
		}
	}
	return nil, nil
}

func (e Engine) GetProgress(ctx context.Context, initiativeID string) (domain.Progress, error) {
	rows, err := e.GetLedger(ctx, initiativeID)
	if err != nil {
		return domain.Progress{}, err
	}
	return ComputeProgress(initiativeID, rows), nil
}

func (e Engine) GetProgressPercent(ctx context.Context, initiativeID string) (int, error) {
	p, err := e.GetProgress(ctx, initiativeID)
	return p.Percent, err
}

// GetReadyForClosure lists initiatives whose closure stage is Approved.
func (e Engine) GetReadyForClosure(ctx context.Context) ([]domain.InitiativeSummary, error) {
	return e.Repo.ListWithApprovedStage(ctx, domain.ClosureStage)
}

func (e Engine) ListEvents(ctx context.Context, initiativeID string, afterID int64, limit int) ([]domain.Event, error) {
	if _, err := e.GetInitiative(ctx, initiativeID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, initiativeID, afterID, limit)
}

// TokenActOptions is a decision submitted through an emailed action link.
type TokenActOptions struct {
	Token    string
	Decision domain.Decision
	Comment  string
	// AssignedUserID is only read when the token targets stage 3.
	AssignedUserID *string
}

// ActWithToken redeems a single-use action token and acts as the user it was
// issued to. Input is validated before redemption; once redeemed the token is
// spent even when the act fails.
func (e Engine) ActWithToken(ctx context.Context, store actiontoken.Store, opts TokenActOptions) (ActResult, error) {
	if store == nil || strings.TrimSpace(opts.Token) == "" {
		return ActResult{}, NotFoundError{Kind: "action token", ID: opts.Token}
	}
	if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
		return ActResult{}, ValidationError{Field: "decision", Message: "must be Approve or Reject"}
	}
	if strings.TrimSpace(opts.Comment) == "" {
		return ActResult{}, ValidationError{Field: "comment", Message: "is required"}
	}
	claim, err := store.Redeem(ctx, opts.Token)
	if errors.Is(err, actiontoken.ErrInvalid) {
		return ActResult{}, NotFoundError{Kind: "action token", ID: opts.Token}
	}
	if err != nil {
		return ActResult{}, fmt.Errorf("redeem action token: %w", err)
	}
	return e.Act(ctx, ActOptions{
		TransactionID:  claim.TransactionID,
		Decision:       opts.Decision,
		Comment:        opts.Comment,
		ActorID:        claim.UserID,
		AssignedUserID: opts.AssignedUserID,
	})
}

// RemindStale re-notifies the owners of rows left Pending for longer than
// olderThan and returns how many reminders were sent.
func (e Engine) RemindStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().Add(-olderThan).UTC().Format(time.RFC3339)
	rows, err := e.Repo.ListPendingSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, row := range rows {
		in, err := e.Repo.GetInitiative(ctx, row.InitiativeID)
		if err != nil {
			return sent, err
		}
		if domain.IsTerminalInitiative(in.Status) {
			continue
		}
		e.notify(ctx, notify.KindReminder, in, nil, row, "system")
		sent++
	}
	return sent, nil
}
