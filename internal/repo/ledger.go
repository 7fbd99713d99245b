package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

const stageColumns = `id,initiative_id,stage_number,stage_name,site,status,required_role,pending_with,assigned_user_id,action_by,action_at,comment,flags_json,created_at,updated_at,version`

func scanStage(row rowScanner) (domain.StageTransaction, error) {
	var t domain.StageTransaction
	var pendingWith, assigned, actionBy, actionAt, comment, flags sql.NullString
	err := row.Scan(&t.ID, &t.InitiativeID, &t.StageNumber, &t.StageName, &t.Site, &t.Status, &t.RequiredRole,
		&pendingWith, &assigned, &actionBy, &actionAt, &comment, &flags, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if pendingWith.Valid {
		t.PendingWith = pendingWith.String
	}
	t.AssignedUserID = ptrFromNull(assigned)
	t.ActionBy = ptrFromNull(actionBy)
	t.ActionAt = ptrFromNull(actionAt)
	t.Comment = ptrFromNull(comment)
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &t.Flags); err != nil {
			return t, fmt.Errorf("decode flags for stage %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func marshalFlags(flags map[string]bool) (any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(flags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// InsertStageTx creates a ledger row. A second row for the same
// (initiative, stage) fails on the unique index.
func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, t domain.StageTransaction) error {
	flags, err := marshalFlags(t.Flags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_transactions(`+stageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.InitiativeID, t.StageNumber, t.StageName, t.Site, t.Status, t.RequiredRole, nullable(t.PendingWith),
		nullableStringPtr(t.AssignedUserID), nullableStringPtr(t.ActionBy), nullableStringPtr(t.ActionAt), nullableStringPtr(t.Comment),
		flags, t.CreatedAt, t.UpdatedAt, t.Version)
	return err
}

func getStage(ctx context.Context, q queryer, id string) (domain.StageTransaction, error) {
	return scanStage(q.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stage_transactions WHERE id=?`, id))
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.StageTransaction, error) {
	return getStage(ctx, r.DB, id)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.StageTransaction, error) {
	return getStage(ctx, tx, id)
}

func (r Repo) GetStageByNumberTx(ctx context.Context, tx *sql.Tx, initiativeID string, stage int) (domain.StageTransaction, error) {
	return scanStage(tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stage_transactions WHERE initiative_id=? AND stage_number=?`, initiativeID, stage))
}

func listLedger(ctx context.Context, q queryer, initiativeID string) ([]domain.StageTransaction, error) {
	return queryStages(ctx, q, `SELECT `+stageColumns+` FROM stage_transactions WHERE initiative_id=? ORDER BY stage_number ASC`, initiativeID)
}

// ListLedger returns every row of an initiative ordered by stage number.
func (r Repo) ListLedger(ctx context.Context, initiativeID string) ([]domain.StageTransaction, error) {
	return listLedger(ctx, r.DB, initiativeID)
}

func (r Repo) ListLedgerTx(ctx context.Context, tx *sql.Tx, initiativeID string) ([]domain.StageTransaction, error) {
	return listLedger(ctx, tx, initiativeID)
}

// UpdateStageDecisionTx records an Approve/Reject outcome. The write only lands
// when the row is still Pending at the version that was read.
func (r Repo) UpdateStageDecisionTx(ctx context.Context, tx *sql.Tx, t domain.StageTransaction) error {
	flags, err := marshalFlags(t.Flags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE stage_transactions
SET status=?, action_by=?, action_at=?, comment=?, assigned_user_id=?, flags_json=?, updated_at=?, version=version+1
WHERE id=? AND status=? AND version=?`,
		t.Status, nullableStringPtr(t.ActionBy), nullableStringPtr(t.ActionAt), nullableStringPtr(t.Comment),
		nullableStringPtr(t.AssignedUserID), flags, t.UpdatedAt, t.ID, domain.StagePending, t.Version)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ActivateStageTx moves a pre-created NotStarted row to Pending.
func (r Repo) ActivateStageTx(ctx context.Context, tx *sql.Tx, id, pendingWith, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_transactions SET status=?, pending_with=?, updated_at=?, version=version+1 WHERE id=? AND status=?`,
		domain.StagePending, nullable(pendingWith), updatedAt, id, domain.StageNotStarted)
	if err != nil {
		return err
	}
	return expectOne(res)
}

type PendingFilters struct {
	Site string
	Role string
}

// ListPending returns Pending rows filtered by required role and optionally site.
func (r Repo) ListPending(ctx context.Context, f PendingFilters) ([]domain.StageTransaction, error) {
	clauses := []string{"status=?"}
	args := []any{domain.StagePending}
	if f.Role != "" {
		clauses = append(clauses, "required_role=?")
		args = append(args, f.Role)
	}
	if f.Site != "" {
		clauses = append(clauses, "site=?")
		args = append(args, f.Site)
	}
	query := `SELECT ` + stageColumns + ` FROM stage_transactions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	return queryStages(ctx, r.DB, query, args...)
}

// ListPendingForUser returns Pending rows addressed to the user directly, through
// a lead assignment, or through the user's role at the user's site.
func (r Repo) ListPendingForUser(ctx context.Context, u domain.User) ([]domain.StageTransaction, error) {
	return queryStages(ctx, r.DB, `SELECT `+stageColumns+` FROM stage_transactions
WHERE status=? AND (lower(pending_with)=lower(?) OR assigned_user_id=? OR (site=? AND required_role=? AND (pending_with IS NULL OR pending_with NOT LIKE '%@%')))
ORDER BY created_at ASC, id ASC`, domain.StagePending, u.Email, u.ID, u.Site, u.Role)
}

// ListPendingSince returns Pending rows whose last update is older than before.
func (r Repo) ListPendingSince(ctx context.Context, before string) ([]domain.StageTransaction, error) {
	return queryStages(ctx, r.DB, `SELECT `+stageColumns+` FROM stage_transactions WHERE status=? AND updated_at < ? ORDER BY updated_at ASC, id ASC`,
		domain.StagePending, before)
}

func queryStages(ctx context.Context, q queryer, query string, args ...any) ([]domain.StageTransaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransaction
	for rows.Next() {
		t, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
