package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

const initiativeColumns = `id,title,description,site,status,current_stage,assigned_lead_id,created_by,created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInitiative(row rowScanner) (domain.Initiative, error) {
	var in domain.Initiative
	var desc, lead sql.NullString
	err := row.Scan(&in.ID, &in.Title, &desc, &in.Site, &in.Status, &in.CurrentStage, &lead, &in.CreatedBy, &in.CreatedAt, &in.UpdatedAt, &in.Version)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if desc.Valid {
		in.Description = desc.String
	}
	in.AssignedLeadID = ptrFromNull(lead)
	return in, nil
}

func (r Repo) InsertInitiativeTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO initiatives(`+initiativeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Title, nullable(in.Description), in.Site, in.Status, in.CurrentStage, nullableStringPtr(in.AssignedLeadID),
		in.CreatedBy, in.CreatedAt, in.UpdatedAt, in.Version)
	return err
}

func getInitiative(ctx context.Context, q queryer, id string) (domain.Initiative, error) {
	return scanInitiative(q.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id))
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	return getInitiative(ctx, r.DB, id)
}

func (r Repo) GetInitiativeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	return getInitiative(ctx, tx, id)
}

// UpdateInitiativeProgressTx writes the frontier fields if the row still carries
// in.Version, bumping the version. A stale version yields ErrConflict.
func (r Repo) UpdateInitiativeProgressTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET status=?, current_stage=?, assigned_lead_id=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		in.Status, in.CurrentStage, nullableStringPtr(in.AssignedLeadID), in.UpdatedAt, in.ID, in.Version)
	if err != nil {
		return err
	}
	return expectOne(res)
}

type InitiativeFilters struct {
	Site   string
	Status string
	Limit  int
}

func (r Repo) ListInitiatives(ctx context.Context, f InitiativeFilters) ([]domain.Initiative, error) {
	var clauses []string
	var args []any
	if f.Site != "" {
		clauses = append(clauses, "site=?")
		args = append(args, f.Site)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + initiativeColumns + ` FROM initiatives`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListWithApprovedStage returns summaries of initiatives whose given stage row is Approved.
func (r Repo) ListWithApprovedStage(ctx context.Context, stage int) ([]domain.InitiativeSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT i.id, i.title, i.site, i.status, i.current_stage, i.assigned_lead_id, COALESCE(st.action_by,''), COALESCE(st.action_at,'')
FROM initiatives i
JOIN stage_transactions st ON st.initiative_id=i.id
WHERE st.stage_number=? AND st.status=?
ORDER BY st.action_at ASC, i.id ASC`, stage, domain.StageApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InitiativeSummary
	for rows.Next() {
		var s domain.InitiativeSummary
		var lead sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &s.Site, &s.Status, &s.CurrentStage, &lead, &s.ClosedBy, &s.ClosedAt); err != nil {
			return nil, err
		}
		s.AssignedLeadID = ptrFromNull(lead)
		res = append(res, s)
	}
	return res, rows.Err()
}
