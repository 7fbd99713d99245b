package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// ReplaceRoutingTx swaps the routing table for every site present in entries.
func (r Repo) ReplaceRoutingTx(ctx context.Context, tx *sql.Tx, entries []domain.RoutingEntry) error {
	sites := map[string]bool{}
	for _, e := range entries {
		if sites[e.Site] {
			continue
		}
		sites[e.Site] = true
		if _, err := tx.ExecContext(ctx, `DELETE FROM routing_entries WHERE site=?`, e.Site); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routing_entries(site,stage_number,stage_name,required_role,default_user_email,active) VALUES (?,?,?,?,?,?)`,
			e.Site, e.StageNumber, e.StageName, e.RequiredRole, nullable(e.DefaultUserEmail), boolToInt(e.Active)); err != nil {
			return err
		}
	}
	return nil
}

func routingEntry(ctx context.Context, q queryer, site string, stage int) (domain.RoutingEntry, error) {
	var e domain.RoutingEntry
	var def sql.NullString
	var active int
	err := q.QueryRowContext(ctx, `SELECT site,stage_number,stage_name,required_role,default_user_email,active FROM routing_entries WHERE site=? AND stage_number=? AND active=1`, site, stage).
		Scan(&e.Site, &e.StageNumber, &e.StageName, &e.RequiredRole, &def, &active)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.DefaultUserEmail = def.String
	e.Active = active == 1
	return e, nil
}

// GetRoutingEntry returns the active entry for (site, stage).
func (r Repo) GetRoutingEntry(ctx context.Context, site string, stage int) (domain.RoutingEntry, error) {
	return routingEntry(ctx, r.DB, site, stage)
}

func (r Repo) GetRoutingEntryTx(ctx context.Context, tx *sql.Tx, site string, stage int) (domain.RoutingEntry, error) {
	return routingEntry(ctx, tx, site, stage)
}

// ListRouting returns all entries of a site, active or not.
func (r Repo) ListRouting(ctx context.Context, site string) ([]domain.RoutingEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT site,stage_number,stage_name,required_role,COALESCE(default_user_email,''),active FROM routing_entries WHERE site=? ORDER BY stage_number ASC`, site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoutingEntry
	for rows.Next() {
		var e domain.RoutingEntry
		var active int
		if err := rows.Scan(&e.Site, &e.StageNumber, &e.StageName, &e.RequiredRole, &e.DefaultUserEmail, &active); err != nil {
			return nil, err
		}
		e.Active = active == 1
		res = append(res, e)
	}
	return res, rows.Err()
}
