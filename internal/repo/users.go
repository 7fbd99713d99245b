package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

const userColumns = `id,name,email,site,role,priority,active`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Site, &u.Role, &u.Priority, &active)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active == 1
	return u, err
}

func (r Repo) UpsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, site=excluded.site, role=excluded.role, priority=excluded.priority, active=excluded.active`,
		u.ID, u.Name, strings.ToLower(u.Email), u.Site, u.Role, u.Priority, boolToInt(u.Active))
	return err
}

func getUser(ctx context.Context, q queryer, id string) (domain.User, error) {
	return scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return getUser(ctx, tx, id)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

func usersBySiteRole(ctx context.Context, q queryer, site, role string) ([]domain.User, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE site=? AND role=? AND active=1 ORDER BY priority ASC, email ASC, id ASC`, site, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UsersBySiteRole returns active users holding role at site in priority order.
func (r Repo) UsersBySiteRole(ctx context.Context, site, role string) ([]domain.User, error) {
	return usersBySiteRole(ctx, r.DB, site, role)
}

func (r Repo) UsersBySiteRoleTx(ctx context.Context, tx *sql.Tx, site, role string) ([]domain.User, error) {
	return usersBySiteRole(ctx, tx, site, role)
}

func (r Repo) ListUsers(ctx context.Context, site string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if site != "" {
		query += ` WHERE site=?`
		args = append(args, site)
	}
	query += ` ORDER BY site ASC, role ASC, priority ASC, email ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
