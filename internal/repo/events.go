package repo

import (
	"context"

	"stageline/internal/domain"
)

// ListEvents returns audit events of an initiative after afterID, oldest first.
func (r Repo) ListEvents(ctx context.Context, initiativeID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(initiative_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE initiative_id=? AND id>? ORDER BY id ASC LIMIT ?`, initiativeID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.InitiativeID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
