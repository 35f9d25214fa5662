package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"lineup/internal/domain"
)

type AuditFilters struct {
	MissionID string
	Type      string
	ActorID   string
	Limit     int
	Cursor    int64
}

// LatestAuditEntries returns newest-first entries before the cursor.
func (r Repo) LatestAuditEntries(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,mission_id,actor_id,actor_role,description,payload_json FROM audit_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// AuditAfter returns entries with IDs greater than the cursor in
// ascending order. The webhook dispatcher drains the log with this.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,mission_id,actor_id,actor_role,description,payload_json FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryAudit(ctx, query, cursor, limit)
}

// LatestAuditID returns the most recent audit entry ID.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id)
	return id, err
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var missionID, actorRole, description, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &missionID, &e.ActorID, &actorRole, &description, &payload); err != nil {
			return nil, err
		}
		if missionID.Valid {
			e.MissionID = missionID.String
		}
		if actorRole.Valid {
			e.ActorRole = actorRole.String
		}
		if description.Valid {
			e.Description = description.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
