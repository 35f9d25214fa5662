package repo

import (
	"context"
	"database/sql"
	"strings"

	"lineup/internal/domain"
)

const applicationColumns = `id,mission_id,liner_id,status,proposed_rate,message,accepted_at,rejected_at,created_at`

func scanApplication(row missionScanner) (domain.Application, error) {
	var a domain.Application
	var rate sql.NullInt64
	var message, acceptedAt, rejectedAt sql.NullString
	err := row.Scan(&a.ID, &a.MissionID, &a.LinerID, &a.Status, &rate, &message, &acceptedAt, &rejectedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if rate.Valid {
		a.ProposedRate = &rate.Int64
	}
	if message.Valid {
		a.Message = message.String
	}
	if acceptedAt.Valid {
		a.AcceptedAt = &acceptedAt.String
	}
	if rejectedAt.Valid {
		a.RejectedAt = &rejectedAt.String
	}
	return a, nil
}

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(`+applicationColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.MissionID, a.LinerID, a.Status, nullableInt64Ptr(a.ProposedRate), nullable(a.Message),
		nullableStringPtr(a.AcceptedAt), nullableStringPtr(a.RejectedAt), a.CreatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

// HasApplication reports whether the liner already applied to the mission.
func (r Repo) HasApplicationTx(ctx context.Context, tx *sql.Tx, missionID, linerID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM applications WHERE mission_id=? AND liner_id=?`, missionID, linerID).Scan(&n)
	return n > 0, err
}

// AcceptedApplicationTx returns the accepted application for a mission, if any.
func (r Repo) AcceptedApplicationTx(ctx context.Context, tx *sql.Tx, missionID string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE mission_id=? AND status='accepted' LIMIT 1`, missionID))
}

func (r Repo) SetApplicationStatusTx(ctx context.Context, tx *sql.Tx, id, status, ts string) error {
	var column string
	switch status {
	case "accepted":
		column = "accepted_at"
	case "rejected", "cancelled":
		column = "rejected_at"
	}
	query := `UPDATE applications SET status=? WHERE id=?`
	args := []any{status, id}
	if column != "" {
		query = `UPDATE applications SET status=?, ` + column + `=? WHERE id=?`
		args = []any{status, ts, id}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectOtherPendingTx rejects every pending application for the mission
// except the one that was accepted. Runs in the same transaction as the
// accept so two applications can never both reach accepted.
func (r Repo) RejectOtherPendingTx(ctx context.Context, tx *sql.Tx, missionID, acceptedID, ts string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status='rejected', rejected_at=? WHERE mission_id=? AND status='pending' AND id<>?`,
		ts, missionID, acceptedID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type ApplicationFilters struct {
	MissionID string
	LinerID   string
	Status    string
}

func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	var clauses []string
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.LinerID != "" {
		clauses = append(clauses, "liner_id=?")
		args = append(args, f.LinerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
