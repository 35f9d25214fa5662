package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lineup/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrStale means an optimistic version check failed: the row changed
	// between read and write.
	ErrStale = errors.New("stale mission version")
)

const missionColumns = `id,client_id,liner_id,title,description,location_label,location_lat,location_lng,scheduled_at,duration_minutes,budget,currency,commission,status,progress_status,booking_status,payment_status,qr_token,qr_verified_at,client_rating,client_feedback,client_rated_at,published_at,completed_at,created_at,updated_at,version`

type missionScanner interface {
	Scan(dest ...any) error
}

func scanMission(row missionScanner) (domain.Mission, error) {
	var m domain.Mission
	var linerID, description, locationLabel, scheduledAt, qrVerifiedAt, clientFeedback, clientRatedAt, publishedAt, completedAt sql.NullString
	var lat, lng sql.NullFloat64
	var duration, rating sql.NullInt64
	err := row.Scan(&m.ID, &m.ClientID, &linerID, &m.Title, &description, &locationLabel, &lat, &lng, &scheduledAt, &duration,
		&m.Budget, &m.Currency, &m.Commission, &m.Status, &m.ProgressStatus, &m.BookingStatus, &m.PaymentStatus,
		&m.QRToken, &qrVerifiedAt, &rating, &clientFeedback, &clientRatedAt, &publishedAt, &completedAt,
		&m.CreatedAt, &m.UpdatedAt, &m.Version)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if linerID.Valid {
		m.LinerID = &linerID.String
	}
	if description.Valid {
		m.Description = description.String
	}
	if locationLabel.Valid {
		m.LocationLabel = locationLabel.String
	}
	if lat.Valid {
		m.LocationLat = &lat.Float64
	}
	if lng.Valid {
		m.LocationLng = &lng.Float64
	}
	if scheduledAt.Valid {
		m.ScheduledAt = scheduledAt.String
	}
	if duration.Valid {
		m.DurationMinutes = int(duration.Int64)
	}
	if qrVerifiedAt.Valid {
		m.QRVerifiedAt = &qrVerifiedAt.String
	}
	if rating.Valid {
		v := int(rating.Int64)
		m.ClientRating = &v
	}
	if clientFeedback.Valid {
		m.ClientFeedback = &clientFeedback.String
	}
	if clientRatedAt.Valid {
		m.ClientRatedAt = &clientRatedAt.String
	}
	if publishedAt.Valid {
		m.PublishedAt = publishedAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ClientID, nullableStringPtr(m.LinerID), m.Title, nullable(m.Description), nullable(m.LocationLabel),
		nullableFloatPtr(m.LocationLat), nullableFloatPtr(m.LocationLng), nullable(m.ScheduledAt), nullableInt(m.DurationMinutes),
		m.Budget, m.Currency, m.Commission, m.Status, m.ProgressStatus, m.BookingStatus, m.PaymentStatus,
		m.QRToken, nullableStringPtr(m.QRVerifiedAt), nullableIntPtr(m.ClientRating), nullableStringPtr(m.ClientFeedback),
		nullableStringPtr(m.ClientRatedAt), nullable(m.PublishedAt), nullableStringPtr(m.CompletedAt),
		m.CreatedAt, m.UpdatedAt, m.Version)
	return err
}

// UpdateMissionTx writes the full mission row guarded by the version the
// caller read. Zero rows affected means another transition committed
// first; the caller maps ErrStale to its conflict error.
func (r Repo) UpdateMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET liner_id=?, title=?, description=?, location_label=?, location_lat=?, location_lng=?, scheduled_at=?, duration_minutes=?, budget=?, currency=?, commission=?, status=?, progress_status=?, booking_status=?, payment_status=?, qr_token=?, qr_verified_at=?, client_rating=?, client_feedback=?, client_rated_at=?, published_at=?, completed_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		nullableStringPtr(m.LinerID), m.Title, nullable(m.Description), nullable(m.LocationLabel),
		nullableFloatPtr(m.LocationLat), nullableFloatPtr(m.LocationLng), nullable(m.ScheduledAt), nullableInt(m.DurationMinutes),
		m.Budget, m.Currency, m.Commission, m.Status, m.ProgressStatus, m.BookingStatus, m.PaymentStatus,
		m.QRToken, nullableStringPtr(m.QRVerifiedAt), nullableIntPtr(m.ClientRating), nullableStringPtr(m.ClientFeedback),
		nullableStringPtr(m.ClientRatedAt), nullable(m.PublishedAt), nullableStringPtr(m.CompletedAt),
		m.UpdatedAt, m.ID, m.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// SetPaymentStatus records a gateway outcome after the owning transaction
// committed. The guard on the previous value makes the call idempotent
// and keeps losers of a payment race from overwriting captured.
func (r Repo) SetPaymentStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE missions SET payment_status=?, version=version+1 WHERE id=? AND payment_status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type MissionFilters struct {
	Status          string
	ClientID        string
	LinerID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.LinerID != "" {
		clauses = append(clauses, "liner_id=?")
		args = append(args, f.LinerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteMission(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM missions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// Stats aggregates the ops dashboard numbers in one pass.
type Stats struct {
	MissionsByStatus map[string]int `json:"missions_by_status"`
	BookedVolume     int64          `json:"booked_volume"`
	CapturedVolume   int64          `json:"captured_volume"`
	OpenApplications int            `json:"open_applications"`
}

func (r Repo) MarketplaceStats(ctx context.Context) (Stats, error) {
	s := Stats{MissionsByStatus: map[string]int{}}
	counts, err := r.CountMissionsByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.MissionsByStatus = counts
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(budget),0) FROM missions WHERE status IN ('accepted','in_progress','completed')`).Scan(&s.BookedVolume)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(budget),0) FROM missions WHERE payment_status='captured'`).Scan(&s.CapturedVolume)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM applications WHERE status='pending'`).Scan(&s.OpenApplications)
	return s, err
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalStringSlice(in sql.NullString) ([]string, error) {
	if !in.Valid || in.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
