package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lineup/internal/config"
	"lineup/internal/domain"
	"lineup/internal/events"
	"lineup/internal/payment"
	"lineup/internal/repo"
)

// Engine is the single authority over mission lifecycle transitions.
// Every mutation runs in one transaction: load the mission, validate the
// requested transition against the composite state, write the new state
// under an optimistic version check, append the audit entry. Gateway
// calls happen after commit so the mission row lock is never held across
// a network call.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   events.Writer
	Gateway payment.Gateway
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gw payment.Gateway) Engine {
	if gw == nil {
		gw = payment.NopGateway{}
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   events.Writer{DB: db},
		Gateway: gw,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Actor roles. Authorization is the HTTP layer's job; the engine only
// records who issued a command.
const (
	RoleClient = "client"
	RoleLiner  = "liner"
	RoleOps    = "ops"
)

// Actor identifies who issued a lifecycle command.
type Actor struct {
	ID   string
	Role string
}

// transition describes the audit entry a successful mutation appends.
type transition struct {
	event       string
	description string
	payload     events.Payload
}

func stateMap(c Composite) map[string]string {
	return map[string]string{
		"status":          c.Status,
		"progress_status": c.Progress,
		"booking_status":  c.Booking,
		"payment_status":  c.Payment,
	}
}

// mutateMission runs fn against the mission inside one transaction and
// persists the result with a version check. fn may touch related rows
// through tx; a returned error aborts everything, so a rejected
// transition never leaves a partial update behind.
func (e Engine) mutateMission(ctx context.Context, missionID string, actor Actor, fn func(tx *sql.Tx, m *domain.Mission) (transition, error)) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	before := compositeOf(m)
	tr, err := fn(tx, &m)
	if err != nil {
		return m, err
	}
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMissionTx(ctx, tx, m); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return m, ErrConflict
		}
		return m, err
	}
	if tr.payload == nil {
		tr.payload = events.Payload{}
	}
	tr.payload["from"] = stateMap(before)
	tr.payload["to"] = stateMap(compositeOf(m))
	if err := e.Audit.Append(ctx, tx, tr.event, m.ID, actor.ID, actor.Role, tr.description, tr.payload); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Version++
	return m, nil
}

// MissionCreateOptions are parameters for publishing a mission.
type MissionCreateOptions struct {
	ID              string
	ClientID        string
	Title           string
	Description     string
	LocationLabel   string
	LocationLat     *float64
	LocationLng     *float64
	ScheduledAt     string
	DurationMinutes int
	Budget          int64
	Currency        string
}

// CreateMission publishes a new mission. A fresh mission is immediately
// open for applications: (published, pending, open, pending).
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions, actor Actor) (domain.Mission, error) {
	if opts.ClientID == "" {
		return domain.Mission{}, errors.New("client_id is required")
	}
	if opts.Title == "" {
		return domain.Mission{}, errors.New("title is required")
	}
	if opts.Budget < 0 {
		return domain.Mission{}, errors.New("budget must not be negative")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	currency := opts.Currency
	if currency == "" && e.Config != nil {
		currency = e.Config.Marketplace.Currency
	}
	var commission int64
	if e.Config != nil {
		commission = opts.Budget * int64(e.Config.Marketplace.CommissionPercent) / 100
	}
	m := domain.Mission{
		ID:              id,
		ClientID:        opts.ClientID,
		Title:           opts.Title,
		Description:     opts.Description,
		LocationLabel:   opts.LocationLabel,
		LocationLat:     opts.LocationLat,
		LocationLng:     opts.LocationLng,
		ScheduledAt:     opts.ScheduledAt,
		DurationMinutes: opts.DurationMinutes,
		Budget:          opts.Budget,
		Currency:        currency,
		Commission:      commission,
		QRToken:         uuid.New().String(),
		PublishedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	applyComposite(&m, stateOpen())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return m, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "mission.published", m.ID, actor.ID, actor.Role, "mission published", events.Payload{
		"title":  m.Title,
		"budget": m.Budget,
		"to":     stateMap(compositeOf(m)),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// AssignLiner moves a published mission to (accepted, pending, confirmed,
// pending) and triggers payment authorization after commit. Re-assigning
// the current liner is an idempotent success; any other liner on an
// already-assigned mission is rejected.
func (e Engine) AssignLiner(ctx context.Context, missionID, linerID string, actor Actor) (domain.Mission, error) {
	if linerID == "" {
		return domain.Mission{}, errors.New("liner_id is required")
	}
	current, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return current, err
	}
	if current.LinerID != nil && *current.LinerID == linerID && current.Status == StatusAccepted {
		return current, nil
	}
	m, err := e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		if m.LinerID != nil {
			return transition{}, ErrAlreadyAssigned
		}
		if m.Status != StatusPublished {
			return transition{}, preconditionf("mission is %s, not open for assignment", m.Status)
		}
		m.LinerID = &linerID
		applyComposite(m, stateAssigned(m.PaymentStatus))
		return transition{
			event:       "mission.assigned",
			description: "liner assigned",
			payload:     events.Payload{"liner_id": linerID},
		}, nil
	})
	if err != nil {
		return m, err
	}
	return e.authorizeCommitted(ctx, m)
}

// UnassignLiner releases an accepted mission back to the open pool. The
// accepted application, if any, is cancelled in the same transaction.
func (e Engine) UnassignLiner(ctx context.Context, missionID string, actor Actor) (domain.Mission, error) {
	return e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		if m.Status != StatusAccepted {
			return transition{}, preconditionf("mission is %s, only accepted missions can be unassigned", m.Status)
		}
		released := ""
		if m.LinerID != nil {
			released = *m.LinerID
		}
		ts := e.now().UTC().Format(time.RFC3339)
		if app, err := e.Repo.AcceptedApplicationTx(ctx, tx, m.ID); err == nil {
			if err := e.Repo.SetApplicationStatusTx(ctx, tx, app.ID, "cancelled", ts); err != nil {
				return transition{}, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return transition{}, err
		}
		m.LinerID = nil
		applyComposite(m, stateOpen())
		return transition{
			event:       "mission.unassigned",
			description: "liner released",
			payload:     events.Payload{"liner_id": released},
		}, nil
	})
}

// ApplyOptions are parameters for a liner's application.
type ApplyOptions struct {
	MissionID    string
	LinerID      string
	ProposedRate *int64
	Message      string
}

// Apply records a liner's bid for an unassigned mission. The mission
// state itself is untouched.
func (e Engine) Apply(ctx context.Context, opts ApplyOptions, actor Actor) (domain.Application, error) {
	if opts.LinerID == "" {
		return domain.Application{}, errors.New("liner_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return domain.Application{}, err
	}
	if m.LinerID != nil {
		return domain.Application{}, ErrAlreadyAssigned
	}
	if m.Status != StatusPublished {
		return domain.Application{}, preconditionf("mission is %s, not accepting applications", m.Status)
	}
	exists, err := e.Repo.HasApplicationTx(ctx, tx, m.ID, opts.LinerID)
	if err != nil {
		return domain.Application{}, err
	}
	if exists {
		return domain.Application{}, preconditionf("liner %s already applied to this mission", opts.LinerID)
	}
	a := domain.Application{
		ID:           uuid.New().String(),
		MissionID:    m.ID,
		LinerID:      opts.LinerID,
		Status:       "pending",
		ProposedRate: opts.ProposedRate,
		Message:      opts.Message,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertApplicationTx(ctx, tx, a); err != nil {
		return a, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "application.created", m.ID, actor.ID, actor.Role, "liner applied", events.Payload{
		"application_id": a.ID,
		"liner_id":       a.LinerID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// AcceptApplication accepts one application and, in the same
// transaction, assigns its liner and rejects every other pending
// application for the mission. At most one application per mission can
// ever hold accepted.
func (e Engine) AcceptApplication(ctx context.Context, missionID, applicationID string, actor Actor) (domain.Mission, error) {
	m, err := e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		app, err := e.Repo.GetApplicationTx(ctx, tx, applicationID)
		if err != nil {
			return transition{}, err
		}
		if app.MissionID != m.ID {
			return transition{}, preconditionf("application %s does not belong to this mission", applicationID)
		}
		if m.LinerID != nil {
			return transition{}, ErrAlreadyAssigned
		}
		if app.Status != "pending" {
			return transition{}, preconditionf("application is %s, only pending applications can be accepted", app.Status)
		}
		if m.Status != StatusPublished {
			return transition{}, preconditionf("mission is %s, not open for assignment", m.Status)
		}
		ts := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.SetApplicationStatusTx(ctx, tx, app.ID, "accepted", ts); err != nil {
			return transition{}, err
		}
		rejected, err := e.Repo.RejectOtherPendingTx(ctx, tx, m.ID, app.ID, ts)
		if err != nil {
			return transition{}, err
		}
		if err := e.Audit.Append(ctx, tx, "application.accepted", m.ID, actor.ID, actor.Role, "application accepted", events.Payload{
			"application_id": app.ID,
			"liner_id":       app.LinerID,
			"auto_rejected":  rejected,
		}); err != nil {
			return transition{}, err
		}
		linerID := app.LinerID
		m.LinerID = &linerID
		applyComposite(m, stateAssigned(m.PaymentStatus))
		return transition{
			event:       "mission.assigned",
			description: "liner assigned via application",
			payload:     events.Payload{"liner_id": linerID, "application_id": app.ID},
		}, nil
	})
	if err != nil {
		return m, err
	}
	return e.authorizeCommitted(ctx, m)
}

// RejectApplication rejects a pending application. Mission state is
// untouched.
func (e Engine) RejectApplication(ctx context.Context, missionID, applicationID string, actor Actor) (domain.Application, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplicationTx(ctx, tx, applicationID)
	if err != nil {
		return app, err
	}
	if app.MissionID != missionID {
		return app, preconditionf("application %s does not belong to this mission", applicationID)
	}
	if app.Status != "pending" {
		return app, preconditionf("application is %s, only pending applications can be rejected", app.Status)
	}
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetApplicationStatusTx(ctx, tx, app.ID, "rejected", ts); err != nil {
		return app, err
	}
	if err := e.Audit.Append(ctx, tx, "application.rejected", missionID, actor.ID, actor.Role, "application rejected", events.Payload{
		"application_id": app.ID,
		"liner_id":       app.LinerID,
	}); err != nil {
		return app, err
	}
	if err := tx.Commit(); err != nil {
		return app, err
	}
	app.Status = "rejected"
	app.RejectedAt = &ts
	return app, nil
}

// AdvanceProgress records the liner's stage (en_route, arrived,
// queueing). The first advance moves the mission into
// (in_progress, stage, in_progress, unchanged).
func (e Engine) AdvanceProgress(ctx context.Context, missionID, stage string, actor Actor) (domain.Mission, error) {
	return e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		if m.Status != StatusAccepted && m.Status != StatusInProgress {
			return transition{}, preconditionf("mission is %s, progress updates require an assigned active mission", m.Status)
		}
		if err := ensureProgressAdvance(m.ProgressStatus, stage); err != nil {
			return transition{}, err
		}
		applyComposite(m, stateUnderway(stage, m.PaymentStatus))
		return transition{
			event:       "mission.progress",
			description: "progress " + stage,
			payload:     events.Payload{"stage": stage},
		}, nil
	})
}

// CompleteViaQR completes a mission on exact QR token match and triggers
// payment capture after commit. Repeating the call with the same token
// on a completed mission is an idempotent success.
func (e Engine) CompleteViaQR(ctx context.Context, missionID, token string, actor Actor) (domain.Mission, error) {
	current, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return current, err
	}
	if current.Status == StatusCompleted {
		if token != current.QRToken {
			return current, ErrTokenMismatch
		}
		return e.captureCommitted(ctx, current)
	}
	m, err := e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		if token == "" || token != m.QRToken {
			return transition{}, ErrTokenMismatch
		}
		tr, err := e.completeLocked(m)
		if err != nil {
			return tr, err
		}
		ts := e.now().UTC().Format(time.RFC3339)
		m.QRVerifiedAt = &ts
		tr.payload["via"] = "qr"
		return tr, nil
	})
	if err != nil {
		return m, err
	}
	return e.captureCommitted(ctx, m)
}

// Complete marks the mission done without QR proof (liner status update
// or ops override) and triggers payment capture after commit.
func (e Engine) Complete(ctx context.Context, missionID string, actor Actor) (domain.Mission, error) {
	current, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return current, err
	}
	if current.Status == StatusCompleted {
		return e.captureCommitted(ctx, current)
	}
	m, err := e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		tr, err := e.completeLocked(m)
		if err != nil {
			return tr, err
		}
		tr.payload["via"] = "status_update"
		return tr, nil
	})
	if err != nil {
		return m, err
	}
	return e.captureCommitted(ctx, m)
}

// completeLocked applies the done composite to a mission already loaded
// under the transaction.
func (e Engine) completeLocked(m *domain.Mission) (transition, error) {
	if m.LinerID == nil {
		return transition{}, preconditionf("mission has no assigned liner")
	}
	if m.Status == StatusCancelled {
		return transition{}, preconditionf("mission already cancelled")
	}
	applyComposite(m, stateDone(m.PaymentStatus))
	ts := e.now().UTC().Format(time.RFC3339)
	m.CompletedAt = &ts
	return transition{
		event:       "mission.completed",
		description: "mission completed",
		payload:     events.Payload{},
	}, nil
}

// Cancel collapses all four fields to their cancelled value. Captured
// payments stay captured. Completed missions cannot be cancelled.
func (e Engine) Cancel(ctx context.Context, missionID, reason string, actor Actor) (domain.Mission, error) {
	return e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		if m.Status == StatusCompleted {
			return transition{}, preconditionf("mission already completed")
		}
		if m.Status == StatusCancelled {
			return transition{}, preconditionf("mission already cancelled")
		}
		ts := e.now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `UPDATE applications SET status='cancelled', rejected_at=? WHERE mission_id=? AND status='pending'`, ts, m.ID); err != nil {
			return transition{}, err
		}
		applyComposite(m, stateCancelled(m.PaymentStatus))
		return transition{
			event:       "mission.cancelled",
			description: "mission cancelled",
			payload:     events.Payload{"reason": reason},
		}, nil
	})
}

// AuthorizePayment re-runs authorization for a mission. The lifecycle
// fields are untouched; payment moves pending -> authorized on success.
func (e Engine) AuthorizePayment(ctx context.Context, missionID string, actor Actor) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if m.PaymentStatus == PaymentCancelled {
		return m, preconditionf("payment already cancelled")
	}
	return e.authorizeCommitted(ctx, m)
}

// CapturePayment captures previously authorized funds. Capture requires
// a completed mission; observing an already-captured payment is success.
func (e Engine) CapturePayment(ctx context.Context, missionID string, actor Actor) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if m.PaymentStatus == PaymentCaptured {
		return m, nil
	}
	if m.ProgressStatus != ProgressDone {
		return m, preconditionf("capture requires a completed mission")
	}
	return e.captureCommitted(ctx, m)
}

// RateMission records the client's one-time rating of a completed
// mission.
func (e Engine) RateMission(ctx context.Context, missionID string, rating int, feedback string, actor Actor) (domain.Mission, error) {
	if rating < 1 || rating > 5 {
		return domain.Mission{}, errors.New("rating must be between 1 and 5")
	}
	return e.mutateMission(ctx, missionID, actor, func(tx *sql.Tx, m *domain.Mission) (transition, error) {
		if m.Status != StatusCompleted {
			return transition{}, preconditionf("mission is %s, only completed missions can be rated", m.Status)
		}
		if m.ClientRatedAt != nil {
			return transition{}, preconditionf("mission already rated")
		}
		ts := e.now().UTC().Format(time.RFC3339)
		m.ClientRating = &rating
		m.ClientRatedAt = &ts
		if feedback != "" {
			m.ClientFeedback = &feedback
		}
		return transition{
			event:       "mission.rated",
			description: "client rated mission",
			payload:     events.Payload{"rating": rating},
		}, nil
	})
}

// PostChatMessage appends an immutable message to the mission's chat.
func (e Engine) PostChatMessage(ctx context.Context, missionID, body string, attachments []string, actor Actor) (domain.ChatMessage, error) {
	if body == "" && len(attachments) == 0 {
		return domain.ChatMessage{}, errors.New("message body or attachments required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg := domain.ChatMessage{
		ID:          uuid.New().String(),
		MissionID:   m.ID,
		SenderID:    actor.ID,
		Body:        body,
		Attachments: attachments,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertChatMessageTx(ctx, tx, msg); err != nil {
		return msg, err
	}
	if err := e.Audit.Append(ctx, tx, "mission.message", m.ID, actor.ID, actor.Role, "chat message posted", events.Payload{
		"message_id": msg.ID,
	}); err != nil {
		return msg, err
	}
	if err := tx.Commit(); err != nil {
		return msg, err
	}
	return msg, nil
}

// DeleteMission removes a mission with its applications and chat
// (cascade). Audit entries survive for compliance.
func (e Engine) DeleteMission(ctx context.Context, missionID string, actor Actor) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetMissionTx(ctx, tx, missionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM missions WHERE id=?`, missionID); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, "mission.deleted", missionID, actor.ID, actor.Role, "mission deleted", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// authorizeCommitted invokes the gateway for an already-committed
// assignment. Failure leaves the committed lifecycle fields intact and
// payment at pending; the caller can retry authorization independently.
func (e Engine) authorizeCommitted(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	if err := e.Gateway.Authorize(ctx, m); err != nil {
		return m, &PaymentError{Op: "authorize", Err: err}
	}
	changed, err := e.Repo.SetPaymentStatus(ctx, m.ID, PaymentPending, PaymentAuthorized)
	if err != nil {
		return m, err
	}
	if changed {
		m.PaymentStatus = PaymentAuthorized
		m.Version++
	}
	return m, nil
}

// captureCommitted invokes the gateway once completion committed. The
// ready_for_capture guard makes the losing side of a capture race
// observe captured instead of double-writing.
func (e Engine) captureCommitted(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	if m.PaymentStatus == PaymentCaptured {
		return m, nil
	}
	if err := e.Gateway.Capture(ctx, m); err != nil {
		return m, &PaymentError{Op: "capture", Err: err}
	}
	changed, err := e.Repo.SetPaymentStatus(ctx, m.ID, PaymentReadyForCapture, PaymentCaptured)
	if err != nil {
		return m, err
	}
	if changed {
		m.PaymentStatus = PaymentCaptured
		m.Version++
	} else {
		// Another caller captured first; reflect the stored state.
		fresh, err := e.Repo.GetMission(ctx, m.ID)
		if err != nil {
			return m, err
		}
		m = fresh
	}
	return m, nil
}
