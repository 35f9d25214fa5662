package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lineup/internal/config"
	"lineup/internal/db"
	"lineup/internal/domain"
	"lineup/internal/engine"
	"lineup/internal/migrate"
	"lineup/internal/repo"
)

type fakeGateway struct {
	mu            sync.Mutex
	authorized    []string
	captured      []string
	failAuthorize bool
	failCapture   bool
}

func (g *fakeGateway) Authorize(ctx context.Context, m domain.Mission) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAuthorize {
		return fmt.Errorf("provider unavailable")
	}
	g.authorized = append(g.authorized, m.ID)
	return nil
}

func (g *fakeGateway) Capture(ctx context.Context, m domain.Mission) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCapture {
		return fmt.Errorf("provider unavailable")
	}
	g.captured = append(g.captured, m.ID)
	return nil
}

func (g *fakeGateway) authorizeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.authorized)
}

func (g *fakeGateway) captureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.captured)
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *fakeGateway
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := &fakeGateway{}
	eng := engine.New(conn, config.Default(), gw)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Gateway: gw, Ctx: context.Background()}
}

var (
	client = engine.Actor{ID: "client-1", Role: engine.RoleClient}
	liner  = engine.Actor{ID: "liner-1", Role: engine.RoleLiner}
	ops    = engine.Actor{ID: "ops-1", Role: engine.RoleOps}
)

func publish(t *testing.T, env testEnv) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		ClientID: client.ID,
		Title:    "Wait at the embassy",
		Budget:   1000,
	}, client)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func assertState(t *testing.T, m domain.Mission, status, progress, booking, payment string) {
	t.Helper()
	if m.Status != status || m.ProgressStatus != progress || m.BookingStatus != booking || m.PaymentStatus != payment {
		t.Fatalf("state = (%s,%s,%s,%s), want (%s,%s,%s,%s)",
			m.Status, m.ProgressStatus, m.BookingStatus, m.PaymentStatus,
			status, progress, booking, payment)
	}
}

func TestCreateMissionOpensForApplications(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	assertState(t, m, "published", "pending", "open", "pending")
	if m.QRToken == "" {
		t.Fatalf("expected qr token")
	}
	if m.Commission != 150 {
		t.Fatalf("commission = %d, want 150 (15%% of 1000)", m.Commission)
	}
	if m.Currency != "USD" {
		t.Fatalf("currency = %s, want USD from config", m.Currency)
	}
}

func TestAcceptApplicationAssignsAndRejectsOthers(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	a1, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: "liner-1"}, liner)
	if err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	a2, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: "liner-2"}, engine.Actor{ID: "liner-2", Role: engine.RoleLiner})
	if err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	m, err = env.Engine.AcceptApplication(env.Ctx, m.ID, a1.ID, client)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	assertState(t, m, "accepted", "pending", "confirmed", "authorized")
	if m.LinerID == nil || *m.LinerID != "liner-1" {
		t.Fatalf("liner not assigned")
	}
	if env.Gateway.authorizeCount() != 1 {
		t.Fatalf("authorize calls = %d, want 1", env.Gateway.authorizeCount())
	}
	other, err := env.Engine.Repo.GetApplication(env.Ctx, a2.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if other.Status != "rejected" {
		t.Fatalf("competing application = %s, want rejected", other.Status)
	}
	accepted, err := env.Engine.Repo.GetApplication(env.Ctx, a1.ID)
	if err != nil {
		t.Fatalf("get accepted: %v", err)
	}
	if accepted.Status != "accepted" || accepted.AcceptedAt == nil {
		t.Fatalf("accepted application = %s", accepted.Status)
	}
}

func TestAssignLinerIdempotentAndExclusive(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	m, err := env.Engine.AssignLiner(env.Ctx, m.ID, "liner-1", client)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	assertState(t, m, "accepted", "pending", "confirmed", "authorized")

	// Re-assigning the same liner is a no-op success.
	again, err := env.Engine.AssignLiner(env.Ctx, m.ID, "liner-1", client)
	if err != nil {
		t.Fatalf("re-assign same liner: %v", err)
	}
	if again.Version != m.Version {
		t.Fatalf("idempotent assign bumped version %d -> %d", m.Version, again.Version)
	}
	if env.Gateway.authorizeCount() != 1 {
		t.Fatalf("authorize calls = %d, want 1", env.Gateway.authorizeCount())
	}

	_, err = env.Engine.AssignLiner(env.Ctx, m.ID, "liner-2", client)
	if !errors.Is(err, engine.ErrAlreadyAssigned) {
		t.Fatalf("assign other liner: %v, want ErrAlreadyAssigned", err)
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, linerID := range []string{"liner-1", "liner-2"} {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			<-start
			_, errs[slot] = env.Engine.AssignLiner(env.Ctx, m.ID, id, client)
		}(i, linerID)
	}
	close(start)
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyAssigned), errors.Is(err, engine.ErrConflict):
			losses++
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	stored, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != "accepted" || stored.LinerID == nil {
		t.Fatalf("mission not assigned after race: status=%s", stored.Status)
	}
	if env.Gateway.authorizeCount() != 1 {
		t.Fatalf("authorize calls = %d, want 1 (winner only)", env.Gateway.authorizeCount())
	}
}

func TestApplyRejectedOnAssignedMission(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, "liner-1", client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: "liner-2"}, engine.Actor{ID: "liner-2", Role: engine.RoleLiner})
	if !errors.Is(err, engine.ErrAlreadyAssigned) {
		t.Fatalf("apply on assigned: %v, want ErrAlreadyAssigned", err)
	}
}

func TestDuplicateApplicationRejected(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	if _, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: "liner-1"}, liner); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: "liner-1"}, liner)
	var pre engine.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("duplicate apply: %v, want PreconditionError", err)
	}
}

func TestProgressMovesForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	m, err := env.Engine.AdvanceProgress(env.Ctx, m.ID, "en_route", liner)
	if err != nil {
		t.Fatalf("en_route: %v", err)
	}
	assertState(t, m, "in_progress", "en_route", "in_progress", "authorized")
	m, err = env.Engine.AdvanceProgress(env.Ctx, m.ID, "queueing", liner)
	if err != nil {
		t.Fatalf("queueing: %v", err)
	}
	if m.ProgressStatus != "queueing" {
		t.Fatalf("progress = %s", m.ProgressStatus)
	}

	var pre engine.PreconditionError
	if _, err := env.Engine.AdvanceProgress(env.Ctx, m.ID, "arrived", liner); !errors.As(err, &pre) {
		t.Fatalf("backward progress: %v, want PreconditionError", err)
	}
	if _, err := env.Engine.AdvanceProgress(env.Ctx, m.ID, "done", liner); !errors.As(err, &pre) {
		t.Fatalf("direct done: %v, want PreconditionError", err)
	}
}

func TestProgressRequiresAssignment(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	var pre engine.PreconditionError
	if _, err := env.Engine.AdvanceProgress(env.Ctx, m.ID, "en_route", liner); !errors.As(err, &pre) {
		t.Fatalf("progress on published mission: %v, want PreconditionError", err)
	}
}

func TestCompleteViaQR(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	token := m.QRToken
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.AdvanceProgress(env.Ctx, m.ID, "queueing", liner); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// Wrong token leaves the mission untouched.
	_, err := env.Engine.CompleteViaQR(env.Ctx, m.ID, "bogus", liner)
	if !errors.Is(err, engine.ErrTokenMismatch) {
		t.Fatalf("bogus token: %v, want ErrTokenMismatch", err)
	}
	unchanged, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertState(t, unchanged, "in_progress", "queueing", "in_progress", "authorized")

	m, err = env.Engine.CompleteViaQR(env.Ctx, m.ID, token, liner)
	if err != nil {
		t.Fatalf("verify qr: %v", err)
	}
	assertState(t, m, "completed", "done", "completed", "captured")
	if m.QRVerifiedAt == nil || m.CompletedAt == nil {
		t.Fatalf("expected qr_verified_at and completed_at")
	}
	if env.Gateway.captureCount() != 1 {
		t.Fatalf("capture calls = %d, want 1", env.Gateway.captureCount())
	}

	// Repeating the scan is an idempotent success without a second charge.
	m, err = env.Engine.CompleteViaQR(env.Ctx, m.ID, token, liner)
	if err != nil {
		t.Fatalf("repeat verify: %v", err)
	}
	if m.PaymentStatus != "captured" {
		t.Fatalf("payment = %s", m.PaymentStatus)
	}
	if env.Gateway.captureCount() != 1 {
		t.Fatalf("capture calls after repeat = %d, want 1", env.Gateway.captureCount())
	}

	// Wrong token on a completed mission still fails.
	if _, err := env.Engine.CompleteViaQR(env.Ctx, m.ID, "bogus", liner); !errors.Is(err, engine.ErrTokenMismatch) {
		t.Fatalf("bogus token on completed: %v, want ErrTokenMismatch", err)
	}
}

func TestCancelCollapsesStateAndApplications(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	a, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: "liner-1"}, liner)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	m, err = env.Engine.Cancel(env.Ctx, m.ID, "plans changed", client)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertState(t, m, "cancelled", "cancelled", "cancelled", "cancelled")
	app, err := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if app.Status != "cancelled" {
		t.Fatalf("application = %s, want cancelled", app.Status)
	}

	var pre engine.PreconditionError
	if _, err := env.Engine.Cancel(env.Ctx, m.ID, "", client); !errors.As(err, &pre) {
		t.Fatalf("double cancel: %v, want PreconditionError", err)
	}
}

func TestCompletedMissionCannotBeCancelled(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, m.ID, liner); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var pre engine.PreconditionError
	if _, err := env.Engine.Cancel(env.Ctx, m.ID, "", client); !errors.As(err, &pre) {
		t.Fatalf("cancel completed: %v, want PreconditionError", err)
	}
	m, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.PaymentStatus != "captured" {
		t.Fatalf("payment = %s, want captured after completion", m.PaymentStatus)
	}
}

func TestUnassignReopensMission(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	a, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: liner.ID}, liner)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.AcceptApplication(env.Ctx, m.ID, a.ID, client); err != nil {
		t.Fatalf("accept: %v", err)
	}
	m, err = env.Engine.UnassignLiner(env.Ctx, m.ID, client)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	assertState(t, m, "published", "pending", "open", "pending")
	if m.LinerID != nil {
		t.Fatalf("liner still set after unassign")
	}
	app, err := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if app.Status != "cancelled" {
		t.Fatalf("accepted application = %s, want cancelled after unassign", app.Status)
	}
}

func TestAuthorizeFailureLeavesAssignmentCommitted(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.failAuthorize = true
	m := publish(t, env)
	_, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client)
	var pe *engine.PaymentError
	if !errors.As(err, &pe) || pe.Op != "authorize" {
		t.Fatalf("assign with failing gateway: %v, want PaymentError{authorize}", err)
	}
	stored, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// The assignment committed; only the payment leg failed.
	assertState(t, stored, "accepted", "pending", "confirmed", "pending")

	env.Gateway.failAuthorize = false
	retried, err := env.Engine.AuthorizePayment(env.Ctx, m.ID, ops)
	if err != nil {
		t.Fatalf("retry authorize: %v", err)
	}
	if retried.PaymentStatus != "authorized" {
		t.Fatalf("payment = %s after retry", retried.PaymentStatus)
	}
}

func TestCaptureRequiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	var pre engine.PreconditionError
	if _, err := env.Engine.CapturePayment(env.Ctx, m.ID, ops); !errors.As(err, &pre) {
		t.Fatalf("capture before completion: %v, want PreconditionError", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, m.ID, liner); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Completion already captured; calling capture again is a no-op.
	m2, err := env.Engine.CapturePayment(env.Ctx, m.ID, ops)
	if err != nil {
		t.Fatalf("capture after completion: %v", err)
	}
	if m2.PaymentStatus != "captured" {
		t.Fatalf("payment = %s", m2.PaymentStatus)
	}
	if env.Gateway.captureCount() != 1 {
		t.Fatalf("capture calls = %d, want 1", env.Gateway.captureCount())
	}
}

func TestCaptureFailureKeepsCompletionCommitted(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.failCapture = true
	m := publish(t, env)
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := env.Engine.Complete(env.Ctx, m.ID, liner)
	var pe *engine.PaymentError
	if !errors.As(err, &pe) || pe.Op != "capture" {
		t.Fatalf("complete with failing gateway: %v, want PaymentError{capture}", err)
	}
	stored, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertState(t, stored, "completed", "done", "completed", "ready_for_capture")

	env.Gateway.failCapture = false
	retried, err := env.Engine.CapturePayment(env.Ctx, m.ID, ops)
	if err != nil {
		t.Fatalf("retry capture: %v", err)
	}
	if retried.PaymentStatus != "captured" {
		t.Fatalf("payment = %s after retry", retried.PaymentStatus)
	}
}

func TestRatingOncePerCompletedMission(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	var pre engine.PreconditionError
	if _, err := env.Engine.RateMission(env.Ctx, m.ID, 5, "", client); !errors.As(err, &pre) {
		t.Fatalf("rate published mission: %v, want PreconditionError", err)
	}
	if _, err := env.Engine.AssignLiner(env.Ctx, m.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, m.ID, liner); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.RateMission(env.Ctx, m.ID, 0, "", client); err == nil {
		t.Fatalf("expected range error for rating 0")
	}
	m, err := env.Engine.RateMission(env.Ctx, m.ID, 4, "great help", client)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if m.ClientRating == nil || *m.ClientRating != 4 || m.ClientFeedback == nil {
		t.Fatalf("rating not recorded")
	}
	if _, err := env.Engine.RateMission(env.Ctx, m.ID, 5, "", client); !errors.As(err, &pre) {
		t.Fatalf("second rating: %v, want PreconditionError", err)
	}
}

func TestOptimisticVersionGuard(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	stale := m
	stale.Version = m.Version + 7

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateMissionTx(env.Ctx, tx, stale)
	if !errors.Is(err, repo.ErrStale) {
		t.Fatalf("stale update: %v, want ErrStale", err)
	}
}

func TestChatMessagesAndAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	msg, err := env.Engine.PostChatMessage(env.Ctx, m.ID, "on my way", []string{"https://example.com/pic.jpg"}, liner)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	msgs, err := env.Engine.Repo.ListChatMessages(env.Ctx, m.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID || len(msgs[0].Attachments) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}

	entries, err := env.Engine.Repo.LatestAuditEntries(env.Ctx, repo.AuditFilters{MissionID: m.ID, Limit: 10})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("audit entries = %d, want publish + message", len(entries))
	}
	if entries[0].Type != "mission.message" {
		t.Fatalf("newest entry = %s", entries[0].Type)
	}
}

func TestDeleteMissionKeepsAudit(t *testing.T) {
	env := newTestEnv(t)
	m := publish(t, env)
	if _, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{MissionID: m.ID, LinerID: liner.ID}, liner); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := env.Engine.DeleteMission(env.Ctx, m.ID, ops); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetMission(env.Ctx, m.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get deleted: %v, want ErrNotFound", err)
	}
	apps, err := env.Engine.Repo.ListApplications(env.Ctx, repo.ApplicationFilters{MissionID: m.ID})
	if err != nil {
		t.Fatalf("list applications: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("applications survived delete: %d", len(apps))
	}
	entries, err := env.Engine.Repo.LatestAuditEntries(env.Ctx, repo.AuditFilters{MissionID: m.ID, Limit: 10})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("audit entries gone after delete")
	}
	if entries[0].Type != "mission.deleted" {
		t.Fatalf("newest entry = %s, want mission.deleted", entries[0].Type)
	}
}

func TestMarketplaceStats(t *testing.T) {
	env := newTestEnv(t)
	m1 := publish(t, env)
	publish(t, env)
	if _, err := env.Engine.AssignLiner(env.Ctx, m1.ID, liner.ID, client); err != nil {
		t.Fatalf("assign: %v", err)
	}
	stats, err := env.Engine.Repo.MarketplaceStats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.MissionsByStatus["published"] != 1 || stats.MissionsByStatus["accepted"] != 1 {
		t.Fatalf("counts = %v", stats.MissionsByStatus)
	}
	if stats.BookedVolume != 1000 {
		t.Fatalf("booked volume = %d, want 1000", stats.BookedVolume)
	}
}
