package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lineup/internal/config"
	"lineup/internal/db"
	"lineup/internal/engine"
	"lineup/internal/migrate"
	"lineup/internal/repo"
)

type receiver struct {
	mu     sync.Mutex
	events []webhookEvent
	fail   bool
	secret string
}

func (r *receiver) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
			t.Errorf("decode event: %v", err)
		}
		r.secret = req.Header.Get("X-Lineup-Secret")
		r.events = append(r.events, evt)
		w.WriteHeader(http.StatusOK)
	}
}

func (r *receiver) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *receiver) received() []webhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]webhookEvent, len(r.events))
	copy(out, r.events)
	return out
}

func newDispatcherEnv(t *testing.T, hooks []config.WebhookConfig) (*Dispatcher, engine.Engine) {
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
	eng := engine.New(conn, config.Default(), nil)
	d := &Dispatcher{
		repo:     repo.Repo{DB: conn},
		webhooks: hooks,
		client:   &http.Client{Timeout: time.Second},
		interval: time.Hour, // ticks driven manually in tests
		cursors:  make(map[int]int64),
	}
	return d, eng
}

func publishMission(t *testing.T, eng engine.Engine, title string) {
	t.Helper()
	_, err := eng.CreateMission(context.Background(), engine.MissionCreateOptions{
		ClientID: "client-1",
		Title:    title,
		Budget:   100,
	}, engine.Actor{ID: "client-1", Role: engine.RoleClient})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
}

func TestDispatchDeliversNewEvents(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d, eng := newDispatcherEnv(t, []config.WebhookConfig{
		{URL: srv.URL, Secret: "hook-secret"},
	})
	d.DispatchAll() // pins the cursor before any events exist

	publishMission(t, eng, "First")
	publishMission(t, eng, "Second")
	d.DispatchAll()

	events := rec.received()
	if len(events) != 2 {
		t.Fatalf("delivered %d events, want 2", len(events))
	}
	if events[0].Type != "mission.published" {
		t.Fatalf("event type = %s", events[0].Type)
	}
	if events[0].ID >= events[1].ID {
		t.Fatalf("events out of order: %d then %d", events[0].ID, events[1].ID)
	}
	if rec.secret != "hook-secret" {
		t.Fatalf("secret header = %q", rec.secret)
	}

	// A second pass with nothing new delivers nothing.
	d.DispatchAll()
	if got := len(rec.received()); got != 2 {
		t.Fatalf("redelivered: %d events", got)
	}
}

func TestDispatchRetriesAfterFailure(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d, eng := newDispatcherEnv(t, []config.WebhookConfig{{URL: srv.URL}})
	d.DispatchAll()

	publishMission(t, eng, "Retried")
	rec.setFail(true)
	d.DispatchAll()
	if got := len(rec.received()); got != 0 {
		t.Fatalf("delivered %d events while receiver down", got)
	}

	rec.setFail(false)
	d.DispatchAll()
	events := rec.received()
	if len(events) != 1 {
		t.Fatalf("delivered %d events after recovery, want 1", len(events))
	}
}

func TestDispatchHonoursEventFilter(t *testing.T) {
	rec := &receiver{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d, eng := newDispatcherEnv(t, []config.WebhookConfig{
		{URL: srv.URL, Events: []string{"mission.assigned"}},
	})
	d.DispatchAll()

	publishMission(t, eng, "Filtered")
	d.DispatchAll()
	if got := len(rec.received()); got != 0 {
		t.Fatalf("published event leaked through filter: %d", got)
	}
}

func TestStartReturnsNilWithoutWebhooks(t *testing.T) {
	if d := Start(repo.Repo{}, nil); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter(nil)
	if !f.match("anything") {
		t.Fatalf("empty filter should match all")
	}
	f = newEventFilter([]string{"mission.completed", " "})
	if f.match("mission.published") {
		t.Fatalf("filter matched excluded event")
	}
	if !f.match("mission.completed") {
		t.Fatalf("filter missed listed event")
	}
}
