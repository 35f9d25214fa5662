package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"testing"

	"lineup/internal/config"
	"lineup/internal/db"
	"lineup/internal/engine"
	"lineup/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func devLogin(t *testing.T, srv *testServer, actorID, role string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"role":     role,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clientHdr := devLogin(t, srv, "client-1", "client")
	linerHdr := devLogin(t, srv, "liner-1", "liner")

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":  "Queue at the visa office",
		"budget": 1000,
	}, clientHdr)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create mission status %d: %s", createRes.StatusCode, string(createBody))
	}
	var created CreatedMissionResponse
	if err := json.Unmarshal(createBody, &created); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	if created.QRToken == "" {
		t.Fatalf("expected qr_token in creation response")
	}
	if created.ClientID != "client-1" {
		t.Fatalf("client_id = %s, want authenticated actor", created.ClientID)
	}
	missionURL := srv.URL + "/v0/missions/" + created.ID

	// The token is never returned on reads.
	getRes, getBody := doJSON(t, client, http.MethodGet, missionURL, nil, clientHdr)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get mission status %d: %s", getRes.StatusCode, string(getBody))
	}
	if bytes.Contains(getBody, []byte(created.QRToken)) {
		t.Fatalf("qr token leaked in mission read")
	}

	applyRes, applyBody := doJSON(t, client, http.MethodPost, missionURL+"/applications", map[string]any{
		"message": "I can be there at 8am",
	}, linerHdr)
	if applyRes.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", applyRes.StatusCode, string(applyBody))
	}
	var app ApplicationResponse
	if err := json.Unmarshal(applyBody, &app); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	if app.LinerID != "liner-1" {
		t.Fatalf("liner_id = %s", app.LinerID)
	}

	acceptRes, acceptBody := doJSON(t, client, http.MethodPost, missionURL+"/applications/"+app.ID+"/accept", nil, clientHdr)
	if acceptRes.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", acceptRes.StatusCode, string(acceptBody))
	}
	var accepted MissionResponse
	if err := json.Unmarshal(acceptBody, &accepted); err != nil {
		t.Fatalf("unmarshal accepted: %v", err)
	}
	if accepted.Status != "accepted" || accepted.PaymentStatus != "authorized" {
		t.Fatalf("after accept: status=%s payment=%s", accepted.Status, accepted.PaymentStatus)
	}

	for _, stage := range []string{"en_route", "arrived", "queueing"} {
		res, body := doJSON(t, client, http.MethodPost, missionURL+"/progress", map[string]any{"stage": stage}, linerHdr)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("progress %s status %d: %s", stage, res.StatusCode, string(body))
		}
	}

	wrongRes, wrongBody := doJSON(t, client, http.MethodPost, missionURL+"/verify-qr", map[string]any{
		"token": "not-the-token",
	}, linerHdr)
	if wrongRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong token status %d: %s", wrongRes.StatusCode, string(wrongBody))
	}
	if code := errorCode(t, wrongBody); code != "token_mismatch" {
		t.Fatalf("wrong token code = %s", code)
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPost, missionURL+"/verify-qr", map[string]any{
		"token": created.QRToken,
	}, linerHdr)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("verify-qr status %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var done MissionResponse
	if err := json.Unmarshal(doneBody, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "completed" || done.ProgressStatus != "done" || done.PaymentStatus != "captured" {
		t.Fatalf("after verify: status=%s progress=%s payment=%s", done.Status, done.ProgressStatus, done.PaymentStatus)
	}

	cancelRes, cancelBody := doJSON(t, client, http.MethodPost, missionURL+"/cancel", map[string]any{
		"reason": "too late",
	}, clientHdr)
	if cancelRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("cancel completed status %d: %s", cancelRes.StatusCode, string(cancelBody))
	}
	if code := errorCode(t, cancelBody); code != "precondition_failed" {
		t.Fatalf("cancel completed code = %s", code)
	}

	rateRes, rateBody := doJSON(t, client, http.MethodPost, missionURL+"/rating", map[string]any{
		"rating":   5,
		"feedback": "fast and friendly",
	}, clientHdr)
	if rateRes.StatusCode != http.StatusOK {
		t.Fatalf("rate status %d: %s", rateRes.StatusCode, string(rateBody))
	}

	auditRes, auditBody := doJSON(t, client, http.MethodGet, missionURL+"/audit", nil, clientHdr)
	if auditRes.StatusCode != http.StatusOK {
		t.Fatalf("mission audit status %d: %s", auditRes.StatusCode, string(auditBody))
	}
	if !bytes.Contains(auditBody, []byte("mission.completed")) {
		t.Fatalf("audit missing completion entry: %s", string(auditBody))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	// Health stays open.
	healthRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}

	// Dev login must be reachable without credentials, or nobody can
	// obtain a token in the first place.
	loginRes, loginData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "bootstrap",
		"role":     "client",
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("unauthenticated dev login status %d: %s", loginRes.StatusCode, string(loginData))
	}

	badRes, badData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", badRes.StatusCode, string(badData))
	}
	if code := errorCode(t, badData); code != "invalid_credentials" {
		t.Fatalf("bad token code = %s", code)
	}
}

func TestRoleAuthorization(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clientHdr := devLogin(t, srv, "client-1", "client")
	linerHdr := devLogin(t, srv, "liner-1", "liner")
	otherClientHdr := devLogin(t, srv, "client-2", "client")

	// Liners cannot publish missions.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title": "x", "budget": 100,
	}, linerHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("liner create status %d: %s", res.StatusCode, string(data))
	}

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title": "Hold my spot", "budget": 500,
	}, clientHdr)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(createBody))
	}
	var created CreatedMissionResponse
	_ = json.Unmarshal(createBody, &created)
	missionURL := srv.URL + "/v0/missions/" + created.ID

	// Another client cannot assign on a mission they do not own.
	assignRes, assignBody := doJSON(t, client, http.MethodPost, missionURL+"/assign", map[string]any{
		"liner_id": "liner-1",
	}, otherClientHdr)
	if assignRes.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign assign status %d: %s", assignRes.StatusCode, string(assignBody))
	}

	// Stats is an ops surface.
	statsRes, statsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, clientHdr)
	if statsRes.StatusCode != http.StatusForbidden {
		t.Fatalf("client stats status %d: %s", statsRes.StatusCode, string(statsBody))
	}
	opsHdr := devLogin(t, srv, "ops-1", "ops")
	statsRes, statsBody = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, opsHdr)
	if statsRes.StatusCode != http.StatusOK {
		t.Fatalf("ops stats status %d: %s", statsRes.StatusCode, string(statsBody))
	}
}

func TestAssignConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clientHdr := devLogin(t, srv, "client-1", "client")

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title": "DMV line", "budget": 300,
	}, clientHdr)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(createBody))
	}
	var created CreatedMissionResponse
	_ = json.Unmarshal(createBody, &created)
	missionURL := srv.URL + "/v0/missions/" + created.ID

	res, body := doJSON(t, client, http.MethodPost, missionURL+"/assign", map[string]any{"liner_id": "liner-1"}, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, missionURL+"/assign", map[string]any{"liner_id": "liner-2"}, clientHdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second assign status %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "already_assigned" {
		t.Fatalf("second assign code = %s", code)
	}

	// A liner applying to the assigned mission also conflicts.
	linerHdr := devLogin(t, srv, "liner-3", "liner")
	res, body = doJSON(t, client, http.MethodPost, missionURL+"/applications", map[string]any{}, linerHdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("apply on assigned status %d: %s", res.StatusCode, string(body))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Actor-Id":   "cli-user",
		"X-Actor-Role": "ops",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "cli-user" || me.Source != "legacy_header" {
		t.Fatalf("me = %+v", me)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	opsHdr := devLogin(t, srv, "ops-1", "ops")

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "client-9",
		"role":     "client",
		"name":     "integration",
	}, opsHdr)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey status %d: %s", createRes.StatusCode, string(createBody))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(createBody, &key); err != nil {
		t.Fatalf("unmarshal apikey: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("raw key missing from creation response")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me via apikey status %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "client-9" || me.Role != "client" || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}

	// Listing never exposes the raw key again.
	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, opsHdr)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list apikeys status %d: %s", listRes.StatusCode, string(listBody))
	}
	if bytes.Contains(listBody, []byte(key.Key)) {
		t.Fatalf("raw key leaked in listing")
	}
}

func TestMissionListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clientHdr := devLogin(t, srv, "client-1", "client")

	// An odd total over an even page size forces page boundaries on both
	// full and partial pages.
	const total = 5
	for i := 0; i < total; i++ {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
			"title": "Batch mission", "budget": 100,
		}, clientHdr)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status %d: %s", i, res.StatusCode, string(body))
		}
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		listURL := srv.URL + "/v0/missions?limit=2"
		if cursor != "" {
			listURL += "&cursor=" + url.QueryEscape(cursor)
		}
		res, body := doJSON(t, client, http.MethodGet, listURL, nil, clientHdr)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(body))
		}
		var page paginatedMissions
		if err := json.Unmarshal(body, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		pages++
		for _, m := range page.Items {
			if seen[m.ID] {
				t.Fatalf("mission %s returned twice", m.ID)
			}
			seen[m.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != total {
		t.Fatalf("paginated %d missions, want %d", len(seen), total)
	}
	if pages < 3 {
		t.Fatalf("walked %d pages, want at least 3 for limit=2", pages)
	}
}
