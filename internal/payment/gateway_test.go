package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lineup/internal/domain"
)

func testMission() domain.Mission {
	return domain.Mission{
		ID:         "m-1",
		ClientID:   "client-1",
		Budget:     1000,
		Currency:   "USD",
		Commission: 150,
	}
}

func TestHTTPGatewayPostsCharge(t *testing.T) {
	var gotPath, gotAuth, gotIdem string
	var gotBody chargeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode charge: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "provider-secret", time.Second)
	if err := gw.Authorize(context.Background(), testMission()); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if gotPath != "/authorize" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Bearer provider-secret" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotIdem != "m-1" {
		t.Fatalf("idempotency key = %q", gotIdem)
	}
	if gotBody.Amount != 1000 || gotBody.Currency != "USD" || gotBody.Commission != 150 {
		t.Fatalf("charge = %+v", gotBody)
	}

	if err := gw.Capture(context.Background(), testMission()); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if gotPath != "/capture" {
		t.Fatalf("path = %s", gotPath)
	}
}

func TestHTTPGatewayProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card declined", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "", time.Second)
	err := gw.Authorize(context.Background(), testMission())
	if err == nil {
		t.Fatalf("expected error on provider 402")
	}
	if !strings.Contains(err.Error(), "402") || !strings.Contains(err.Error(), "card declined") {
		t.Fatalf("error = %v", err)
	}
}

func TestHTTPGatewayTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	gw := NewHTTPGateway(srv.URL, "", 50*time.Millisecond)
	err := gw.Capture(context.Background(), testMission())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestHTTPGatewayRequiresURL(t *testing.T) {
	gw := NewHTTPGateway("", "", time.Second)
	if err := gw.Authorize(context.Background(), testMission()); err == nil {
		t.Fatalf("expected configuration error")
	}
}
