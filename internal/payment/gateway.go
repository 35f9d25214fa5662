package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lineup/internal/domain"
)

// Gateway authorizes and captures mission funds. Both calls are
// idempotent on the provider side: repeating an authorize or capture for
// the same mission never double-charges.
type Gateway interface {
	Authorize(ctx context.Context, m domain.Mission) error
	Capture(ctx context.Context, m domain.Mission) error
}

const defaultTimeout = 5 * time.Second

// HTTPGateway posts charge instructions to a provider endpoint. Every
// call carries its own bounded timeout so a slow provider can never hold
// up a caller indefinitely.
type HTTPGateway struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPGateway(baseURL, secret string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPGateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	MissionID  string `json:"mission_id"`
	ClientID   string `json:"client_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Commission int64  `json:"commission"`
}

func (g *HTTPGateway) Authorize(ctx context.Context, m domain.Mission) error {
	return g.post(ctx, "authorize", m)
}

func (g *HTTPGateway) Capture(ctx context.Context, m domain.Mission) error {
	return g.post(ctx, "capture", m)
}

func (g *HTTPGateway) post(ctx context.Context, action string, m domain.Mission) error {
	if strings.TrimSpace(g.BaseURL) == "" {
		return fmt.Errorf("payment provider url not configured")
	}
	body := chargeRequest{
		MissionID:  m.ID,
		ClientID:   m.ClientID,
		Amount:     m.Budget,
		Currency:   m.Currency,
		Commission: m.Commission,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/"+action, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Mission ID doubles as the provider-side idempotency key.
	req.Header.Set("Idempotency-Key", m.ID)
	if strings.TrimSpace(g.Secret) != "" {
		req.Header.Set("Authorization", "Bearer "+g.Secret)
	}
	res, err := g.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s: provider status %d: %s", action, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (g *HTTPGateway) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: g.timeout()}
}

func (g *HTTPGateway) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return defaultTimeout
}

// NopGateway accepts every charge. Used when no provider is configured
// (local development, tests that don't care about payments).
type NopGateway struct{}

func (NopGateway) Authorize(ctx context.Context, m domain.Mission) error { return nil }
func (NopGateway) Capture(ctx context.Context, m domain.Mission) error  { return nil }
