package lineupsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal LineUp HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID             string  `json:"id"`
	ClientID       string  `json:"client_id"`
	LinerID        *string `json:"liner_id,omitempty"`
	Title          string  `json:"title"`
	Budget         int64   `json:"budget"`
	Currency       string  `json:"currency"`
	Status         string  `json:"status"`
	ProgressStatus string  `json:"progress_status"`
	BookingStatus  string  `json:"booking_status"`
	PaymentStatus  string  `json:"payment_status"`
	Version        int64   `json:"version"`
}

// CreatedMission is the publish response; the QR token appears only
// here.
type CreatedMission struct {
	Mission
	QRToken string `json:"qr_token"`
}

// Application represents a liner's bid.
type Application struct {
	ID           string `json:"id"`
	MissionID    string `json:"mission_id"`
	LinerID      string `json:"liner_id"`
	Status       string `json:"status"`
	ProposedRate *int64 `json:"proposed_rate,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ChatMessage is one mission chat entry.
type ChatMessage struct {
	ID          string   `json:"id"`
	MissionID   string   `json:"mission_id"`
	SenderID    string   `json:"sender_id"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// AuditEntry is one audit log record.
type AuditEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	MissionID   string `json:"mission_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMissions wraps list responses with cursors.
type PaginatedMissions struct {
	Items      []Mission `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateMission publishes a mission.
func (c *Client) CreateMission(ctx context.Context, title string, budget int64) (CreatedMission, error) {
	body := map[string]any{
		"title":  title,
		"budget": budget,
	}
	var resp CreatedMission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, c.missionPath(id, ""), nil, &resp)
	return resp, err
}

// ListMissions returns a page of missions.
func (c *Client) ListMissions(ctx context.Context, status string, limit int, cursor string) (PaginatedMissions, error) {
	endpoint := "v0/missions"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedMissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Apply submits an application for a mission.
func (c *Client) Apply(ctx context.Context, missionID string, proposedRate *int64, message string) (Application, error) {
	body := map[string]any{}
	if proposedRate != nil {
		body["proposed_rate"] = *proposedRate
	}
	if message != "" {
		body["message"] = message
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "applications"), body, &resp)
	return resp, err
}

// AcceptApplication accepts one application, assigning its liner.
func (c *Client) AcceptApplication(ctx context.Context, missionID, applicationID string) (Mission, error) {
	var resp Mission
	endpoint := c.missionPath(missionID, fmt.Sprintf("applications/%s/accept", url.PathEscape(applicationID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AdvanceProgress moves the liner's progress stage forward.
func (c *Client) AdvanceProgress(ctx context.Context, missionID, stage string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "progress"), map[string]any{"stage": stage}, &resp)
	return resp, err
}

// VerifyQR completes a mission with its QR token.
func (c *Client) VerifyQR(ctx context.Context, missionID, token string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "verify-qr"), map[string]any{"token": token}, &resp)
	return resp, err
}

// Cancel cancels a mission.
func (c *Client) Cancel(ctx context.Context, missionID, reason string) (Mission, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "cancel"), body, &resp)
	return resp, err
}

// PostMessage posts to mission chat.
func (c *Client) PostMessage(ctx context.Context, missionID, body string, attachments []string) (ChatMessage, error) {
	payload := map[string]any{"body": body}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	var resp ChatMessage
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "messages"), payload, &resp)
	return resp, err
}

// MissionAudit returns a mission's audit trail.
func (c *Client) MissionAudit(ctx context.Context, missionID string, limit int) ([]AuditEntry, error) {
	endpoint := c.missionPath(missionID, "audit")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(id, p string) string {
	endpoint := fmt.Sprintf("v0/missions/%s", url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
