package server

import (
	"lineup/internal/domain"
	"lineup/internal/repo"
)

// Request payloads

type CreateMissionRequest struct {
	ID              *string  `json:"id,omitempty"`
	ClientID        *string  `json:"client_id,omitempty"`
	Title           string   `json:"title"`
	Description     *string  `json:"description,omitempty"`
	LocationLabel   *string  `json:"location_label,omitempty"`
	LocationLat     *float64 `json:"location_lat,omitempty"`
	LocationLng     *float64 `json:"location_lng,omitempty"`
	ScheduledAt     *string  `json:"scheduled_at,omitempty" format:"date-time"`
	DurationMinutes *int     `json:"duration_minutes,omitempty"`
	Budget          int64    `json:"budget"`
	Currency        *string  `json:"currency,omitempty"`
}

type AssignLinerRequest struct {
	LinerID string `json:"liner_id"`
}

type ApplyRequest struct {
	LinerID      *string `json:"liner_id,omitempty"`
	ProposedRate *int64  `json:"proposed_rate,omitempty"`
	Message      *string `json:"message,omitempty"`
}

type AdvanceProgressRequest struct {
	Stage string `json:"stage" enum:"en_route,arrived,queueing"`
}

type VerifyQRRequest struct {
	Token string `json:"token"`
}

type CancelRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type RateMissionRequest struct {
	Rating   int     `json:"rating" minimum:"1" maximum:"5"`
	Feedback *string `json:"feedback,omitempty"`
}

type PostMessageRequest struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Role    string  `json:"role" enum:"client,liner,ops"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type MissionResponse struct {
	ID              string   `json:"id"`
	ClientID        string   `json:"client_id"`
	LinerID         *string  `json:"liner_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	LocationLabel   string   `json:"location_label,omitempty"`
	LocationLat     *float64 `json:"location_lat,omitempty"`
	LocationLng     *float64 `json:"location_lng,omitempty"`
	ScheduledAt     string   `json:"scheduled_at,omitempty" format:"date-time"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	Budget          int64    `json:"budget"`
	Currency        string   `json:"currency"`
	Commission      int64    `json:"commission"`
	Status          string   `json:"status" enum:"published,accepted,in_progress,completed,cancelled"`
	ProgressStatus  string   `json:"progress_status" enum:"pending,en_route,arrived,queueing,done,cancelled"`
	BookingStatus   string   `json:"booking_status" enum:"open,confirmed,in_progress,completed,cancelled"`
	PaymentStatus   string   `json:"payment_status" enum:"pending,authorized,ready_for_capture,captured,cancelled"`
	QRVerifiedAt    *string  `json:"qr_verified_at,omitempty" format:"date-time"`
	ClientRating    *int     `json:"client_rating,omitempty"`
	ClientFeedback  *string  `json:"client_feedback,omitempty"`
	ClientRatedAt   *string  `json:"client_rated_at,omitempty" format:"date-time"`
	PublishedAt     string   `json:"published_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	Version         int64    `json:"version"`
}

// CreatedMissionResponse additionally carries the QR token, which is
// shown exactly once to the publishing client.
type CreatedMissionResponse struct {
	MissionResponse
	QRToken string `json:"qr_token"`
}

type ApplicationResponse struct {
	ID           string  `json:"id"`
	MissionID    string  `json:"mission_id"`
	LinerID      string  `json:"liner_id"`
	Status       string  `json:"status" enum:"pending,accepted,rejected,cancelled"`
	ProposedRate *int64  `json:"proposed_rate,omitempty"`
	Message      string  `json:"message,omitempty"`
	AcceptedAt   *string `json:"accepted_at,omitempty" format:"date-time"`
	RejectedAt   *string `json:"rejected_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ChatMessageResponse struct {
	ID          string   `json:"id"`
	MissionID   string   `json:"mission_id"`
	SenderID    string   `json:"sender_id"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type AuditEntryResponse struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	MissionID   string `json:"mission_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload_json"`
}

type StatsResponse struct {
	MissionsByStatus map[string]int `json:"missions_by_status"`
	BookedVolume     int64          `json:"booked_volume"`
	CapturedVolume   int64          `json:"captured_volume"`
	OpenApplications int            `json:"open_applications"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"client,liner,ops"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present on creation.
	Key string `json:"key,omitempty"`
}

type paginatedMissions struct {
	Items      []MissionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:              m.ID,
		ClientID:        m.ClientID,
		LinerID:         m.LinerID,
		Title:           m.Title,
		Description:     m.Description,
		LocationLabel:   m.LocationLabel,
		LocationLat:     m.LocationLat,
		LocationLng:     m.LocationLng,
		ScheduledAt:     m.ScheduledAt,
		DurationMinutes: m.DurationMinutes,
		Budget:          m.Budget,
		Currency:        m.Currency,
		Commission:      m.Commission,
		Status:          m.Status,
		ProgressStatus:  m.ProgressStatus,
		BookingStatus:   m.BookingStatus,
		PaymentStatus:   m.PaymentStatus,
		QRVerifiedAt:    m.QRVerifiedAt,
		ClientRating:    m.ClientRating,
		ClientFeedback:  m.ClientFeedback,
		ClientRatedAt:   m.ClientRatedAt,
		PublishedAt:     m.PublishedAt,
		CompletedAt:     m.CompletedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		Version:         m.Version,
	}
}

func mapMissions(items []domain.Mission) []MissionResponse {
	out := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		out = append(out, missionResponse(m))
	}
	return out
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:           a.ID,
		MissionID:    a.MissionID,
		LinerID:      a.LinerID,
		Status:       a.Status,
		ProposedRate: a.ProposedRate,
		Message:      a.Message,
		AcceptedAt:   a.AcceptedAt,
		RejectedAt:   a.RejectedAt,
		CreatedAt:    a.CreatedAt,
	}
}

func mapApplications(items []domain.Application) []ApplicationResponse {
	out := make([]ApplicationResponse, 0, len(items))
	for _, a := range items {
		out = append(out, applicationResponse(a))
	}
	return out
}

func chatMessageResponse(msg domain.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:          msg.ID,
		MissionID:   msg.MissionID,
		SenderID:    msg.SenderID,
		Body:        msg.Body,
		Attachments: msg.Attachments,
		CreatedAt:   msg.CreatedAt,
	}
}

func auditEntryResponse(entry domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:          entry.ID,
		TS:          entry.TS,
		Type:        entry.Type,
		MissionID:   entry.MissionID,
		ActorID:     entry.ActorID,
		ActorRole:   entry.ActorRole,
		Description: entry.Description,
		Payload:     entry.Payload,
	}
}

func statsResponse(s repo.Stats) StatsResponse {
	return StatsResponse{
		MissionsByStatus: s.MissionsByStatus,
		BookedVolume:     s.BookedVolume,
		CapturedVolume:   s.CapturedVolume,
		OpenApplications: s.OpenApplications,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      k.Role,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
