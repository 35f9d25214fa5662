package domain

// Mission is the unit of work a client posts and a liner fulfils.
type Mission struct {
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
	QRToken         string   `json:"-"`
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

// Application is a liner's bid for an unassigned mission.
// At most one application per mission ever holds status accepted.
type Application struct {
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

// ChatMessage belongs to a mission and is immutable once created.
type ChatMessage struct {
	ID          string   `json:"id"`
	MissionID   string   `json:"mission_id"`
	SenderID    string   `json:"sender_id"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// AuditEntry is an append-only record of who changed what.
// Entries survive mission deletion for compliance.
type AuditEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	MissionID   string `json:"mission_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload_json"`
}

// APIKey authenticates a caller on the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"client,liner,ops"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
