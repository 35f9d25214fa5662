package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lineup/internal/domain"
	"lineup/internal/engine"
	"lineup/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"mission is not open for applications"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"completed\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the LineUp API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("LineUp API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerRating(group, cfg.Engine)
	registerChat(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var pre engine.PreconditionError
	if errors.As(err, &pre) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", pre.Reason, nil)
	}
	var pe *engine.PaymentError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "payment_failed", pe.Error(), map[string]any{"op": pe.Op})
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyAssigned):
		return newAPIError(http.StatusConflict, "already_assigned", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrTokenMismatch):
		return newAPIError(http.StatusBadRequest, "token_mismatch", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "payment_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		ensureSlash(path.Join(basePath, "health")):         true,
		ensureSlash(path.Join(basePath, "auth/dev/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>LineUp API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Publish mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body CreatedMissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		clientID := principal.ActorID
		if input.Body.ClientID != nil && principal.Role == engine.RoleOps {
			clientID = *input.Body.ClientID
		}
		opts := engine.MissionCreateOptions{
			ClientID:      clientID,
			Title:         input.Body.Title,
			Description:   stringOrEmpty(input.Body.Description),
			LocationLabel: stringOrEmpty(input.Body.LocationLabel),
			LocationLat:   input.Body.LocationLat,
			LocationLng:   input.Body.LocationLng,
			ScheduledAt:   stringOrEmpty(input.Body.ScheduledAt),
			Budget:        input.Body.Budget,
			Currency:      stringOrEmpty(input.Body.Currency),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.DurationMinutes != nil {
			opts.DurationMinutes = *input.Body.DurationMinutes
		}
		m, err := e.CreateMission(ctx, opts, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedMissionResponse `json:"body"`
		}{Body: CreatedMissionResponse{MissionResponse: missionResponse(m), QRToken: m.QRToken}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:",published,accepted,in_progress,completed,cancelled"`
		ClientID string `query:"client_id"`
		LinerID  string `query:"liner_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.MissionFilters{
			Status:          input.Status,
			ClientID:        input.ClientID,
			LinerID:         input.LinerID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		missions, err := e.Repo.ListMissions(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMissions{Items: []MissionResponse{}}
		if len(missions) > limit {
			// Cursor points at the last item returned; the query's strict
			// comparison resumes just past it.
			missions = missions[:limit]
			last := missions[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapMissions(missions)
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-mission",
		Method:      http.MethodDelete,
		Path:        "/missions/{id}",
		Summary:     "Delete mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := requireRole(ctx, engine.RoleOps)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMission(ctx, input.ID, engine.Actor{ID: principal.ActorID, Role: principal.Role}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// ownedMission loads a mission and verifies the principal may manage it
// as its client. Ops passes.
func ownedMission(ctx context.Context, e engine.Engine, id string, p Principal) (domain.Mission, huma.StatusError) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, handleError(err)
	}
	if err := requireOwner(p, m.ClientID); err != nil {
		return m, err
	}
	return m, nil
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-liner",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/assign",
		Summary:     "Assign liner",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AssignLinerRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.LinerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "liner_id is required", nil)
		}
		if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
			return nil, ownErr
		}
		m, err := e.AssignLiner(ctx, input.ID, input.Body.LinerID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-liner",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/unassign",
		Summary:     "Unassign liner",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
			return nil, ownErr
		}
		m, err := e.UnassignLiner(ctx, input.ID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-progress",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/progress",
		Summary:     "Advance progress stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body AdvanceProgressRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireRole(ctx, engine.RoleLiner)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		if stErr := requireAssignedLiner(ctx, e, input.ID, principal); stErr != nil {
			return nil, stErr
		}
		m, err := e.AdvanceProgress(ctx, input.ID, input.Body.Stage, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/complete",
		Summary:     "Complete mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleLiner)
		if authErr != nil {
			return nil, authErr
		}
		if stErr := requireAssignedLiner(ctx, e, input.ID, principal); stErr != nil {
			return nil, stErr
		}
		m, err := e.Complete(ctx, input.ID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-qr",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/verify-qr",
		Summary:     "Complete mission via QR token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body VerifyQRRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireRole(ctx, engine.RoleLiner)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		m, err := e.CompleteViaQR(ctx, input.ID, input.Body.Token, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/cancel",
		Summary:     "Cancel mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CancelRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
			return nil, ownErr
		}
		m, err := e.Cancel(ctx, input.ID, stringOrEmpty(input.Body.Reason), engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})
}

// requireAssignedLiner admits the mission's assigned liner. Ops passes.
func requireAssignedLiner(ctx context.Context, e engine.Engine, missionID string, p Principal) huma.StatusError {
	if p.Role == engine.RoleOps || p.Role == "" {
		return nil
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return handleError(err)
	}
	if m.LinerID == nil || *m.LinerID != p.ActorID {
		return newAPIError(http.StatusForbidden, "forbidden", "not the assigned liner", nil)
	}
	return nil
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-to-mission",
		Method:        http.MethodPost,
		Path:          "/missions/{id}/applications",
		Summary:       "Apply to mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ApplyRequest `json:"body"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleLiner)
		if authErr != nil {
			return nil, authErr
		}
		linerID := principal.ActorID
		if input.Body.LinerID != nil && principal.Role == engine.RoleOps {
			linerID = *input.Body.LinerID
		}
		opts := engine.ApplyOptions{
			MissionID:    input.ID,
			LinerID:      linerID,
			ProposedRate: input.Body.ProposedRate,
			Message:      stringOrEmpty(input.Body.Message),
		}
		a, err := e.Apply(ctx, opts, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/applications",
		Summary:     "List applications",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:",pending,accepted,rejected,cancelled"`
	}) (*struct {
		Body []ApplicationResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		filter := repo.ApplicationFilters{MissionID: input.ID, Status: input.Status}
		// Liners only see their own applications unless assigned.
		if principal.Role == engine.RoleLiner && (m.LinerID == nil || *m.LinerID != principal.ID) {
			filter.LinerID = principal.ID
		}
		items, err := e.Repo.ListApplications(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApplicationResponse `json:"body"`
		}{Body: mapApplications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-application",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/applications/{application_id}/accept",
		Summary:     "Accept application",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID            string `path:"id"`
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
			return nil, ownErr
		}
		m, err := e.AcceptApplication(ctx, input.ID, input.ApplicationID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-application",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/applications/{application_id}/reject",
		Summary:     "Reject application",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID            string `path:"id"`
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
			return nil, ownErr
		}
		a, err := e.RejectApplication(ctx, input.ID, input.ApplicationID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(a)}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "authorize-payment",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/payment/authorize",
		Summary:     "Authorize payment",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleOps, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role == engine.RoleClient {
			if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
				return nil, ownErr
			}
		}
		m, err := e.AuthorizePayment(ctx, input.ID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capture-payment",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/payment/capture",
		Summary:     "Capture payment",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, engine.RoleOps)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CapturePayment(ctx, input.ID, engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})
}

func registerRating(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rate-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/rating",
		Summary:     "Rate completed mission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireRole(ctx, engine.RoleClient)
		if authErr != nil {
			return nil, authErr
		}
		if _, ownErr := ownedMission(ctx, e, input.ID, principal); ownErr != nil {
			return nil, ownErr
		}
		m, err := e.RateMission(ctx, input.ID, input.Body.Rating, stringOrEmpty(input.Body.Feedback), engine.Actor{ID: principal.ActorID, Role: principal.Role})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})
}

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/missions/{id}/messages",
		Summary:       "Post chat message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body PostMessageRequest `json:"body"`
	}) (*struct {
		Body ChatMessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body is required", nil)
		}
		if stErr := requireParticipant(ctx, e, input.ID, principal); stErr != nil {
			return nil, stErr
		}
		msg, err := e.PostChatMessage(ctx, input.ID, input.Body.Body, input.Body.Attachments, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatMessageResponse `json:"body"`
		}{Body: chatMessageResponse(msg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/messages",
		Summary:     "List chat messages",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []ChatMessageResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if stErr := requireParticipant(ctx, e, input.ID, principal); stErr != nil {
			return nil, stErr
		}
		items, err := e.Repo.ListChatMessages(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ChatMessageResponse, 0, len(items))
		for _, msg := range items {
			out = append(out, chatMessageResponse(msg))
		}
		return &struct {
			Body []ChatMessageResponse `json:"body"`
		}{Body: out}, nil
	})
}

// requireParticipant admits the mission's client or assigned liner.
func requireParticipant(ctx context.Context, e engine.Engine, missionID string, actor engine.Actor) huma.StatusError {
	if actor.Role == engine.RoleOps || actor.Role == "" {
		return nil
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return handleError(err)
	}
	if m.ClientID == actor.ID {
		return nil
	}
	if m.LinerID != nil && *m.LinerID == actor.ID {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "not a participant of this mission", nil)
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit log (newest first)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Type      string `query:"type"`
		ActorID   string `query:"actor_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, engine.RoleOps); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		entries, err := e.Repo.LatestAuditEntries(ctx, repo.AuditFilters{
			MissionID: input.MissionID,
			Type:      input.Type,
			ActorID:   input.ActorID,
			Limit:     limit + 1,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []AuditEntryResponse{}}
		if len(entries) > limit {
			entries = entries[:limit]
			resp.NextCursor = strconv.FormatInt(entries[len(entries)-1].ID, 10)
		}
		for _, entry := range entries {
			resp.Items = append(resp.Items, auditEntryResponse(entry))
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-audit",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/audit",
		Summary:     "Mission audit trail",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if stErr := requireParticipant(ctx, e, input.ID, principal); stErr != nil {
			return nil, stErr
		}
		entries, err := e.Repo.LatestAuditEntries(ctx, repo.AuditFilters{
			MissionID: input.ID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, auditEntryResponse(entry))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "marketplace-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Marketplace stats",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, engine.RoleOps); authErr != nil {
			return nil, authErr
		}
		stats, err := e.Repo.MarketplaceStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: statsResponse(stats)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := requireRole(ctx, engine.RoleOps); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		rawKey := "lk_" + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Role:      input.Body.Role,
			Name:      stringOrEmpty(input.Body.Name),
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = rawKey
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, engine.RoleOps); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, engine.RoleOps); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Role: p.Role, Source: p.Source}}, nil
	})
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"client,liner,ops"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, actorID, role string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
