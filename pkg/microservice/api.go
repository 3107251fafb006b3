package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/illmade-knight/go-quotaguard/pkg/admission"
	"github.com/illmade-knight/go-quotaguard/pkg/breaker"
	"github.com/illmade-knight/go-quotaguard/pkg/docstore"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/rs/zerolog"
)

// Admitter makes admission decisions.
type Admitter interface {
	Check(ctx context.Context, identity string, role presence.Role) admission.Decision
}

// PresenceView exposes the live presence summary.
type PresenceView interface {
	Current() presence.Summary
}

// BreakerView exposes the breaker state.
type BreakerView interface {
	State() breaker.State
	RemainingCooldown() time.Duration
}

// SessionHost starts and stops presence tracking per identity.
type SessionHost interface {
	Start(ctx context.Context, identity string, role presence.Role, profile presence.Profile) error
	Stop(ctx context.Context, identity string) bool
}

// Pages is the typed read path of a collection. *docstore.Source satisfies it.
type Pages interface {
	First(ctx context.Context, q docstore.Query) (docstore.Page[map[string]any], error)
	Next(ctx context.Context, q docstore.Query, after docstore.Cursor) (docstore.Page[map[string]any], error)
	Refresh(ctx context.Context, q docstore.Query) (docstore.Page[map[string]any], error)
}

// DocumentWriter writes single documents. *docstore.Facade satisfies it.
type DocumentWriter interface {
	Write(ctx context.Context, collection, id string, data any) error
}

// APIDeps are the components behind the API. Nil components disable their routes.
type APIDeps struct {
	Admission   Admitter
	Presence    PresenceView
	Breaker     BreakerView
	Sessions    SessionHost
	Pages       Pages
	Writer      DocumentWriter
	Collections map[string]docstore.Query
	// RateLimitPerMinute limits /v1 requests per client IP; 0 disables it.
	RateLimitPerMinute int
}

// API serves the /v1 routes.
type API struct {
	deps   APIDeps
	logger zerolog.Logger
}

// NewAPI creates the API handlers.
func NewAPI(deps APIDeps, logger zerolog.Logger) *API {
	return &API{deps: deps, logger: logger.With().Str("component", "API").Logger()}
}

// Mount registers the routes on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		if a.deps.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.deps.RateLimitPerMinute, time.Minute))
		}
		if a.deps.Admission != nil {
			r.Post("/admission", a.handleAdmission)
			if a.deps.Sessions != nil {
				r.Post("/sessions", a.handleStartSession)
				r.Delete("/sessions/{identity}", a.handleStopSession)
			}
		}
		if a.deps.Presence != nil {
			r.Get("/presence", a.handlePresence)
		}
		if a.deps.Breaker != nil {
			r.Get("/breaker", a.handleBreaker)
		}
		if a.deps.Pages != nil {
			r.Get("/collections/{name}", a.handleCollection)
		}
		if a.deps.Writer != nil {
			r.Put("/collections/{name}/{id}", a.handleWrite)
		}
	})
}

type admissionRequest struct {
	Identity      string        `json:"identity"`
	Role          presence.Role `json:"role"`
	DisplayName   string        `json:"displayName"`
	ContactHandle string        `json:"contactHandle"`
}

func (a *API) decodeAdmission(w http.ResponseWriter, r *http.Request) (admissionRequest, bool) {
	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return req, false
	}
	if req.Identity == "" || !req.Role.Valid() {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: "identity and a role of admin or operator are required"})
		return req, false
	}
	return req, true
}

func (a *API) handleAdmission(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeAdmission(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.deps.Admission.Check(r.Context(), req.Identity, req.Role))
}

// handleStartSession admits the caller and, if allowed, starts tracking its presence.
func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeAdmission(w, r)
	if !ok {
		return
	}
	d := a.deps.Admission.Check(r.Context(), req.Identity, req.Role)
	if !d.Allowed {
		a.writeJSON(w, http.StatusForbidden, d)
		return
	}
	profile := presence.Profile{DisplayName: req.DisplayName, ContactHandle: req.ContactHandle}
	if err := a.deps.Sessions.Start(r.Context(), req.Identity, req.Role, profile); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if !a.deps.Sessions.Stop(r.Context(), chi.URLParam(r, "identity")) {
		a.writeJSON(w, http.StatusNotFound, errorBody{Error: "no such session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePresence(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.deps.Presence.Current())
}

type breakerResponse struct {
	breaker.State
	RemainingCooldownSeconds float64 `json:"remainingCooldownSeconds"`
}

func (a *API) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, breakerResponse{
		State:                    a.deps.Breaker.State(),
		RemainingCooldownSeconds: a.deps.Breaker.RemainingCooldown().Seconds(),
	})
}

type pageResponse struct {
	Items      []docstore.Document[map[string]any] `json:"items"`
	HasMore    bool                                `json:"hasMore"`
	NextCursor string                              `json:"nextCursor,omitempty"`
}

// handleCollection serves one page. ?cursor= continues a previous page and
// ?refresh=true bypasses the cached first page.
func (a *API) handleCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q, ok := a.deps.Collections[name]
	if !ok {
		a.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown collection"})
		return
	}
	cursor, err := docstore.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	var page docstore.Page[map[string]any]
	switch {
	case !cursor.IsZero():
		page, err = a.deps.Pages.Next(r.Context(), q, cursor)
	case r.URL.Query().Get("refresh") == "true":
		page, err = a.deps.Pages.Refresh(r.Context(), q)
	default:
		page, err = a.deps.Pages.First(r.Context(), q)
	}
	if err != nil {
		a.writeError(w, name, err)
		return
	}

	next, err := page.Next.Encode()
	if err != nil {
		a.writeError(w, name, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []docstore.Document[map[string]any]{}
	}
	a.writeJSON(w, http.StatusOK, pageResponse{Items: items, HasMore: page.HasMore, NextCursor: next})
}

func (a *API) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.deps.Collections[name]; !ok {
		a.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown collection"})
		return
	}
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := a.deps.Writer.Write(r.Context(), name, chi.URLParam(r, "id"), data); err != nil {
		a.writeError(w, name, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error             string  `json:"error"`
	Reason            string  `json:"reason,omitempty"`
	RetryAfterSeconds float64 `json:"retryAfterSeconds,omitempty"`
}

// writeError maps the data path error taxonomy onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, collection string, err error) {
	var openErr *breaker.CircuitOpenError
	switch {
	case errors.As(err, &openErr):
		secs := openErr.Remaining.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(secs+0.999)))
		a.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: openErr.Error(), Reason: openErr.Reason, RetryAfterSeconds: secs})
	case errors.Is(err, docstore.ErrSystemBusy):
		a.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, docstore.ErrTimeout):
		a.writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	default:
		a.logger.Error().Err(err).Str("collection", collection).Msg("Data request failed.")
		a.writeJSON(w, http.StatusBadGateway, errorBody{Error: fmt.Sprintf("read of %s failed", collection)})
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write response.")
	}
}
