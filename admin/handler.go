package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"portfoliochat/audit"
	"portfoliochat/auth"
	"portfoliochat/httputil"
	"portfoliochat/ratelimit"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EventSource is the read side of the audit log.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
	TopOffenders(ctx context.Context, limit int) ([]audit.Offender, error)
}

// Handler holds dependencies for operator endpoints.
type Handler struct {
	Tracker      *ratelimit.Tracker
	Logins       *ratelimit.Tracker // throttles login attempts per caller; optional
	Events       EventSource        // nil when the audit log is disabled
	Username     string
	PasswordHash string
	JWTSecret    string
	TokenTTL     time.Duration
	Log          zerolog.Logger
}

// HandleLogin authenticates the operator and returns a JWT.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	caller := ratelimit.ClientIP(r.Header)
	if h.Logins != nil {
		if d := h.Logins.Check(r.Context(), caller); !d.Allowed {
			h.Log.Warn().Str("caller", caller).Str("reason", d.Reason).Msg("admin login throttled")
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			httputil.WriteJSON(w, 429, map[string]string{"error": "too many login attempts"})
			return
		}
	}

	httputil.MaxBody(w, r, 4<<10)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "invalid request"})
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.Username)) == 1
	passwordOK := auth.CheckPassword(h.PasswordHash, req.Password)
	if !usernameOK || !passwordOK {
		h.Log.Warn().Str("caller", caller).Msg("admin login failed")
		httputil.WriteJSON(w, 401, map[string]string{"error": "invalid credentials"})
		return
	}

	token, err := auth.GenerateToken(h.Username, h.JWTSecret, h.TokenTTL)
	if err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to generate token"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"token": token})
}

// HandleBlocks lists callers currently blocked.
func (h *Handler) HandleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.Tracker.Blocks(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("admin: list blocks failed")
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to list blocks"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"blocks": blocks})
}

// HandleUnblock lifts a caller's block.
func (h *Handler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	if caller == "" {
		httputil.WriteJSON(w, 400, map[string]string{"error": "caller is required"})
		return
	}
	if err := h.Tracker.Unblock(r.Context(), caller); err != nil {
		h.Log.Error().Err(err).Str("caller", caller).Msg("admin: unblock failed")
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to unblock"})
		return
	}
	sub, _ := auth.Subject(r)
	h.Log.Info().Str("caller", caller).Str("operator", sub).Msg("admin: caller unblocked")
	httputil.WriteJSON(w, 200, map[string]string{"unblocked": caller})
}

// HandleEvents returns recent abuse events, newest first.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		httputil.WriteJSON(w, 503, map[string]string{"error": "audit log disabled"})
		return
	}
	events, err := h.Events.Recent(r.Context(), listLimit(r))
	if err != nil {
		h.Log.Error().Err(err).Msg("admin: query events failed")
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to query events"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"events": events})
}

// HandleOffenders returns the callers with the most abuse events.
func (h *Handler) HandleOffenders(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		httputil.WriteJSON(w, 503, map[string]string{"error": "audit log disabled"})
		return
	}
	offenders, err := h.Events.TopOffenders(r.Context(), listLimit(r))
	if err != nil {
		h.Log.Error().Err(err).Msg("admin: query offenders failed")
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to query offenders"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"offenders": offenders})
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// Routes mounts the operator endpoints. Everything except login requires a
// valid admin token.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.HandleLogin)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.JWTSecret))
		r.Get("/blocks", h.HandleBlocks)
		r.Delete("/blocks/{caller}", h.HandleUnblock)
		r.Get("/events", h.HandleEvents)
		r.Get("/offenders", h.HandleOffenders)
	})
	return r
}
