// Package chat serves the portfolio chat endpoint: it decides whether to
// honor a visitor message, forwards accepted ones to the completion gateway,
// and maps every outcome onto a stable JSON envelope.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"portfoliochat/audit"
	"portfoliochat/httputil"
	"portfoliochat/llm"
	"portfoliochat/metrics"
	"portfoliochat/ratelimit"
	"portfoliochat/sanitize"
	"portfoliochat/validate"
)

// Recorder persists abuse events. Failures are logged and never fail the
// request.
type Recorder interface {
	Record(ctx context.Context, caller string, kind audit.Kind, detail string) error
}

// Handler holds dependencies for the chat endpoint.
type Handler struct {
	Tracker      *ratelimit.Tracker
	Validator    *validate.Validator
	Gateway      llm.Completer
	SystemPrompt string
	Origins      *Origins
	PersonaName  string

	Audit     Recorder         // optional
	Metrics   *metrics.Metrics // optional
	Log       zerolog.Logger
	BodyLimit int64 // 0 => httputil.DefaultBodyLimit
}

type chatRequest struct {
	Message json.RawMessage `json:"message"`
}

// HandleChat runs the request pipeline for POST /chat. Every stage may end
// the request; nothing after a rejection runs.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := ratelimit.UnknownCaller
	log := h.Log.With().Str("request_id", middleware.GetReqID(ctx)).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("caller", caller).Str("panic", fmt.Sprint(rec)).Msg("chat handler panicked")
			h.Metrics.Outcome("internal_error")
			writeError(w, http.StatusInternalServerError, MsgInternal)
		}
	}()

	if origin := r.Header.Get("Origin"); origin != "" && !h.Origins.Allowed(origin) {
		log.Warn().Str("origin", origin).Msg("chat request from disallowed origin")
		h.reject(ctx, w, log, ratelimit.ClientIP(r.Header), audit.KindOrigin, origin, http.StatusForbidden, MsgAccessDenied, "origin_denied")
		return
	}

	caller = ratelimit.ClientIP(r.Header)
	log = log.With().Str("caller", caller).Logger()

	decision := h.Tracker.Check(ctx, caller)
	if !decision.Allowed {
		h.rejectRate(ctx, w, log, caller, decision)
		return
	}

	limit := h.BodyLimit
	if limit <= 0 {
		limit = httputil.DefaultBodyLimit
	}
	httputil.MaxBody(w, r, limit)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			h.reject(ctx, w, log, caller, audit.KindInvalid, "body is not an object", http.StatusBadRequest, MsgInvalidMessage, "invalid_message")
			return
		}
		h.reject(ctx, w, log, caller, audit.KindInvalid, "malformed json", http.StatusBadRequest, MsgInvalidJSON, "invalid_json")
		return
	}

	var raw string
	if len(req.Message) == 0 || req.Message[0] != '"' || json.Unmarshal(req.Message, &raw) != nil {
		h.reject(ctx, w, log, caller, audit.KindInvalid, "message missing or not a string", http.StatusBadRequest, MsgInvalidMessage, "invalid_message")
		return
	}

	text := sanitize.Text(raw)
	if text == "" {
		h.reject(ctx, w, log, caller, audit.KindInvalid, "empty after sanitization", http.StatusBadRequest, MsgEmptyMessage, "empty_message")
		return
	}
	log.Debug().Str("message", truncate(text, 100)).Msg("chat message accepted for validation")

	if res := h.Validator.Validate(text); !res.Valid {
		h.reject(ctx, w, log, caller, audit.KindContent, res.Reason+" ("+res.Rule+")", http.StatusBadRequest, h.redirectMessage(), "content_rejected")
		return
	}

	start := time.Now()
	reply, err := h.Gateway.Complete(ctx, h.SystemPrompt, text, caller)
	elapsed := time.Since(start)
	if err != nil {
		status, msg, outcome := classifyGatewayError(err)
		h.Metrics.Provider(outcome, elapsed)
		log.Error().Err(err).Dur("elapsed", elapsed).Int("status", status).Msg("completion gateway failed")
		h.reject(ctx, w, log, caller, audit.KindProvider, outcome, status, msg, outcome)
		return
	}
	h.Metrics.Provider("ok", elapsed)

	reply = sanitize.Text(reply)
	if reply == "" {
		reply = llm.FallbackReply
	}
	h.Metrics.Outcome("ok")
	log.Info().Dur("elapsed", elapsed).Int("count", decision.Count).Msg("chat reply sent")
	writeReply(w, reply)
}

func (h *Handler) rejectRate(ctx context.Context, w http.ResponseWriter, log zerolog.Logger, caller string, d ratelimit.Decision) {
	kind, msg, outcome := audit.KindRateLimited, MsgRateLimited, "rate_limited"
	switch d.Reason {
	case ratelimit.ReasonBlocked:
		kind, msg, outcome = audit.KindBlocked, MsgTemporarilyBlocked, "blocked"
		if d.Count > 0 {
			// Count is only set on the request that created the block.
			h.Metrics.Blocked()
		}
	case ratelimit.ReasonHourlyLimit:
		kind, msg, outcome = audit.KindHourlyLimit, MsgHourlyLimit, "hourly_limit"
	}

	secs := d.RetryAfterSeconds()
	log.Warn().Str("reason", d.Reason).Int("retry_after", secs).Int("count", d.Count).Msg("chat request rate limited")
	h.Metrics.Outcome(outcome)
	h.record(ctx, log, caller, kind, d.Reason)
	writeRetry(w, msg, secs)
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, log zerolog.Logger, caller string, kind audit.Kind, detail string, status int, msg, outcome string) {
	log.Info().Str("outcome", outcome).Str("detail", detail).Int("status", status).Msg("chat request rejected")
	h.Metrics.Outcome(outcome)
	h.record(ctx, log, caller, kind, detail)
	writeError(w, status, msg)
}

func (h *Handler) record(ctx context.Context, log zerolog.Logger, caller string, kind audit.Kind, detail string) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.Record(ctx, caller, kind, detail); err != nil {
		log.Error().Err(err).Msg("audit record failed")
	}
}

func (h *Handler) redirectMessage() string {
	name := h.PersonaName
	if name == "" {
		name = "the site owner"
	}
	return fmt.Sprintf("I can only help with questions about %s's projects, experience, skills and interests. Please rephrase your question.", name)
}

// classifyGatewayError maps a gateway failure to a status, a visitor-safe
// message and a metrics outcome.
func classifyGatewayError(err error) (int, string, string) {
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusServiceUnavailable, MsgUnavailable, "provider_not_configured"
	case errors.Is(err, llm.ErrAuth):
		return http.StatusServiceUnavailable, MsgAuthFailed, "provider_auth"
	case errors.Is(err, llm.ErrOverloaded):
		return http.StatusServiceUnavailable, MsgBusy, "provider_busy"
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusRequestTimeout, MsgTimeout, "provider_timeout"
	case errors.Is(err, llm.ErrBadRequest):
		return http.StatusBadRequest, MsgUnprocessable, "provider_bad_request"
	default:
		return http.StatusInternalServerError, MsgInternal, "provider_error"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
