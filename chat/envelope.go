package chat

import (
	"net/http"
	"strconv"

	"portfoliochat/httputil"
)

// Response is the JSON body of every /chat answer.
type Response struct {
	Reply      string `json:"reply,omitempty"`
	Error      string `json:"error,omitempty"`
	Success    bool   `json:"success"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Visitor-facing error messages. Provider details never reach the client.
const (
	MsgAccessDenied       = "Access denied"
	MsgInvalidJSON        = "Invalid JSON format"
	MsgInvalidMessage     = "Invalid message format"
	MsgEmptyMessage       = "Message cannot be empty"
	MsgUnavailable        = "Service temporarily unavailable"
	MsgAuthFailed         = "Service authentication failed"
	MsgBusy               = "Service is busy. Please try again in a moment."
	MsgTimeout            = "Request timeout. Please try again."
	MsgUnprocessable      = "Unable to process this message. Please try rephrasing it."
	MsgInternal           = "Sorry, something went wrong on my end. Please try again later."
	MsgRateLimited        = "Rate limit exceeded. Please wait a minute before sending another message."
	MsgHourlyLimit        = "Hourly message limit exceeded. Please try again later."
	MsgTemporarilyBlocked = "Temporarily blocked due to unusual activity. Please try again later."
)

func writeReply(w http.ResponseWriter, reply string) {
	httputil.SetSecurityHeaders(w.Header())
	httputil.WriteJSON(w, http.StatusOK, Response{Reply: reply, Success: true})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	httputil.SetSecurityHeaders(w.Header())
	httputil.WriteJSON(w, status, Response{Error: msg, Success: false})
}

// writeRetry answers 429 with the retry hint in both the Retry-After header
// and the body.
func writeRetry(w http.ResponseWriter, msg string, seconds int) {
	httputil.SetSecurityHeaders(w.Header())
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httputil.WriteJSON(w, http.StatusTooManyRequests, Response{Error: msg, Success: false, RetryAfter: seconds})
}
