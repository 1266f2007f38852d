package ratelimit

import (
	"net/http"
	"strings"
)

// UnknownCaller is the identity used when no proxy header names the caller.
const UnknownCaller = "unknown"

// ClientIP extracts a best-effort caller identity for rate limiting.
// Precedence: CF-Connecting-IP, X-Real-IP, then the first X-Forwarded-For entry
// (set by the outermost proxy). The result is a bookkeeping key only; headers
// from direct clients can be spoofed.
func ClientIP(h http.Header) string {
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := h.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if idx := strings.IndexByte(forwarded, ','); idx != -1 {
			first = forwarded[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return UnknownCaller
}
