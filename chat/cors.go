package chat

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// Origins is a fixed allow-list of browser origins.
type Origins struct {
	list []string
	set  map[string]struct{}
}

// NewOrigins builds an allow-list. Entries are compared exactly after
// trimming spaces and trailing slashes.
func NewOrigins(origins []string) *Origins {
	o := &Origins{set: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			continue
		}
		if _, dup := o.set[origin]; dup {
			continue
		}
		o.set[origin] = struct{}{}
		o.list = append(o.list, origin)
	}
	return o
}

// Allowed reports whether origin is on the list. A nil list allows nothing.
func (o *Origins) Allowed(origin string) bool {
	if o == nil {
		return false
	}
	_, ok := o.set[origin]
	return ok
}

// List returns the allowed origins in configuration order.
func (o *Origins) List() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.list...)
}

// Middleware adds CORS response headers for allowed origins on actual
// requests. Preflights pass through to HandlePreflight.
func (o *Origins) Middleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc:    func(_ *http.Request, origin string) bool { return o.Allowed(origin) },
		AllowedMethods:     []string{http.MethodPost},
		AllowedHeaders:     []string{"Accept", "Content-Type"},
		ExposedHeaders:     []string{"Retry-After"},
		MaxAge:             300,
		OptionsPassthrough: true,
	})
}

// HandlePreflight answers OPTIONS /chat. Allowed origins are echoed back;
// anything else gets 403 with no body.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	hdr := w.Header()
	if !h.Origins.Allowed(origin) {
		hdr.Del("Access-Control-Allow-Origin")
		hdr.Del("Access-Control-Allow-Methods")
		hdr.Del("Access-Control-Allow-Headers")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	hdr.Set("Access-Control-Allow-Origin", origin)
	hdr.Set("Access-Control-Allow-Methods", http.MethodPost)
	hdr.Set("Access-Control-Allow-Headers", "Content-Type")
	if !varies(hdr, "Origin") {
		hdr.Add("Vary", "Origin")
	}
	w.WriteHeader(http.StatusOK)
}

// varies reports whether a Vary header already lists field.
func varies(hdr http.Header, field string) bool {
	for _, v := range hdr.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(f), field) {
				return true
			}
		}
	}
	return false
}
