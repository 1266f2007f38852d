package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"portfoliochat/audit"
	"portfoliochat/auth"
	"portfoliochat/ratelimit"
)

const testSecret = "admin-secret"

type fakeEvents struct {
	events    []audit.Event
	offenders []audit.Offender
	err       error
	lastLimit int
}

func (f *fakeEvents) Recent(_ context.Context, limit int) ([]audit.Event, error) {
	f.lastLimit = limit
	return f.events, f.err
}

func (f *fakeEvents) TopOffenders(_ context.Context, limit int) ([]audit.Offender, error) {
	f.lastLimit = limit
	return f.offenders, f.err
}

func newTestAdmin(t *testing.T) (*Handler, *fakeEvents) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	events := &fakeEvents{}
	h := &Handler{
		Tracker:      ratelimit.NewTracker(ratelimit.NewMemoryStore(0), ratelimit.DefaultPolicy()),
		Logins:       ratelimit.NewTracker(ratelimit.NewMemoryStore(0), ratelimit.LoginPolicy()),
		Events:       events,
		Username:     "ops",
		PasswordHash: string(hash),
		JWTSecret:    testSecret,
		Log:          zerolog.Nop(),
	}
	return h, events
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken("ops", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestHandleLogin(t *testing.T) {
	h, _ := newTestAdmin(t)
	router := h.Routes()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"username":"ops","password":"hunter22"}`, 200},
		{"wrong password", `{"username":"ops","password":"hunter2"}`, 401},
		{"wrong user", `{"username":"root","password":"hunter22"}`, 401},
		{"bad json", `{"username":`, 400},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/login", tc.body, "")
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body)
			}
			if tc.status != 200 {
				return
			}
			var resp map[string]string
			json.NewDecoder(rec.Body).Decode(&resp)
			if sub, err := auth.ParseToken(resp["token"], testSecret); err != nil || sub != "ops" {
				t.Errorf("issued token invalid: sub=%q err=%v", sub, err)
			}
		})
	}
}

func TestHandleLogin_Throttled(t *testing.T) {
	h, _ := newTestAdmin(t)
	router := h.Routes()

	login := func(password string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login",
			strings.NewReader(`{"username":"ops","password":"`+password+`"}`))
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	for i := 1; i <= 5; i++ {
		if rec := login("guess"); rec.Code != 401 {
			t.Fatalf("attempt %d: status = %d, want 401", i, rec.Code)
		}
	}
	rec := login("hunter22")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("attempt 6: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	other := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"username":"ops","password":"hunter22"}`))
	other.Header.Set("X-Forwarded-For", "198.51.100.1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, other)
	if rec.Code != 200 {
		t.Errorf("other caller: status = %d, want 200", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h, _ := newTestAdmin(t)
	router := h.Routes()

	for _, path := range []string{"/blocks", "/events", "/offenders"} {
		if rec := do(t, router, http.MethodGet, path, "", ""); rec.Code != 401 {
			t.Errorf("GET %s without token: status = %d, want 401", path, rec.Code)
		}
	}
	if rec := do(t, router, http.MethodDelete, "/blocks/1.2.3.4", "", "bogus"); rec.Code != 401 {
		t.Errorf("DELETE with bad token: status = %d, want 401", rec.Code)
	}
}

func TestBlocksAndUnblock(t *testing.T) {
	h, _ := newTestAdmin(t)
	router := h.Routes()
	ctx := context.Background()

	// Back-to-back requests trip burst detection.
	for i := 0; i < 10; i++ {
		if d := h.Tracker.Check(ctx, "203.0.113.50"); d.Blocked {
			break
		}
	}

	rec := do(t, router, http.MethodGet, "/blocks", "", token(t))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var listed struct {
		Blocks []ratelimit.BlockEntry `json:"blocks"`
	}
	json.NewDecoder(rec.Body).Decode(&listed)
	if len(listed.Blocks) != 1 || listed.Blocks[0].Caller != "203.0.113.50" {
		t.Fatalf("blocks = %+v", listed.Blocks)
	}

	rec = do(t, router, http.MethodDelete, "/blocks/203.0.113.50", "", token(t))
	if rec.Code != 200 {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	blocks, _ := h.Tracker.Blocks(ctx)
	if len(blocks) != 0 {
		t.Errorf("blocks after unblock = %+v", blocks)
	}
}

func TestHandleEvents(t *testing.T) {
	h, events := newTestAdmin(t)
	router := h.Routes()
	events.events = []audit.Event{{ID: "e1", Caller: "1.1.1.1", Kind: audit.KindBlocked}}

	rec := do(t, router, http.MethodGet, "/events?limit=5", "", token(t))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if events.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", events.lastLimit)
	}
	var resp struct {
		Events []audit.Event `json:"events"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Events) != 1 || resp.Events[0].Kind != audit.KindBlocked {
		t.Errorf("events = %+v", resp.Events)
	}

	do(t, router, http.MethodGet, "/events?limit=100000", "", token(t))
	if events.lastLimit != maxListLimit {
		t.Errorf("limit = %d, want clamp to %d", events.lastLimit, maxListLimit)
	}
	do(t, router, http.MethodGet, "/offenders?limit=abc", "", token(t))
	if events.lastLimit != defaultListLimit {
		t.Errorf("limit = %d, want default %d", events.lastLimit, defaultListLimit)
	}

	events.err = errors.New("db down")
	if rec := do(t, router, http.MethodGet, "/events", "", token(t)); rec.Code != 500 {
		t.Errorf("status on db error = %d, want 500", rec.Code)
	}
}

func TestHandleEvents_AuditDisabled(t *testing.T) {
	h, _ := newTestAdmin(t)
	h.Events = nil
	router := h.Routes()

	if rec := do(t, router, http.MethodGet, "/events", "", token(t)); rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
