package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTokenLimiterRefills(t *testing.T) {
	limiter := newTokenLimiter(60, 2)
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("k") || !limiter.allow("k") {
		t.Fatalf("expected burst of 2 to pass")
	}
	if limiter.allow("k") {
		t.Fatalf("expected third request to be limited")
	}
	now = now.Add(time.Second)
	if !limiter.allow("k") {
		t.Fatalf("expected refill after one second")
	}
	if !limiter.allow("other") {
		t.Fatalf("keys must not share buckets")
	}
}

func TestRateLimiterUsesOfficeFromBody(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1000, IPBurst: 1000, OfficePerMinute: 1, OfficeBurst: 1})
	var seenBody string
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)
		seenBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/tickets", strings.NewReader(`{"office_id":"`+testOfficeID+`","holder_name":"Asha"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if !strings.Contains(seenBody, "holder_name") {
		t.Fatalf("body must be replayed to the handler, got %q", seenBody)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected office limit, got %d", code)
	}
}

func TestOfficeFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/offices/" + testOfficeID + "/live": testOfficeID,
		"/api/offices/by-slug/ward-4":           "",
		"/api/tickets":                          "",
	}
	for path, want := range cases {
		if got := officeFromPath(path); got != want {
			t.Fatalf("officeFromPath(%q)=%q, want %q", path, got, want)
		}
	}
}
