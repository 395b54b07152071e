package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	OfficePerMinute int
	OfficeBurst     int
}

// RateLimiter applies a per-client bucket and a per-office bucket, so one
// busy kiosk cannot starve the rest of an office.
type RateLimiter struct {
	ipLimiter     *tokenLimiter
	officeLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:     newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		officeLimiter: newTokenLimiter(cfg.OfficePerMinute, cfg.OfficeBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromRequest(r)
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		officeID := officeForLimit(r)
		if officeID != "" && !l.officeLimiter.allow(officeID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tokenLimiter keeps one token bucket per key.
type tokenLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	now := l.now()
	l.mu.Unlock()
	return limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// officeForLimit finds the office a request targets: the path segment, the
// office_id query parameter, or office_id in a JSON body.
func officeForLimit(r *http.Request) string {
	if officeID := officeFromPath(r.URL.Path); officeID != "" {
		return officeID
	}
	if officeID := strings.TrimSpace(r.URL.Query().Get("office_id")); officeID != "" {
		return officeID
	}
	if r.Body == nil || r.Method != http.MethodPost {
		return ""
	}
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := readBody(r)
	if err != nil {
		return ""
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if value, ok := payload["office_id"].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
