package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qpro/queue-engine/internal/store"
)

type authContextKey struct{}

type authInfo struct {
	Session store.Session
	Offices []string
}

// AuthMiddleware resolves operator sessions. Public endpoints pass through
// anonymously but still pick up a session when one is presented.
func AuthMiddleware(sessions store.SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		public := isPublicEndpoint(r)
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}

		info, err := resolveSession(r.Context(), sessions, sessionID)
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "access lookup failed")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func resolveSession(ctx context.Context, sessions store.SessionStore, sessionID string) (authInfo, error) {
	session, err := sessions.GetSession(ctx, sessionID)
	if err != nil {
		return authInfo{}, err
	}
	offices, err := sessions.GetAccess(ctx, session.UserID)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{Session: session, Offices: offices}, nil
}

func accessFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	if !ok {
		return authInfo{}, false
	}
	return info, true
}

func (a authInfo) canOperate(officeID string) bool {
	if a.Session.Role == store.RoleSuperAdmin {
		return true
	}
	return contains(a.Offices, officeID)
}

func canOperate(r *http.Request, officeID string) bool {
	info, ok := accessFromContext(r.Context())
	return ok && info.canOperate(officeID)
}

func requireOffice(w http.ResponseWriter, r *http.Request, officeID string) bool {
	info, ok := accessFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if officeID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "office_id is required")
		return false
	}
	if !info.canOperate(officeID) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "office access denied")
		return false
	}
	return true
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func holderIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Holder-ID"))
}

func holderPassFromRequest(r *http.Request) string {
	if pass := strings.TrimSpace(r.Header.Get("X-Holder-Pass")); pass != "" {
		return pass
	}
	return strings.TrimSpace(r.URL.Query().Get("holder_pass"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case path == "/healthz", path == "/metrics":
		return true
	case path == "/api/tickets":
		return r.Method == http.MethodPost
	case path == "/api/holders/me/token":
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/tokens/"):
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/offices/by-slug/"):
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/offices/") && strings.HasSuffix(path, "/live"):
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/realtime"):
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
