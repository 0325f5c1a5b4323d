package gateway

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-API-Key"
)

// originMatcher accepts an Origin header against patterns in the same form
// the wake stream hands to websocket.AcceptOptions.OriginPatterns: a
// pattern containing "://" is matched against the full origin, anything
// else against its host. "*" matches everything.
type originMatcher []string

func (m originMatcher) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, pattern := range m {
		target := u.Host
		if strings.Contains(pattern, "://") {
			target = origin
		}
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(target)); ok {
			return true
		}
	}
	return false
}

// NewCORSMiddleware lets the configured browser origins call the API and
// chat routes. Webhooks are server-to-server and never get CORS headers.
// An empty list returns a pass-through wrapper.
func NewCORSMiddleware(allowed []string) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	match := originMatcher(allowed)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/webhook/") {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if !match.allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
