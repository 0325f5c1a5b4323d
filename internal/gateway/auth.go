package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/go-atlas/internal/audit"
)

// credentialSource pulls one candidate credential from a request.
type credentialSource func(*http.Request) string

func bearer(r *http.Request) string {
	v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func header(name string) credentialSource {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

func query(name string) credentialSource {
	return func(r *http.Request) string { return r.URL.Query().Get(name) }
}

func firstCredential(r *http.Request, sources ...credentialSource) string {
	for _, src := range sources {
		if v := src(r); v != "" {
			return v
		}
	}
	return ""
}

// API tokens come from a bearer header, X-API-Key, or api_key for browser
// websocket upgrades that cannot set headers. Webhook secrets come from
// X-Webhook-Secret or the secret query parameter.
var (
	apiKeySources  = []credentialSource{bearer, header("X-API-Key"), query("api_key")}
	webhookSources = []credentialSource{header("X-Webhook-Secret"), query("secret")}
)

func ExtractAPIKey(r *http.Request) string { return firstCredential(r, apiKeySources...) }

func webhookCredential(r *http.Request) string { return firstCredential(r, webhookSources...) }

// TokenAuth guards the task API, chat and wake stream with one shared
// token. An empty token disables the check.
type TokenAuth struct {
	token []byte
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(strings.TrimSpace(token))}
}

// exempt routes authenticate some other way or serve health checks.
func exempt(path string) bool {
	switch {
	case path == "/healthz", path == "/metrics":
		return true
	case strings.HasPrefix(path, "/api/webhook/"):
		return true
	}
	return false
}

func (a *TokenAuth) Wrap(next http.Handler) http.Handler {
	if len(a.token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		switch key := ExtractAPIKey(r); {
		case key == "":
			audit.Deny(r.Context(), audit.ActionAPIAccess, r.URL.Path, "missing token")
			writeError(w, http.StatusUnauthorized, "missing API token")
		case subtle.ConstantTimeCompare([]byte(key), a.token) != 1:
			audit.Deny(r.Context(), audit.ActionAPIAccess, r.URL.Path, "token mismatch")
			writeError(w, http.StatusForbidden, "invalid API token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}
