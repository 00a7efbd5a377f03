package server

import (
	"net/http"
	"strings"

	"github.com/Tyrowin/campuschat/internal/auth"
)

const tokenParam = "token"

// extractCredential collects the token sources of a handshake request. The
// Authorization header wins over the query parameter.
func extractCredential(r *http.Request) auth.Credential {
	var cred auth.Credential

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			cred.Explicit = strings.TrimSpace(token)
		}
	}
	if cred.Explicit == "" {
		cred.Explicit = r.URL.Query().Get(tokenParam)
	}
	if c, err := r.Cookie(tokenParam); err == nil {
		cred.Cookie = c.Value
	}
	return cred
}

// bearerCredential is the stricter variant for the REST endpoints, which only
// accept the Authorization header.
func bearerCredential(r *http.Request) auth.Credential {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return auth.Credential{}
	}
	return auth.Credential{Explicit: strings.TrimSpace(token)}
}
