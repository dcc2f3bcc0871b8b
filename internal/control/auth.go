package control

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// tokenAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
// The query form exists for browser websockets, which cannot set headers.
func tokenAuth(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenMatches(tok, presentedToken(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func presentedToken(r *http.Request) string {
	if ah := r.Header.Get("Authorization"); ah != "" {
		const p = "Bearer "
		if len(ah) > len(p) && strings.EqualFold(ah[:len(p)], p) {
			return strings.TrimSpace(ah[len(p):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(want, got string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
