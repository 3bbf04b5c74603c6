package middleware

import (
	"net/http"
	"strings"
)

// CORS allows browser calls from a single origin. Preflight requests are
// answered with 204 and never reach next. An empty origin disables CORS headers.
func CORS(origin string) func(http.Handler) http.Handler {
	allowed := strings.TrimRight(strings.TrimSpace(origin), "/")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			reqOrigin := strings.TrimRight(r.Header.Get("Origin"), "/")
			if allowed != "" && reqOrigin != "" && strings.EqualFold(reqOrigin, allowed) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
