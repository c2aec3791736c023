package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"net/url"
	"strings"
)

// corsMiddleware handles CORS headers based on configuration. The tile
// marker headers are exposed so map clients can tell placeholders apart.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.isOriginAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
			h.Set("Access-Control-Expose-Headers", MissHeader+", X-Tile-Source")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		// Preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks if the given origin matches any allowed pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, pattern := range s.config.CORS.AllowedOrigins {
		if matchOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchOrigin checks if an origin matches a pattern. Patterns are exact
// origins, "*" for any origin, or "*.example.com" for any subdomain.
func matchOrigin(origin, pattern string) bool {
	switch {
	case origin == "" || pattern == "":
		return false
	case pattern == "*" || origin == pattern:
		return true
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		host := extractHost(origin)
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return false
}

// extractHost returns the host of an origin without scheme, port or path.
func extractHost(origin string) string {
	if !strings.Contains(origin, "://") {
		origin = "//" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
