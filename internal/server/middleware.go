package server

import "net/http"

// SecurityHeadersMiddleware strips version-exposing headers and sets a
// generic Server header.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Del("X-Powered-By")
		h.Set("Server", "agentmux")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the configured frontend origin during development.
// Production serves the frontend from the same origin, so headers are only
// added when an origin is configured.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.FrontendOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.cfg.FrontendOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
