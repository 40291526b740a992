package routes

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handlePost decodes a JSON body into T. An empty body decodes to the zero T.
func handlePost[T any](r chi.Router, pattern string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	r.Post(pattern, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
				return
			}
		}
		fn(w, r, req)
	})
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// localOnly rejects requests that did not come from this machine.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			writeError(w, http.StatusForbidden, "local requests only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func safeCall(fn func() string) string {
	if fn == nil {
		return ""
	}
	return fn()
}
