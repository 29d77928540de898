package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"carewatch/api/handlers"
)

const (
	roleHeader      = "X-Carewatch-Role"
	requestIDHeader = "X-Request-ID"
)

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.Must(uuid.NewV4()).String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.logger != nil {
			role := strings.TrimSpace(r.Header.Get(roleHeader))
			if role == "" {
				role = "-"
			}
			s.logger.Printf("RESP %s %s role=%s req=%s status=%d dur=%s bytes=%d", r.Method, r.URL.Path, role, rec.Header().Get(requestIDHeader), rec.status, time.Since(start), rec.size)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// requirePermission guards a route with the role carried in the request
// header. The facility gateway authenticates callers and stamps the role.
func (s *Server) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := strings.ToLower(strings.TrimSpace(r.Header.Get(roleHeader)))
			if role == "" {
				handlers.WriteError(w, http.StatusUnauthorized, "auth.roleRequired")
				return
			}
			if s.enforcer == nil || !s.enforcer.Allow(role, perm) {
				if s.logger != nil {
					s.logger.Printf("PERM fail %s %s role=%s need=%s", r.Method, r.URL.Path, role, perm)
				}
				handlers.WriteError(w, http.StatusForbidden, "auth.forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
