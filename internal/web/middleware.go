package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/makt28/plugwatch/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// BasicAuth guards operator routes with the admin credentials. The password
// is checked against a bcrypt hash. An empty hash disables the check, which
// is logged as a warning when the middleware is built.
func BasicAuth(admin config.AdminConfig) func(http.Handler) http.Handler {
	if admin.PasswordHash == "" {
		slog.Warn("admin password hash not set, operator routes are unauthenticated")
	}
	return func(next http.Handler) http.Handler {
		if admin.PasswordHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(admin.Username)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(pass)) != nil {
				slog.Warn("unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Basic realm="plugwatch"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request at debug level.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
