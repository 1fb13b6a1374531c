// CLAUDE:SUMMARY HTTP Basic auth checked against a bcrypt hash for the harvester control surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/harvest/kit"
)

// ErrWeakPassword is returned by HashPassword for passwords under 8 bytes.
var ErrWeakPassword = errors.New("auth: password shorter than 8 bytes")

// HashPassword returns the bcrypt hash to put in auth.password_hash.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ErrWeakPassword
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash: %w", err)
	}
	return string(h), nil
}

// Basic returns a middleware requiring HTTP Basic credentials matching user
// and the bcrypt passwordHash. An empty passwordHash disables the check.
// The authenticated user is stored with kit.WithUser.
func Basic(user, passwordHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if passwordHash == "" {
			return next
		}
		hash := []byte(passwordHash)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
			if !ok || !userOK || bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
				logger.Warn("auth: rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Basic realm="harvest", charset="UTF-8"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithUser(r.Context(), u)))
		})
	}
}
