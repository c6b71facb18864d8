package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"birthdaygreeter/internal/types"
)

// adminKeyVerifier checks bearer tokens against a bcrypt hash of the admin
// API key. The digest of the last accepted token is kept so that repeated
// calls with the same key skip the bcrypt comparison.
type adminKeyVerifier struct {
	hash []byte

	mu       sync.RWMutex
	accepted [sha256.Size]byte
	hasKey   bool
}

func newAdminKeyVerifier(hash string) *adminKeyVerifier {
	return &adminKeyVerifier{hash: []byte(hash)}
}

func (v *adminKeyVerifier) verify(token string) bool {
	digest := sha256.Sum256([]byte(token))

	v.mu.RLock()
	cached := v.hasKey && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.RUnlock()
	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest
	v.hasKey = true
	v.mu.Unlock()
	return true
}

// AdminAuth requires "Authorization: Bearer <admin key>". When no key hash is
// configured the middleware passes every request through, which is only
// acceptable for local runs.
func (s *Server) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}
		if !s.adminKey.verify(token) {
			s.Logger.WarnContext(r.Context(), "authentication failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value,
// matching the scheme case-insensitively.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
