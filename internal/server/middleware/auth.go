package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig selects how API requests are authenticated. KeyHash, a bcrypt
// hash, takes precedence over Key. With both empty authentication is disabled.
type AuthConfig struct {
	Key     string
	KeyHash string
	// Public paths are served without a token.
	Public []string
}

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header or a static key in the X-API-Key header.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	v := newVerifier(cfg.Key, cfg.KeyHash)
	public := make(map[string]bool, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			if !v.verify(token) {
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifier checks tokens against a plain key in constant time or against a
// bcrypt hash. Tokens that passed bcrypt are remembered by SHA-256 digest so
// the hash is only computed once per distinct token.
type verifier struct {
	key  []byte
	hash []byte

	mu sync.RWMutex
	ok map[[sha256.Size]byte]bool
}

func newVerifier(key, hash string) *verifier {
	switch {
	case hash != "":
		return &verifier{hash: []byte(hash), ok: make(map[[sha256.Size]byte]bool)}
	case key != "":
		return &verifier{key: []byte(key)}
	}
	return nil
}

func (v *verifier) verify(token string) bool {
	if v.hash == nil {
		return subtle.ConstantTimeCompare([]byte(token), v.key) == 1
	}

	sum := sha256.Sum256([]byte(token))
	v.mu.RLock()
	known := v.ok[sum]
	v.mu.RUnlock()
	if known {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}
	v.mu.Lock()
	v.ok[sum] = true
	v.mu.Unlock()
	return true
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	// Check Authorization: Bearer <token>
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// Check X-API-Key header.
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeJSONError sends status with the admin API's {"error": msg} body.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
