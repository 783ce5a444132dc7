package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

// KeySet holds the API keys accepted by the extractor. Keys are either kept
// as given (operator-supplied) or as bcrypt hashes (generated at runtime).
type KeySet struct {
	mu     sync.RWMutex
	plain  map[string]string // key -> description
	hashed map[string]string // description -> bcrypt hash
}

// NewKeySet creates a key set accepting the given static keys
func NewKeySet(keys ...string) *KeySet {
	ks := &KeySet{
		plain:  make(map[string]string),
		hashed: make(map[string]string),
	}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			ks.plain[k] = "static"
		}
	}
	return ks
}

// Generate creates a random key and stores only its hash
func (ks *KeySet) Generate(description string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key := base64.URLEncoding.EncodeToString(keyBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.hashed[description] = string(hash)
	return key, nil
}

// AddHash accepts the key whose bcrypt hash is given
func (ks *KeySet) AddHash(description, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid bcrypt hash for %q: %w", description, err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.hashed[description] = hash
	return nil
}

// Revoke removes a hashed key by description
func (ks *KeySet) Revoke(description string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.hashed, description)
}

// Empty reports whether no key is configured. An empty set disables auth.
func (ks *KeySet) Empty() bool {
	if ks == nil {
		return true
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.plain) == 0 && len(ks.hashed) == 0
}

// Validate checks key against the set
func (ks *KeySet) Validate(key string) error {
	if key == "" {
		return ErrInvalidAPIKey
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	matched := false
	for k := range ks.plain {
		// no early exit, every static key is compared
		if SecureCompare(k, key) {
			matched = true
		}
	}
	if matched {
		return nil
	}
	for _, hash := range ks.hashed {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidAPIKey
}

// Middleware rejects requests without a valid key. The key is read from
// "Authorization: Bearer <key>" or the X-API-Key header. Paths listed in
// skip are served without authentication.
func (ks *KeySet) Middleware(skip ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ks.Empty() || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := RequestKey(r)
			if key == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			if err := ks.Validate(key); err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestKey extracts the API key from a request
func RequestKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
