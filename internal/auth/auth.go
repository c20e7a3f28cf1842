// Package auth implements the single shared-secret bearer check used
// uniformly at both the REST and WebSocket boundaries. There is no
// per-user identity in this system — one process-wide secret, generated
// on first run if none is configured and persisted to disk, exactly as
// the reference token generator produces credentials with crypto/rand
// rather than math/rand.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/fleetcore/fleetcore/internal/logging"
)

// Authenticator holds the process-wide shared secret and performs
// constant-time comparisons against it. mu guards secret against a
// concurrent Rotate; Check takes a read lock so the common path stays
// cheap.
type Authenticator struct {
	mu     sync.RWMutex
	secret []byte
}

// New builds an Authenticator from an explicit secret (e.g. loaded from
// config or environment).
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// LoadOrGenerate reads the shared secret from path, generating and
// persisting a fresh one (0600) if the file does not exist.
func LoadOrGenerate(path string) (*Authenticator, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return New(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: read secret file: %w", err)
	}

	secret, genErr := generateSecret()
	if genErr != nil {
		return nil, genErr
	}
	if writeErr := os.WriteFile(path, []byte(secret), 0o600); writeErr != nil {
		return nil, fmt.Errorf("auth: persist generated secret: %w", writeErr)
	}
	return New(secret), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// Rotate replaces the shared secret with a freshly generated one,
// persisting it to path and logging a bcrypt hash of the new value for
// audit purposes — the hash lets an operator confirm a rotation actually
// changed the secret (by comparing hashes across deploys) without the
// plaintext ever touching the log stream.
func (a *Authenticator) Rotate(path string) error {
	secret, err := generateSecret()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return fmt.Errorf("auth: persist rotated secret: %w", err)
	}

	hash, hashErr := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if hashErr != nil {
		logging.Log.Warn().Err(hashErr).Msg("secret rotated but audit hash could not be computed")
	} else {
		logging.Log.Info().Str("audit_hash", string(hash)).Msg("shared secret rotated")
	}

	a.mu.Lock()
	a.secret = []byte(secret)
	a.mu.Unlock()
	return nil
}

// Check reports whether token matches the shared secret, using a
// constant-time comparison so response timing never leaks how many
// leading bytes were correct.
func (a *Authenticator) Check(token string) bool {
	if token == "" {
		return false
	}
	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(token), secret) == 1
}
