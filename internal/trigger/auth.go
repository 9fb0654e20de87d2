package trigger

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// SecretHeader carries the shared secret when a bearer token can't be used.
const SecretHeader = "X-Scheduler-Secret"

// Authorize checks the shared secret in the Authorization bearer token or
// SecretHeader. An empty configured secret rejects every request.
func Authorize(secret string, r *http.Request) error {
	if secret == "" {
		return ErrUnauthorized
	}

	presented := r.Header.Get(SecretHeader)
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			presented = strings.TrimSpace(token)
		}
	}
	if presented == "" {
		return ErrUnauthorized
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
