// Package auth verifies the bearer tokens that protect start-key
// provisioning.
//
// Tokens are never stored; the server holds a list of scrypt hashes in
// "saltHex:derivedKeyHex" form and a presented token matches when its
// derivation under any stored salt equals that entry's key.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters. These match the defaults used when the stored
// hashes were generated, so changing them invalidates every existing hash.
const (
	scryptN       = 16384
	scryptR       = 8
	scryptP       = 1
	derivedKeyLen = 64
	saltLen       = 16
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingCredentials = errors.New("missing credentials")
)

type storedHash struct {
	salt []byte
	key  []byte
}

// Verifier checks presented tokens against the configured hash list.
type Verifier struct {
	hashes []storedHash
}

func NewVerifier(hashes []string) (*Verifier, error) {
	parsed := make([]storedHash, 0, len(hashes))
	for i, raw := range hashes {
		salt, key, err := parseHash(raw)
		if err != nil {
			return nil, fmt.Errorf("access token hash %d: %w", i, err)
		}
		parsed = append(parsed, storedHash{salt: salt, key: key})
	}
	return &Verifier{hashes: parsed}, nil
}

// Verify reports whether token matches any stored hash. The scrypt
// derivation is recomputed per entry; hash lists are expected to stay small
// (operator-provisioned).
func (v *Verifier) Verify(token string) error {
	for _, h := range v.hashes {
		derived, err := scrypt.Key([]byte(token), h.salt, scryptN, scryptR, scryptP, len(h.key))
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(derived, h.key) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

// Hash derives a storable hash for a new token. Used by provisioning
// tooling, not by the serving path.
func Hash(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key([]byte(token), salt, scryptN, scryptR, scryptP, derivedKeyLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// BearerToken extracts the token from an Authorization header. The scheme
// comparison is case-insensitive; historical clients send lowercase
// "bearer".
func BearerToken(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

func parseHash(raw string) (salt, key []byte, err error) {
	saltHex, keyHex, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return nil, nil, errors.New(`expected "salt:key" form`)
	}
	salt, err = hex.DecodeString(saltHex)
	if err != nil {
		return nil, nil, fmt.Errorf("salt: %w", err)
	}
	key, err = hex.DecodeString(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("key: %w", err)
	}
	if len(salt) == 0 || len(key) == 0 {
		return nil, nil, errors.New("empty salt or key")
	}
	return salt, key, nil
}
