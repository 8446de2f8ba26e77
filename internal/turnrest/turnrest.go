package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// This package implements coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<nonce>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
//
// Each configured TURN secret pairs with one TURN URL; every issued
// credential set signs a fresh nonce against every secret so a client can
// reach any of the configured TURN deployments.
type Issuer struct {
	secrets  [][]byte
	turnURLs []string
	stunURLs []string
	ttl      time.Duration
	now      func() time.Time

	nonceSource func() (string, error)
}

type IssuerConfig struct {
	// Secrets[i] signs credentials for TURNURLs[i].
	Secrets  []string
	TURNURLs []string
	STUNURLs []string
	TTL      time.Duration

	// Now and NonceSource are overridable for tests. Nil means the real
	// clock and crypto/rand.
	Now         func() time.Time
	NonceSource func() (string, error)
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secrets) != len(cfg.TURNURLs) {
		return nil, fmt.Errorf("got %d TURN secrets for %d TURN URLs", len(cfg.Secrets), len(cfg.TURNURLs))
	}
	if len(cfg.Secrets) > 0 && cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	secrets := make([][]byte, 0, len(cfg.Secrets))
	for i, s := range cfg.Secrets {
		if s == "" {
			return nil, fmt.Errorf("TURN secret %d is empty", i)
		}
		secrets = append(secrets, []byte(s))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NonceSource == nil {
		cfg.NonceSource = cryptoRandomNonce
	}
	return &Issuer{
		secrets:     secrets,
		turnURLs:    cfg.TURNURLs,
		stunURLs:    cfg.STUNURLs,
		ttl:         cfg.TTL,
		now:         cfg.Now,
		nonceSource: cfg.NonceSource,
	}, nil
}

// ICEServers issues a fresh set of ICE server descriptors: the configured
// STUN URLs without credentials, then one TURN entry per secret/URL pair.
// Returns nil when nothing is configured, which clients treat as
// "no ICE servers".
func (iss *Issuer) ICEServers() ([]webrtc.ICEServer, error) {
	if len(iss.stunURLs) == 0 && len(iss.secrets) == 0 {
		return nil, nil
	}
	servers := make([]webrtc.ICEServer, 0, len(iss.stunURLs)+len(iss.secrets))
	for _, url := range iss.stunURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iss.secrets) == 0 {
		return servers, nil
	}

	nonce, err := iss.nonceSource()
	if err != nil {
		return nil, err
	}
	if nonce == "" || containsColon(nonce) {
		return nil, fmt.Errorf("invalid nonce %q", nonce)
	}
	expiryUnix := iss.now().UTC().Unix() + int64(iss.ttl/time.Second)
	username := fmt.Sprintf("%d:%s", expiryUnix, nonce)
	for i, secret := range iss.secrets {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{iss.turnURLs[i]},
			Username:   username,
			Credential: signUsername(secret, username),
		})
	}
	return servers, nil
}

func cryptoRandomNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	sum := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
