package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestICEServers_DeterministicWithFixedTimeAndNonce(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{
		Secrets:     []string{"shared-secret"},
		TURNURLs:    []string{"turn:turn.example.com:3478"},
		STUNURLs:    []string{"stun:stun.example.com:3478"},
		TTL:         time.Hour,
		Now:         func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		NonceSource: func() (string, error) { return "nonce123", nil },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	servers, err := iss.ICEServers()
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len(servers): got %d, want 2", len(servers))
	}

	stun := servers[0]
	if stun.URLs[0] != "stun:stun.example.com:3478" || stun.Username != "" || stun.Credential != nil {
		t.Fatalf("STUN entry: got %+v, want credential-free", stun)
	}

	turn := servers[1]
	wantUsername := "1700003600:nonce123"
	if turn.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", turn.Username, wantUsername)
	}
	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if turn.Credential != wantCred {
		t.Fatalf("Credential: got %v, want %q", turn.Credential, wantCred)
	}
	if turn.URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("URLs: got %v", turn.URLs)
	}
}

func TestICEServers_OneEntryPerSecret(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{
		Secrets:     []string{"s1", "s2"},
		TURNURLs:    []string{"turn:one.example.com:3478", "turn:two.example.com:3478"},
		TTL:         10 * time.Second,
		Now:         func() time.Time { return time.Unix(42, 0).UTC() },
		NonceSource: func() (string, error) { return "n", nil },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	servers, err := iss.ICEServers()
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len(servers): got %d, want 2", len(servers))
	}
	if servers[0].Username != servers[1].Username {
		t.Fatalf("usernames differ: %q vs %q", servers[0].Username, servers[1].Username)
	}
	if servers[0].Username != "52:n" {
		t.Fatalf("Username: got %q, want 52:n", servers[0].Username)
	}
	if servers[0].Credential == servers[1].Credential {
		t.Fatal("distinct secrets produced identical credentials")
	}
	if servers[0].URLs[0] != "turn:one.example.com:3478" || servers[1].URLs[0] != "turn:two.example.com:3478" {
		t.Fatalf("URLs: got %v, %v", servers[0].URLs, servers[1].URLs)
	}
}

func TestICEServers_CredentialIsBase64HMACSHA1(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{
		Secrets:     []string{"secret"},
		TURNURLs:    []string{"turn:t.example.com:3478"},
		TTL:         time.Second,
		Now:         func() time.Time { return time.Unix(0, 0).UTC() },
		NonceSource: func() (string, error) { return "sid", nil },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	servers, err := iss.ICEServers()
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}

	cred, ok := servers[0].Credential.(string)
	if !ok {
		t.Fatalf("Credential type: got %T, want string", servers[0].Credential)
	}
	decoded, err := base64.StdEncoding.DecodeString(cred)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write([]byte(servers[0].Username))
	want := mac.Sum(nil)
	if string(decoded) != string(want) {
		t.Fatalf("decoded HMAC mismatch")
	}
}

func TestICEServers_NoConfigurationMeansNil(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	servers, err := iss.ICEServers()
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if servers != nil {
		t.Fatalf("servers: got %v, want nil", servers)
	}
}

func TestNewIssuer_RejectsMismatchedPairs(t *testing.T) {
	if _, err := NewIssuer(IssuerConfig{
		Secrets:  []string{"a", "b"},
		TURNURLs: []string{"turn:only-one.example.com:3478"},
		TTL:      time.Hour,
	}); err == nil {
		t.Fatal("NewIssuer: expected error")
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
