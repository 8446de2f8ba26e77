package config

import (
	"strings"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr: got %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Transport != TransportPush {
		t.Fatalf("Transport: got %q, want %q", cfg.Transport, TransportPush)
	}
	if cfg.ControllerReconnectPolicy != ReconnectResume {
		t.Fatalf("ControllerReconnectPolicy: got %q, want %q", cfg.ControllerReconnectPolicy, ReconnectResume)
	}
	if cfg.StartKeyTTL != 5*time.Minute {
		t.Fatalf("StartKeyTTL: got %v, want 5m", cfg.StartKeyTTL)
	}
	if cfg.SweepInterval != 10*time.Second {
		t.Fatalf("SweepInterval: got %v, want 10s", cfg.SweepInterval)
	}
	if cfg.TicketExpiresIn != 30*time.Second {
		t.Fatalf("TicketExpiresIn: got %v, want 30s", cfg.TicketExpiresIn)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Fatalf("StoreDriver: got %q, want %q", cfg.StoreDriver, StoreMemory)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"LISTEN_ADDR":                 "0.0.0.0:9000",
		"TRANSPORT_MODE":              "queue",
		"CONTROLLER_RECONNECT_POLICY": "rearbitrate",
		"TURN_SECRETS":                "s1, s2",
		"TURN_URLS":                   "turn:turn1.example.com:3478,turn:turn2.example.com:3478",
		"STUN_URLS":                   "stun:stun.example.com:3478",
		"START_KEY_TTL":               "2m",
		"STORE_DRIVER":                "sqlite",
		"SQLITE_PATH":                 "/tmp/relay.db",
	}

	cfg, err := load(lookupFromMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr: got %q", cfg.ListenAddr)
	}
	if cfg.Transport != TransportQueue {
		t.Fatalf("Transport: got %q, want queue", cfg.Transport)
	}
	if cfg.ControllerReconnectPolicy != ReconnectRearbitrate {
		t.Fatalf("ControllerReconnectPolicy: got %q", cfg.ControllerReconnectPolicy)
	}
	if len(cfg.TurnSecrets) != 2 || cfg.TurnSecrets[1] != "s2" {
		t.Fatalf("TurnSecrets: got %v", cfg.TurnSecrets)
	}
	if cfg.StartKeyTTL != 2*time.Minute {
		t.Fatalf("StartKeyTTL: got %v, want 2m", cfg.StartKeyTTL)
	}
	if cfg.StoreDriver != StoreSQLite || cfg.SQLitePath != "/tmp/relay.db" {
		t.Fatalf("store: got %q %q", cfg.StoreDriver, cfg.SQLitePath)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := map[string]string{"TRANSPORT_MODE": "push"}

	cfg, err := load(lookupFromMap(env), []string{"-transport", "queue", "-listen-addr", ":8081"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != TransportQueue {
		t.Fatalf("Transport: got %q, want queue", cfg.Transport)
	}
	if cfg.ListenAddr != ":8081" {
		t.Fatalf("ListenAddr: got %q, want :8081", cfg.ListenAddr)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad transport", map[string]string{"TRANSPORT_MODE": "carrier-pigeon"}, "invalid TRANSPORT_MODE"},
		{"bad duration", map[string]string{"START_KEY_TTL": "5 parsecs"}, "invalid START_KEY_TTL"},
		{"bad store", map[string]string{"STORE_DRIVER": "firestore"}, "invalid STORE_DRIVER"},
		{"mismatched turn set", map[string]string{"TURN_SECRETS": "a,b", "TURN_URLS": "turn:one"}, "same number of entries"},
		{"ping >= timeout", map[string]string{"REMOTE_CLIENT_PING_INTERVAL": "10s", "REMOTE_CLIENT_TIMEOUT": "10s"}, "must be shorter"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFromMap(tc.env), nil)
			if err == nil {
				t.Fatal("load: expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatal("NewLogger: expected error")
	}
}
