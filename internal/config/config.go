// Package config loads the relay's runtime configuration from environment
// variables, with a small flag surface for the values most commonly
// overridden in development.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Bearer auth for start-key provisioning. Comma-separated scrypt hashes
	// in "salt:derivedKeyHex" form.
	envVarAccessTokenHashes = "ACCESS_TOKEN_HASHES"

	// TURN/STUN credential issuance. Secrets pair with TURN URLs by index.
	envVarTurnSecrets       = "TURN_SECRETS"
	envVarStunURLs          = "STUN_URLS"
	envVarTurnURLs          = "TURN_URLS"
	envVarTurnCredentialTTL = "TURN_CREDENTIAL_TTL"

	// Transport selection for the peer leg; the controller leg is always a
	// persistent WebSocket.
	envVarTransportMode             = "TRANSPORT_MODE"
	envVarControllerReconnectPolicy = "CONTROLLER_RECONNECT_POLICY"

	// Heartbeats. Local = controller channel, remote = peer channel.
	envVarLocalClientPingInterval  = "LOCAL_CLIENT_PING_INTERVAL"
	envVarLocalClientTimeout       = "LOCAL_CLIENT_TIMEOUT"
	envVarRemoteClientPingInterval = "REMOTE_CLIENT_PING_INTERVAL"
	envVarRemoteClientTimeout      = "REMOTE_CLIENT_TIMEOUT"

	// Channel ceilings and inbound message hardening.
	envVarMaxLocalClientCount      = "MAX_LOCAL_CLIENT_COUNT"
	envVarMaxRemoteClientCount     = "MAX_REMOTE_CLIENT_COUNT"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"

	// Lifetimes and sweeping.
	envVarTicketExpiresIn = "TICKET_EXPIRES_IN"
	envVarStartKeyTTL     = "START_KEY_TTL"
	envVarSweepInterval   = "START_KEY_SWEEP_INTERVAL"
	envVarSessionKeyTTL   = "SESSION_KEY_TTL"
	envVarObserveTimeout  = "OBSERVE_TIMEOUT"

	// Persistence.
	envVarStoreDriver = "STORE_DRIVER"
	envVarSQLitePath  = "SQLITE_PATH"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultTurnCredentialTTL = time.Hour

	DefaultLocalClientPingInterval  = 5 * time.Second
	DefaultLocalClientTimeout       = 10 * time.Second
	DefaultRemoteClientPingInterval = 3 * time.Second
	DefaultRemoteClientTimeout      = 10 * time.Second

	DefaultMaxLocalClientCount      = 1000
	DefaultMaxRemoteClientCount     = 1000
	DefaultMaxSignalingMessageBytes = int64(1 << 20)

	DefaultTicketExpiresIn = 30 * time.Second
	DefaultStartKeyTTL     = 5 * time.Minute
	DefaultSweepInterval   = 10 * time.Second
	DefaultSessionKeyTTL   = 5 * time.Minute
	DefaultObserveTimeout  = 5 * time.Minute

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TransportMode selects the peer-leg relay backend.
type TransportMode string

const (
	TransportPush  TransportMode = "push"
	TransportQueue TransportMode = "queue"
)

// ReconnectPolicy controls what happens to the primary claim when a
// controller re-attaches to an existing room.
type ReconnectPolicy string

const (
	ReconnectResume      ReconnectPolicy = "resume"
	ReconnectRearbitrate ReconnectPolicy = "rearbitrate"
)

// StoreDriver selects the document store backend.
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreSQLite StoreDriver = "sqlite"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AccessTokenHashes []string

	TurnSecrets       []string
	StunURLs          []string
	TurnURLs          []string
	TurnCredentialTTL time.Duration

	Transport                 TransportMode
	ControllerReconnectPolicy ReconnectPolicy

	LocalClientPingInterval  time.Duration
	LocalClientTimeout       time.Duration
	RemoteClientPingInterval time.Duration
	RemoteClientTimeout      time.Duration

	MaxLocalClientCount      int
	MaxRemoteClientCount     int
	MaxSignalingMessageBytes int64

	TicketExpiresIn time.Duration
	StartKeyTTL     time.Duration
	SweepInterval   time.Duration
	SessionKeyTTL   time.Duration
	ObserveTimeout  time.Duration

	StoreDriver StoreDriver
	SQLitePath  string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	accessTokenHashes := splitCommaSeparated(envOrDefault(lookup, envVarAccessTokenHashes, ""))

	turnSecrets := splitCommaSeparated(envOrDefault(lookup, envVarTurnSecrets, ""))
	stunURLs := splitCommaSeparated(envOrDefault(lookup, envVarStunURLs, ""))
	turnURLs := splitCommaSeparated(envOrDefault(lookup, envVarTurnURLs, ""))
	if len(turnSecrets) > 0 && len(turnURLs) != len(turnSecrets) {
		return Config{}, fmt.Errorf("%s and %s must have the same number of entries", envVarTurnSecrets, envVarTurnURLs)
	}

	turnCredentialTTL, err := envDurationOrDefault(lookup, envVarTurnCredentialTTL, DefaultTurnCredentialTTL)
	if err != nil {
		return Config{}, err
	}

	transportStr := envOrDefault(lookup, envVarTransportMode, string(TransportPush))
	reconnectPolicyStr := envOrDefault(lookup, envVarControllerReconnectPolicy, string(ReconnectResume))

	localPing, err := envDurationOrDefault(lookup, envVarLocalClientPingInterval, DefaultLocalClientPingInterval)
	if err != nil {
		return Config{}, err
	}
	localTimeout, err := envDurationOrDefault(lookup, envVarLocalClientTimeout, DefaultLocalClientTimeout)
	if err != nil {
		return Config{}, err
	}
	remotePing, err := envDurationOrDefault(lookup, envVarRemoteClientPingInterval, DefaultRemoteClientPingInterval)
	if err != nil {
		return Config{}, err
	}
	remoteTimeout, err := envDurationOrDefault(lookup, envVarRemoteClientTimeout, DefaultRemoteClientTimeout)
	if err != nil {
		return Config{}, err
	}

	maxLocalClients, err := envIntOrDefault(lookup, envVarMaxLocalClientCount, DefaultMaxLocalClientCount)
	if err != nil {
		return Config{}, err
	}
	maxRemoteClients, err := envIntOrDefault(lookup, envVarMaxRemoteClientCount, DefaultMaxRemoteClientCount)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	ticketExpiresIn, err := envDurationOrDefault(lookup, envVarTicketExpiresIn, DefaultTicketExpiresIn)
	if err != nil {
		return Config{}, err
	}
	startKeyTTL, err := envDurationOrDefault(lookup, envVarStartKeyTTL, DefaultStartKeyTTL)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	sessionKeyTTL, err := envDurationOrDefault(lookup, envVarSessionKeyTTL, DefaultSessionKeyTTL)
	if err != nil {
		return Config{}, err
	}
	observeTimeout, err := envDurationOrDefault(lookup, envVarObserveTimeout, DefaultObserveTimeout)
	if err != nil {
		return Config{}, err
	}

	storeDriverStr := envOrDefault(lookup, envVarStoreDriver, string(StoreMemory))
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, "signal-relay.db")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("ojm-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&transportStr, "transport", transportStr, "Peer transport: push or queue (env "+envVarTransportMode+")")
	fs.StringVar(&storeDriverStr, "store", storeDriverStr, "Document store: memory or sqlite (env "+envVarStoreDriver+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database path (env "+envVarSQLitePath+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	transport, err := parseTransportMode(transportStr)
	if err != nil {
		return Config{}, err
	}
	reconnectPolicy, err := parseReconnectPolicy(reconnectPolicyStr)
	if err != nil {
		return Config{}, err
	}
	storeDriver, err := parseStoreDriver(storeDriverStr)
	if err != nil {
		return Config{}, err
	}

	if localPing >= localTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envVarLocalClientPingInterval, envVarLocalClientTimeout)
	}
	if remotePing >= remoteTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envVarRemoteClientPingInterval, envVarRemoteClientTimeout)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AccessTokenHashes: accessTokenHashes,

		TurnSecrets:       turnSecrets,
		StunURLs:          stunURLs,
		TurnURLs:          turnURLs,
		TurnCredentialTTL: turnCredentialTTL,

		Transport:                 transport,
		ControllerReconnectPolicy: reconnectPolicy,

		LocalClientPingInterval:  localPing,
		LocalClientTimeout:       localTimeout,
		RemoteClientPingInterval: remotePing,
		RemoteClientTimeout:      remoteTimeout,

		MaxLocalClientCount:      maxLocalClients,
		MaxRemoteClientCount:     maxRemoteClients,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,

		TicketExpiresIn: ticketExpiresIn,
		StartKeyTTL:     startKeyTTL,
		SweepInterval:   sweepInterval,
		SessionKeyTTL:   sessionKeyTTL,
		ObserveTimeout:  observeTimeout,

		StoreDriver: storeDriver,
		SQLitePath:  sqlitePath,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseTransportMode(raw string) (TransportMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(TransportPush), "":
		return TransportPush, nil
	case string(TransportQueue):
		return TransportQueue, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarTransportMode, raw, TransportPush, TransportQueue)
	}
}

func parseReconnectPolicy(raw string) (ReconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ReconnectResume), "":
		return ReconnectResume, nil
	case string(ReconnectRearbitrate):
		return ReconnectRearbitrate, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarControllerReconnectPolicy, raw, ReconnectResume, ReconnectRearbitrate)
	}
}

func parseStoreDriver(raw string) (StoreDriver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreMemory), "":
		return StoreMemory, nil
	case string(StoreSQLite):
		return StoreSQLite, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarStoreDriver, raw, StoreMemory, StoreSQLite)
	}
}
