package main

import (
	"log/slog"

	"github.com/st-user/ojm-drone-remote/internal/config"
)

// logStartupSecurityWarnings flags configurations that are probably not what
// an operator wants in production. None of these stop the process; dev
// setups legitimately run without TURN or persistence.
func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if len(cfg.AccessTokenHashes) == 0 {
		logger.Warn("ACCESS_TOKEN_HASHES is empty; /generateKey will reject every request")
	}
	if len(cfg.TurnSecrets) == 0 && len(cfg.StunURLs) == 0 {
		logger.Warn("no STUN or TURN configured; clients get no ICE servers and may fail to connect across NATs")
	}
	if cfg.Mode == config.ModeProd && cfg.StoreDriver == config.StoreMemory {
		logger.Warn("prod mode with the in-memory store; start keys will not survive a restart")
	}
}
