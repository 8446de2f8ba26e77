package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/st-user/ojm-drone-remote/internal/auth"
	"github.com/st-user/ojm-drone-remote/internal/config"
	"github.com/st-user/ojm-drone-remote/internal/docstore"
	"github.com/st-user/ojm-drone-remote/internal/httpserver"
	"github.com/st-user/ojm-drone-remote/internal/metrics"
	"github.com/st-user/ojm-drone-remote/internal/registry"
	"github.com/st-user/ojm-drone-remote/internal/relay"
	"github.com/st-user/ojm-drone-remote/internal/signaling"
	"github.com/st-user/ojm-drone-remote/internal/ticket"
	"github.com/st-user/ojm-drone-remote/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting ojm-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"transport", cfg.Transport,
		"store_driver", cfg.StoreDriver,
		"controller_reconnect_policy", cfg.ControllerReconnectPolicy,
		"start_key_ttl", cfg.StartKeyTTL,
		"sweep_interval", cfg.SweepInterval,
		"ticket_expires_in", cfg.TicketExpiresIn,
	)

	logStartupSecurityWarnings(logger, cfg)

	var store docstore.Store
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		store, err = docstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite store", "path", cfg.SQLitePath, "err", err)
			os.Exit(2)
		}
	default:
		store = docstore.NewMemoryStore()
	}
	defer store.Close()

	verifier, err := auth.NewVerifier(cfg.AccessTokenHashes)
	if err != nil {
		logger.Error("failed to parse access token hashes", "err", err)
		os.Exit(2)
	}

	credentials, err := turnrest.NewIssuer(turnrest.IssuerConfig{
		Secrets:  cfg.TurnSecrets,
		TURNURLs: cfg.TurnURLs,
		STUNURLs: cfg.StunURLs,
		TTL:      cfg.TurnCredentialTTL,
	})
	if err != nil {
		logger.Error("failed to configure TURN credentials", "err", err)
		os.Exit(2)
	}

	m := metrics.New()

	// The activity reporter closes over the queue so the registry can be
	// built first; the queue is assigned before anything serves.
	var queue *relay.Queue
	reg := registry.New(registry.Config{
		Store:           store,
		Logger:          logger,
		ReconnectPolicy: registry.ReconnectPolicy(cfg.ControllerReconnectPolicy),
		ActivityReporter: func(startKey string) bool {
			return queue != nil && queue.Active(startKey)
		},
	})

	if cfg.Transport == config.TransportQueue {
		queue = relay.NewQueue(relay.QueueConfig{
			Store:          store,
			Registry:       reg,
			Logger:         logger,
			SessionTTL:     cfg.SessionKeyTTL,
			ObserveTimeout: cfg.ObserveTimeout,
		})
	}
	var rly relay.Relay
	if queue != nil {
		rly = queue
	} else {
		rly = relay.NewPush(reg, logger)
	}

	tickets := ticket.NewIssuer(ticket.IssuerConfig{
		Store:     store,
		ExpiresIn: cfg.TicketExpiresIn,
		KnownRoom: func(startKey string) bool {
			_, ok := reg.Lookup(startKey)
			return ok
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reg.Restore(ctx); err != nil {
		logger.Error("failed to restore rooms", "err", err)
		os.Exit(1)
	}

	sweeperCfg := registry.SweeperConfig{
		Registry:     reg,
		Interval:     cfg.SweepInterval,
		TTL:          cfg.StartKeyTTL,
		Logger:       logger,
		PruneTickets: tickets.PruneExpired,
		OnRemove: func(startKey string) {
			m.Inc(metrics.CounterSweptRooms)
			if queue != nil {
				queue.DropRoom(context.Background(), startKey)
			}
		},
	}
	if queue != nil {
		sweeperCfg.PruneSessions = queue.PruneSessions
	}
	go registry.NewSweeper(sweeperCfg).Run(ctx)

	sig := signaling.NewServer(signaling.Config{
		Logger:             logger,
		Registry:           reg,
		Tickets:            tickets,
		Relay:              rly,
		Credentials:        credentials,
		Metrics:            m,
		LocalPingInterval:  cfg.LocalClientPingInterval,
		LocalTimeout:       cfg.LocalClientTimeout,
		RemotePingInterval: cfg.RemoteClientPingInterval,
		RemoteTimeout:      cfg.RemoteClientTimeout,
		MaxLocalClients:    cfg.MaxLocalClientCount,
		MaxRemoteClients:   cfg.MaxRemoteClientCount,
		MaxMessageBytes:    cfg.MaxSignalingMessageBytes,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Verifier:    verifier,
		Registry:    reg,
		Tickets:     tickets,
		Relay:       rly,
		Queue:       queue,
		Signaling:   sig,
		Credentials: credentials,
		Metrics:     m,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
