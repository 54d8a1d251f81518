// Package main is the agentdeck server entry point. One binary runs the
// whole stack: the transcript watcher and session index, the process
// supervisor, and the encrypted WebSocket relay that carries the REST
// surface, the event subscriptions and file uploads.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/common/tracing"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/relay"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/subscription"
	"github.com/agentdeck/agentdeck/internal/supervisor"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/internal/upload"
	"github.com/agentdeck/agentdeck/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentdeck...",
		zap.String("session_root", cfg.Dirs.SessionRoot),
		zap.String("data_dir", cfg.Dirs.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: in-memory for a single instance, NATS when configured.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// Metadata and index stores (SQLite by default, Postgres by config).
	meta, index, closeStores, err := session.ProvideStores(cfg, log)
	if err != nil {
		log.Fatal("Failed to open session stores", zap.Error(err))
	}
	defer func() {
		if err := closeStores(); err != nil {
			log.Error("Store close error", zap.Error(err))
		}
	}()

	scanner := project.NewScanner(cfg.Dirs.SessionRoot, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial project scan failed", zap.Error(err))
	}

	reader := transcript.NewReader(cfg.Dirs.SessionRoot, true, log)
	sessions := session.NewService(reader, scanner, meta, index, log)

	reg, err := registry.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to load provider registry", zap.Error(err))
	}

	sup := supervisor.New(cfg, reg, eventBus, log)
	if err := sup.Start(); err != nil {
		log.Fatal("Failed to start supervisor", zap.Error(err))
	}

	indexer := session.NewIndexer(sessions, eventBus, log)
	if err := indexer.Start(); err != nil {
		log.Fatal("Failed to start session indexer", zap.Error(err))
	}
	defer func() { _ = indexer.Stop() }()

	fw := watcher.New(watcher.Options{
		SessionRoot:     cfg.Dirs.SessionRoot,
		SettingsPath:    cfg.Dirs.SettingsPath,
		CredentialsPath: cfg.Dirs.CredentialsPath,
		Coalesce:        cfg.Pool.Coalesce(),
	}, eventBus, log)
	if err := fw.Start(); err != nil {
		log.Fatal("Failed to start file watcher", zap.Error(err))
	}
	defer func() { _ = fw.Stop() }()

	// Warm the index before serving; the watcher keeps it fresh from here.
	if err := indexer.Backfill(ctx); err != nil {
		log.Warn("Index backfill failed", zap.Error(err))
	}

	subs := subscription.NewManager(func(sessionID string) (subscription.Process, bool) {
		p, ok := sup.GetProcessForSession(sessionID)
		if !ok {
			return nil, false
		}
		return p, true
	}, eventBus, log)
	subs.SetHeartbeat(cfg.Pool.Heartbeat())

	storage, err := upload.NewDiskStorage(filepath.Join(cfg.Dirs.DataDir, "uploads"))
	if err != nil {
		log.Fatal("Failed to prepare upload storage", zap.Error(err))
	}
	uploads := upload.NewManager(storage, cfg.Relay.MaxUploadSizeBytes, log)

	// The REST engine never binds a listener; requests reach it only through
	// authenticated relay connections.
	restRouter := api.NewRouter(api.NewSupervisorPool(sup), sessions, scanner, log)
	dispatcher := relay.NewHTTPDispatcher(restRouter, log)

	creds, err := relayCredentials(cfg)
	if err != nil {
		log.Fatal("Failed to set up relay credentials", zap.Error(err))
	}
	authSessions := relay.NewSessionStore(cfg.Relay.AuthSessionTTL())
	relayServer := relay.NewServer(relay.Options{
		Auth:                 relay.NewAuthenticator(creds, authSessions),
		Sessions:             authSessions,
		Dispatcher:           dispatcher,
		Subscriptions:        subs,
		Uploads:              uploads,
		AllowedOrigins:       cfg.Relay.AllowedOrigins,
		HandshakeTimeout:     cfg.Relay.HandshakeTimeout(),
		CompressionThreshold: cfg.Relay.CompressionThresholdBytes,
		Logger:               log,
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentdeck"})
	})
	router.GET("/relay", relayServer.HandleUpgrade)

	addr := cfg.Server.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Relay listening", zap.String("addr", addr),
			zap.String("endpoint", "/relay"), zap.String("health", "/healthz"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Sweeps expired auth sessions; closes every connection on cancel.
		return relayServer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Shutting down agentdeck...")
	subs.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	log.Info("agentdeck stopped")
}

// relayCredentials resolves the SRP material: a pinned salt/verifier pair
// wins, else one is derived from auth.password, else a one-time password is
// generated and printed so the operator can pair a client.
func relayCredentials(cfg *config.Config) (*relay.Credentials, error) {
	saltHex, verifierHex := cfg.Auth.SaltHex, cfg.Auth.VerifierHex
	if saltHex == "" || verifierHex == "" {
		password := cfg.Auth.Password
		if password == "" {
			buf := make([]byte, 16)
			if _, err := rand.Read(buf); err != nil {
				return nil, fmt.Errorf("generate relay password: %w", err)
			}
			password = hex.EncodeToString(buf)
			fmt.Printf("Relay pairing credentials (one-time; set auth.password or auth.saltHex/auth.verifierHex to pin):\n")
			fmt.Printf("  identity: %s\n  password: %s\n", cfg.Auth.Identity, password)
		}
		var err error
		saltHex, verifierHex, err = relay.DeriveCredentials(cfg.Auth.Identity, password)
		if err != nil {
			return nil, fmt.Errorf("derive relay credentials: %w", err)
		}
	}
	return relay.ParseCredentials(cfg.Auth.Identity, saltHex, verifierHex)
}
