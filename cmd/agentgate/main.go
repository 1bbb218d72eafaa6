// Package main runs the agentgate server: a local gateway that fronts an
// agent runtime with WebSocket streaming and a REST management API.
package main

import (
	"context"
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

	"github.com/agentgate/agentgate/internal/artifact"
	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/bundle"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/gateway/rest"
	gatewayws "github.com/agentgate/agentgate/internal/gateway/websocket"
	"github.com/agentgate/agentgate/internal/prefs"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/runtime/mock"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/telemetry"
	"github.com/agentgate/agentgate/internal/tlsutil"
	"github.com/agentgate/agentgate/internal/transcript"
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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentgate...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn("Telemetry disabled", zap.Error(err))
	}

	stateRoot := cfg.State.Root
	if err := os.MkdirAll(stateRoot, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.String("path", stateRoot), zap.Error(err))
	}

	authMgr, err := auth.NewManager(stateRoot, log)
	if err != nil {
		log.Fatal("Failed to initialize auth", zap.Error(err))
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Session activity trace at debug level. Also what an operator tails to
	// watch tool usage live.
	busSub, err := eventBus.Subscribe("session.>", func(ctx context.Context, evt *bus.Event) error {
		log.Debug("Session event",
			zap.String("event_type", evt.Type),
			zap.Any("data", evt.Data))
		return nil
	})
	if err != nil {
		log.Warn("Failed to subscribe to session events", zap.Error(err))
	} else {
		defer busSub.Unsubscribe()
	}

	transcripts, err := transcript.NewStore(stateRoot, log)
	if err != nil {
		log.Fatal("Failed to initialize transcript store", zap.Error(err))
	}

	ledger := artifact.NewLedger(
		filepath.Join(stateRoot, "artifacts.db"),
		cfg.Limits.ArtifactDiffMaxBytes,
		log,
	)
	defer ledger.Close()

	prefStore := prefs.NewStore(stateRoot)
	registry := bundle.NewRegistry(prefStore)

	var rt runtime.Runtime
	var preparer runtime.Preparer
	switch cfg.Runtime.Mode {
	case "mock", "":
		log.Info("Using mock runtime")
		rt = &mock.Runtime{}
		preparer = &mock.Preparer{}
	default:
		log.Fatal("Unknown runtime mode", zap.String("mode", cfg.Runtime.Mode))
	}

	defaultBundle := "foundation"
	if p, err := prefStore.Get(); err == nil && p.DefaultBundle != "" {
		defaultBundle = p.DefaultBundle
	}

	manager := session.NewManager(session.Config{
		DefaultBundle:        defaultBundle,
		ApprovalTimeout:      cfg.Limits.ApprovalTimeoutDuration(),
		SessionCreateTimeout: cfg.Limits.SessionCreateTimeoutDuration(),
		CancelDrainTimeout:   cfg.Limits.CancelDrainTimeoutDuration(),
	}, preparer, rt, transcripts, ledger, eventBus, log)

	wsServer := gatewayws.NewServer(ctx, manager, authMgr, gatewayws.Options{
		QueueSize:   cfg.Limits.OutboundQueueSize,
		HardCap:     cfg.Limits.OutboundHardCap,
		IdleTimeout: cfg.Limits.IdleTimeoutDuration(),
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws/session", wsServer.Handle)
	rest.SetupRoutes(router, rest.Deps{
		Auth:        authMgr,
		Manager:     manager,
		Transcripts: transcripts,
		Artifacts:   ledger,
		Registry:    registry,
		Prefs:       prefStore,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.Bool("tls", cfg.Server.TLS),
			zap.String("websocket", "/ws/session"),
			zap.String("api", "/api"))
		var err error
		if cfg.Server.TLS {
			certPath, keyPath, certErr := tlsutil.EnsureCertificate(stateRoot, log)
			if certErr != nil {
				return certErr
			}
			err = server.ListenAndServeTLS(certPath, keyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		wsServer.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error("Telemetry shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("agentgate stopped")
}
