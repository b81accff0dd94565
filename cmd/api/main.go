package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/auth"
	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/internal/handler"
	"github.com/zhouzirui/mission-mentor/backend/internal/logging"
	"github.com/zhouzirui/mission-mentor/backend/internal/service/ai"
	"github.com/zhouzirui/mission-mentor/backend/internal/service/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	stores, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stores.Close(closeCtx); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	if cfg.SeedFile != "" {
		if _, err := store.SeedMissions(ctx, stores.Missions, cfg.SeedFile, logger); err != nil {
			return err
		}
	}

	// Initialize completion backend
	var completer ai.Completer
	if cfg.AI.Enabled() {
		completer, err = ai.New(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, chat turns will be unavailable", zap.Error(err))
			completer = nil
		} else {
			logger.Info("AI service initialized",
				zap.String("provider", cfg.AI.Provider),
				zap.String("model", cfg.AI.ModelName()))
		}
	} else {
		logger.Warn("AI 凭证未配置，对话功能不可用", zap.String("provider", cfg.AI.Provider))
	}

	engine := chat.NewEngine(stores.Missions, stores.Sessions, completer, chat.ConfigFrom(cfg.AI), logger)

	router := handler.NewRouter(handler.Deps{
		Missions: stores.Missions,
		Engine:   engine,
		Verifier: auth.NewService(cfg.Auth),
		CORS:     cfg.CORS,
		Logger:   logger,
	})

	return startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	logger.Info("Mission Mentor backend listening", zap.String("addr", addr))
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
