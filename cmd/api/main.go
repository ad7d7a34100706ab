package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/emochat/backend/internal/config"
	"github.com/zhouzirui/emochat/backend/internal/handler"
	"github.com/zhouzirui/emochat/backend/internal/logging"
	"github.com/zhouzirui/emochat/backend/internal/middleware"
	"github.com/zhouzirui/emochat/backend/internal/service/ai"
	"github.com/zhouzirui/emochat/backend/internal/service/chat"
	emotionservice "github.com/zhouzirui/emochat/backend/internal/service/emotion"
	"github.com/zhouzirui/emochat/backend/internal/service/history"
	"github.com/zhouzirui/emochat/backend/internal/service/mutation"
	"github.com/zhouzirui/emochat/backend/internal/service/reply"
	"github.com/zhouzirui/emochat/backend/internal/service/sessionlock"
	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/internal/store/memory"
	"github.com/zhouzirui/emochat/backend/internal/store/sqlstore"
)

var version = "dev"

type flags struct {
	addr     string
	driver   string
	dsn      string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "emochat-api",
		Short:         "Emotional companion chat backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address, overrides PORT")
	cmd.Flags().StringVar(&f.driver, "driver", "", "store driver: memory, sqlite or postgres")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "store data source name")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, f flags) error {
	// .env is optional
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := f.apply(cfg); err != nil {
		return err
	}

	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "err", envErr)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("message store ready", "driver", cfg.Store.Driver)

	responder, chatModel, err := ai.New(ctx, cfg.AI, cfg.History.ContextLimit)
	if err != nil {
		logger.Warn("failed to initialize AI responder, replies will fail until configured", "err", err)
		responder = ai.Unavailable{}
	} else if !cfg.AI.Enabled() {
		logger.Warn("AI credentials not configured, replies will fail until configured", "provider", cfg.AI.Provider)
	}

	emotionSvc, err := emotionservice.NewService(ctx, chatModel, emotionservice.Config{
		Enabled:      cfg.AI.EmotionLLMEnabled,
		HistoryLimit: cfg.AI.EmotionHistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize emotion service: %w", err)
	}
	logger.Info("emotion tagging ready", "llm", emotionSvc.Enabled())

	router := buildRouter(st, responder, emotionSvc, cfg)
	return startServer(ctx, logger, cfg.Server, router)
}

// apply 用命令行参数覆盖环境变量中的配置。
func (f flags) apply(cfg *config.Config) error {
	if f.addr != "" {
		addr, err := config.NormalizeAddr(f.addr)
		if err != nil {
			return err
		}
		cfg.Server.Addr = addr
	}
	if f.driver != "" {
		cfg.Store.Driver = f.driver
	}
	if f.dsn != "" {
		cfg.Store.DSN = f.dsn
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg.Store.Validate()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}
	db, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	return db, nil
}

func buildRouter(st store.Store, responder ai.Responder, tagger reply.Tagger, cfg *config.Config) http.Handler {
	loader := history.NewLoader(st)
	locks := sessionlock.New()
	generator := reply.NewGenerator(responder, tagger, cfg.History.GenerationTimeout)

	chatSvc := chat.NewService(st, loader, generator, locks, chat.Config{
		MaxContentLength: cfg.History.MaxContentLength,
	})
	engine := mutation.NewEngine(st, loader, generator, locks, mutation.Config{
		MaxContentLength: cfg.History.MaxContentLength,
		CascadeTolerance: cfg.History.CascadeTolerance,
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return handler.NewRouter(chatSvc, engine, limiter)
}

func startServer(ctx context.Context, logger *slog.Logger, serverCfg config.ServerConfig, router http.Handler) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("emochat backend listening", "addr", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
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
