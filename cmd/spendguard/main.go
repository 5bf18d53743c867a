// Command spendguard runs the spend-guarded payment engine behind an
// authenticated JSON API and an MCP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentpay/spendguard/auth"
	"github.com/agentpay/spendguard/config"
	"github.com/agentpay/spendguard/engine"
	"github.com/agentpay/spendguard/mcp"
	"github.com/agentpay/spendguard/server"
	"github.com/agentpay/spendguard/store"
	"github.com/agentpay/spendguard/wallet"
)

func main() {
	configPath := flag.String("config", os.Getenv("SPENDGUARD_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "spendguard: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Open(ctx, store.Config{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		return err
	}
	defer rdb.Close()

	walletClient := wallet.NewClient(&wallet.Config{
		URL:     cfg.Wallet.URL,
		APIKey:  cfg.Wallet.APIKey,
		Timeout: cfg.Wallet.Timeout,
	})

	eng, err := engine.New(rdb, walletClient,
		engine.WithSettings(engine.Settings{
			PollInterval:      cfg.Payment.PollInterval,
			PollAttempts:      cfg.Payment.PollAttempts,
			ReplayAttempts:    cfg.Paywall.ReplayAttempts,
			ReplayDelay:       cfg.Paywall.ReplayDelay,
			DefaultFeeSats:    cfg.Payment.DefaultFeeSats,
			JournalMaxEntries: cfg.Journal.MaxEntries,
			JournalTTL:        cfg.Journal.TTL,
			PendingTTL:        cfg.Paywall.PendingTTL,
			TokenTTL:          cfg.Paywall.TokenTTL,
			InvoiceCleanup:    cfg.Invoices.CleanupAfter,
			BudgetRetention:   cfg.Budget.Retention,
		}),
		engine.WithHTTPClient(&http.Client{Timeout: cfg.Paywall.RequestTimeout}),
		engine.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	verifier := auth.NewStaticVerifier(cfg.Agents)
	loader.OnChange(func(next config.Config) {
		verifier.Update(next.Agents)
		logger.Info("agents reloaded", zap.Int("count", len(next.Agents)))
	})
	loader.OnError(func(err error) {
		logger.Warn("config reload rejected", zap.Error(err))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	opts := []server.Option{
		server.WithLogger(logger.Named("http")),
		server.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		server.WithHealthCheck(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}
	if cfg.Server.EnableMCP {
		opts = append(opts, server.WithMCP(mcp.Handler(eng, mcp.WithLogger(logger.Named("mcp")))))
	}

	gin.SetMode(gin.ReleaseMode)
	api := server.New(eng, verifier, opts...)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("spendguard listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("agents", len(cfg.Agents)),
			zap.Bool("mcp", cfg.Server.EnableMCP))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("spendguard stopped")
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
