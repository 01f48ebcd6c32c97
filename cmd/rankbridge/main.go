package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rankbridge/rankbridge/internal/audit"
	"github.com/rankbridge/rankbridge/internal/config"
	"github.com/rankbridge/rankbridge/internal/database"
	"github.com/rankbridge/rankbridge/internal/gateway"
	"github.com/rankbridge/rankbridge/internal/logging"
	"github.com/rankbridge/rankbridge/internal/policy"
	"github.com/rankbridge/rankbridge/internal/ranksync"
	"github.com/rankbridge/rankbridge/internal/roblox"
	"github.com/rankbridge/rankbridge/internal/scheduler"
	"github.com/rankbridge/rankbridge/internal/server"
	"github.com/rankbridge/rankbridge/internal/store"
	"github.com/rankbridge/rankbridge/internal/verify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rankbridge",
		Short: "Roblox rank sync service for Discord guilds",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("policy-path", defaults.GetString("policy.path"), "Guild policy file path")
	cmd.PersistentFlags().String("gateway-base-url", defaults.GetString("gateway.base_url"), "Bot shim base URL")
	cmd.PersistentFlags().Int("roblox-rate-limit", defaults.GetInt("roblox.rate_limit_per_minute"), "Roblox requests per minute")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "policy.path", "policy-path")
	bindFlag(cmd, "gateway.base_url", "gateway-base-url")
	bindFlag(cmd, "roblox.rate_limit_per_minute", "roblox-rate-limit")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dataStore, err := store.New(store.Config{Database: db})
	if err != nil {
		return err
	}

	policies, err := policy.NewRegistry(policy.RegistryConfig{
		Path:   appConfig.PolicyPath,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	limiter, err := roblox.NewLimiter(roblox.LimiterConfig{
		Capacity: appConfig.RobloxRatePerMin,
	})
	if err != nil {
		return err
	}
	robloxClient, err := roblox.NewClient(roblox.ClientConfig{
		Limiter: limiter,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	shim, err := gateway.NewHTTPClient(gateway.HTTPClientConfig{
		BaseURL: appConfig.GatewayBaseURL,
		Token:   appConfig.GatewayToken,
		HTTPClient: &http.Client{
			Timeout: time.Duration(appConfig.GatewayTimeoutMS) * time.Millisecond,
		},
	})
	if err != nil {
		return err
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database: db,
		Notifier: shim,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	verifier, err := verify.NewService(verify.ServiceConfig{
		Store:  dataStore,
		Roblox: robloxClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	engine, err := ranksync.NewEngine(ranksync.EngineConfig{
		Store:    dataStore,
		Policies: policies,
		Roblox:   robloxClient,
		Gateway:  shim,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sweeps, err := scheduler.New(scheduler.Config{
		Sweeper:  engine,
		Policies: policies,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenManager := server.NewTokenIssuer(server.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSecret),
		Issuer:        "rankbridge",
		Audience:      "rankbridge-admin",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    verifier,
		Engine:      engine,
		Policies:    policies,
		Scheduler:   sweeps,
		Stats:       dataStore,
		Tokens:      tokenManager,
		AdminSecret: appConfig.AdminSecret,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if purged, err := dataStore.PurgeExpiredPending(verify.ChallengeTTL); err != nil {
		logger.Warn("pending verification cleanup failed", zap.Error(err))
	} else if purged > 0 {
		logger.Info("expired pending verifications purged", zap.Int64("count", purged))
	}

	sweeps.Start()
	defer sweeps.Stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
