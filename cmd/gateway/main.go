// Command gateway is the entry point for the multi-tenant LLM chat-
// completion gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/llmgateway/internal/adminapi"
	"github.com/vitaliisemenov/llmgateway/internal/api"
	"github.com/vitaliisemenov/llmgateway/internal/concurrency"
	"github.com/vitaliisemenov/llmgateway/internal/config"
	"github.com/vitaliisemenov/llmgateway/internal/credential"
	"github.com/vitaliisemenov/llmgateway/internal/directory"
	"github.com/vitaliisemenov/llmgateway/internal/logincache"
	"github.com/vitaliisemenov/llmgateway/internal/middleware"
	"github.com/vitaliisemenov/llmgateway/internal/quota"
	"github.com/vitaliisemenov/llmgateway/internal/upstream"
	"github.com/vitaliisemenov/llmgateway/pkg/logger"
	"github.com/vitaliisemenov/llmgateway/pkg/metrics"
)

const (
	serviceName    = "llmgateway"
	serviceVersion = "1.0.0"
)

func main() {
	var configPath = flag.String("config", "config.toml", "path to configuration file")
	var showVersion = flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		Filename: cfg.Log.Filename, MaxSize: cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups, MaxAge: cfg.Log.MaxAge, Compress: cfg.Log.Compress,
	})
	log.Info("starting gateway", "service", serviceName, "version", serviceVersion)

	dir := directory.New(cfg.Admin.UsersDir, log)
	seed := make([]directory.SeedUser, 0, len(cfg.Admin.SeedUsers))
	for _, raw := range cfg.Admin.SeedUsers {
		name, credential, tier, ok := parseSeedUser(raw)
		if !ok {
			log.Warn("skipping malformed seed user entry", "entry", raw)
			continue
		}
		seed = append(seed, directory.SeedUser{Name: name, Credential: credential, Tier: directory.Tier(tier)})
	}
	if err := dir.Bootstrap(seed); err != nil {
		log.Error("failed to bootstrap user directory", "error", err)
		os.Exit(1)
	}

	registry := metrics.DefaultRegistry()

	creds := credential.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	logins := logincache.New(cfg.Auth.EffectiveTTL(), cfg.Auth.LoginCacheCapacity)
	gate := concurrency.New()
	ledger := quota.New(cfg.Quota.DataDir, cfg.Quota.SaveInterval, cfg.Quota.MonthlyResetDay, cfg,
		func(principal string) (string, bool) {
			p := dir.Lookup(principal)
			if p == nil {
				return "", false
			}
			return string(p.Tier), true
		}, log, registry.Quota())

	upstreamClient := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL, APIKey: cfg.Upstream.APIKey,
		ConnectTimeout: cfg.Upstream.ConnectTimeout(),
		PoolMaxIdlePerHost: cfg.Upstream.HTTPClient.PoolMaxIdlePerHost,
		PoolIdleTimeout: cfg.Upstream.HTTPClient.PoolIdleTimeout(),
		TCPNoDelay: cfg.Upstream.HTTPClient.TCPNoDelay,
		HTTP2AdaptiveWindow: cfg.Upstream.HTTPClient.HTTP2AdaptiveWindow,
	})

	chatHandler := api.New(api.Deps{
		Directory: dir, Credential: creds, Logins: logins, Gate: gate, Ledger: ledger,
		Upstream: upstreamClient, IdleTimeout: 90 * time.Second,
		LoginTTL: cfg.Auth.EffectiveTTL(), Logger: log, Metrics: registry,
	})
	admin := adminapi.New(dir, logins, log)

	httpMetrics := metrics.NewMetricsManager(metrics.Config{
		Enabled: cfg.Metrics.Enabled, Path: cfg.Metrics.Path,
		Namespace: registry.Namespace(), Subsystem: "http",
	})

	router := mux.NewRouter()
	publicStack := middleware.BuildPublicStack(middleware.Config{Logger: log, Metrics: httpMetrics})
	adminStack := middleware.BuildAdminStack(middleware.Config{Logger: log, Metrics: httpMetrics})

	router.Handle("/healthz", publicStack(http.HandlerFunc(healthHandler))).Methods(http.MethodGet)
	router.Handle("/auth/login", publicStack(http.HandlerFunc(chatHandler.Login))).Methods(http.MethodPost)
	router.Handle("/auth/quota", publicStack(http.HandlerFunc(chatHandler.Quota))).Methods(http.MethodGet)
	router.Handle("/chat/completions", publicStack(http.HandlerFunc(chatHandler.ChatCompletions))).Methods(http.MethodPost)

	if httpMetrics.IsEnabled() {
		router.Handle(httpMetrics.GetPath(), httpMetrics.Handler()).Methods(http.MethodGet)
	}

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(func(next http.Handler) http.Handler { return adminStack(next) })
	admin.Register(adminRouter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// No WriteTimeout: the chat-completions handler owns a long-lived
		// streaming response body that must not be cut off mid-stream.
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("http server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	log.Info("shutdown signal received, draining")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	ledger.Drain()
	log.Info("gateway exited cleanly")
}

// parseSeedUser parses a "name:credential:tier" seed entry.
func parseSeedUser(raw string) (name, credential, tier string, ok bool) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			parts = append(parts, raw[start:i])
			start = i + 1
		}
	}
	parts = append(parts, raw[start:])
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
