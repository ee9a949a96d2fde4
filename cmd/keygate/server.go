package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/acme"
	"github.com/rsclarke/keygate/internal/audit"
	"github.com/rsclarke/keygate/internal/authz"
	"github.com/rsclarke/keygate/internal/config"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/keys"
	"github.com/rsclarke/keygate/internal/logging"
	keymetrics "github.com/rsclarke/keygate/internal/metrics"
	"github.com/rsclarke/keygate/internal/ratelimit"
	"github.com/rsclarke/keygate/internal/server"
	"github.com/rsclarke/keygate/internal/store"
	"github.com/rsclarke/keygate/internal/sweep"
)

var serverFlags struct {
	configPath    string
	challengeAddr string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway and admin listeners",
	Long: `Start the keygate gateway and admin API.

Settings come from built-in defaults, then the YAML file given with --config,
then KEYGATE_* environment variables.

TLS Modes:
  tls_cert + tls_key   → Manual TLS on the gateway listener
  acme_domains         → Automatic certificates from Let's Encrypt using the
                         HTTP-01 and TLS-ALPN-01 challenges
  (neither)            → Plain HTTP; put a TLS-terminating proxy in front and
                         set trust_proxy_headers

If no admin token is configured a random one is generated and printed once.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	addConfigFlag(serverCmd, &serverFlags.configPath)
	serverCmd.Flags().StringVar(&serverFlags.challengeAddr, "http-challenge-addr", getEnv("KEYGATE_HTTP_CHALLENGE_ADDR", ":80"), "listener for ACME HTTP-01 challenges (ACME mode only)")
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVar(path, "config", os.Getenv("KEYGATE_CONFIG"), "path to YAML config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverFlags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.AdminToken == "" && cfg.AdminAddr != "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return fmt.Errorf("generate admin token: %w", err)
		}
		cfg.AdminToken = base64.RawURLEncoding.EncodeToString(tokenBytes)
		fmt.Println("=============================================================")
		fmt.Println("ADMIN TOKEN GENERATED (set KEYGATE_ADMIN_TOKEN to keep it):")
		fmt.Println(cfg.AdminToken)
		fmt.Println("=============================================================")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := keymetrics.New(reg)

	keyStore := store.New(database)
	sink := audit.Multi{keyStore, audit.NewLogger(logger.Named("audit"))}

	var (
		cache ratelimit.Cache
		local *ratelimit.LocalCache
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		cache = ratelimit.NewRedisCache(rdb)
		logger.Info("using redis rate cache", logging.Addr(cfg.RedisAddr))
	} else {
		local = ratelimit.NewLocalCache(nil)
		cache = local
	}
	limiter := ratelimit.New(cache, keyStore, logger)

	authorizer := authz.New(
		authz.Config{RequireHTTPS: cfg.RequireHTTPS, LogRequests: cfg.LogRequests},
		keyStore, limiter, sink,
		authz.WithMetrics(metrics),
		authz.WithLogger(logger),
	)

	var upstream http.Handler
	if cfg.UpstreamURL != "" {
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return fmt.Errorf("parse upstream url: %w", err)
		}
		upstream = server.NewUpstreamProxy(target, logger.Named("proxy"))
	} else {
		logger.Warn("no upstream configured, only the test endpoint will answer")
	}

	gateway := &server.Gateway{
		Authorizer: authorizer,
		Upstream:   upstream,
		Config: server.GatewayConfig{
			EndpointPrefix:    cfg.EndpointPrefix,
			PublicEndpoints:   cfg.PublicEndpoints,
			CORSOrigins:       cfg.CORSOrigins,
			TrustProxyHeaders: cfg.TrustProxyHeaders,
		},
		Logger: logger.Named("gateway"),
	}

	sweepOpts := []sweep.Option{sweep.WithMetrics(metrics), sweep.WithLogger(logger)}
	if local != nil {
		sweepOpts = append(sweepOpts, sweep.WithCache(local))
	}
	sweeper := sweep.New(database, sweep.Config{
		Schedule:      cfg.SweepSchedule,
		RetentionDays: cfg.LogRetentionDays,
	}, sweepOpts...)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	var servers []*server.ManagedServer

	gatewayCfg := server.DefaultServerConfig(cfg.GatewayAddr, gateway, logger.Named("gateway"))
	switch {
	case cfg.TLSCertFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		gatewayCfg.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		logger.Info("tls enabled", logging.TLSMode("manual"))
	case len(cfg.ACMEDomains) > 0:
		manager := acme.NewManager(cfg.ACMEDomains, cfg.ACMEEmail, database, cfg.ACMEStaging, logger.Named("certmagic"))
		if err := manager.Manage(ctx); err != nil {
			return fmt.Errorf("ACME certificate management: %w", err)
		}
		gatewayCfg.TLSConfig = manager.TLSConfig()
		servers = append(servers, server.NewManagedServer("acme-http",
			server.DefaultServerConfig(serverFlags.challengeAddr, manager.HTTPChallengeHandler(gateway), logger.Named("acme-http"))))
		logger.Info("tls enabled", logging.TLSMode("acme"), zap.Strings("domains", cfg.ACMEDomains))
	default:
		logger.Info("tls disabled", zap.Bool("trust_proxy_headers", cfg.TrustProxyHeaders))
	}
	servers = append(servers, server.NewManagedServer("gateway", gatewayCfg))

	if cfg.AdminAddr != "" {
		admin := &server.AdminServer{
			Keys: keys.NewService(database, keys.Defaults{
				RateLimit:  cfg.DefaultRateLimit,
				KeyLength:  cfg.DefaultKeyLength,
				ExpiryDays: cfg.DefaultKeyExpiryDays,
			}, keys.WithLogger(logger)),
			DB:      database,
			Token:   cfg.AdminToken,
			Logger:  logger.Named("admin"),
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}
		servers = append(servers, server.NewManagedServer("admin",
			server.DefaultServerConfig(cfg.AdminAddr, admin.Handler(), logger.Named("admin"))))
	}

	for _, s := range servers {
		if err := s.Start(); err != nil {
			shutdownAll(servers)
			return err
		}
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *server.ManagedServer) {
			if err := <-s.Err(); err != nil {
				errCh <- err
			}
		}(s)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownAll(servers)
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func shutdownAll(servers []*server.ManagedServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		s.Shutdown(ctx)
	}
}
