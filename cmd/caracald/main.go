// Command caracald runs the Caracal authority gateway: the HTTP service
// that authenticates agent calls, enforces mandate scope, evaluates budget
// policy, forwards the call upstream, and meters the result into the
// append-only ledger. Configuration is flags only; there is no config-file
// loader, and every subsystem takes a plain options struct with documented
// defaults.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Garudex-Labs/caracal-sub003/gateway"
	"github.com/Garudex-Labs/caracal-sub003/gateway/auth"
	"github.com/Garudex-Labs/caracal-sub003/gateway/middleware"
	"github.com/Garudex-Labs/caracal-sub003/internal/cache"
	"github.com/Garudex-Labs/caracal-sub003/internal/charge"
	"github.com/Garudex-Labs/caracal-sub003/internal/ledger"
	"github.com/Garudex-Labs/caracal-sub003/internal/mandate"
	"github.com/Garudex-Labs/caracal-sub003/internal/policy"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
	"github.com/Garudex-Labs/caracal-sub003/observability/logging"
)

func main() {
	var (
		listenAddr    string
		dataDir       string
		env           string
		logFile       string
		tlsCertFile   string
		tlsKeyFile    string
		tlsClientCA   string
		jwtSecret     string
		adminSecret   string
		noncePersist  bool
		allowInsecure bool
		proxyRate     float64
		proxyBurst    int
	)
	flag.StringVar(&listenAddr, "listen", ":8443", "gateway listen address")
	flag.StringVar(&dataDir, "data-dir", "./data", "directory holding principal/policy/ledger state")
	flag.StringVar(&env, "env", "", "deployment environment name, included in every log line")
	flag.StringVar(&logFile, "log-file", "", "rotating log file path; empty logs to stdout only")
	flag.StringVar(&tlsCertFile, "tls-cert", "", "TLS certificate for mTLS/HTTPS")
	flag.StringVar(&tlsKeyFile, "tls-key", "", "TLS private key")
	flag.StringVar(&tlsClientCA, "tls-client-ca", "", "CA bundle verifying client certificates (mTLS)")
	flag.StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret validating caller bearer tokens")
	flag.StringVar(&adminSecret, "admin-secret", "", "HMAC secret validating the admin bearer token for /stats and /metrics")
	flag.BoolVar(&noncePersist, "durable-nonces", true, "persist the replay guard's nonce set to disk so it survives a restart")
	flag.BoolVar(&allowInsecure, "allow-insecure", false, "DEV ONLY: permit a plaintext listener")
	flag.Float64Var(&proxyRate, "proxy-rate", 50, "proxied requests per second allowed per caller")
	flag.IntVar(&proxyBurst, "proxy-burst", 100, "proxied request burst allowed per caller")
	flag.Parse()

	env = strings.TrimSpace(env)
	var logger = logging.Setup("caracald", env)
	if strings.TrimSpace(logFile) != "" {
		logger = logging.SetupRotating("caracald", env, logging.RotationConfig{Path: logFile})
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("create data directory", "error", err)
		os.Exit(1)
	}

	registry, err := principal.New(principal.Options{Path: dataDir + "/principals.json"})
	if err != nil {
		logger.Error("open principal registry", "error", err)
		os.Exit(1)
	}

	mandates := mandate.NewManager(registry)

	policyStore, err := policy.New(policy.Options{
		Path:     dataDir + "/policies.json",
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("open policy store", "error", err)
		os.Exit(1)
	}

	charges := charge.NewManager(charge.Options{Logger: logger})

	ledgerWriter, err := ledger.NewWriter(ledger.WriterOptions{Path: dataDir + "/ledger.jsonl", Logger: logger})
	if err != nil {
		logger.Error("open ledger writer", "error", err)
		os.Exit(1)
	}
	ledgerQuery := ledger.NewQuery(ledger.QueryOptions{Path: dataDir + "/ledger.jsonl", Logger: logger})

	evaluator := policy.NewEvaluator(policyStore, ledgerQuery, charges)
	policyCache := cache.New(cache.Options{})

	var noncePersistence auth.NoncePersistence
	if noncePersist {
		backend, err := auth.NewLevelDBNoncePersistence(dataDir + "/nonces")
		if err != nil {
			logger.Error("open nonce persistence", "error", err)
			os.Exit(1)
		}
		defer backend.Close()
		noncePersistence = backend
	}
	replayGuard := auth.NewReplayGuard(auth.ReplayGuardOptions{Persistence: noncePersistence})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := replayGuard.Hydrate(ctx); err != nil {
		logger.Warn("replay guard hydrate failed, starting with an empty nonce set", "error", err)
	}

	authenticator := auth.New(auth.Options{
		Registry:  registry,
		JWTSecret: []byte(jwtSecret),
	})

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "caracal-gateway",
		Enabled:     true,
		LogRequests: true,
	}, nil)

	gw := gateway.New(gateway.Config{
		Authenticator: authenticator,
		Replay:        replayGuard,
		Mandates:      mandates,
		Evaluator:     evaluator,
		Charges:       charges,
		Ledger:        ledgerWriter,
		Cache:         policyCache,
		Observability: obs,
		Logger:        logger,
	})

	root := chi.NewRouter()
	gateway.MountAdmin(root, gateway.AdminConfig{
		Registry:      registry,
		Policies:      policyStore,
		Charges:       charges,
		Cache:         policyCache,
		Replay:        replayGuard,
		Gateway:       gw,
		Observability: obs,
		Probes: []gateway.HealthProbe{
			{Name: "policy_store", Check: policyStore.Ping},
			{Name: "ledger", Check: ledgerQuery.Ping},
		},
		AdminAuth: middleware.NewAdminAuthenticator(middleware.AdminAuthConfig{
			Enabled:       adminSecret != "",
			HMACSecret:    adminSecret,
			OptionalPaths: []string{"/health"},
		}, nil),
		CORS: middleware.CORSConfig{AllowedOrigins: []string{"*"}},
	})
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"proxy": {RatePerSecond: proxyRate, Burst: proxyBurst},
	}, nil)
	proxyHandler := obs.Middleware("proxy")(limiter.Middleware("proxy")(gw))
	root.NotFound(proxyHandler.ServeHTTP)
	root.MethodNotAllowed(proxyHandler.ServeHTTP)

	tlsConfig, err := buildTLSConfig(tlsCertFile, tlsKeyFile, tlsClientCA)
	if err != nil {
		logger.Error("configure TLS", "error", err)
		os.Exit(1)
	}
	if tlsConfig == nil && !allowInsecure {
		logger.Error("TLS certificate and key are required; pass -tls-cert/-tls-key or start with -allow-insecure for local development")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	}

	go gw.RunMaintenance(ctx, charge.DefaultReapInterval)

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Error("listen", "error", err)
		os.Exit(1)
	}
	go func() {
		scheme := "http"
		var serveErr error
		if tlsConfig != nil {
			scheme = "https"
			serveErr = server.Serve(tls.NewListener(listener, tlsConfig))
		} else {
			serveErr = server.Serve(listener)
		}
		logger.Info("listening", "scheme", scheme, "addr", listener.Addr().String())
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("serve", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func buildTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	certFile = strings.TrimSpace(certFile)
	keyFile = strings.TrimSpace(keyFile)
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("-tls-cert and -tls-key must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if clientCAFile = strings.TrimSpace(clientCAFile); clientCAFile != "" {
		data, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", clientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}
