// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/config"
	"github.com/cyfrworks/cyfr/pkg/kernel"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/policy"
	"github.com/cyfrworks/cyfr/pkg/registry"
	"github.com/cyfrworks/cyfr/pkg/sandbox"
	"github.com/cyfrworks/cyfr/pkg/secrets"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
	"github.com/cyfrworks/cyfr/pkg/telemetry"
	"github.com/cyfrworks/cyfr/pkg/tools"
	"github.com/cyfrworks/cyfr/pkg/transport"
	"github.com/cyfrworks/cyfr/pkg/transport/sse"
	"github.com/cyfrworks/cyfr/pkg/versions"
)

// devSecretKeyBase keeps development setups running without configuration.
// config.Validate refuses an empty key base in production, so this fallback
// is only reachable in development, and serve still warns loudly.
const devSecretKeyBase = "cyfr-development-only-secret-key-base"

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cyfrd MCP server",
		Long:  "Start the MCP server: HTTP transport, component registry, policy engine, and the WASM execution kernel.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithPath(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file (default: XDG config dir)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.BasePath, 0o750); err != nil {
		return fmt.Errorf("creating base path: %w", err)
	}

	// One server per data directory; two writers would race on SQLite and
	// the storage tree.
	lock := flock.New(cfg.BasePath + "/cyfrd.lock")
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another cyfrd instance is already serving %s", cfg.BasePath)
	}
	defer func() { _ = lock.Unlock() }()

	st, err := store.Open(ctx, store.Options{Path: cfg.DBPath, PoolSize: cfg.DBPoolSize})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	adapter, err := storage.NewLocalAdapter(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("creating storage adapter: %w", err)
	}

	keyBase := cfg.SecretKeyBase
	if keyBase == "" {
		logger.Warnw("No secret key base configured; using the built-in development key. Do not run production like this.")
		keyBase = devSecretKeyBase
	}
	cipher, err := secrets.NewCipher(keyBase, cfg.PBKDF2Iterations)
	if err != nil {
		return fmt.Errorf("deriving vault key: %w", err)
	}

	sessions := authn.NewSessionManager(st, cfg.SessionTTL())
	defer sessions.Stop()
	keys := authn.NewKeyManager(st)
	flow := authn.NewDeviceFlow(sessions, fmt.Sprintf("http://%s/device", cfg.ListenAddr()))

	var jwtValidator *authn.JWTValidator
	if cfg.JWTSigningKey != "" {
		jwtValidator, err = authn.NewJWTValidator(authn.JWTConfig{
			SigningKey: cfg.JWTSigningKey,
			ClockSkew:  cfg.JWTClockSkew(),
		})
		if err != nil {
			return fmt.Errorf("configuring jwt validation: %w", err)
		}
	}

	reg := registry.New(st, adapter)
	policies := policy.NewEngine(st)
	secretMgr := secrets.NewManager(st, cipher)
	plog := audit.NewPolicyLogger(st, adapter)
	auditor := audit.NewAuditor(st, adapter)
	requests := audit.NewRequestLogger(st, adapter)

	verifier, err := kernel.NewVerifier(cfg.Registry.TrustRoots)
	if err != nil {
		return fmt.Errorf("loading trust roots: %w", err)
	}

	engine := sandbox.NewWazeroEngine()
	defer func() { _ = engine.Close(context.Background()) }()

	k := kernel.New(kernel.Options{
		Store:    st,
		Registry: reg,
		Policies: policies,
		Secrets:  secretMgr,
		Adapter:  adapter,
		Engine:   engine,
		Verifier: verifier,
		Policy:   plog,
	})

	router := tools.NewRouter()
	router.MustRegister(tools.NewExecutionTool(k))
	router.MustRegister(tools.NewBuildTool(nil, reg, adapter))
	router.MustRegister(tools.NewComponentTool(reg))
	router.MustRegister(tools.NewGuideTool())
	router.MustRegister(tools.NewStorageTool(adapter, st))
	router.MustRegister(tools.NewSessionTool(flow, sessions))
	router.MustRegister(tools.NewPermissionTool(st))
	router.MustRegister(tools.NewSecretTool(secretMgr))
	router.MustRegister(tools.NewKeyTool(keys))
	router.MustRegister(tools.NewAuditTool(auditor))
	router.MustRegister(tools.NewPolicyLogTool(plog))
	k.SetInvoker(router)

	version := versions.GetVersionInfo().Version
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:                    cfg.OTEL.Endpoint,
		ServiceName:                 "cyfrd",
		ServiceVersion:              version,
		SamplingRate:                cfg.OTEL.SamplingRate,
		EnablePrometheusMetricsPath: cfg.OTEL.EnablePrometheusMetricsPath,
	})
	if err != nil {
		return fmt.Errorf("configuring telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("Telemetry shutdown failed", "error", err)
		}
	}()

	var indexer *registry.Indexer
	if interval := cfg.IndexInterval(); interval > 0 {
		indexer = registry.NewIndexer(reg, adapter, interval)
		go indexer.Run(ctx)
		defer indexer.Stop()
	}

	srv := transport.NewServer(cfg.ListenAddr(), transport.Options{
		Router:    router,
		Sessions:  sessions,
		Keys:      keys,
		JWT:       jwtValidator,
		Hub:       sse.NewHub(),
		Requests:  requests,
		Telemetry: tel,
		Version:   version,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("cyfrd listening", "addr", cfg.ListenAddr(), "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infow("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warnw("HTTP shutdown failed", "error", err)
	}
	return nil
}
