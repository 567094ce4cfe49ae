package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ntando/computer/internal/app/migrate"
	httpx "github.com/ntando/computer/internal/http"
	"github.com/ntando/computer/internal/intake"
	"github.com/ntando/computer/internal/packaging"
	"github.com/ntando/computer/internal/registry"
	"github.com/ntando/computer/internal/repository"
	badgerstore "github.com/ntando/computer/internal/repository/badger"
	"github.com/ntando/computer/internal/repository/memory"
	"github.com/ntando/computer/internal/repository/postgres"
	"github.com/ntando/computer/internal/service/auth"
	"github.com/ntando/computer/internal/service/deploy"
	"github.com/ntando/computer/internal/service/project"
	"github.com/ntando/computer/internal/workspace"
	"github.com/ntando/computer/internal/ws"
	"github.com/ntando/computer/pkg/config"
	"github.com/ntando/computer/pkg/logger"
)

// stores bundles the registry with the user repository that shares its backend.
type stores struct {
	registry *registry.Registry
	users    repository.UserRepository
	close    func()
}

func openStores(ctx context.Context, cfg config.APIConfig, log *slog.Logger) stores {
	opts := registry.Options{
		FailureThreshold: uint32(cfg.RegistryBreakerFails),
		OpenTimeout:      cfg.RegistryBreakerTimeout,
	}
	switch strings.ToLower(cfg.RegistryBackend) {
	case config.BackendPostgres:
		pool, err := migrate.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database url unusable, registry running in memory", "error", err)
			break
		}
		repo := postgres.New(pool)
		reg := registry.NewDurable(repo, log, opts)
		var runner *migrate.Runner
		if r, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log); err != nil {
			log.Error("migrations unavailable", "error", err)
		} else {
			runner = &r
		}
		if err := migrate.Await(ctx, pool, cfg.DBConnectTries, cfg.DBConnectDelay, log); err != nil {
			// writes land in the shadow, flagged degraded, until postgres answers
			log.Error("database unreachable, registry starting degraded", "error", err)
			_ = reg.Check(ctx)
			go migrateWhenReachable(ctx, reg, runner, cfg.DBConnectDelay, log)
		} else {
			applyMigrations(ctx, runner, log)
		}
		return stores{registry: reg, users: repo, close: pool.Close}
	case config.BackendBadger:
		store, err := badgerstore.Open(cfg.BadgerDir)
		if err != nil {
			log.Error("badger unavailable, registry running in memory", "dir", cfg.BadgerDir, "error", err)
			break
		}
		return stores{
			registry: registry.NewDurable(store, log, opts),
			users:    store,
			close: func() {
				if err := store.Close(); err != nil {
					log.Warn("badger close failed", "error", err)
				}
			},
		}
	case config.BackendMemory:
	default:
		log.Warn("unknown registry backend, using memory", "backend", cfg.RegistryBackend)
	}
	return stores{registry: registry.NewMemory(log), users: memory.New(), close: func() {}}
}

func applyMigrations(ctx context.Context, runner *migrate.Runner, log *slog.Logger) {
	if runner == nil {
		return
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
	}
}

// migrateWhenReachable polls the registry's store and applies migrations on the
// first successful ping.
func migrateWhenReachable(ctx context.Context, reg *registry.Registry, runner *migrate.Runner, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := reg.Check(pingCtx)
			cancel()
			if err != nil {
				continue
			}
			log.Info("database reachable, applying migrations")
			applyMigrations(ctx, runner, log)
			return
		}
	}
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStores(ctx, cfg, log)
	defer st.close()
	log.Info("registry ready", "backend", cfg.RegistryBackend, "mode", st.registry.Mode())

	staging, err := workspace.New(cfg.StagingRoot)
	if err != nil {
		log.Error("failed to prepare staging root", "dir", cfg.StagingRoot, "error", err)
		os.Exit(1)
	}
	publish, err := workspace.New(cfg.PublishRoot)
	if err != nil {
		log.Error("failed to prepare publish root", "dir", cfg.PublishRoot, "error", err)
		os.Exit(1)
	}

	var hubOpts []ws.Option
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		relay, err := ws.ConnectNATS(url, log)
		if err != nil {
			log.Warn("nats relay unavailable", "error", err)
		} else {
			defer relay.Close()
			hubOpts = append(hubOpts, ws.WithRelay(relay))
		}
	}
	hub := ws.NewHub(cfg.BusBuffer, log, hubOpts...)

	orch := deploy.NewOrchestrator(st.registry, packaging.New(publish), hub, staging, log, deploy.OrchestratorOptions{
		Timeout: cfg.DeployTimeout,
		URLs:    deploy.URLBuilder{DomainSuffix: cfg.SiteDomainSuffix, BaseURL: cfg.PublicBaseURL},
	})
	uploads := intake.New(staging, intake.Options{MaxFiles: cfg.MaxFiles, MaxFileSize: cfg.MaxFileSize()}, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Deps{
		Logger:         log,
		Auth:           auth.New(st.users, log, cfg),
		Projects:       project.New(st.registry, log),
		Deploy:         deploy.New(uploads, st.registry, orch, log),
		Hub:            hub,
		Registry:       st.registry,
		InFlight:       orch.InFlight,
		Limiter:        limiter,
		PublishRoot:    publish.Root(),
		MaxUploadBytes: int64(uploads.MaxFiles())*uploads.MaxFileSize() + 1<<20,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error("deployments still running at shutdown", "in_flight", orch.InFlight(), "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
