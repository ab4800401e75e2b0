package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/splax/shipyard/internal/command"
	"github.com/splax/shipyard/internal/docker"
	httpx "github.com/splax/shipyard/internal/http"
	"github.com/splax/shipyard/internal/metrics"
	"github.com/splax/shipyard/internal/ports"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/reconcile"
	"github.com/splax/shipyard/internal/workspace"
	"github.com/splax/shipyard/internal/ws"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment engine and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	_ = a.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info("store ready", "driver", cfg.Database.Driver)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(reg, log)

	health := map[string]httpx.HealthCheck{"database": store.Ping}
	probers := ports.MultiProber{}
	if cfg.Ports.Probe {
		probers = append(probers, ports.HostProber{})
	}
	var inspector deploy.Inspector
	dockerClient, err := docker.New(cfg.Docker.Host)
	if err != nil {
		log.Warn("docker api unavailable; port probing and binding checks limited to the host", "error", err)
	} else {
		defer dockerClient.Close()
		probers = append(probers, dockerClient)
		inspector = dockerClient
		health["docker"] = dockerClient.Ping
	}
	allocator, err := ports.New(cfg.Ports.Start, cfg.Ports.End, probers)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	hubOpts := []ws.Option{ws.WithBuffer(cfg.Deploy.SubscriberBuffer), ws.WithDropHook(sink.EventDropped)}
	limiter := httpx.NewMemoryRateLimiter()
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		mirror := ws.NewRedisMirror(redisClient, "", 0, log)
		mirror.OnDrop(sink.EventDropped)
		mirror.Start(ctx)
		defer mirror.Close()
		hubOpts = append(hubOpts, ws.WithMirror(mirror))
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
		health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		log.Info("redis enabled", "addr", cfg.Redis.Addr)
	}
	hub := ws.NewHub(log, hubOpts...)

	wsMgr, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return err
	}

	executor, err := deploy.New(deploy.Dependencies{
		Store:     store,
		Workspace: wsMgr,
		Runner:    command.NewRunner(log, command.WithTimeout(cfg.Deploy.CommandTimeout)),
		Hub:       hub,
		Ports:     allocator,
		Inspector: inspector,
		Metrics:   sink,
		Logger:    log,
	}, deploy.Config{
		ComposeCmd:        cfg.Docker.ComposeCmd,
		DockerCmd:         cfg.Docker.DockerCmd,
		PublicURLTemplate: cfg.Deploy.PublicURLTemplate,
		NamePrefix:        cfg.Deploy.NamePrefix,
		KeepWorkdir:       cfg.Deploy.KeepWorkdir,
	})
	if err != nil {
		return err
	}
	adopted, err := executor.AdoptLivePorts(ctx)
	if err != nil {
		return fmt.Errorf("adopt live ports: %w", err)
	}
	log.Info("live ports adopted", "count", adopted)

	reconciler := reconcile.New(reconcile.Config{
		Schedule:     cfg.Reconcile.Schedule,
		StaleAfter:   cfg.Reconcile.StaleAfter,
		WorkspaceTTL: cfg.Workspace.TTL,
	}, store, executor, wsMgr, sink, log)
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer reconciler.Stop()

	router := httpx.NewRouter(httpx.Options{
		Logger:      log,
		Deployments: executor,
		Hub:         hub,
		Limiter:     limiter,
		RateLimit:   cfg.HTTP.RateLimit,
		RateWindow:  cfg.HTTP.RateWindow,
		APIToken:    cfg.HTTP.APIToken,
		Health:      health,
		Registerer:  reg,
		Gatherer:    reg,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := executor.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
