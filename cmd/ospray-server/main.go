package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/ospray/ospray-server/internal/api/http"
	"github.com/ospray/ospray-server/internal/auth"
	"github.com/ospray/ospray-server/internal/bundle"
	"github.com/ospray/ospray-server/internal/bus"
	"github.com/ospray/ospray-server/internal/gateway"
	"github.com/ospray/ospray-server/internal/identity"
	"github.com/ospray/ospray-server/internal/implants"
	"github.com/ospray/ospray-server/internal/store"
	"github.com/ospray/ospray-server/internal/tasks"
	"github.com/ospray/ospray-server/internal/workflow"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Ospray Server", "version", AppVersion)

	if err := store.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	authority, err := identity.LoadOrCreateAuthority(config.CA.CertFile, config.CA.KeyFile)
	if err != nil {
		slog.Error("Failed to initialize certificate authority", "error", err)
		os.Exit(1)
	}

	tracker := implants.NewTracker()
	implantSvc := implants.NewService(store.NewImplantStore(pool), tracker)
	identitySvc := identity.NewService(store.NewCertificateStore(pool), authority, config.CA.CertValidity)
	busSvc := bus.NewService(store.NewBusStore(pool))
	authSvc := auth.NewService(store.NewOperatorStore(pool), config.Auth)

	distributor := tasks.NewDistributor(store.NewTaskStore(pool), implantSvc, nil)
	gw := gateway.NewGateway(tracker, implantSvc, distributor)
	distributor.SetDispatcher(gw)

	orchestrator := workflow.NewOrchestrator(store.NewWorkflowStore(pool), distributor, implantSvc)

	builder, err := bundle.NewDockerBuilder(config.Bundles.BuilderImage, config.Bundles.OutputDir)
	if err != nil {
		slog.Error("Failed to initialize bundle builder", "error", err)
		os.Exit(1)
	}
	bundleSvc := bundle.NewService(store.NewBundleStore(pool), builder, identitySvc, implantSvc,
		config.Bundles.PackageDir, config.Bundles.ControllerURL)

	services := &internalhttp.Services{
		Auth:         authSvc,
		AuthConfig:   config.Auth,
		Bus:          busSvc,
		Implants:     implantSvc,
		Distributor:  distributor,
		Orchestrator: orchestrator,
		Identity:     identitySvc,
		Bundles:      bundleSvc,
		Gateway:      gw,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	startSweeps(ctx, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	tracker.Stop()
	slog.Info("Shutdown complete")
}

// startSweeps launches the background maintenance loops. Each loop runs
// one pass per tick and exits when the root context is cancelled.
func startSweeps(ctx context.Context, srvs *internalhttp.Services) {
	sweeps := config.Sweeps

	every(ctx, orDefault(sweeps.AssignInterval, 5*time.Second), "task assignment", func(ctx context.Context) {
		if _, err := srvs.Distributor.AssignTasksToImplants(ctx, tasks.AssignOptions{}); err != nil {
			slog.Error("Assignment pass failed", "error", err)
		}
	})

	every(ctx, orDefault(sweeps.RetryInterval, 30*time.Second), "task retry", func(ctx context.Context) {
		if _, err := srvs.Distributor.RetryFailedTasks(ctx); err != nil {
			slog.Error("Retry pass failed", "error", err)
		}
	})

	every(ctx, orDefault(sweeps.TimeoutInterval, 15*time.Second), "task timeout", func(ctx context.Context) {
		srvs.Distributor.SweepTimeouts(ctx)
	})

	every(ctx, orDefault(sweeps.ExpireInterval, time.Minute), "message expiry", func(ctx context.Context) {
		srvs.Bus.ExpireMessages(ctx)
	})

	agentThreshold := orDefault(sweeps.AgentThreshold, 5*time.Minute)
	every(ctx, orDefault(sweeps.AgentInterval, time.Minute), "agent liveness", func(ctx context.Context) {
		srvs.Bus.SweepAgentLiveness(ctx, agentThreshold)
	})

	heartbeatThreshold := orDefault(sweeps.HeartbeatThreshold, 2*time.Minute)
	every(ctx, orDefault(sweeps.HeartbeatInterval, 30*time.Second), "implant liveness", func(ctx context.Context) {
		srvs.Implants.SweepStaleHeartbeats(ctx, heartbeatThreshold)
	})
}

func every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("Background sweep started", "sweep", name, "interval", interval)
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				slog.Info("Background sweep stopped", "sweep", name)
				return
			}
		}
	}()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
