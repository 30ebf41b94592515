// Package main provides the entry point for the compliance orchestrator daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/otrix/occam-agents/internal/agents"
	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/internal/config"
	"github.com/otrix/occam-agents/internal/db"
	"github.com/otrix/occam-agents/internal/factbox"
	"github.com/otrix/occam-agents/internal/governance"
	"github.com/otrix/occam-agents/internal/metrics"
	"github.com/otrix/occam-agents/internal/orchestrator"
	"github.com/otrix/occam-agents/internal/registry"
	"github.com/otrix/occam-agents/internal/status"
	"github.com/otrix/occam-agents/internal/vault"
	"github.com/otrix/occam-agents/internal/workflow"
	"github.com/otrix/occam-agents/pkg/types"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format override (json, console)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("occamd %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger, err := initLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting compliance orchestrator",
		zap.String("version", Version),
		zap.Int("http_port", cfg.Server.HTTPPort),
	)

	masterKey, err := config.MasterKey()
	if err != nil {
		logger.Fatal("Vault master key unavailable", zap.Error(err))
	}

	clk := clock.NewReal()
	m := metrics.New("occam")

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var (
		auditStore    audit.Store
		workflowStore workflow.Store
		vaultStore    vault.Store
		approvalStore governance.ApprovalStore
	)
	if cfg.Database.DSN != "" {
		handle, err := db.Open(cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Cannot connect to database", zap.Error(err))
		}
		defer handle.Close()

		runner, err := db.NewMigrationRunner(handle, logger)
		if err != nil {
			logger.Fatal("Cannot prepare migrations", zap.Error(err))
		}
		if err := runner.Up(); err != nil {
			logger.Fatal("Migrations failed", zap.Error(err))
		}
		runner.Close()

		auditStore = audit.NewPostgresStore(handle)
		workflowStore = workflow.NewPostgresStore(handle)
		vaultStore = vault.NewPostgresStore(handle)
		approvalStore = governance.NewPostgresApprovalStore(handle)
		logger.Info("Postgres persistence enabled")
	} else {
		auditStore = audit.NewMemoryStore()
		workflowStore = workflow.NewMemoryStore()
		vaultStore = vault.NewMemoryStore()
		approvalStore = governance.NewMemoryApprovalStore()
		logger.Info("In-memory persistence selected")
	}

	auditLog, err := audit.New(auditStore, clk, cfg.AuditConfig(), logger)
	if err != nil {
		logger.Fatal("Cannot initialize audit log", zap.Error(err))
	}
	defer auditLog.Close()

	facts, err := factbox.New(factbox.NewMemoryStore(), factbox.NewCache(cfg.Cache, clk, logger), auditLog, clk, logger)
	if err != nil {
		logger.Fatal("Cannot initialize factbox", zap.Error(err))
	}

	credVault, err := vault.New(masterKey, vaultStore, auditLog, clk, cfg.Vault.PasswordPolicy, logger)
	if err != nil {
		logger.Fatal("Cannot initialize vault", zap.Error(err))
	}

	gov, err := governance.New(cfg.GovernanceConfig(), approvalStore, auditLog, clk, logger)
	if err != nil {
		logger.Fatal("Cannot initialize governance", zap.Error(err))
	}

	reg := registry.New(registry.DefaultConfig(), logger)
	if err := registerBuiltinAgents(reg, clk, logger); err != nil {
		logger.Fatal("Cannot register built-in agents", zap.Error(err))
	}

	orch, err := orchestrator.New(cfg.OrchestratorConfig(), workflowStore, reg, gov,
		facts, credVault, auditLog, clk, m, logger)
	if err != nil {
		logger.Fatal("Cannot initialize orchestrator", zap.Error(err))
	}

	engine := status.New(cfg.StatusConfig(), workflowStore, facts, auditLog, clk, m, logger)
	engine.AddChannel(status.NewLogChannel(logger))

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	orch.Start(rootCtx)
	go engine.Run(rootCtx)
	go sweepApprovals(rootCtx, gov, clk, logger)

	// Pick up workflows interrupted by the previous run.
	if active, err := workflowStore.ListActive(rootCtx); err == nil {
		for _, wf := range active {
			orch.Resume(wf.ID)
		}
		if len(active) > 0 {
			logger.Info("Resumed in-flight workflows", zap.Int("count", len(active)))
		}
	}

	// Governance limits hot reload.
	if cfg.Governance.LimitsPath != "" {
		watcher, err := governance.NewLimitsWatcher(cfg.Governance.LimitsPath, gov, logger)
		if err != nil {
			logger.Fatal("Cannot create limits watcher", zap.Error(err))
		}
		if err := watcher.Watch(rootCtx); err != nil {
			logger.Fatal("Cannot watch limits file", zap.Error(err))
		}
		defer watcher.Stop()
	}

	var ready atomic.Bool
	ready.Store(true)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "draining")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	}).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.HTTPPort))
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		orch.Stop()
		cancelRoot()
		httpSrv.Shutdown(shutdownCtx)
	}

	logger.Info("Orchestrator stopped")
}

// registerBuiltinAgents wires the six specialist agents. Order matters only
// for dependency validation: dependencies register first.
func registerBuiltinAgents(reg *registry.Registry, clk clock.Clock, logger *zap.Logger) error {
	builtins := []types.Agent{
		agents.NewComplianceAgent(logger),
		agents.NewConsultancyAgent(logger),
		agents.NewAccountAgent(clk, logger),
		agents.NewFormAgent(nil, nil, logger),
		agents.NewPaymentAgent(agents.NewMemoryProvider(), logger),
		agents.NewStatusAgent(logger),
	}
	for _, agent := range builtins {
		if err := reg.Register(agent); err != nil {
			return err
		}
	}
	return nil
}

// sweepApprovals expires stale approval requests every ten minutes.
func sweepApprovals(ctx context.Context, gov *governance.Governance, clk clock.Clock, logger *zap.Logger) {
	const interval = 10 * time.Minute
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
			n, err := gov.ExpireStaleApprovals(ctx)
			if err != nil {
				logger.Error("Approval sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Expired stale approvals", zap.Int("count", n))
			}
		}
	}
}

// initLogger initializes the zap logger
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
