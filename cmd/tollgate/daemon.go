package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/admission"
	"github.com/fentz26/tollgate/internal/agents"
	"github.com/fentz26/tollgate/internal/audit"
	"github.com/fentz26/tollgate/internal/config"
	"github.com/fentz26/tollgate/internal/connectors/localexec"
	"github.com/fentz26/tollgate/internal/controlplane"
	"github.com/fentz26/tollgate/internal/events"
	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/retention"
	"github.com/fentz26/tollgate/internal/router"
	"github.com/fentz26/tollgate/internal/scheduler"
	"github.com/fentz26/tollgate/internal/store"
	"github.com/fentz26/tollgate/internal/tasks"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Tollgate daemon",
	Long:  `Starts the Tollgate daemon which serves the HTTP API for task submission, quotas and event streams.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", filepath.Join(config.Dir(), "config.yaml"), "Path to the daemon config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Addr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	logger.Info("starting tollgate daemon", "addr", cfg.Addr, "db", cfg.DBPath, "version", controlplane.Version)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		st.Close()
		return err
	}

	hub := events.NewHub(logger)
	taskStore := tasks.New(tasks.WithEmitter(hub), tasks.WithLogger(logger))
	led := ledger.New(st.Ledgers(), catalog,
		ledger.WithCycleLength(cfg.Ledger.CycleLength), ledger.WithLogger(logger))
	adm := admission.New(led, logger)

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		st.Close()
		return err
	}
	rt := router.New(cfg.Router, reg, taskStore,
		router.WithScorer(st), router.WithSettler(adm), router.WithLogger(logger))

	sched := scheduler.New(&cfg.Scheduler, logger)
	sweeper := retention.New(cfg.Retention, taskStore, hub,
		retention.WithRoller(led), retention.WithLogger(logger))

	service := controlplane.NewService(controlplane.Deps{
		Ledger:    led,
		Admission: adm,
		Tasks:     taskStore,
		Hub:       hub,
		Router:    rt,
		Scheduler: sched,
		Sweeper:   sweeper,
		PDR:       audit.NewPDRWriter(st),
		Scores:    st,
		Audit:     st,
		Estimates: cfg.Estimates,
		Logger:    logger,
	})
	server := controlplane.NewServer(service, st, cfg.Addr, logger)

	sched.Start()
	sweeper.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	sweeper.Stop()
	sched.Stop()
	service.Wait()

	if err := st.Close(); err != nil {
		logger.Warn("database close", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// buildRegistry binds configured executors to routing roles and warns about
// roles the routes need but nothing serves.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*router.Registry, error) {
	reg := router.NewRegistry()
	for _, e := range cfg.Executors {
		if err := reg.Register(e.Role, localexec.New(e.Spec, cfg.Allowlist)); err != nil {
			return nil, fmt.Errorf("executor %q: %w", e.Role, err)
		}
	}
	for _, a := range agents.Probe(context.Background(), cfg.Executors, cfg.Allowlist) {
		if a.Status == agents.StatusOnline {
			logger.Info("executor ready", "role", a.Role, "name", a.Name, "path", a.Path, "version", a.Version)
		} else {
			logger.Warn("executor unavailable", "role", a.Role, "command", a.Command, "status", a.Status)
		}
	}
	if missing := reg.Missing(cfg.Router.Roles()); len(missing) > 0 {
		logger.Warn("routes reference roles with no executor", "roles", missing)
	}
	return reg, nil
}
