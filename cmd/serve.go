package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assistant-memory/handler"
	"assistant-memory/internal/recovery"
	"assistant-memory/internal/scheduler"
	"assistant-memory/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

var archiveAfterMaintenance bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reminder sweep, nightly maintenance and the admin endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&archiveAfterMaintenance, "archive", false,
		"archive a snapshot after each maintenance run (requires archive.table)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.load(); err != nil {
		return err
	}

	out := newConsole(os.Stdout, logger.Named("console"))
	sweeper, err := scheduler.NewSweeper(a.store, out,
		scheduler.WithInterval(cfg.Scheduler.SweepInterval),
		scheduler.WithSweepLogger(logger.Named("sweep")),
		scheduler.WithSweepMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	maintOpts := []scheduler.MaintenanceOption{
		scheduler.WithMaintenanceLogger(logger.Named("maintenance")),
		scheduler.WithMaintenanceMetrics(a.metrics),
	}
	if archiveAfterMaintenance {
		if a.archive == nil {
			return errors.New("--archive requires archive.table")
		}
		maintOpts = append(maintOpts, scheduler.WithAfterRun(a.archiveSnapshot))
	}
	maintenance, err := scheduler.NewMaintenance(a.store, cfg.Scheduler.MaintenanceCron, scheduler.Retention{
		ConversationMaxAge: cfg.ConversationMaxAge(),
		ReminderRetention:  cfg.ReminderRetention(),
		FeedbackKeep:       cfg.Retention.FeedbackKeep,
	}, maintOpts...)
	if err != nil {
		return err
	}

	adminOpts := []handler.Option{
		handler.WithLogger(logger.Named("admin")),
		handler.WithMaintenance(maintenance),
		handler.WithSweeper(sweeper),
	}
	if cfg.AI.APIKey != "" || cfg.AI.KeyParam != "" {
		assistant, err := newAssistant(a, out)
		if err != nil {
			return err
		}
		adminOpts = append(adminOpts, handler.WithConversations(assistant))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		admin, err := handler.NewHandler(a.store, adminOpts...)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		mux.Handle("/", admin)
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if saveErr := a.store.Save(); saveErr != nil {
		logger.Error("final save failed", zap.Error(saveErr))
	}
	logger.Info("shutdown complete")
	return err
}

// newAssistant wires the conversation use case against the configured
// generator and the given responder.
func newAssistant(a *app, responder usecase.Responder) (*usecase.Assistant, error) {
	llm, err := a.generator()
	if err != nil {
		return nil, err
	}
	return usecase.NewAssistant(a.store, llm, responder, recovery.New(), usecase.Persona{
		Name:          a.cfg.Bot.Name,
		Description:   a.cfg.Bot.Persona,
		MaxMessageLen: a.cfg.Bot.MaxMessageLength,
	}, usecase.WithLogger(a.logger.Named("assistant")), usecase.WithMetrics(a.metrics))
}
