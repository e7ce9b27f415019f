package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/client"
	"github.com/buildcrest/be-proposals/internal/config"
	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/dispatch"
	"github.com/buildcrest/be-proposals/internal/handler"
	"github.com/buildcrest/be-proposals/internal/repository"
	"github.com/buildcrest/be-proposals/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Proposals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.New(ctx, database.Config(cfg.Database))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	// Repositories
	proposalRepo := repository.NewProposalRepository(db)
	versionRepo := repository.NewVersionRepository(db)
	rulesRepo := repository.NewWorkflowRulesRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	eventRepo := repository.NewEventRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	// Analytics stream is optional: with no NATS URL events stay in Postgres only.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, analytics streaming disabled")
	}
	publisher := client.NewEventsPublisher(natsConn, cfg.NATS.SubjectPrefix, log)

	// Services
	mail := service.MailSettings{
		From:         cfg.SMTP.From,
		ManagerEmail: cfg.SMTP.ManagerEmail,
	}

	recorder := service.NewEventRecorder(eventRepo, publisher, log)
	versionService := service.NewVersionService(versionRepo, log)
	approvalService := service.NewApprovalService(approvalRepo, proposalRepo, outboxRepo, mail, log)
	engine := service.NewWorkflowEngine(rulesRepo, proposalRepo, approvalService, outboxRepo, recorder, mail, log)
	approvalService.SetRuleEvaluator(engine)
	if err := engine.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load workflow rules")
	}
	ruleService := service.NewRuleService(rulesRepo, engine, log)
	proposalService := service.NewProposalService(proposalRepo, versionService, engine, recorder, log)

	// Outbox dispatcher
	notifier := client.NewSMTPNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	dispatcher := dispatch.NewOutboxDispatcher(
		outboxRepo,
		notifier,
		cfg.SMTP.From,
		cfg.Sweep.OutboxInterval,
		cfg.Sweep.OutboxBatchSize,
		cfg.Sweep.OutboxMaxTries,
		log,
	)
	go dispatcher.Run(ctx)

	// Periodic sweeps: time-based rules, approval timeouts, expiry.
	sweeper := cron.New()
	mustSchedule(log, sweeper, cfg.Sweep.TimeBasedCron, "time_based_rules", func() {
		if err := engine.SweepTimeBased(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("time-based rule sweep failed")
		}
	})
	mustSchedule(log, sweeper, cfg.Sweep.TimeoutCron, "approval_timeouts", func() {
		if err := approvalService.SweepTimeouts(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("approval timeout sweep failed")
		}
	})
	mustSchedule(log, sweeper, cfg.Sweep.ExpiryCron, "proposal_expiry", func() {
		if err := proposalService.ExpireSweep(ctx); err != nil {
			log.Error().Err(err).Msg("expiry sweep failed")
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP server
	httpHandler := handler.NewHTTPHandler(proposalService, versionService, approvalService, ruleService, recorder, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Service.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Logger()

	if cfg.Service.Environment == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return log
}

func mustSchedule(log zerolog.Logger, c *cron.Cron, spec, name string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		log.Fatal().Err(err).Str("sweep", name).Str("spec", spec).Msg("invalid cron spec")
	}
	log.Info().Str("sweep", name).Str("spec", spec).Msg("Sweep scheduled")
}
