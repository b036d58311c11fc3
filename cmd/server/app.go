package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-mfg-workflow/internal/client"
	"github.com/pesio-ai/be-mfg-workflow/internal/history"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/config"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	natsclient "github.com/pesio-ai/be-mfg-workflow/internal/platform/nats"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/service"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

const closeTimeout = 10 * time.Second

// app is the fully wired service graph shared by the commands.
type app struct {
	cfg *config.Config
	log *logger.Logger
	db  *database.DB

	nats      *natsclient.Client
	spool     *history.Spool
	telemetry *telemetry.Providers

	engine      *service.ApprovalEngine
	registry    *service.DelegationRegistry
	transitions *service.TransitionService
	recorder    *service.StageHistoryRecorder
	sweeper     *service.Sweeper
	catalog     *service.StageCatalog
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.db, err = openDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if cfg.Telemetry.Enabled {
		a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
			ServiceName:    cfg.Service.Name,
			ServiceVersion: cfg.Service.Version,
			Exporter:       cfg.Telemetry.Exporter,
			Output:         cfg.Telemetry.Output,
			MetricInterval: cfg.Telemetry.MetricInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("set up telemetry: %w", err)
		}
		log.Info().Str("exporter", cfg.Telemetry.Exporter).Msg("Telemetry providers installed")
	}

	metrics, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var pub client.Publisher
	if cfg.NATS.Enabled {
		if a.nats, err = natsclient.New(natsclient.Config{URL: cfg.NATS.URL, Name: cfg.Service.Name}); err != nil {
			return nil, err
		}
		pub = a.nats
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notifications enabled")
	}
	notifier := client.NewNotificationPublisher(pub, log)

	var spool service.Spool
	if cfg.Workflow.HistoryBestEffort {
		if a.spool, err = history.Open(cfg.Workflow.HistorySpoolPath); err != nil {
			return nil, err
		}
		spool = a.spool
	}

	stages := repository.NewStageRepository(a.db)
	projects := repository.NewProjectRepository(a.db)
	approvals := repository.NewApprovalRepository(a.db)
	delegations := repository.NewDelegationRepository(a.db)
	transitions := repository.NewTransitionRepository(a.db)
	directory := repository.NewDirectoryRepository(a.db)

	wf := cfg.Workflow
	graph := service.NewStageGraph(stages, wf.StageCacheTTL, log.Component("stage_graph"))
	a.registry = service.NewDelegationRegistry(delegations, directory, wf.DelegationHopLimit, log.Component("delegations"))
	a.engine = service.NewApprovalEngine(approvals, projects, graph, a.registry, directory, notifier, metrics, service.EngineConfig{
		MinCommentLength:  wf.MinCommentLength,
		DefaultDueIn:      wf.DefaultDueIn,
		NotifyTimeout:     wf.NotifyTimeout,
		NotifyConcurrency: wf.NotifyConcurrency,
		Escalation: service.EscalationPolicy{
			Enabled:     wf.Escalation.Enabled,
			After:       wf.Escalation.After,
			MaxLevel:    wf.Escalation.MaxLevel,
			Roles:       wf.Escalation.Roles,
			DefaultRole: wf.Escalation.DefaultRole,
		},
	}, log.Component("approvals"))
	validator := service.NewTransitionValidator(graph, projects, approvals, a.engine, directory, log.Component("validator"))
	a.recorder = service.NewStageHistoryRecorder(transitions, projects, spool, service.HistoryPolicy{BestEffort: wf.HistoryBestEffort}, metrics, log.Component("stage_history"))
	a.transitions = service.NewTransitionService(graph, projects, validator, a.engine, a.recorder, metrics, log.Component("transitions"))
	a.catalog = service.NewStageCatalog(stages, stages, graph, directory, log.Component("stage_catalog"))
	a.sweeper = service.NewSweeper(a.engine, a.registry, a.recorder, wf.SweepInterval, log.Component("sweeper"))

	return a, nil
}

// Close waits briefly for notification sends in flight, then releases every
// connection the app opened.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if a.engine != nil {
		if err := a.engine.FlushNotifications(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Notifications still in flight at shutdown")
		}
	}
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close history spool")
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}
