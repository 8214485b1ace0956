package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/evaluator"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/monitoring"
	"stageline/internal/notify"
	"stageline/internal/phase"
	"stageline/internal/repo"
	"stageline/internal/scheduler"
)

// Options collects everything the CLI and the server need to build an App.
type Options struct {
	Workspace   string
	Environment string
	Interval    time.Duration
	WebhookURL  string
	LogLevel    string
	LogFormat   string
}

// App wires the storage, engine, evaluator, scheduler and monitor together.
type App struct {
	DB        *sql.DB
	Repo      repo.Repo
	Log       *zap.Logger
	Engine    *phase.Engine
	Evaluator *evaluator.Evaluator
	Monitor   *monitoring.Monitor
	Scheduler *scheduler.Scheduler
	Notifier  *notify.Webhook
}

// New opens the workspace database, applies migrations and builds the full
// component graph.
func New(opts Options) (*App, error) {
	log, err := logging.New(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	r := repo.Repo{DB: conn}
	engine := phase.New(r, log)
	ev := evaluator.New(engine, r, log)
	notifier := notify.NewWebhook(opts.WebhookURL, 0, log)
	sched := scheduler.New(ev, notifier, opts.Environment, opts.Interval, log)
	monitor := monitoring.New(r, log)
	return &App{
		DB:        conn,
		Repo:      r,
		Log:       log,
		Engine:    engine,
		Evaluator: ev,
		Monitor:   monitor,
		Scheduler: sched,
		Notifier:  notifier,
	}, nil
}

// Close releases the database and flushes the logger.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Log.Sync()
	return a.DB.Close()
}

// CreateProject inserts a project under its org, creating the org row on the
// fly when it does not exist yet.
func (a *App) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Phase == "" {
		p.Phase = domain.PhasePrep
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if p.CreatedAt == "" {
		p.CreatedAt = now
	}
	if p.PhaseChangedAt == "" {
		p.PhaseChangedAt = now
	}
	if p.OrgID == "" {
		p.OrgID = "default-org"
	}
	if err := a.Repo.EnsureOrg(ctx, p.OrgID, p.OrgID, "", now); err != nil {
		return p, fmt.Errorf("ensure org: %w", err)
	}
	if err := a.Repo.InsertProject(ctx, p); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}
