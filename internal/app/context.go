package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"opsline/internal/agenda"
	"opsline/internal/assign"
	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/execute"
	"opsline/internal/notify"
	"opsline/internal/playbook"
	"opsline/internal/policy"
	"opsline/internal/repo"
	"opsline/internal/scheduler"
	"opsline/internal/sla"
	"opsline/internal/summarize"
)

// Services bundles the wired service layer. Every command and every API
// handler works through this one struct.
type Services struct {
	Repo      repo.Repo
	Events    events.Writer
	Policy    policy.Engine
	SLA       sla.Tracker
	Assigner  assign.Service
	Executor  execute.Service
	Agendas   agenda.Synthesizer
	Playbooks playbook.Engine
	Scheduler scheduler.Scheduler
}

// New wires the full service graph over one database handle. baseCfg
// seeds the model client and the notifier; per-tenant configs still come
// from the database on every call.
func New(db *sql.DB, baseCfg *config.Config, logger *log.Logger) Services {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	cfgFor := func(ctx context.Context, tenantID string) (config.Config, error) {
		cfg, err := r.GetTenantConfig(ctx, tenantID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return *config.Default(tenantID), nil
			}
			return config.Config{}, err
		}
		return *cfg, nil
	}

	var annotator agenda.Summarizer = summarize.Templated{}
	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if baseCfg != nil {
		if mc := summarize.NewModelClient(*baseCfg); mc != nil {
			annotator = mc
		}
		notifier = notify.FromConfig(*baseCfg, logger)
	}

	pol := policy.Engine{Repo: r}
	tracker := sla.Tracker{Repo: r, Logger: logger}
	assigner := assign.Service{Repo: r, Events: w, Logger: logger}
	executor := execute.Service{
		Repo:     r,
		Events:   w,
		Policy:   pol,
		SLA:      tracker,
		Config:   cfgFor,
		Handlers: execute.DefaultHandlers(),
		Logger:   logger,
	}
	agendas := agenda.Synthesizer{
		Repo:       r,
		Events:     w,
		Config:     cfgFor,
		Detectors:  agenda.DefaultDetectors(),
		Summarizer: annotator,
		Logger:     logger,
	}
	playbooks := playbook.Engine{
		Repo:      r,
		Events:    w,
		Policy:    pol,
		Config:    cfgFor,
		Templates: playbook.Catalog(),
		Notifier:  notifier,
		Logger:    logger,
	}
	return Services{
		Repo:      r,
		Events:    w,
		Policy:    pol,
		SLA:       tracker,
		Assigner:  assigner,
		Executor:  executor,
		Agendas:   agendas,
		Playbooks: playbooks,
		Scheduler: scheduler.Scheduler{
			Repo:      r,
			Agendas:   agendas,
			Assigner:  assigner,
			Executor:  executor,
			Playbooks: playbooks,
			Logger:    logger,
		},
	}
}

// ResolveTenantAndConfig picks the active tenant and ensures the tenant
// and its config exist, seeding defaults when missing. Prefers the
// override, then the single tenant in the database.
func ResolveTenantAndConfig(ctx context.Context, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		if t, err := r.SingleTenant(ctx); err == nil {
			tenantID = t.ID
		} else {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
	}
	seedCfg := config.Default(tenantID)

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createTenant(ctx, r, tenantID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed tenant config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

func createTenant(ctx context.Context, r repo.Repo, tenantID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(tenantID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t := domain.Tenant{
		ID:        tenantID,
		Name:      seedCfg.Tenant.Name,
		Status:    "active",
		CreatedAt: now,
	}
	if t.Name == "" {
		t.Name = tenantID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,primary_contact,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, nil, t.Status, t.CreatedAt); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if err := r.UpsertTenantConfigTx(ctx, tx, tenantID, seedCfg); err != nil {
		return fmt.Errorf("insert tenant config: %w", err)
	}
	return tx.Commit()
}
