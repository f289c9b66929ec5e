package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/app"
	"opsline/internal/assign"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/execute"
	"opsline/internal/migrate"
	"opsline/internal/playbook"
	"opsline/internal/repo"
	"opsline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsline CLI",
	Long: `Opsline turns business signals into an actionable daily agenda.
Core concepts:
- Workspace: your .opsline directory holding the database; tenant configs live in the DB.
- Tenant: one business whose ledger surface (ingestion, filings, transactions, anomalies) is watched.
- Agenda: the day's synthesized task list, built once per (tenant, date).
- Tasks: units of work with priority, SLA clock and an assignee; statuses go pending -> in_progress -> completed (failed/cancelled are exits).
- Policies: rules deciding whether an action runs unattended, needs review, or is blocked.
- Playbooks: reusable automations that run on a cadence and can require confirmation.
- Event log: diary of changes, view with 'ol log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides single-tenant default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agendaCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

// withServices opens the workspace database, migrates it and resolves
// the active tenant before handing control to fn.
func withServices(ctx context.Context, fn func(ctx context.Context, s app.Services, tenantID string, cfg *config.Config) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	return fn(ctx, app.New(conn, cfg, nil), tenantID, cfg)
}

func withRepo(ctx context.Context, fn func(ctx context.Context, r repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func tenantCmd() *cobra.Command {
	tenant := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	tenant.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	var id, name, contact string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create tenant with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				t := domain.Tenant{ID: id, Name: name, PrimaryContact: contact, Status: "active", CreatedAt: now}
				if t.Name == "" {
					t.Name = t.ID
				}
				if err := r.InsertTenant(ctx, t); err != nil {
					return err
				}
				seed := config.Default(id)
				seed.Tenant.Name = t.Name
				seed.Tenant.PrimaryContact = contact
				if err := r.UpsertTenantConfig(ctx, id, seed); err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "tenant id")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&contact, "contact", "", "primary contact email")
	_ = create.MarkFlagRequired("id")
	tenant.AddCommand(create)
	return tenant
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Tenant configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active tenant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, c *config.Config) error {
				return printJSON(c)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a default config YAML template",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(viper.GetString("tenant")))
			return nil
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML config for the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				c, err := config.FromFile(file)
				if err != nil {
					return err
				}
				if err := s.Repo.UpsertTenantConfig(ctx, tenantID, c); err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = importCmd.MarkFlagRequired("file")
	cfg.AddCommand(importCmd)
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Task and SLA counters for the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				taskCounts, err := s.Repo.CountTasksByStatus(ctx, tenantID)
				if err != nil {
					return err
				}
				slaCounts, err := s.SLA.Stats(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"tenant_id":   tenantID,
					"task_counts": taskCounts,
					"sla_counts":  slaCounts,
				})
			})
		},
	}
}

func agendaCmd() *cobra.Command {
	agendaRoot := &cobra.Command{Use: "agenda", Short: "Daily agenda"}
	var date string
	synth := &cobra.Command{
		Use:   "synthesize",
		Short: "Build (or fetch) the agenda for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				ag, tasks, err := s.Agendas.Synthesize(ctx, tenantID, date)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agenda": ag, "tasks": tasks})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Priority", "Due"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Title, t.Priority, t.DueAt})
				}
				tw.Render()
				fmt.Printf("agenda %s: %d tasks (%d pending, %d overdue)\n", ag.Date, ag.Counters.Total, ag.Counters.Pending, ag.Counters.Overdue)
				return nil
			})
		},
	}
	synth.Flags().StringVar(&date, "date", "", "agenda date YYYY-MM-DD (default today)")
	agendaRoot.AddCommand(synth)

	show := &cobra.Command{
		Use:   "show",
		Short: "Show an existing agenda",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				d := date
				if d == "" {
					d = time.Now().UTC().Format("2006-01-02")
				}
				ag, err := s.Repo.GetAgendaByDate(ctx, tenantID, d)
				if err != nil {
					return err
				}
				tasks, err := s.Repo.ListAgendaTasks(ctx, ag.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"agenda": ag, "tasks": tasks})
			})
		},
	}
	show.Flags().StringVar(&date, "date", "", "agenda date YYYY-MM-DD (default today)")
	agendaRoot.AddCommand(show)
	return agendaRoot
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskSuggestCmd())
	task.AddCommand(taskExecuteCmd())
	task.AddCommand(taskRollbackCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				f.TenantID = tenantID
				tasks, err := s.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Priority", "Status", "Assignee"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Title, t.Priority, t.Status, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only unassigned tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				t, err := s.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var method, userID string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				assignee, err := s.Assigner.Assign(ctx, args[0], assign.Options{
					Method:        method,
					ActorID:       viper.GetString("actor-id"),
					PreferredUser: userID,
				})
				if err != nil {
					return err
				}
				if assignee == nil {
					fmt.Println("no eligible worker; task left unassigned")
					return nil
				}
				fmt.Printf("assigned to %s via %s\n", *assignee, method)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", assign.MethodAuto, "auto|round_robin|skill_based|ai_suggestion|manual")
	cmd.Flags().StringVar(&userID, "user", "", "worker id for manual assignment")
	return cmd
}

func taskSuggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <task-id>",
		Short: "Score assignment candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				t, err := s.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				workers, err := s.Repo.ListWorkers(ctx, t.TenantID)
				if err != nil {
					return err
				}
				active, err := s.Repo.CountActiveByAssignee(ctx, t.TenantID)
				if err != nil {
					return err
				}
				return printJSON(assign.Score(workers, active, t.Type))
			})
		},
	}
	return cmd
}

func taskExecuteCmd() *cobra.Command {
	var method, inputJSON string
	var simulate bool
	cmd := &cobra.Command{
		Use:   "execute <task-id>",
		Short: "Execute a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				var input map[string]any
				if inputJSON != "" {
					if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
						return fmt.Errorf("invalid --input: %w", err)
					}
				}
				outcome, err := s.Executor.Execute(ctx, args[0], execute.Options{
					Method:   method,
					ActorID:  viper.GetString("actor-id"),
					Simulate: simulate,
					Input:    input,
				})
				if err != nil {
					return err
				}
				return printJSON(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "manual", "autonomous|assisted|manual")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "report what would happen without writing")
	cmd.Flags().StringVar(&inputJSON, "input", "", "handler input as JSON")
	return cmd
}

func taskRollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <task-id>",
		Short: "Cancel a non-terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				t, err := s.Executor.Rollback(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is cancelled")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{Use: "worker", Short: "Worker directory"}
	var name, email, role string
	var skills []string
	var maxActive int
	var adherence float64
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				w := domain.Worker{
					ID:             uuid.NewString(),
					TenantID:       tenantID,
					Name:           name,
					Email:          email,
					Role:           role,
					Skills:         skills,
					MaxActiveTasks: maxActive,
					SLAAdherence:   adherence,
					CreatedAt:      time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.Repo.InsertWorker(ctx, w); err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "worker name")
	add.Flags().StringVar(&email, "email", "", "email")
	add.Flags().StringVar(&role, "role", "", "role")
	add.Flags().StringArrayVar(&skills, "skill", nil, "skill (repeatable, matches task types)")
	add.Flags().IntVar(&maxActive, "max-active", 10, "max concurrent active tasks")
	add.Flags().Float64Var(&adherence, "sla-adherence", 0, "historical SLA adherence 0..1")
	_ = add.MarkFlagRequired("name")
	worker.AddCommand(add)

	worker.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				workers, err := s.Repo.ListWorkers(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Skills", "Active cap", "Completed", "SLA"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Name, strings.Join(w.Skills, ","), w.MaxActiveTasks, w.CompletedTasks, fmt.Sprintf("%.0f%%", w.SLAAdherence*100)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return worker
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Policy engine"}
	var scope, scopeRef, actionType, action, conditions string
	var priority int
	var riskThreshold float64
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				p := domain.Policy{
					ID:         uuid.NewString(),
					TenantID:   tenantID,
					Scope:      scope,
					ActionType: actionType,
					Action:     action,
					Priority:   priority,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if scopeRef != "" {
					p.ScopeRef = &scopeRef
				}
				if riskThreshold > 0 {
					p.RiskThreshold = &riskThreshold
				}
				if conditions != "" {
					p.ConditionsJSON = &conditions
				}
				if err := s.Repo.InsertPolicy(ctx, p); err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	add.Flags().StringVar(&scope, "scope", "tenant", "tenant|role|user|playbook")
	add.Flags().StringVar(&scopeRef, "scope-ref", "", "role name, user id or playbook template")
	add.Flags().StringVar(&actionType, "action-type", "", "action the policy governs")
	add.Flags().StringVar(&action, "action", "require_review", "auto|require_review|block")
	add.Flags().StringVar(&conditions, "conditions", "", `conditions JSON, e.g. [{"field":"amount","op":"gt","value":1000}]`)
	add.Flags().IntVar(&priority, "priority", 0, "higher wins")
	add.Flags().Float64Var(&riskThreshold, "risk-threshold", 0, "risk clamp 0..1")
	_ = add.MarkFlagRequired("action-type")
	pol.AddCommand(add)

	pol.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				policies, err := s.Repo.ListPolicies(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(policies)
			})
		},
	})
	return pol
}

func slaCmd() *cobra.Command {
	slaRoot := &cobra.Command{Use: "sla", Short: "SLA tracking"}
	slaRoot.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Per-status SLA counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				counts, err := s.SLA.Stats(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	})
	slaRoot.AddCommand(&cobra.Command{
		Use:   "at-risk",
		Short: "Open SLA records at risk or breached",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				recs, err := s.SLA.AtRisk(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(recs)
			})
		},
	})
	return slaRoot
}

func playbookCmd() *cobra.Command {
	pb := &cobra.Command{Use: "playbook", Short: "Playbook automations"}
	pb.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			type row struct {
				Key                  string             `json:"key"`
				Name                 string             `json:"name"`
				Description          string             `json:"description"`
				DefaultCadence       int                `json:"default_cadence_minutes"`
				ConfirmationRequired bool               `json:"confirmation_required"`
				Defaults             playbook.RunConfig `json:"defaults"`
			}
			keys := make([]string, 0)
			catalog := playbook.Catalog()
			for k := range catalog {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([]row, 0, len(keys))
			for _, k := range keys {
				t := catalog[k]
				rows = append(rows, row{t.Key, t.Name, t.Description, t.DefaultCadence, t.ConfirmationRequired, t.Defaults})
			}
			return printJSON(rows)
		},
	})

	var template, name string
	var cadence int
	var noConfirm, draft bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Instantiate a playbook from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				opts := playbook.CreateOptions{Name: name, Draft: draft}
				if cmd.Flags().Changed("cadence") {
					opts.CadenceMinutes = &cadence
				}
				if cmd.Flags().Changed("no-confirm") {
					v := !noConfirm
					opts.ConfirmationRequired = &v
				}
				created, err := s.Playbooks.Create(ctx, tenantID, template, opts)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	create.Flags().StringVar(&template, "template", "", "template key")
	create.Flags().StringVar(&name, "name", "", "playbook name")
	create.Flags().IntVar(&cadence, "cadence", 0, "cadence in minutes")
	create.Flags().BoolVar(&noConfirm, "no-confirm", false, "skip confirmation gating")
	create.Flags().BoolVar(&draft, "draft", false, "create without enabling cadence runs")
	_ = create.MarkFlagRequired("template")
	pb.AddCommand(create)

	pb.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				pbs, err := s.Repo.ListPlaybooks(ctx, tenantID, "")
				if err != nil {
					return err
				}
				return printJSON(pbs)
			})
		},
	})

	var force bool
	run := &cobra.Command{
		Use:   "run <playbook-id>",
		Short: "Run a playbook now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				result, err := s.Playbooks.Run(ctx, args[0], "manual", force)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	run.Flags().BoolVar(&force, "force", false, "skip the confirmation gate")
	pb.AddCommand(run)

	pb.AddCommand(&cobra.Command{
		Use:   "confirm <run-id>",
		Short: "Approve an awaiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				result, err := s.Playbooks.Confirm(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	})

	pb.AddCommand(&cobra.Command{
		Use:   "runs <playbook-id>",
		Short: "List runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				runs, err := s.Repo.ListRuns(ctx, args[0], 20)
				if err != nil {
					return err
				}
				return printJSON(runs)
			})
		},
	})

	var status string
	setStatus := &cobra.Command{
		Use:   "set-status <playbook-id>",
		Short: "Pause or resume a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				updated, err := s.Playbooks.SetStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	setStatus.Flags().StringVar(&status, "status", "", "draft|active|paused")
	_ = setStatus.MarkFlagRequired("status")
	pb.AddCommand(setStatus)
	return pb
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep [agenda|assign|execute|playbook|all]",
		Short: "Run one background sweep pass by hand",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			which := "all"
			if len(args) == 1 {
				which = args[0]
			}
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, _ string, _ *config.Config) error {
				counts := map[string]int{}
				if which == "agenda" || which == "all" {
					counts["agenda"] = s.Scheduler.SweepAgendas(ctx)
				}
				if which == "assign" || which == "all" {
					counts["assign"] = s.Scheduler.SweepAssignments(ctx)
				}
				if which == "execute" || which == "all" {
					counts["execute"] = s.Scheduler.SweepExecutions(ctx)
				}
				if which == "playbook" || which == "all" {
					counts["playbook"] = s.Scheduler.SweepPlaybooks(ctx)
				}
				return printJSON(counts)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: agenda synthesis, assignments, executions, playbook runs.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				events, err := s.Repo.LatestEvents(ctx, n, tenantID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	logRoot.AddCommand(tail)
	return logRoot
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "ol_" + uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": k.ID, "actor_id": k.ActorID, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)

	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSON(keys)
			})
		},
	})

	key.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

// seedCmd loads a small demo ledger so the agenda and playbooks have
// something to chew on.
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert demo source records for the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s app.Services, tenantID string, _ *config.Config) error {
				now := time.Now().UTC()
				for i := 0; i < 5; i++ {
					if err := s.Repo.InsertIngestionItem(ctx, domain.IngestionItem{
						ID:         uuid.NewString(),
						TenantID:   tenantID,
						Source:     "bank-feed",
						Status:     "received",
						ReceivedAt: now.Add(-48 * time.Hour).Format(time.RFC3339),
					}); err != nil {
						return err
					}
				}
				if err := s.Repo.InsertFiling(ctx, domain.Filing{
					ID:        uuid.NewString(),
					TenantID:  tenantID,
					Name:      "VAT return",
					DueDate:   now.AddDate(0, 0, 7).Format("2006-01-02"),
					Readiness: 0.4,
					Status:    "upcoming",
				}); err != nil {
					return err
				}
				for i := 0; i < 8; i++ {
					if err := s.Repo.InsertTransaction(ctx, domain.Transaction{
						ID:         uuid.NewString(),
						TenantID:   tenantID,
						Amount:     float64(100 * (i + 1)),
						Memo:       fmt.Sprintf("invoice %d", i+1),
						Status:     "unreconciled",
						OccurredAt: now.AddDate(0, 0, -10).Format(time.RFC3339),
					}); err != nil {
						return err
					}
				}
				for _, sev := range []string{"high", "medium", "critical"} {
					if err := s.Repo.InsertAnomaly(ctx, domain.Anomaly{
						ID:         uuid.NewString(),
						TenantID:   tenantID,
						Kind:       "duplicate_entry",
						Severity:   sev,
						Status:     "open",
						DetectedAt: now.Add(-6 * time.Hour).Format(time.RFC3339),
					}); err != nil {
						return err
					}
				}
				fmt.Println("seeded demo ingestion items, filing, transactions and anomalies")
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), viper.GetString("tenant"), r)
			if err != nil {
				return err
			}
			services := app.New(conn, cfg, nil)
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("OPSLINE_JWT_SECRET"),
				AllowDevLogin: os.Getenv("OPSLINE_DEV_LOGIN") == "1",
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Services: services, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if withScheduler {
				services.Scheduler.Start(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Opsline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", true, "run background sweeps")
	return cmd
}
