package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves productions through their lifecycle phases.
Core concepts:
- Workspace: your .stageline directory holding only the database.
- Project: one production; it occupies exactly one phase at a time
  (prep -> staffing -> pre_show -> active -> post_show -> complete -> archived).
- Evaluation: a read-only check of whether a project may advance, and why not.
- Execution: the actual phase change, always re-checked and always audited.
- Scheduler: the recurring batch that advances every auto-enabled project.`,
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	rootCmd.PersistentFlags().String("environment", "development", "runtime environment")
	rootCmd.PersistentFlags().String("webhook-url", "", "notification webhook URL")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("environment", rootCmd.PersistentFlags().Lookup("environment"))
	_ = viper.BindPFlag("webhook-url", rootCmd.PersistentFlags().Lookup("webhook-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(timecardCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(scheduledCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage productions"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List productions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Phase", "Auto", "Rehearsal", "Show End"})
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Name, p.Phase, p.AutoTransitions, deref(p.RehearsalStart), deref(p.ShowEnd)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, orgID, name, desc, timezone, rehearsal, showEnd string
	var noAuto bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a production",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := domain.Project{
					ID:              id,
					OrgID:           orgID,
					Name:            name,
					Description:     desc,
					Timezone:        optionalString(timezone),
					RehearsalStart:  optionalString(rehearsal),
					ShowEnd:         optionalString(showEnd),
					AutoTransitions: !noAuto,
				}
				created, err := a.CreateProject(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "production name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone, e.g. America/Los_Angeles")
	cmd.Flags().StringVar(&rehearsal, "rehearsal-start", "", "rehearsal start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&showEnd, "show-end", "", "show end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&noAuto, "no-auto", false, "exclude from automatic transitions")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a production",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				p, err := a.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, desc, timezone, rehearsal, showEnd string
	var auto bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a production",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				var u repo.ProjectUpdate
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("description") {
					u.Description = &desc
				}
				if cmd.Flags().Changed("timezone") {
					u.Timezone = &timezone
				}
				if cmd.Flags().Changed("rehearsal-start") {
					u.RehearsalStart = &rehearsal
				}
				if cmd.Flags().Changed("show-end") {
					u.ShowEnd = &showEnd
				}
				if cmd.Flags().Changed("auto") {
					u.AutoTransitions = &auto
				}
				if err := a.Repo.UpdateProject(ctx, projectID, u); err != nil {
					return err
				}
				p, err := a.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "production name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone")
	cmd.Flags().StringVar(&rehearsal, "rehearsal-start", "", "rehearsal start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&showEnd, "show-end", "", "show end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&auto, "auto", true, "automatic transitions on/off")
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{Use: "phase", Short: "Inspect and drive lifecycle phases"}
	ph.AddCommand(phaseShowCmd())
	ph.AddCommand(phaseEvaluateCmd())
	ph.AddCommand(phaseExecuteCmd())
	ph.AddCommand(phaseActionsCmd())
	return ph
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				p, err := a.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":       p.ID,
					"phase":            p.Phase,
					"phase_changed_at": p.PhaseChangedAt,
				}
				if next, ok := p.Phase.Next(); ok {
					out["next_phase"] = next
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func phaseEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate transition readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				res, err := a.Engine.Evaluate(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func phaseExecuteCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a phase transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParsePhase(to)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				if err := a.Engine.Execute(ctx, projectID, target, domain.TriggerManual, viper.GetString("actor-id"), reason); err != nil {
					return err
				}
				p, err := a.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Printf("Project %s is now in phase %s\n", p.ID, p.Phase)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target phase")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the audit entry")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func phaseActionsCmd() *cobra.Command {
	var phaseOverride string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show phase action items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				items, err := a.Engine.ActionItems(ctx, projectID, domain.Phase(phaseOverride))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, it := range items {
					mark := "[ ]"
					if it.Done {
						mark = "[x]"
					}
					line := fmt.Sprintf("%s %s", mark, it.Title)
					if it.Detail != "" {
						line += " (" + it.Detail + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseOverride, "phase", "", "show items for a specific phase instead of the current one")
	return cmd
}

func rosterCmd() *cobra.Command {
	roster := &cobra.Command{
		Use:   "roster",
		Short: "Manage roles, locations, team, talent and escorts",
	}
	roster.AddCommand(rosterAddRoleCmd())
	roster.AddCommand(rosterAddLocationCmd())
	roster.AddCommand(rosterAddTeamCmd())
	roster.AddCommand(rosterAddTalentCmd())
	roster.AddCommand(rosterAddEscortCmd())
	roster.AddCommand(rosterShowCmd())
	return roster
}

func rosterAddRoleCmd() *cobra.Command {
	var name string
	var finalized bool
	cmd := &cobra.Command{
		Use:   "add-role",
		Short: "Add a role template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				rt := domain.RoleTemplate{ID: uuid.NewString(), ProjectID: projectID, Name: name, Finalized: finalized}
				if err := a.Repo.InsertRoleTemplate(ctx, rt); err != nil {
					return err
				}
				return printJSONOrTable(rt)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "role name (e.g. supervisor, coordinator)")
	cmd.Flags().BoolVar(&finalized, "finalized", false, "mark the role template finalized")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rosterAddLocationCmd() *cobra.Command {
	var name string
	var finalized bool
	cmd := &cobra.Command{
		Use:   "add-location",
		Short: "Add a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				l := domain.Location{ID: uuid.NewString(), ProjectID: projectID, Name: name, Finalized: finalized}
				if err := a.Repo.InsertLocation(ctx, l); err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "location name")
	cmd.Flags().BoolVar(&finalized, "finalized", false, "mark the location finalized")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rosterAddTeamCmd() *cobra.Command {
	var memberID, memberName, role string
	cmd := &cobra.Command{
		Use:   "add-team",
		Short: "Assign a team member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				ta := domain.TeamAssignment{ID: uuid.NewString(), ProjectID: projectID, MemberID: memberID, MemberName: memberName, Role: role}
				if err := a.Repo.InsertTeamAssignment(ctx, ta); err != nil {
					return err
				}
				return printJSONOrTable(ta)
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&memberName, "member-name", "", "member display name")
	cmd.Flags().StringVar(&role, "role", "", "assigned role")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rosterAddTalentCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add-talent",
		Short: "Add a talent roster entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				t := domain.TalentEntry{ID: uuid.NewString(), ProjectID: projectID, Name: name}
				if err := a.Repo.InsertTalent(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "talent name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rosterAddEscortCmd() *cobra.Command {
	var talentID, escortID string
	cmd := &cobra.Command{
		Use:   "add-escort",
		Short: "Assign an escort to a talent entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				e := domain.EscortAssignment{ID: uuid.NewString(), ProjectID: projectID, TalentID: talentID, EscortID: escortID}
				if err := a.Repo.InsertEscortAssignment(ctx, e); err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&talentID, "talent", "", "talent id")
	cmd.Flags().StringVar(&escortID, "escort", "", "escort member id")
	_ = cmd.MarkFlagRequired("talent")
	_ = cmd.MarkFlagRequired("escort")
	return cmd
}

func rosterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the full roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				roles, err := a.Repo.ListRoleTemplates(ctx, projectID)
				if err != nil {
					return err
				}
				locations, err := a.Repo.ListLocations(ctx, projectID)
				if err != nil {
					return err
				}
				team, err := a.Repo.ListTeamAssignments(ctx, projectID)
				if err != nil {
					return err
				}
				talent, err := a.Repo.ListTalent(ctx, projectID)
				if err != nil {
					return err
				}
				escorted, err := a.Repo.CountEscortedTalent(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"roles":           roles,
					"locations":       locations,
					"team":            team,
					"talent":          talent,
					"escorted_talent": escorted,
				})
			})
		},
	}
}

func timecardCmd() *cobra.Command {
	tc := &cobra.Command{Use: "timecard", Short: "Manage timecards"}
	tc.AddCommand(timecardAddCmd())
	tc.AddCommand(timecardSetStatusCmd())
	tc.AddCommand(timecardListCmd())
	return tc
}

func timecardAddCmd() *cobra.Command {
	var memberID, status string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a timecard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				card := domain.Timecard{
					ID:          uuid.NewString(),
					ProjectID:   projectID,
					MemberID:    memberID,
					Status:      status,
					SubmittedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertTimecard(ctx, card); err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&status, "status", domain.TimecardSubmitted, "timecard status")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func timecardSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <timecard-id>",
		Short: "Update a timecard status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.UpdateTimecardStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Printf("Timecard %s is now %s\n", args[0], status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (draft, submitted, pending, approved, rejected, paid)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func timecardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List timecards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				cards, err := a.Repo.ListTimecards(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cards)
			})
		},
	}
}

func settingsCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "settings", Short: "Manage project settings stored in the DB"}
	cfg.AddCommand(settingsShowCmd())
	cfg.AddCommand(settingsImportCmd())
	return cfg
}

func settingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				s, err := a.Repo.GetSettings(ctx, projectID)
				if errors.Is(err, repo.ErrNotFound) {
					s = config.Default()
				} else if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func settingsImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import settings from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			s, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, projectID string) error {
				if _, err := a.Repo.GetProject(ctx, projectID); err != nil {
					return err
				}
				if err := a.Repo.UpsertSettings(ctx, projectID, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML settings")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func evaluateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate every auto-enabled production",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Evaluator.EvaluateAll(ctx, dryRun)
				if err != nil {
					return err
				}
				a.Monitor.MonitorBatch(ctx, res)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intended transitions without executing them")
	return cmd
}

func scheduledCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "Show upcoming scheduled transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Evaluator.ScheduledTransitions(ctx, hours)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Project", "Name", "From", "To", "Scheduled At"})
				for _, it := range items {
					t.AppendRow(table.Row{it.ProjectID, it.ProjectName, it.CurrentPhase, it.TargetPhase, it.ScheduledAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "look-ahead window in hours")
	return cmd
}

func logCmd() *cobra.Command {
	var trigger string
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the transition audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Repo.ListAuditRecords(ctx, repo.AuditFilters{
					ProjectID: viper.GetString("project"),
					Trigger:   trigger,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "filter by trigger (automatic, manual, scheduled)")
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func alertsCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show recent alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				alerts, err := a.Monitor.RecentAlerts(ctx, hours)
				if err != nil {
					return err
				}
				return printJSONOrTable(alerts)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "look-back window in hours")
	return cmd
}

func metricsCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show transition metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				end := time.Now().UTC()
				m, err := a.Monitor.TransitionMetrics(ctx, end.Add(-time.Duration(hours)*time.Hour), end)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "window in hours")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the health check battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report := a.Monitor.HealthCheck(ctx)
				if err := printJSONOrTable(report); err != nil {
					return err
				}
				if report.Status == "unhealthy" {
					return fmt.Errorf("system unhealthy")
				}
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the interval scheduler in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if interval > 0 {
					a.Scheduler.Interval = interval
				}
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				a.Scheduler.Start(ctx)
				st := a.Scheduler.Status()
				if !st.Running {
					return fmt.Errorf("scheduler refused to start in environment %q", viper.GetString("environment"))
				}
				fmt.Printf("Scheduler running every %s (Ctrl+C to stop)\n", st.Interval)
				<-ctx.Done()
				a.Scheduler.Stop()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "evaluation interval (default 15m)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var interval time.Duration
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if interval > 0 {
					a.Scheduler.Interval = interval
				}
				handler, err := server.New(server.Config{
					Repo:      a.Repo,
					Engine:    a.Engine,
					Evaluator: a.Evaluator,
					Scheduler: a.Scheduler,
					Monitor:   a.Monitor,
					BasePath:  basePath,
				})
				if err != nil {
					return err
				}
				if withScheduler {
					a.Scheduler.Start(context.Background())
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&interval, "interval", 0, "scheduler interval (default 15m)")
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "start the interval scheduler alongside the API")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(app.Options{
		Workspace:   viper.GetString("workspace"),
		Environment: viper.GetString("environment"),
		WebhookURL:  viper.GetString("webhook-url"),
		LogLevel:    viper.GetString("log-level"),
		LogFormat:   viper.GetString("log-format"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withProject(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	projectID := viper.GetString("project")
	if projectID == "" {
		return fmt.Errorf("project not specified; use --project")
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, projectID)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
