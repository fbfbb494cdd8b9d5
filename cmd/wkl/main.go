package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"weekline/internal/app"
	"weekline/internal/db"
	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/migrate"
	"weekline/internal/weeks"
)

var rootCmd = &cobra.Command{
	Use:   "wkl",
	Short: "Weekline CLI",
	Long: `Weekline plans the weekly Pro-Moves of every role and closes out each site's week.
Core concepts:
- Org: owns the rollover config (weekline.yml), roles and the plan table.
- Site: a location with its own time zone, program start Monday and cycle length.
- Plan: three slots per org/role/week; weeks move proposed -> locked, overrides lock immediately.
- Pipeline: per org/role state (uninitialized -> first_run_seeded -> steady_state) kept by the weekly tick.
- Reconcile: at a site's rollover instant, unperformed site assignments become backlog items.
- Run ledger: one append-only entry per tick and per reconcile, view with 'wkl runs'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WEEKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadDotEnv reads <workspace>/.env without overriding variables already set.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (defaults to the only org in the workspace)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(weekCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(rolloverCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- org, site, staff, action ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgListCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an org seeded from weekline.yml or the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := app.SeedConfig(viper.GetString("workspace"), id)
				if err != nil {
					return err
				}
				o, err := e.InitOrg(ctx, id, name, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orgs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orgs, err := e.Repo.ListOrgs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(orgs))
				}
				renderOrgs(orgs)
				return nil
			})
		},
	}
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteCreateCmd())
	site.AddCommand(siteListCmd())
	return site
}

func siteCreateCmd() *cobra.Command {
	var s domain.Site
	var start string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a site with its program calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := weeks.ParseDate(start)
			if err != nil {
				return fmt.Errorf("--program-start: %w", err)
			}
			s.ProgramStartDate = d
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				s.OrgID = orgID
				created, err := e.CreateSite(ctx, s, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "site id")
	cmd.Flags().StringVar(&s.Name, "name", "", "display name")
	cmd.Flags().StringVar(&s.TimeZone, "tz", "", "IANA time zone, e.g. America/Chicago")
	cmd.Flags().StringVar(&start, "program-start", "", "program start date (a Monday, YYYY-MM-DD)")
	cmd.Flags().IntVar(&s.CycleLength, "cycle-length", 6, "weeks per cycle")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("tz")
	_ = cmd.MarkFlagRequired("program-start")
	return cmd
}

func siteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sites of the org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				sites, err := e.Repo.ListSites(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(sites))
				}
				renderSites(sites)
				return nil
			})
		},
	}
}

func staffCmd() *cobra.Command {
	staff := &cobra.Command{Use: "staff", Short: "Manage staff"}
	staff.AddCommand(staffAddCmd())
	staff.AddCommand(staffListCmd())
	return staff
}

func staffAddCmd() *cobra.Command {
	var s domain.Staff
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a staff member to a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				added, err := e.AddStaff(ctx, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(added)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "staff id")
	cmd.Flags().StringVar(&s.SiteID, "site", "", "site id")
	cmd.Flags().Int64Var(&s.RoleID, "role", 0, "role id")
	cmd.Flags().StringVar(&s.Name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func staffListCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active staff of a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				staff, err := e.Repo.ListActiveStaff(ctx, siteID)
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(staff))
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Manage the Pro-Move library"}
	act.AddCommand(actionAddCmd())
	act.AddCommand(actionListCmd())
	act.AddCommand(actionSetActiveCmd("deactivate", false))
	act.AddCommand(actionSetActiveCmd("activate", true))
	return act
}

func actionAddCmd() *cobra.Command {
	var a domain.Action
	var roleID int64
	var competency domain.Competency
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an action, registering its competency when --competency-name is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if roleID > 0 {
				a.RoleID = &roleID
			}
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if competency.Name != "" {
					competency.ID = a.CompetencyID
					if err := e.AddCompetency(ctx, competency); err != nil {
						return err
					}
				}
				added, err := e.AddAction(ctx, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(added)
			})
		},
	}
	cmd.Flags().Int64Var(&a.ID, "id", 0, "action id")
	cmd.Flags().Int64Var(&a.CompetencyID, "competency", 0, "competency id")
	cmd.Flags().StringVar(&competency.Name, "competency-name", "", "create the competency with this name")
	cmd.Flags().StringVar(&competency.DomainName, "domain", "", "domain of a new competency")
	cmd.Flags().Int64Var(&roleID, "role", 0, "restrict to a role (0 = every role)")
	cmd.Flags().StringVar(&a.Statement, "statement", "", "action statement")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("competency")
	_ = cmd.MarkFlagRequired("statement")
	return cmd
}

func actionListCmd() *cobra.Command {
	var roleID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.Repo.ListActions(ctx, roleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				renderActions(actions)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id (0 = all)")
	return cmd
}

func actionSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <action-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("action id: %w", err)
			}
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetActionActive(ctx, id, active); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": id, "active": active})
			})
		},
	}
}

// --- helpers ---

func newLogger() (*logrus.Entry, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)
	switch viper.GetString("log-format") {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", viper.GetString("log-format"))
	}
	return logrus.NewEntry(l), nil
}

// withStore opens and migrates the workspace database. The org is not resolved.
func withStore(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn.DB); err != nil {
		return err
	}
	e := engine.New(conn)
	e.Logger = log
	return fn(ctx, e)
}

// withEngine is withStore plus the active org, created from the workspace
// config on first use.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withStore(ctx, func(ctx context.Context, e engine.Engine) error {
		orgID, _, err := app.ResolveOrgAndConfig(ctx, e, viper.GetString("workspace"), viper.GetString("org"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		e.Logger = e.Logger.WithField("org_id", orgID)
		return fn(ctx, e, orgID)
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

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func parseWeekFlag(name, v string) (weeks.Date, error) {
	if v == "" {
		return weeks.Date{}, nil
	}
	d, err := weeks.ParseDate(v)
	if err != nil {
		return weeks.Date{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func parseInstantFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return t, nil
}
