package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"weekline/internal/config"
	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/events"
	"weekline/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Org rollover configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored config of the org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				cfg, err := e.Repo.GetOrgConfig(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [path]",
		Short: "Validate a YAML file and store it as the org config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				cfg.Org.ID = orgID
				if err := e.UpdateOrgConfig(ctx, orgID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"org_id": orgID, "imported": path, "roles": cfg.RoleIDs()})
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a YAML config file without storing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var orgID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default weekline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "id", "default", "org id written into the file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func weekCmd() *cobra.Command {
	var siteID, at string
	cmd := &cobra.Command{
		Use:   "week",
		Short: "Show the program week, cycle and deadlines of a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			instant, err := parseInstantFlag("at", at)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				site, anchor, err := e.SiteWeek(ctx, siteID, instant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"site": site, "anchor": anchor})
				}
				renderAnchor(site, anchor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	cmd.Flags().StringVar(&at, "at", "", "instant to anchor (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Read weekly plans"}
	plan.AddCommand(planShowCmd())
	return plan
}

func planShowCmd() *cobra.Command {
	var roleID int64
	var week string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current, next and preview weeks of a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWeekFlag("week", week)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				view, err := e.PlanWindow(ctx, orgID, roleID, w)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				renderPlanView(view)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	cmd.Flags().StringVar(&week, "week", "", "first week of the window (Monday, default current)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func overrideCmd() *cobra.Command {
	ov := &cobra.Command{Use: "override", Short: "Manually set or clear a week's picks"}
	ov.AddCommand(overrideSetCmd())
	ov.AddCommand(overrideClearCmd())
	return ov
}

func overrideSetCmd() *cobra.Command {
	var roleID int64
	var week string
	var rawPicks []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace and lock a week's three slots",
		Example: `  wkl override set --role 1 --week 2025-01-20 --pick 1=12 --pick 2=self --pick 3=40`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWeekFlag("week", week)
			if err != nil {
				return err
			}
			picks, err := parsePicks(rawPicks)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				rows, err := e.ApplyOverride(ctx, engine.OverrideOptions{
					OrgID:   orgID,
					RoleID:  roleID,
					Week:    w,
					Picks:   picks,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				renderPlanRows(rows)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	cmd.Flags().StringVar(&week, "week", "", "week start (Monday)")
	cmd.Flags().StringArrayVar(&rawPicks, "pick", nil, "slot=action-id or slot=self, once per slot")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("week")
	return cmd
}

func overrideClearCmd() *cobra.Command {
	var roleID int64
	var week string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Hand a week back to the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWeekFlag("week", week)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				rows, err := e.ClearOverride(ctx, orgID, roleID, w, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				renderPlanRows(rows)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	cmd.Flags().StringVar(&week, "week", "", "week start (Monday)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("week")
	return cmd
}

// parsePicks reads "slot=action" pairs; "self" marks a self-select slot.
func parsePicks(raw []string) ([]domain.Pick, error) {
	picks := make([]domain.Pick, 0, len(raw))
	for _, r := range raw {
		slot, val, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("--pick %q: expected slot=action-id", r)
		}
		order, err := strconv.Atoi(strings.TrimSpace(slot))
		if err != nil {
			return nil, fmt.Errorf("--pick %q: slot: %w", r, err)
		}
		p := domain.Pick{DisplayOrder: order}
		val = strings.TrimSpace(val)
		if strings.EqualFold(val, "self") {
			p.SelfSelect = true
		} else {
			id, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("--pick %q: action id: %w", r, err)
			}
			p.ActionID = &id
		}
		picks = append(picks, p)
	}
	return picks, nil
}

func rolloverCmd() *cobra.Command {
	var opts engine.RolloverOptions
	var asOf string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Run the weekly rollover of the org now",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseInstantFlag("as-of", asOf)
			if err != nil {
				return err
			}
			opts.AsOf = t
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				opts.OrgID = orgID
				opts.Trigger = domain.TriggerManual
				opts.ActorID = viper.GetString("actor-id")
				res, err := e.RunRollover(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				renderRollover(res)
				if res.Status == engine.RolloverFailed {
					return errors.New("rollover failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "simulate the run at an instant (RFC3339)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute and log without writing plans or backlog")
	cmd.Flags().Int64SliceVar(&opts.Roles, "role", nil, "limit pipeline ticks to these roles")
	cmd.Flags().BoolVar(&opts.SkipReconcile, "skip-reconcile", false, "run only the pipeline ticks")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var opts engine.ReconcileOptions
	var asOf string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Close out the last rolled-over week of one site",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseInstantFlag("as-of", asOf)
			if err != nil {
				return err
			}
			opts.AsOf = t
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Trigger = domain.TriggerManual
				opts.ActorID = viper.GetString("actor-id")
				res, err := e.ReconcileSite(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				renderReconciles([]engine.ReconcileResult{res})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.SiteID, "site", "", "site id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "reconcile as of an instant (RFC3339)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute and log without writing")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func runsCmd() *cobra.Command {
	var f repo.RunFilter
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List run ledger entries, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				if len(args) == 1 {
					run, err := e.Repo.GetRun(ctx, args[0])
					if err != nil {
						return err
					}
					if run.OrgID != orgID {
						return fmt.Errorf("run %s: %w", args[0], repo.ErrNotFound)
					}
					return printJSON(run)
				}
				f.OrgID = orgID
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(runs))
				}
				renderRuns(runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "pipeline or reconcile")
	cmd.Flags().Int64Var(&f.RoleID, "role", 0, "role id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum entries")
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the org audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, orgID string) error {
				items, err := events.List(ctx, e.DB, orgID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(items))
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func backlogCmd() *cobra.Command {
	b := &cobra.Command{Use: "backlog", Short: "Staff backlog of carried-over actions"}
	b.AddCommand(backlogListCmd())
	b.AddCommand(backlogClearCmd())
	return b
}

func backlogListCmd() *cobra.Command {
	var staffID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a staff member's backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBacklog(ctx, staffID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(items))
				}
				renderBacklog(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&staffID, "staff", "", "staff id")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved items")
	_ = cmd.MarkFlagRequired("staff")
	return cmd
}

func backlogClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <item-id>",
		Short: "Resolve a backlog item by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ClearBacklogItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func scoreCmd() *cobra.Command {
	var in engine.ScoreInput
	var week string
	var actionID int64
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Record a confidence or performance score",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWeekFlag("week", week)
			if err != nil {
				return err
			}
			in.Week = w
			if actionID > 0 {
				in.ActionID = &actionID
			}
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				res, err := e.RecordScore(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.StaffID, "staff", "", "staff id")
	cmd.Flags().StringVar(&week, "week", "", "week start (Monday)")
	cmd.Flags().IntVar(&in.DisplayOrder, "slot", 0, "display order 1-3")
	cmd.Flags().StringVar(&in.Kind, "kind", engine.ScoreConfidence, "confidence or performance")
	cmd.Flags().IntVar(&in.Score, "score", 0, "score 1-4")
	cmd.Flags().Int64Var(&actionID, "action", 0, "chosen action for a self-select slot")
	for _, name := range []string{"staff", "week", "slot", "score"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
