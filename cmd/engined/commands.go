package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/decision"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage engine.yml and dynamic config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configListCmd())
	cfg.AddCommand(configGetCmd())
	cfg.AddCommand(configSetCmd())
	cfg.AddCommand(configResetCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default engine.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate engine.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "jobs": cfg.JobNames()})
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dynamic config entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Settings.ListConfig(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value", "Source"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Key, it.Value, it.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show a config entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entry, err := e.Settings.GetConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Override a config entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.SetConfig(ctx, args[0], args[1]); err != nil {
					return err
				}
				entry, err := e.Settings.GetConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func configResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Drop a config override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ResetConfig(ctx, args[0])
			})
		},
	}
}

func parsePayload(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("payload must be JSON: %w", err)
	}
	return v, nil
}

func emitCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "emit <type>",
		Short: "Emit a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				id, err := e.Signals.Emit(ctx, domain.SignalType(args[0]), p)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id})
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	return cmd
}

// parseScores reads criterion=score pairs.
func parseScores(args []string) (map[string]float64, error) {
	scores := make(map[string]float64, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("score %q: expected criterion=value", a)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("score %q: %w", a, err)
		}
		scores[k] = f
	}
	return scores, nil
}

func decideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decide <context> <criterion=score>...",
		Short: "Score criteria against a context",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scores, err := parseScores(args[1:])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Decider.Decide(ctx, args[0], scores)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Criterion", "Score", "Weight", "Weighted"})
				for _, b := range res.Breakdown {
					tw.AppendRow(table.Row{b.CriterionKey, b.RawScore, b.Weight, fmt.Sprintf("%.4f", b.WeightedScore)})
				}
				tw.AppendFooter(table.Row{"total", "", "", fmt.Sprintf("%.4f", res.TotalScore)})
				tw.Render()
				fmt.Printf("%s (threshold %.4f, history %s)\n", res.Verdict, res.Threshold, res.HistoryID)
				fmt.Println(res.Explanation)
				return nil
			})
		},
	}
}

func feedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <history-id> <correct|incorrect>",
		Short: "Report a decision outcome and adapt weights",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				weights, err := e.Decider.Feedback(ctx, args[0], decision.Outcome(args[1]))
				if err != nil {
					return err
				}
				return printWeights(weights)
			})
		},
	}
}

func enqueueCmd() *cobra.Command {
	var payload string
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				id, err := e.Tasks.Enqueue(ctx, args[0], p, maxAttempts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id})
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (0 uses tasks.max_attempts)")
	return cmd
}

func routeCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route one batch of pending signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Signals.RoutePending(ctx, batch)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 100, "batch size")
	return cmd
}

func processCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one batch of due tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Tasks.ProcessPending(ctx, batch)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 50, "batch size")
	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Apply every retention window once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.RunMaintenance(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Component", "Counter", "Value"})
				tw.AppendRows([]table.Row{
					{"signals", "pending", st.Signals.Pending},
					{"signals", "routed", st.Signals.Routed},
					{"signals", "failed", st.Signals.Failed},
					{"tasks", "pending", st.Tasks.Pending},
					{"tasks", "running", st.Tasks.Running},
					{"tasks", "succeeded", st.Tasks.Succeeded},
					{"tasks", "failed", st.Tasks.Failed},
					{"tasks", "exhausted", st.Tasks.Exhausted},
					{"notifications", "unread", st.Notifications.Unread},
					{"notifications", "read", st.Notifications.Read},
					{"decisions", "total", st.Decisions.Total},
					{"decisions", "average_score", fmt.Sprintf("%.4f", st.Decisions.AverageScore)},
				})
				verdicts := make([]string, 0, len(st.Decisions.Verdicts))
				for v := range st.Decisions.Verdicts {
					verdicts = append(verdicts, string(v))
				}
				sort.Strings(verdicts)
				for _, v := range verdicts {
					tw.AppendRow(table.Row{"decisions", v, st.Decisions.Verdicts[domain.Verdict(v)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printWeights(weights []domain.Weight) error {
	if viper.GetBool("json") {
		return printJSON(weights)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Context", "Criterion", "Weight", "Updated"})
	for _, w := range weights {
		tw.AppendRow(table.Row{w.ContextKey, w.CriterionKey, w.Value, w.UpdatedAt.Format("2006-01-02 15:04:05")})
	}
	tw.Render()
	return nil
}

func weightsCmd() *cobra.Command {
	w := &cobra.Command{Use: "weights", Short: "Inspect and tune criterion weights"}
	w.AddCommand(&cobra.Command{
		Use:   "list [context]",
		Short: "List weights of one context, or of every context",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				contexts := args
				if len(contexts) == 0 {
					var err error
					if contexts, err = e.Settings.Contexts(ctx); err != nil {
						return err
					}
				}
				var all []domain.Weight
				for _, c := range contexts {
					m, err := e.Settings.GetWeights(ctx, c)
					if err != nil {
						return err
					}
					for _, w := range m {
						all = append(all, w)
					}
				}
				sort.Slice(all, func(i, j int) bool {
					if all[i].ContextKey != all[j].ContextKey {
						return all[i].ContextKey < all[j].ContextKey
					}
					return all[i].CriterionKey < all[j].CriterionKey
				})
				return printWeights(all)
			})
		},
	})
	w.AddCommand(&cobra.Command{
		Use:   "set <context> <criterion> <value>",
		Short: "Set a weight (clamped to weights.min..weights.max)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Settings.SetWeight(ctx, args[0], args[1], v)
				if err != nil {
					return err
				}
				return printWeights([]domain.Weight{w})
			})
		},
	})
	w.AddCommand(&cobra.Command{
		Use:   "adjust <context> <criterion> <delta>",
		Short: "Add delta to an existing weight",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Settings.AdjustWeight(ctx, args[0], args[1], d)
				if err != nil {
					return err
				}
				return printWeights([]domain.Weight{w})
			})
		},
	})
	return w
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Read notifications"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list <recipient>",
		Short: "List notifications, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Notifications.List(ctx, args[0], unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Created", "Message"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Status, it.CreatedAt.Format("2006-01-02 15:04:05"), it.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	n.AddCommand(list)
	n.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.Notifications.MarkRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	})
	return n
}

func historyCmd() *cobra.Command {
	var contextKey, action string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List history records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				recs, err := e.History.List(ctx, history.Filter{ActorContext: contextKey, ActionType: action, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Context", "Action", "Verdict", "Created"})
				for _, r := range recs {
					verdict := ""
					if r.DecisionResult != nil {
						verdict = string(r.DecisionResult.Verdict)
					}
					tw.AppendRow(table.Row{r.ID, r.ActorContext, r.ActionType, verdict, r.CreatedAt.Format("2006-01-02 15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextKey, "context", "", "context filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter (decision.made, decision.feedback, task.exhausted)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}
