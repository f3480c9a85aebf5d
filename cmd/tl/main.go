package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/server"
	"taskline/internal/suggest"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline keeps tasks in a dependency graph and schedules what to do next.
Core concepts (kid-friendly):
- Why it matters: the graph knows which tasks are actually startable, so "what should I pick up" stops being a guess and badly written tasks get caught before anyone works on them.
- Workspace: your .taskline toy box with only the database; config is stored in the DB and seeded from taskline.yml on first use.
- Tasks: work items with category, effort, and deadline; statuses go draft -> pending -> in_progress -> validating -> completed (failed, stale, and cancelled are exits).
- Validation gate: every submitted task is checked against configured rules; findings become blocks that keep it out of the ready set until fixed.
- Relationships: depends_on/blocks edges order execution and must stay acyclic; the other types (related_to, duplicate_of, follows, ...) are informational.
- Blocks: open blocks pin a task to blocked; resolving the last one sends it back to pending.
- Lists: ordered campaigns with an execution mode (sequential, parallel, priority) and live progress counters.
- Suggestions: the scheduler ranks ready tasks and emits the top picks per list; ask directly with 'tl suggest'.
- Priority: scored from effort, deadline pressure, unblock impact, and strategic bonus; recompute with 'tl recalc'.
- Event log: diary of changes, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(blockCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(criticalPathCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(recalcCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "See the scoreboard for the workspace: schema version, task counts by status, and active lists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				active, err := e.Repo.ActiveListIDs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"workspace":      viper.GetString("workspace"),
						"database":       db.Path(viper.GetString("workspace")),
						"schema_version": version,
						"task_counts":    counts,
						"active_lists":   active,
					})
				}
				fmt.Printf("Workspace: %s (schema v%d)\n", viper.GetString("workspace"), version)
				fmt.Printf("Database: %s\n", db.Path(viper.GetString("workspace")))
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				if len(active) > 0 {
					fmt.Printf("Active lists: %s\n", strings.Join(active, ", "))
				} else {
					fmt.Println("Active lists: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. Submission runs the validation gate; moving draft -> pending requires a clean gate, and from pending they flow through in_progress -> validating -> completed. Tasks with open blocks or unfinished blocking dependencies sit in blocked.",
	}
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskBlockersCmd())
	task.AddCommand(taskBlockCmd())
	return task
}

func taskSubmitCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (feature, bugfix, refactor, docs, chore, research)")
	cmd.Flags().IntVar(&opts.EffortMinutes, "effort-minutes", 0, "effort estimate in minutes")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC 3339)")
	cmd.Flags().IntVar(&opts.StrategicBonus, "strategic-bonus", 0, "strategic priority bonus")
	cmd.Flags().StringArrayVar(&opts.ConflictSet, "conflicts-with", []string{}, "conflicting resource (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Tests, "test", []string{}, "test reference (repeatable)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTaskTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.ListID, "list", "", "list id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskEditCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var title, description, category, deadline, assign string
	var effort, bonus int
	var conflicts, tests []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("category") {
				opts.Category = &category
			}
			if cmd.Flags().Changed("effort-minutes") {
				opts.EffortMinutes = &effort
			}
			if cmd.Flags().Changed("deadline") {
				opts.Deadline = &deadline
			}
			if cmd.Flags().Changed("strategic-bonus") {
				opts.StrategicBonus = &bonus
			}
			if cmd.Flags().Changed("conflicts-with") {
				opts.ConflictSet = conflicts
			}
			if cmd.Flags().Changed("test") {
				opts.Tests = tests
			}
			if cmd.Flags().Changed("assign") {
				opts.Assignee = &assign
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskFields(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().IntVar(&effort, "effort-minutes", 0, "effort estimate in minutes")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC 3339, empty clears)")
	cmd.Flags().IntVar(&bonus, "strategic-bonus", 0, "strategic priority bonus")
	cmd.Flags().StringArrayVar(&conflicts, "conflicts-with", []string{}, "conflicting resource (replaces the set)")
	cmd.Flags().StringArrayVar(&tests, "test", []string{}, "test reference (replaces the set)")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var opts engine.TransitionOptions
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Request a status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RequestTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.To, "to", "", "target status")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				transitions, err := e.History(ctx, id, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(transitions)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of transitions")
	return cmd
}

func taskBlockersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockers <id>",
		Short: "Show unfinished tasks this one waits on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Blockers(ctx, id)
				if err != nil {
					return err
				}
				return printTaskTable(tasks)
			})
		},
	}
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var opts engine.BlockOptions
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Place a manual block on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.BlockTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity (info, warning, error)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func blockCmd() *cobra.Command {
	blk := &cobra.Command{
		Use:   "block",
		Short: "Manage blocks",
		Long:  "Blocks hold a task in place: validation gate findings, dependency waits, and manual holds. Resolving the last open block sends the task back to pending.",
	}
	blk.AddCommand(blockListCmd())
	blk.AddCommand(blockResolveCmd())
	return blk
}

func blockListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List blocks for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				blocks, err := e.Blocks(ctx, id, all)
				if err != nil {
					return err
				}
				return printJSONOrTable(blocks)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved blocks")
	return cmd
}

func blockResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ResolveBlock(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func depCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage relationships",
		Long:  "Relationships connect tasks. The blocking kinds (depends_on, blocks) order execution and are kept acyclic; the rest are informational annotations.",
	}
	dep.AddCommand(depAddCmd())
	dep.AddCommand(depListCmd())
	dep.AddCommand(depRemoveCmd())
	return dep
}

func depAddCmd() *cobra.Command {
	var opts engine.DependencyOptions
	var strength float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a relationship",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("strength") {
				opts.Strength = &strength
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rel, err := e.AddDependency(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SourceID, "source", "", "source task id")
	cmd.Flags().StringVar(&opts.TargetID, "target", "", "target task id")
	cmd.Flags().StringVar(&opts.Type, "type", "depends_on", "relationship type")
	cmd.Flags().Float64Var(&strength, "strength", 0, "relationship strength (0 to 1)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func depListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List relationships touching a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rels, err := e.Relationships(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rels)
			})
		},
	}
	return cmd
}

func depRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a relationship",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveRelationship(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func listCmd() *cobra.Command {
	lst := &cobra.Command{
		Use:   "list",
		Short: "Manage task lists",
		Long:  "Lists are ordered campaigns of tasks. Sequential runs one member at a time, parallel lets independent members run together, priority follows computed scores. Progress counters update as members complete.",
	}
	lst.AddCommand(listCreateCmd())
	lst.AddCommand(listLsCmd())
	lst.AddCommand(listShowCmd())
	lst.AddCommand(listTasksCmd())
	lst.AddCommand(listAddCmd())
	lst.AddCommand(listRemoveCmd())
	lst.AddCommand(listCompleteCmd())
	lst.AddCommand(listArchiveCmd())
	lst.AddCommand(listLinkCmd())
	lst.AddCommand(listUnlinkCmd())
	return lst
}

func listCreateCmd() *cobra.Command {
	var opts engine.ListCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a list",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateList(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "list id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringArrayVar(&opts.ScopeRefs, "scope-ref", []string{}, "scope reference (repeatable)")
	cmd.Flags().StringVar(&opts.ExecutionMode, "mode", "sequential", "execution mode (sequential, parallel, priority)")
	cmd.Flags().StringVar(&opts.ChannelID, "channel", "", "channel id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func listLsCmd() *cobra.Command {
	var f repo.ListFilters
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List task lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lists, err := e.Lists(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lists)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Mode", "Status", "Progress", "Channel"})
				for _, l := range lists {
					channel := ""
					if l.ChannelID != nil {
						channel = *l.ChannelID
					}
					tw.AppendRow(table.Row{l.ID, l.Name, l.ExecutionMode, l.Status, fmt.Sprintf("%d/%d", l.CompletedCount, l.TotalCount), channel})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func listShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetList(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func listTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <id>",
		Short: "Show list members in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Members(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	}
	return cmd
}

func listAddCmd() *cobra.Command {
	var position int
	cmd := &cobra.Command{
		Use:   "add <list-id> <task-id>",
		Short: "Add a task to a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AddToListOptions{
				ListID:   args[0],
				TaskID:   args[1],
				Position: -1,
				ActorID:  viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("position") {
				opts.Position = position
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddTaskToList(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&position, "position", 0, "insert position (append if omitted)")
	return cmd
}

func listRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <list-id> <task-id>",
		Short: "Remove a task from a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			listID, taskID := args[0], args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveTaskFromList(ctx, listID, taskID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func listCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CompleteList(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func listArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ArchiveList(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func listLinkCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "link <id>",
		Short: "Link a list to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.LinkChannel(ctx, id, channel, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func listUnlinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlink <id>",
		Short: "Unlink a list from its channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.UnlinkChannel(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func readyCmd() *cobra.Command {
	var listID string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Show ready tasks",
		Long:  "Ready tasks are pending with every blocking dependency completed, ordered by priority. Scope to a list to apply its execution mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ReadyTasks(ctx, listID)
				if err != nil {
					return err
				}
				return printTaskTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&listID, "list", "", "list id (defaults to all tasks)")
	return cmd
}

func criticalPathCmd() *cobra.Command {
	var listID string
	cmd := &cobra.Command{
		Use:   "critical-path",
		Short: "Show the critical path",
		Long:  "The longest chain of unfinished work by effort. Tasks on it gate the completion date, so delays here delay everything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, total, err := e.CriticalPath(ctx, listID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"tasks": tasks, "total_effort_minutes": total})
				}
				if err := printTaskTable(tasks); err != nil {
					return err
				}
				fmt.Printf("Total effort: %d minutes\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&listID, "list", "", "list id (defaults to all tasks)")
	return cmd
}

func suggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <list-id>",
		Short: "Suggest next tasks for a list",
		Long:  "Asks the scheduler for the top ready tasks in a list right now, ranked the same way the background loop ranks them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mgr := suggest.NewManager(e, nil)
				items, err := mgr.Suggest(ctx, id, viper.GetString("actor-id"), true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Title", "Score", "Parallel", "Rationale"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.TaskID, s.Title, s.Score, s.Parallel, s.Rationale})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func recalcCmd() *cobra.Command {
	var listID string
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Recalculate priorities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RecalculatePriorities(ctx, listID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"changed": n})
				}
				fmt.Printf("Updated %d task priorities\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&listID, "list", "", "list id (defaults to all tasks)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark overdue in-progress tasks stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepStale(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"swept": n})
				}
				fmt.Printf("Marked %d tasks stale\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect scheduler and validation config",
		Long:  "Config is the rulebook (stored in DB): scheduler cadence, active hours, and the validation gate rules. A taskline.yml in the workspace seeds it on first use; import to replace the stored copy.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API and runs the suggestion scheduler until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			mgr := suggest.NewManager(e, nil)
			handler, err := server.New(server.Config{Engine: e, Suggest: mgr, BasePath: basePath})
			if err != nil {
				return err
			}
			go mgr.Run(cmd.Context())
			server.StartWebhookDispatcher(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, r)
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

func printTaskTable(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Category", "Priority", "Effort", "Assignee"})
	for _, t := range tasks {
		assignee := ""
		if t.AssigneeID != nil {
			assignee = *t.AssigneeID
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Category, t.Priority, t.EffortMinutes, assignee})
	}
	tw.Render()
	return nil
}
