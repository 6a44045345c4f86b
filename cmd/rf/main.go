package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"releaseflow/internal/app"
	"releaseflow/internal/config"
	"releaseflow/internal/db"
	"releaseflow/internal/domain"
	"releaseflow/internal/engine"
	"releaseflow/internal/engine/auth"
	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
	"releaseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "Releaseflow CLI",
	Long: `Releaseflow coordinates release work and delivers its events reliably.
- Release: a named version holding ordered tasks; it completes once every task is done.
- Task: TODO -> IN_PROCESS -> COMPLETED, started only by its assignee and only after its predecessor.
- Developer: holds at most one IN_PROCESS task across all releases.
- Hotfix: adding a task to a completed release reopens it.
- Events: every change is published at least once; failing consumers retry with backoff, then land in a DLQ.
- Event log: local diary of published events, view with 'rf log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELEASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/releaseflow.yml)")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting developer id")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "config", "actor-id", "jwt-secret", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage releaseflow.yml",
		Long:  "Config selects the store (sqlite or postgres), the broker (memory or kafka), topics, retry policy, monitor cadence and alert sinks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default releaseflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			for i := range cfg.Alerts.Webhooks {
				if cfg.Alerts.Webhooks[i].Secret != "" {
					cfg.Alerts.Webhooks[i].Secret = "********"
				}
			}
			return printJSONOrYAML(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
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

func releaseCmd() *cobra.Command {
	rel := &cobra.Command{Use: "release", Short: "Manage releases"}
	rel.AddCommand(releaseCreateCmd())
	rel.AddCommand(releaseListCmd())
	rel.AddCommand(releaseShowCmd())
	rel.AddCommand(releaseCompleteCmd())
	return rel
}

func releaseCreateCmd() *cobra.Command {
	var name, version string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, err := e.CreateRelease(ctx, name, version)
				if err != nil {
					return err
				}
				return printRelease(rel)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "release name")
	cmd.Flags().StringVar(&version, "version", "", "release version")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func releaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rels, err := e.ListReleases(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rels)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Tasks", "Done", "Completed"})
				for _, r := range rels {
					done := 0
					for _, t := range r.Tasks {
						if t.Status == domain.StatusCompleted {
							done++
						}
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Version, len(r.Tasks), done, r.Completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func releaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <release-id>",
		Short: "Show a release and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, err := e.GetRelease(ctx, args[0])
				if err != nil {
					return err
				}
				return printRelease(rel)
			})
		},
	}
	return cmd
}

func releaseCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <release-id>",
		Short: "Complete a release whose tasks are all done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, err := e.CompleteRelease(ctx, args[0])
				if err != nil {
					return err
				}
				return printRelease(rel)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage release tasks",
		Long:  "Tasks move TODO -> IN_PROCESS -> COMPLETED. start and complete act as --actor-id.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskMineCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var releaseID string
	var in engine.AddTaskInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task to a release (reopens a completed release)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, _, err := e.AddTask(ctx, releaseID, in)
				if err != nil {
					return err
				}
				return printRelease(rel)
			})
		},
	}
	cmd.Flags().StringVar(&releaseID, "release", "", "release id")
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "task description")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee developer id")
	cmd.Flags().IntVar(&in.OrderIndex, "order", 0, "1-based position in the release")
	_ = cmd.MarkFlagRequired("release")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, err := e.StartTaskByID(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTaskOf(rel, args[0])
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, err := e.CompleteTaskByID(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTaskOf(rel, args[0])
			})
		},
	}
	return cmd
}

func taskMineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List tasks assigned to --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.ListTasksForDeveloper(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Release", "Version", "#", "ID", "Title", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ReleaseName, t.ReleaseVersion, t.OrderIndex, t.ID, t.Title, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the monitor, outbox relay, consumers and escalator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Config.Auth.JWTSecret == "" {
					return fmt.Errorf("RELEASEFLOW_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:    a.Engine,
					Alerts:    a.Alerts,
					Feed:      a.Feed,
					Context:   a.Context,
					Publisher: a.Publisher,
					Service:   a.Config.Service,
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: a.Config.Auth.JWTSecret, Logger: rflog.WithComponent("http")},
					Gatherer:  a.Registry,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				fmt.Printf("Serving Releaseflow API on http://%s%s (OpenAPI at %s/openapi.json, API docs at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				return a.Run(ctx, app.RunOptions{HTTP: srv, Consumers: true, Monitor: true, Relay: true})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

func consumeCmd() *cobra.Command {
	var withMonitor, follow bool
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the consumer groups, escalator and outbox relay without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if follow {
					ch, stop := a.Feed.Subscribe(64)
					defer stop()
					go printFeed(ch, viper.GetBool("json"))
				}
				return a.Run(ctx, app.RunOptions{Consumers: true, Relay: true, Monitor: withMonitor})
			})
		},
	}
	cmd.Flags().BoolVar(&withMonitor, "monitor", false, "also run the stale-task monitor")
	cmd.Flags().BoolVar(&follow, "follow", false, "print activity feed envelopes as they are consumed")
	return cmd
}

func printFeed(ch <-chan events.Envelope, asJSON bool) {
	for env := range ch {
		if asJSON {
			_ = printJSON(env)
			continue
		}
		fmt.Printf("%s  %-18s %s  %s\n", env.Timestamp, env.EventType, env.ID, env.Source)
	}
}

func monitorCmd() *cobra.Command {
	m := &cobra.Command{Use: "monitor", Short: "Stale-task monitor"}
	m.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Run a single stale-task scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Monitor.Scan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"reminders": n})
				}
				fmt.Printf("%d reminder(s) published\n", n)
				return nil
			})
		},
	})
	return m
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Inspect the local event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, releaseID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.EventLog.LatestEvents(ctx, n, evtType, releaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "TS", "Type", "Topic", "Release", "Event ID"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.Topic, evt.ReleaseID, evt.EventID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&releaseID, "release", "", "release id filter")
	return cmd
}

func outboxCmd() *cobra.Command {
	o := &cobra.Command{Use: "outbox", Short: "Inspect envelopes waiting for re-send"}
	var n int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Outbox.List(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Topic", "Type", "Event ID", "Attempts", "Next attempt", "Last error"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.Topic, e.Envelope.EventType, e.Envelope.ID, e.Attempts, e.NextAttemptAt.Format(time.RFC3339), e.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&n, "n", 50, "number of entries")
	o.AddCommand(list)
	return o
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, ok := auth.ParseRole(role)
			if !ok {
				return fmt.Errorf("--role must be ADMIN or DEVELOPER")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.SignToken(cfg.Auth.JWTSecret, subject, r, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleDeveloper), "ADMIN or DEVELOPER")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := app.ApplyOverrides(cfg,
		app.Override{Key: "auth.jwt_secret", Value: viper.GetString("jwt-secret")},
		app.Override{Key: "log.level", Value: viper.GetString("log-level")},
	); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rflog.Configure(rflog.Config{Level: cfg.Log.Level, Service: cfg.Service})
	a, err := app.Build(ctx, cfg, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func printRelease(rel domain.Release) error {
	if viper.GetBool("json") {
		return printJSON(rel)
	}
	state := "open"
	if rel.Completed {
		state = "completed"
	}
	fmt.Printf("%s %s (%s) %s\n", rel.Name, rel.Version, rel.ID, state)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Title", "Assignee", "Status"})
	for _, t := range rel.Tasks {
		tw.AppendRow(table.Row{t.OrderIndex, t.ID, t.Title, t.AssigneeID, t.Status})
	}
	tw.Render()
	return nil
}

func printTaskOf(rel domain.Release, taskID string) error {
	t, ok := rel.Task(taskID)
	if !ok {
		return printRelease(rel)
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"release_id": rel.ID, "task": t})
	}
	fmt.Printf("%s [%s] in %s %s\n", t.Title, t.Status, rel.Name, rel.Version)
	return nil
}

func printJSONOrYAML(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
