package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tandem/internal/app"
	"tandem/internal/config"
	"tandem/internal/domain"
	"tandem/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "tandem",
	Version: version,
	Short:   "Tandem multi-role orchestration",
	Long: `Tandem coordinates a planner, a foreman, workers and a reviewer, each running as its own process.
Core concepts:
- Plan: the approved intent; pending -> approved -> running -> complete, or cancelled.
- Tasks: one foreman task per plan and numbered subtasks under it; pending -> running -> complete | failed.
- Context: immutable facts and decisions shared by every role of a plan.
- Reviews: agent or human verdicts on a plan.
- Events: the audit trail of everything above.
Everything is appended to .tandem/*.jsonl first; .tandem/mirror.db is a rebuildable query cache ('tandem sync').`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TANDEM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("root", "r", ".", "project root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().CountP("verbose", "v", "increase log verbosity (-v info, -vv debug)")
	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(dashboardCmd())
}

// projectRoot resolves --root once; nothing below the CLI looks at the
// working directory.
func projectRoot() (string, error) {
	return filepath.Abs(viper.GetString("root"))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .tandem state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			cfg := config.New(root)
			logger, closer, err := app.NewLogger(app.LogOptions{Verbosity: viper.GetInt("verbose"), Level: cfg.Settings.Log.Level})
			if err != nil {
				return err
			}
			defer closer.Close()
			report, err := app.Init(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(report)
			}
			if report.AlreadyInitialized {
				fmt.Printf("Already initialized: %s\n", report.Dir)
				return nil
			}
			fmt.Printf("Initialized %s\n", report.Dir)
			for _, path := range report.Created {
				fmt.Printf("  created %s\n", path)
			}
			if report.GitMissing {
				fmt.Println("warning: project root is not a git repository; workers will not get worktrees")
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the mirror from the append log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				report, err := p.Engine.FullSync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Synced %d plans, %d tasks, %d context items, %d events, %d reviews in %s\n",
					report.Plans, report.Tasks, report.Context, report.Events, report.Reviews, report.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}

type statusRow struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Status string         `json:"status"`
	Tasks  map[string]int `json:"task_counts"`
}

type planLister interface {
	GetActivePlans(ctx context.Context) ([]domain.Plan, error)
	GetAllPlans(ctx context.Context) ([]domain.Plan, error)
	TaskCounts(ctx context.Context, planID string) (map[domain.TaskStatus]int, error)
}

// statusRows lists active plans, or every plan when all is set.
func statusRows(ctx context.Context, src planLister, all bool) ([]statusRow, error) {
	list := src.GetActivePlans
	if all {
		list = src.GetAllPlans
	}
	plans, err := list(ctx)
	if err != nil {
		return nil, err
	}
	rows := []statusRow{}
	for _, plan := range plans {
		counts, err := src.TaskCounts(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		r := statusRow{ID: plan.ID, Title: plan.Title, Status: string(plan.Status), Tasks: map[string]int{}}
		for status, n := range counts {
			r.Tasks[string(status)] = n
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plans with their task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				rows, err := statusRows(ctx, p.Engine, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				if len(rows) == 0 {
					if all {
						fmt.Println("No plans")
					} else {
						fmt.Println("No active plans")
					}
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Plan", "Title", "Status", "Pending", "Running", "Complete", "Failed"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Tasks["pending"], r.Tasks["running"], r.Tasks["complete"], r.Tasks["failed"]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include pending and finished plans")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only observer API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				settings := p.Config.Settings.Server
				if !cmd.Flags().Changed("addr") && settings.Addr != "" {
					addr = settings.Addr
				}
				if !cmd.Flags().Changed("base-path") && settings.BasePath != "" {
					basePath = settings.BasePath
				}
				secret := settings.JWTSecret
				if env := viper.GetString("jwt_secret"); env != "" {
					secret = env
				}
				metrics := server.NewMetrics()
				handler, err := server.New(server.Config{
					Engine:   p.Engine,
					Sessions: p.Sessions,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: p.Logger},
					Logger:   p.Logger,
					Metrics:  metrics,
				})
				if err != nil {
					return err
				}
				dispatcher := server.NewWebhookDispatcher(p.Engine, p.Config.Settings.Webhooks, p.Logger)
				dispatcher.Metrics = metrics
				go dispatcher.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				if secret == "" {
					p.Logger.Warn("observer API has no jwt secret; every request is accepted", "addr", addr)
				}
				fmt.Printf("Serving tandem observer API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withProject(ctx context.Context, fn func(context.Context, *app.Project) error) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	p, err := app.OpenProject(ctx, root, viper.GetInt("verbose"))
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// parseEnv reads repeated KEY=VALUE flags.
func parseEnv(pairs []string) (map[string]string, error) {
	env := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}
