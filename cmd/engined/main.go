package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/okatech-org/sgg.ga-sub007/internal/app"
	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
	"github.com/okatech-org/sgg.ga-sub007/internal/server"
	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "engined",
	Short: "Adaptive decision engine",
	Long: `engined scores criteria against weighted contexts and adapts the weights from feedback.
Core concepts:
- Workspace: directory holding engine.yml and the .engine SQLite database.
- Signals: durable events routed to handlers (notifications, history, webhooks).
- Tasks: deferred work with retries and exponential backoff.
- Weights: per-context criterion weights, clamped to configured bounds.
- Config: dynamic key/value overrides on top of engine.yml defaults.
- Jobs: periodic routing, processing, purges and snapshots run by 'engined serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if viper.GetBool("debug") {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
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
	viper.SetEnvPrefix("ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "engine.yml path (default <workspace>/engine.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(weightsCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(historyCmd())
}

func loadConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// withEngine opens the workspace, builds and bootstraps an engine, and runs fn.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	e, err := engine.New(conn, cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	if _, err := app.Bootstrap(ctx, e, cfg); err != nil {
		return err
	}
	return fn(ctx, e)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = viper.GetString("addr")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				shutdownTracing, err := telemetry.Setup(ctx, e.Config.Telemetry.ServiceName, e.Config.Telemetry.Endpoint)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdownTracing(sctx); err != nil {
						logger.Warn("tracing shutdown", zap.Error(err))
					}
				}()

				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				fmt.Printf("Serving engine API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", ln.Addr(), basePath, basePath)
				return serveAPI(ctx, e, ln, basePath)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default 127.0.0.1:8080, env ENGINE_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	viper.SetDefault("addr", "127.0.0.1:8080")
	return cmd
}

// serveAPI runs the scheduler and the HTTP API on ln until ctx is done. The
// scheduler is drained before it returns.
func serveAPI(ctx context.Context, e *engine.Engine, ln net.Listener, basePath string) error {
	handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger.Named("http")})
	if err != nil {
		ln.Close()
		return err
	}
	sched, err := e.Scheduler(ctx)
	if err != nil {
		ln.Close()
		return err
	}
	if err := sched.Start(ctx); err != nil {
		ln.Close()
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sched.Stop(sctx); err != nil {
			logger.Warn("scheduler stop", zap.Error(err))
		}
	}()

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	go func() {
		<-serveCtx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()
	logger.Info("serving engine API",
		zap.String("addr", ln.Addr().String()),
		zap.String("base_path", basePath),
		zap.Strings("jobs", engine.JobNames))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			out := map[string]any{"applied": applied, "version": v}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			fmt.Printf("schema version %d\n", v)
			return nil
		},
	}
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
