package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/gan-auditor/internal/audit"
	"github.com/joestump/gan-auditor/internal/config"
	"github.com/joestump/gan-auditor/internal/db"
	"github.com/joestump/gan-auditor/internal/engine"
	"github.com/joestump/gan-auditor/internal/hub"
	"github.com/joestump/gan-auditor/internal/judge"
	"github.com/joestump/gan-auditor/internal/mcpserver"
	"github.com/joestump/gan-auditor/internal/session"
	"github.com/joestump/gan-auditor/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ganauditor",
		Short: "Iterative adversarial code-audit server speaking MCP over stdio",
	}

	pf := rootCmd.PersistentFlags()
	pf.Bool("enable-audit", true, "run audits on thoughts containing code")
	pf.Int("audit-timeout-millis", 30000, "per-audit judge timeout in milliseconds")
	pf.Int("max-concurrent-audits", 5, "global concurrent judge invocations")
	pf.Int("max-queue-waiters", 10, "max queued submissions per session (0 = unbounded)")
	pf.Int64("max-session-age-millis", int64(24*time.Hour/time.Millisecond), "session age before sweep deletion")
	pf.Int64("sweep-interval-millis", int64(time.Hour/time.Millisecond), "interval between session sweeps")
	pf.Float64("stagnation-similarity-threshold", 0.95, "average similarity at which iterations count as stagnant")
	pf.Int("stagnation-start-loop", 10, "loop at which stagnation detection begins")
	pf.String("completion-tiers", "95:10,90:15,85:20", "score:maxLoops completion tiers, strictest first")
	pf.Int("hard-stop-loops", 25, "absolute loop ceiling per session")
	pf.Int64("max-memory-usage-bytes", 64<<20, "resident session memory before emergency eviction")
	pf.Int("max-iterations-in-memory", 20, "hot iterations kept per session")
	pf.Int64("compression-age-millis", int64(5*time.Minute/time.Millisecond), "iteration age before cold compression")
	pf.Int("compression-threshold-bytes", 2048, "minimum serialized size before compressing")
	pf.Int("cache-capacity", 256, "audit cache entry capacity")
	pf.Int64("cache-ttl-millis", int64(30*time.Minute/time.Millisecond), "audit cache entry TTL")
	pf.String("state-directory", defaultStateDir(), "directory for session state files")
	pf.String("judge-executable", "codex", "judge CLI binary")
	pf.String("work-dir", "", "repository root for context packs (default: cwd)")
	pf.Int("dashboard-port", 8080, "HTTP port for the dashboard")
	pf.String("db-path", "", "audit-trail SQLite path (default: <state-directory>/ganauditor.db)")
	pf.String("assess-model", "", "Anthropic model for terminal session assessments (empty = deterministic summary)")

	// Bind flags to viper. Viper keys use underscores so they match the env
	// var suffix after stripping the GANAUDITOR_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, pf.Lookup(flagName))
	}
	bindFlag("enable_audit", "enable-audit")
	bindFlag("audit_timeout_millis", "audit-timeout-millis")
	bindFlag("max_concurrent_audits", "max-concurrent-audits")
	bindFlag("max_queue_waiters", "max-queue-waiters")
	bindFlag("max_session_age_millis", "max-session-age-millis")
	bindFlag("sweep_interval_millis", "sweep-interval-millis")
	bindFlag("stagnation_similarity_threshold", "stagnation-similarity-threshold")
	bindFlag("stagnation_start_loop", "stagnation-start-loop")
	bindFlag("completion_tiers", "completion-tiers")
	bindFlag("hard_stop_loops", "hard-stop-loops")
	bindFlag("max_memory_usage_bytes", "max-memory-usage-bytes")
	bindFlag("max_iterations_in_memory", "max-iterations-in-memory")
	bindFlag("compression_age_millis", "compression-age-millis")
	bindFlag("compression_threshold_bytes", "compression-threshold-bytes")
	bindFlag("cache_capacity", "cache-capacity")
	bindFlag("cache_ttl_millis", "cache-ttl-millis")
	bindFlag("state_directory", "state-directory")
	bindFlag("judge_executable", "judge-executable")
	bindFlag("work_dir", "work-dir")
	bindFlag("dashboard_port", "dashboard-port")
	bindFlag("db_path", "db-path")
	bindFlag("assess_model", "assess-model")

	viper.SetEnvPrefix("GANAUDITOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(
		serveCmd(),
		dashboardCmd(),
		sessionsCmd(),
		sweepCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ganauditor"
	}
	return filepath.Join(home, ".ganauditor", "state")
}

// buildEngine wires the component graph from the loaded config.
func buildEngine(cfg config.Config, sseHub *hub.Hub, database *db.DB) (*engine.Engine, error) {
	store, err := session.NewStore(cfg.StateDirectory)
	if err != nil {
		return nil, err
	}
	history := session.NewHistory(store, session.HistoryLimits{
		MaxIterationsInMemory: cfg.MaxIterationsInMemory,
		CompressionAge:        cfg.CompressionAge,
		CompressionThreshold:  cfg.CompressionThresholdBytes,
		MaxMemoryUsage:        cfg.MaxMemoryUsageBytes,
	})
	cache := audit.NewCache(cfg.CacheCapacity, cfg.CacheTTL)
	queue := audit.NewQueue(cfg.MaxConcurrentAudits, cfg.MaxQueueWaiters)
	runner := &judge.CLIRunner{Command: cfg.JudgeExecutable}
	ctxmgr := judge.NewContextManager(&judge.CLIContextExecutor{Command: cfg.JudgeExecutable})

	opts := engine.Options{
		Assessor: engine.NewAnthropicAssessor(cfg.AssessModel),
	}
	if sseHub != nil {
		opts.Sink = sseHub
	}
	if database != nil {
		opts.Trail = database
	}
	return engine.New(cfg, store, history, cache, queue, runner, ctxmgr, opts), nil
}

func dbPath(cfg config.Config) string {
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	return filepath.Join(cfg.StateDirectory, "ganauditor.db")
}

// serveCmd runs the MCP stdio server with the dashboard alongside.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP stdio server and dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			// All operational logging goes to stderr; stdout belongs to the
			// MCP JSON-RPC stream.
			log.SetOutput(os.Stderr)
			log.Printf("ganauditor %s starting (judge: %s, state: %s)",
				config.Version, cfg.JudgeExecutable, cfg.StateDirectory)

			if err := os.MkdirAll(cfg.StateDirectory, 0o755); err != nil {
				return fmt.Errorf("create state directory: %w", err)
			}
			database, err := db.Open(dbPath(cfg))
			if err != nil {
				return fmt.Errorf("open audit trail database: %w", err)
			}
			defer database.Close() //nolint:errcheck

			sseHub := hub.New()
			eng, err := buildEngine(cfg, sseHub, database)
			if err != nil {
				return err
			}

			webServer := web.New(cfg, sseHub, database, eng.Store(), eng.History())
			go func() {
				if err := webServer.Start(); err != nil {
					log.Printf("web server error: %v", err)
				}
			}()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				sig := <-sigCh
				log.Printf("received %s, shutting down...", sig)
				cancel()
			}()

			// Periodic sweep of expired sessions and stale judge contexts,
			// with a faster keep-alive cadence for the live ones.
			go func() {
				sweep := time.NewTicker(cfg.SweepInterval)
				defer sweep.Stop()
				keepAlive := time.NewTicker(time.Minute)
				defer keepAlive.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-keepAlive.C:
						eng.ContextManager().KeepAliveAll(ctx)
					case <-sweep.C:
						if result, err := eng.SweepSessions(ctx, cfg.MaxSessionAge); err != nil {
							log.Printf("session sweep: %v", err)
						} else if n := len(result.Deleted) + len(result.Irreparable); n > 0 {
							log.Printf("session sweep removed %d sessions", n)
						}
					}
				}
			}()

			srv := mcpserver.NewServer(eng)
			err = srv.Run(ctx)

			// Judge contexts must not outlive the server.
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			eng.Shutdown(shutdownCtx)
			if werr := webServer.Shutdown(shutdownCtx); werr != nil {
				log.Printf("web server shutdown: %v", werr)
			}
			return err
		},
	}
}

// dashboardCmd runs only the HTTP dashboard over existing state.
func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the dashboard without the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := session.NewStore(cfg.StateDirectory)
			if err != nil {
				return err
			}
			history := session.NewHistory(store, session.HistoryLimits{})
			database, err := db.Open(dbPath(cfg))
			if err != nil {
				return fmt.Errorf("open audit trail database: %w", err)
			}
			defer database.Close() //nolint:errcheck

			webServer := web.New(cfg, hub.New(), database, store, history)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = webServer.Shutdown(shutdownCtx)
			}()
			return webServer.Start()
		},
	}
}

// sessionsCmd lists persisted sessions as JSON.
func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted audit sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := session.NewStore(cfg.StateDirectory)
			if err != nil {
				return err
			}
			ids, err := store.ListAll()
			if err != nil {
				return err
			}

			type listing struct {
				ID               string `json:"id"`
				CurrentLoop      int    `json:"currentLoop"`
				IsComplete       bool   `json:"isComplete"`
				CompletionReason string `json:"completionReason,omitempty"`
				UpdatedAt        string `json:"updatedAt"`
			}
			var out []listing
			for _, id := range ids {
				state, _, err := store.Load(id)
				if err != nil {
					log.Printf("skipping session %s: %v", id, err)
					continue
				}
				out = append(out, listing{
					ID:               state.ID,
					CurrentLoop:      state.CurrentLoop,
					IsComplete:       state.IsComplete,
					CompletionReason: state.CompletionReason,
					UpdatedAt:        state.UpdatedAt.Format(time.RFC3339),
				})
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

// sweepCmd deletes expired sessions once and exits.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and irreparable session files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := session.NewStore(cfg.StateDirectory)
			if err != nil {
				return err
			}
			result, err := store.Sweep(cfg.MaxSessionAge)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d expired, %d irreparable\n", len(result.Deleted), len(result.Irreparable))
			return nil
		},
	}
}
