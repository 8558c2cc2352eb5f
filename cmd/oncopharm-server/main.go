package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oncopharm/cdss/internal/config"
	"github.com/oncopharm/cdss/internal/domain/adverseevent"
	"github.com/oncopharm/cdss/internal/ingest"
	"github.com/oncopharm/cdss/internal/platform/db"
	"github.com/oncopharm/cdss/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "oncopharm-server",
		Short:        "OncoPharm lab integration and oncology risk service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(simulateCmd())
	root.AddCommand(analyzeCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the MLLP listener and the optional simulated feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			if cfg.IsDev() && cfg.AuthSigningKey == "" {
				logger.Warn().Msg("development mode without AUTH_SIGNING_KEY: every request is treated as admin")
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL episode schema",
	}

	migrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
		}
		pool, err := db.NewPool(cmd.Context(), db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2}, newLogger(cfg.Env))
		if err != nil {
			return nil, nil, err
		}

		var fsys fs.FS = migrations.FS
		if dir != "" {
			fsys = os.DirFS(dir)
		}
		return db.NewMigrator(pool, fsys), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			m, closeFn, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := m.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			m, closeFn, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Feed simulated creatinine results into the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			seed, _ := cmd.Flags().GetUint64("seed")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			feed := ingest.NewSimulatedFeed(ingest.FeedConfig{
				Interval: cfg.FeedInterval,
				Patients: cfg.FeedPatients,
				Seed:     seed,
			})
			defer feed.Stop()

			var src ingest.Source = feed
			if count > 0 {
				src = &limitedSource{src: feed, remaining: count}
			}
			g := ingest.NewGateway(st.store, nil, nil, logger)
			return ingest.NewRunner("simulator", src, g, logger).Run(ctx)
		},
	}
	cmd.Flags().Int("count", 0, "Stop after this many messages (0 runs until interrupted)")
	cmd.Flags().Uint64("seed", 0, "Random seed (0 picks one from the clock)")
	return cmd
}

// limitedSource ends a Source after a fixed number of messages.
type limitedSource struct {
	src       ingest.Source
	remaining int
}

func (l *limitedSource) Next(ctx context.Context) ([]byte, error) {
	if l.remaining <= 0 {
		return nil, io.EOF
	}
	l.remaining--
	return l.src.Next(ctx)
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [text]",
		Short: "Detect adverse-event terms in a clinical note (argument or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("terminology")
			table := adverseevent.DefaultTerminology()
			if file != "" {
				t, err := adverseevent.LoadTerminology(file)
				if err != nil {
					return err
				}
				table = t
			}

			text := strings.Join(args, " ")
			if text == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(b)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"findings": adverseevent.NewDetector(table).Analyze(text),
			})
		},
	}
	cmd.Flags().String("terminology", "", "YAML terminology table (defaults to the built-in table)")
	return cmd
}
