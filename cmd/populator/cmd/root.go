package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/solatis/populator/internal/core/config"
	"github.com/solatis/populator/internal/core/db"
	"github.com/solatis/populator/internal/core/logging"
)

const Version = "0.1.0"

var (
	configFile string
	envFile    string

	// v collects flag bindings; config.Load layers env, file and defaults under them.
	v = viper.New()

	cfg      *config.Config
	flushLog func()
)

var rootCmd = &cobra.Command{
	Use:           "populator",
	Short:         "Record populator engine",
	Long:          `populator fills derived fields of record batches from declarative rule sets before they are created or updated.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is normal outside development.
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		loaded, err := config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded

		flush, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		flushLog = flush
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	flags.String("db-url", "", "database connection URL (sqlite://path or postgres://...)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("catalog", "", "YAML catalog shared by all tenants (default: per-tenant catalogs from the database)")

	bindFlag(flags.Lookup("db-url"), "database.url")
	bindFlag(flags.Lookup("log-level"), "log.level")
	bindFlag(flags.Lookup("log-format"), "log.format")
	bindFlag(flags.Lookup("catalog"), "catalog.path")
}

// Execute runs the root command. Logs are flushed here rather than in a
// post-run hook, which cobra skips when a command fails.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		zap.S().Errorw("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	if flushLog != nil {
		flushLog()
		flushLog = nil
	}
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// openStore opens the configured database and the store over it. With
// requireSchema it fails while migrations are pending.
func openStore(ctx context.Context, requireSchema bool) (*sqlx.DB, *db.Store, error) {
	conn, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if requireSchema {
		statuses, err := db.MigrateStatus(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to check migrations: %w", err)
		}
		for _, s := range statuses {
			if !s.Applied {
				conn.Close()
				return nil, nil, fmt.Errorf("migration %s not applied - run 'populator migrate up' first", s.ID)
			}
		}
	}

	store, err := db.NewStore(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	zap.S().Debugw("database opened", "driver", conn.DriverName())
	return conn, store, nil
}
