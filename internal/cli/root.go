// Package cli implements bikectl, the offline administration tool. Every
// command opens the same backends as the server, does its work and exits.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/atinyakov/bicicletario/internal/app"
	"github.com/atinyakov/bicicletario/internal/config"
	"github.com/atinyakov/bicicletario/internal/logger"
	"github.com/spf13/cobra"
)

// globals are the persistent flags shared by every command.
type globals struct {
	dataDir     string
	dbPath      string
	databaseURL string
	backupDir   string
	logLevel    string
}

// NewRootCmd builds the bikectl command tree.
func NewRootCmd(version, buildDate string) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "bikectl",
		Short:         "Bicycle parking administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.dataDir, "data", "", "data directory (DATA_DIR)")
	flags.StringVar(&g.dbPath, "db", "", "sqlite database file (DATABASE_PATH)")
	flags.StringVar(&g.databaseURL, "database-url", "", "external postgres dsn (DATABASE_URL)")
	flags.StringVar(&g.backupDir, "backups", "", "backup directory (BACKUP_DIR)")
	flags.StringVar(&g.logLevel, "log-level", "warn", "log level")

	root.AddCommand(newVersionCmd(version, buildDate))
	root.AddCommand(newStatsCmd(g))
	root.AddCommand(newModeCmd(g))
	root.AddCommand(newMigrateCmd(g))
	root.AddCommand(newBackupCmd(g))
	root.AddCommand(newUserCmd(g))
	root.AddCommand(newCertCmd())
	return root
}

// options resolves the configuration the way the server does, then applies
// the flags that were set explicitly.
func (g *globals) options() (*config.Options, error) {
	opts, err := config.Parse(nil)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		opts.DataDir = g.dataDir
		opts.DatabasePath = ""
		opts.BackupDir = ""
	}
	if g.dbPath != "" {
		opts.DatabasePath = g.dbPath
	}
	if g.databaseURL != "" {
		opts.DatabaseURL = g.databaseURL
	}
	if g.backupDir != "" {
		opts.BackupDir = g.backupDir
	}
	config.ApplyDerived(opts)
	opts.LogLevel = g.logLevel
	return opts, nil
}

// withApp opens the application for the duration of fn.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	opts, err := g.options()
	if err != nil {
		return err
	}
	log := logger.New()
	if err := log.Init(opts.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Log.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, opts, log.Log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newVersionCmd(version, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bikectl %s (%s)\n", version, buildDate)
		},
	}
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entity counts of both backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.Store.StorageStats(ctx))
			})
		},
	}
}
