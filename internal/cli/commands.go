package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/atinyakov/bicicletario/internal/app"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/service"
	"github.com/spf13/cobra"
)

// errPartial is returned when an operation finished with per-item errors.
var errPartial = errors.New("completed with errors")

func newModeCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "mode", Short: "Show or change the storage mode"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the active storage mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), a.Mode.Mode(ctx))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "set sqlite|json",
		Short:     "Switch the authoritative backend",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.ModeDatabase), string(models.ModeFiles)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Mode.SetMode(ctx, models.StorageMode(args[0])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "storage mode:", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newMigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Copy data between the backends"}
	run := func(name, short string, pick func(a *app.App) func(context.Context) (service.MigrationResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
					res, err := pick(a)(ctx)
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
					if !res.Success {
						return fmt.Errorf("migration %w", errPartial)
					}
					return nil
				})
			},
		}
	}
	cmd.AddCommand(run("to-db", "Copy the JSON files into the database",
		func(a *app.App) func(context.Context) (service.MigrationResult, error) { return a.Migrator.MigrateToDatabase }))
	cmd.AddCommand(run("to-files", "Copy the database into the JSON files",
		func(a *app.App) func(context.Context) (service.MigrationResult, error) { return a.Migrator.MigrateToFiles }))
	return cmd
}

func newBackupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Manage full backups"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Write a full backup now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Backups.CreateFullBackup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Filename)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Backups.ListBackups(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FILE\tSIZE\tCREATED")
				for _, b := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Filename, b.SizeFormatted, b.CreatedAt)
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore FILE",
		Short: "Restore a stored backup into the active backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Backups.RestoreFromFile(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("restore %w", errPartial)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete FILE",
		Short: "Delete a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Backups.DeleteBackup(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run the automatic backup if it is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, ran, err := a.Backups.CheckAutomaticBackup(ctx)
				if err != nil {
					return err
				}
				if !ran {
					fmt.Fprintln(cmd.OutOrStdout(), "no backup due")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Filename)
				return nil
			})
		},
	})
	return cmd
}

func newUserCmd(g *globals) *cobra.Command {
	var (
		password string
		name     string
		role     string
	)
	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create or update an operator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				u := &models.User{Username: args[0], Name: name, Role: models.Role(role), Active: true}
				if existing, err := a.Store.GetUserByUsername(ctx, args[0]); err == nil {
					u.ID = existing.ID
					u.CreatedAt = existing.CreatedAt
				}
				if err := a.Auth.CreateUser(ctx, u, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s saved (%s)\n", u.Username, u.Role)
				return nil
			})
		},
	}
	add.Flags().StringVar(&password, "password", "", "plaintext password")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&role, "role", string(models.RoleEmployee), "admin, dono or funcionario")

	cmd := &cobra.Command{Use: "user", Short: "Manage operator accounts"}
	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List operator accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App) error {
				users, err := a.Store.GetAllUsers(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USERNAME\tNAME\tROLE\tACTIVE")
				for _, u := range users {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", u.Username, u.Name, u.Role, u.Active)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}
