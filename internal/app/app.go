// Package app assembles the storage backends, services and background
// workers shared by the HTTP server and the admin CLI.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/atinyakov/bicicletario/internal/auth"
	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/atinyakov/bicicletario/internal/config"
	"github.com/atinyakov/bicicletario/internal/db"
	"github.com/atinyakov/bicicletario/internal/jobs"
	"github.com/atinyakov/bicicletario/internal/repository"
	handler "github.com/atinyakov/bicicletario/internal/server/handler/http"
	"github.com/atinyakov/bicicletario/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FilesDir is the directory under the data dir that holds the JSON tree.
const FilesDir = "navegador"

// App holds every long-lived component. SQL and DB are nil when the
// relational backend could not be opened.
type App struct {
	Options *config.Options
	Log     *zap.Logger

	DB    *sql.DB
	SQL   *repository.SQLRepository
	Files *repository.FileRepository

	Changes  *service.ChangeNotifier
	Mode     *service.ModeSelector
	Store    *service.Store
	Backups  *backup.Engine
	Migrator *service.Migrator
	Tracker  *jobs.Tracker
	Importer *service.Importer
	Auth     *service.AuthService
}

// New opens the backends and wires the services. A database that cannot be
// opened is logged and the application continues on the file tree alone.
func New(ctx context.Context, opts *config.Options, log *zap.Logger) (*App, error) {
	a := &App{Options: opts, Log: log, Changes: service.NewChangeNotifier()}

	files, err := repository.NewFileRepository(filepath.Join(opts.DataDir, FilesDir), log)
	if err != nil {
		return nil, fmt.Errorf("open file tree: %w", err)
	}
	a.Files = files

	forceDB := opts.DatabaseURL != ""
	dbType := string(repository.DialectSQLite)
	if forceDB {
		dbType = string(repository.DialectPostgres)
	}
	a.openDatabase(ctx, forceDB)

	// The mode itself and the other settings live in the database whenever
	// it is reachable.
	var configStore service.ConfigStore = files
	if a.SQL != nil {
		configStore = a.SQL
	}
	a.Mode = service.NewModeSelector(configStore, a.SQL != nil, forceDB, dbType, log)

	if a.SQL != nil {
		a.Store = service.NewStore(files, a.SQL, a.SQL, a.Mode, a.Changes, log)
	} else {
		a.Store = service.NewStore(files, nil, nil, a.Mode, a.Changes, log)
	}

	var backupOpts []backup.Option
	if opts.S3.Bucket != "" {
		mirror, err := backup.NewS3Mirror(ctx, opts.S3)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("configure backup mirror: %w", err)
		}
		backupOpts = append(backupOpts, backup.WithMirror(mirror))
		log.Info("mirroring backups to s3", zap.String("bucket", opts.S3.Bucket))
	}
	a.Backups, err = backup.NewEngine(opts.BackupDir, a.Store, configStore, log, backupOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open backup dir: %w", err)
	}

	if a.SQL != nil {
		a.Migrator = service.NewMigrator(files, a.SQL, a.Backups, configStore, log)
	} else {
		a.Migrator = service.NewMigrator(files, nil, a.Backups, configStore, log)
	}

	a.Tracker = jobs.NewTracker()
	a.Importer = service.NewImporter(a.Store, a.Tracker, a.Changes, opts.ImportWorkers, opts.ImportQueue, log)

	if err := a.initAuth(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openDatabase(ctx context.Context, external bool) {
	var (
		conn    *sql.DB
		err     error
		dialect = repository.DialectSQLite
	)
	if external {
		dialect = repository.DialectPostgres
		conn, err = db.InitPostgres(ctx, a.Options.DatabaseURL)
	} else {
		conn, err = db.InitSQLite(ctx, a.Options.DatabasePath)
	}
	if err != nil {
		a.Log.Warn("database unavailable, using json files only",
			zap.String("dialect", string(dialect)), zap.Error(err))
		return
	}
	a.DB = conn
	a.SQL = repository.NewSQLRepository(conn, dialect)
	a.Log.Info("database ready", zap.String("dialect", string(dialect)))
}

func (a *App) initAuth() error {
	hasher, err := auth.NewHasher(a.Options.PasswordHasher)
	if err != nil {
		return err
	}

	secret := a.Options.SecretKey
	if secret == "" && a.Options.TokenIssuer != "opaque" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		a.Log.Warn("SECRET_KEY not set, tokens will not survive a restart")
	}
	tokens, err := auth.NewIssuer(a.Options.TokenIssuer, secret, a.Options.TokenTTL)
	if err != nil {
		return err
	}

	a.Auth = service.NewAuthService(a.Store, hasher, tokens, a.Log)
	return nil
}

// SeedAdmin creates the default admin account on an empty user table.
func (a *App) SeedAdmin(ctx context.Context) error {
	_, err := a.Auth.SeedAdmin(ctx, a.Options.AdminPassword)
	return err
}

// Router builds the HTTP API over the wired services.
func (a *App) Router(version string) http.Handler {
	return handler.NewRouter(handler.Handlers{
		Auth:    &handler.AuthHandler{AuthService: a.Auth, Users: a.Store},
		Clients: &handler.ClientHandler{Store: a.Store},
		Records: &handler.RecordHandler{Store: a.Store},
		Storage: &handler.StorageHandler{
			Store:    a.Store,
			Mode:     a.Mode,
			Migrator: a.Migrator,
			Jobs:     a.Importer,
			Version:  version,
			Log:      a.Log,
		},
		Jobs:    &handler.JobHandler{Jobs: a.Tracker, Importer: a.Importer, Counters: a.Changes},
		Backups: &handler.BackupHandler{Backups: a.Backups},
	}, a.Auth, a.Log)
}

// RunWorkers runs the import pool, the job janitor and the automatic backup
// check until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Importer.Run(ctx)
	})
	g.Go(func() error {
		return service.JobJanitor(ctx, a.Tracker, a.Options.JanitorInterval,
			a.Options.JobMaxAge, a.Options.JobStaleAfter, a.Log)
	})
	g.Go(func() error {
		return service.AutoBackup(ctx, a.Backups, a.Options.AutoBackupInterval, a.Log)
	})
	return g.Wait()
}

// Close releases the database connection.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
