// Package config provides functionality for managing configuration options
// for the application using a .env file, command-line flags, an optional
// JSON config file and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Options holds the configuration values for the application.
type Options struct {
	// Address is the server's listening address (ip:port).
	Address string
	// Debug enables debug logging.
	Debug bool
	// Environment names the deployment ("development", "production").
	Environment string
	// LogLevel is passed to the zap logger.
	LogLevel string

	// DataDir is the root of all on-disk state.
	DataDir string
	// DatabasePath is the embedded SQLite file.
	DatabasePath string
	// DatabaseURL is an external Postgres DSN. When set it replaces the
	// embedded database and forces database storage mode.
	DatabaseURL string
	// BackupDir holds full backups.
	BackupDir string

	// SecretKey signs session tokens.
	SecretKey string
	// AdminPassword is used when seeding the default admin user.
	AdminPassword string
	// PasswordHasher is "bcrypt" or "argon2".
	PasswordHasher string
	// TokenIssuer is "jwt" or "opaque".
	TokenIssuer string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration

	// ImportWorkers is the size of the import worker pool.
	ImportWorkers int
	// ImportQueue is the number of imports that may wait for a worker.
	ImportQueue int
	// JobMaxAge is how long finished jobs are kept.
	JobMaxAge time.Duration
	// JobStaleAfter fails running jobs that stop reporting progress.
	JobStaleAfter time.Duration
	// JanitorInterval is how often the job janitor runs.
	JanitorInterval time.Duration
	// AutoBackupInterval is how often automatic backups are checked.
	AutoBackupInterval time.Duration

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// S3 configures the optional offsite backup mirror.
	S3 S3Options

	// Config is the path to the Config file.
	Config string
}

// S3Options configures an S3 compatible bucket.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Default returns the options used when nothing else is configured.
func Default() *Options {
	return &Options{
		Address:            "0.0.0.0:5000",
		Environment:        "development",
		LogLevel:           "info",
		DataDir:            "dados",
		AdminPassword:      "admin123",
		PasswordHasher:     "bcrypt",
		TokenIssuer:        "jwt",
		TokenTTL:           24 * time.Hour,
		ImportWorkers:      2,
		ImportQueue:        16,
		JobMaxAge:          24 * time.Hour,
		JobStaleAfter:      30 * time.Minute,
		JanitorInterval:    10 * time.Minute,
		AutoBackupInterval: time.Hour,
		S3:                 S3Options{Region: "us-east-1"},
	}
}

// Parse resolves the configuration from, in increasing priority: defaults,
// command-line flags, the JSON config file and environment variables
// (including those loaded from a .env file, which never override variables
// already set in the process environment).
func Parse(args []string) (*Options, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	options := Default()

	fset := flag.NewFlagSet("bicicletario", flag.ContinueOnError)
	fset.StringVar(&options.Address, "a", options.Address, "run on ip:port server")
	fset.StringVar(&options.DataDir, "data", options.DataDir, "data directory")
	fset.StringVar(&options.DatabasePath, "db", "", "sqlite database file")
	fset.StringVar(&options.DatabaseURL, "d", "", "external postgres dsn")
	fset.StringVar(&options.BackupDir, "backups", "", "backup directory")
	fset.StringVar(&options.LogLevel, "l", options.LogLevel, "log level")
	fset.BoolVar(&options.Debug, "debug", false, "debug mode")
	fset.StringVar(&options.Config, "config", "", "path to config file")
	fset.StringVar(&options.Config, "c", "", "path to config file (shorthand)")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				return nil, fmt.Errorf("error while reading config file: %w", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				return nil, fmt.Errorf("error while parsing config file: %w", err)
			}
		}
	}

	if err := applyEnv(options); err != nil {
		return nil, err
	}

	ApplyDerived(options)
	return options, nil
}

// ApplyDerived fills the paths left empty from DataDir and raises the log
// level in debug mode.
func ApplyDerived(o *Options) {
	if o.DatabasePath == "" {
		o.DatabasePath = filepath.Join(o.DataDir, "database", "bicicletario.db")
	}
	if o.BackupDir == "" {
		o.BackupDir = filepath.Join(o.DataDir, "backups")
	}
	if o.Debug && o.LogLevel == "info" {
		o.LogLevel = "debug"
	}
}

func applyEnv(o *Options) error {
	if port := os.Getenv("PORT"); port != "" {
		o.Address = "0.0.0.0:" + port
	}
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		o.Address = addr
	}

	setString(&o.Environment, "ENVIRONMENT")
	setString(&o.LogLevel, "LOG_LEVEL")
	setString(&o.DataDir, "DATA_DIR")
	setString(&o.DatabasePath, "DATABASE_PATH")
	setString(&o.DatabaseURL, "DATABASE_URL")
	setString(&o.BackupDir, "BACKUP_DIR")
	setString(&o.SecretKey, "SECRET_KEY")
	setString(&o.AdminPassword, "ADMIN_PASSWORD")
	setString(&o.PasswordHasher, "PASSWORD_HASHER")
	setString(&o.TokenIssuer, "TOKEN_ISSUER")
	setString(&o.TLSCertFile, "TLS_CERT_FILE")
	setString(&o.TLSKeyFile, "TLS_KEY_FILE")
	setString(&o.S3.Bucket, "S3_BUCKET")
	setString(&o.S3.Region, "S3_REGION")
	setString(&o.S3.Endpoint, "S3_ENDPOINT")
	setString(&o.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&o.S3.SecretKey, "S3_SECRET_KEY")

	if v := os.Getenv("DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		o.Debug = debug
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"TOKEN_TTL", &o.TokenTTL},
		{"JOB_MAX_AGE", &o.JobMaxAge},
		{"JOB_STALE_AFTER", &o.JobStaleAfter},
		{"JANITOR_INTERVAL", &o.JanitorInterval},
		{"AUTO_BACKUP_CHECK_INTERVAL", &o.AutoBackupInterval},
	} {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}
	if v := os.Getenv("IMPORT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMPORT_WORKERS: %w", err)
		}
		o.ImportWorkers = n
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
