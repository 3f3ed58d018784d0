// Package dolt is the versioned relational gateway. It stores collections and
// documents in a Dolt database, either through the embedded engine (a
// repository directory on disk) or over the MySQL protocol against a running
// dolt sql-server, and exposes the version-control surface the sync core
// needs: branches, commits, merges, diffs, and AS OF reads.
package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
	gomysql "github.com/go-sql-driver/mysql"

	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
)

// Config controls how the store connects.
type Config struct {
	// Path is the Dolt repository directory (embedded mode).
	Path string
	// Database name inside the Dolt engine.
	Database string

	CommitterName  string
	CommitterEmail string

	// Remote settings for push/pull.
	Remote    string
	RemoteURL string

	// Server mode: connect to a running dolt sql-server instead of
	// opening the repository in-process.
	ServerMode     bool
	ServerHost     string
	ServerPort     int
	ServerUser     string
	ServerPassword string

	ReadOnly bool

	// CommandTimeout bounds individual statements. Zero means no bound.
	CommandTimeout time.Duration
}

// Store is a connection to one Dolt database.
type Store struct {
	db         *sql.DB
	dbPath     string
	connector  *embedded.Connector
	serverMode bool

	committerName  string
	committerEmail string
	remote         string

	timeout time.Duration
}

// DefaultSQLPort is dolt sql-server's default listen port.
const DefaultSQLPort = 3306

const openMaxElapsed = 30 * time.Second

func newOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return bo
}

// isRetryableError reports whether err is a transient connection error worth
// retrying in server mode.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// New opens a store. Embedded mode creates the repository directory and
// bootstraps the schema; server mode fails fast when the server is down.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "dmms"
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = os.Getenv("GIT_AUTHOR_NAME")
		if cfg.CommitterName == "" {
			cfg.CommitterName = "dmms"
		}
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = os.Getenv("GIT_AUTHOR_EMAIL")
		if cfg.CommitterEmail == "" {
			cfg.CommitterEmail = "dmms@local"
		}
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}

	s := &Store{
		serverMode:     cfg.ServerMode,
		committerName:  cfg.CommitterName,
		committerEmail: cfg.CommitterEmail,
		remote:         cfg.Remote,
		timeout:        cfg.CommandTimeout,
	}

	if cfg.ServerMode {
		if cfg.ServerHost == "" {
			cfg.ServerHost = "127.0.0.1"
		}
		if cfg.ServerPort == 0 {
			cfg.ServerPort = DefaultSQLPort
		}
		if cfg.ServerUser == "" {
			cfg.ServerUser = "root"
		}
		if cfg.ServerPassword == "" {
			cfg.ServerPassword = os.Getenv("DMMS_DOLT_PASSWORD")
		}

		// Fail-fast TCP probe before MySQL protocol init: an immediate,
		// clear error beats waiting out driver timeouts.
		addr := net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("dolt server unreachable at %s: %v: %w", addr, err, dmmserr.ErrExternalCommand)
		}
		_ = conn.Close()

		db, err := openServerConnection(cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
	} else {
		if cfg.Path == "" {
			return nil, dmmserr.Validationf("dolt repository path is required")
		}
		if info, statErr := os.Stat(cfg.Path); statErr == nil && !info.IsDir() {
			return nil, dmmserr.Validationf("dolt repository path %q is a file, not a directory", cfg.Path)
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating dolt repository directory: %w", err)
		}

		// The embedded driver treats the DSN path as its working directory,
		// so it must be absolute or relative paths get stacked.
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolving dolt repository path: %w", err)
		}
		s.dbPath = absPath

		initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s",
			absPath, cfg.CommitterName, cfg.CommitterEmail)
		dbDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s&database=%s",
			absPath, cfg.CommitterName, cfg.CommitterEmail, cfg.Database)

		if !cfg.ReadOnly {
			if err := withEmbedded(ctx, initDSN, func(ctx context.Context, db *sql.DB) error {
				_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
				return err
			}); err != nil {
				return nil, fmt.Errorf("creating dolt database: %w", err)
			}
		}

		db, connector, err := openEmbeddedConnection(dbDSN)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.connector = connector
	}

	// Do not ping with the caller's ctx: the embedded driver derives its
	// session context from the first Connect and reuses it across
	// statements, so a short-lived ctx would poison the pool.
	if err := s.db.PingContext(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("pinging dolt database: %w", err)
	}

	if !cfg.ReadOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	debug.Logf("dolt store open (server=%v path=%s db=%s)", cfg.ServerMode, s.dbPath, cfg.Database)
	return s, nil
}

// withEmbedded runs one unit of work on its own embedded connector, closing
// it afterwards so filesystem locks are released.
func withEmbedded(ctx context.Context, dsn string, fn func(context.Context, *sql.DB) error) error {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("parsing dolt DSN: %w", err)
	}
	openCfg.BackOff = newOpenBackoff()
	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return fmt.Errorf("creating dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)
	defer func() {
		_ = db.Close()
		_ = connector.Close()
	}()
	db.SetMaxOpenConns(1)
	return fn(ctx, db)
}

func openEmbeddedConnection(dsn string) (*sql.DB, *embedded.Connector, error) {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing dolt DSN: %w", err)
	}
	openCfg.BackOff = newOpenBackoff()
	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded Dolt is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, connector, nil
}

func openServerConnection(cfg *Config) (*sql.DB, error) {
	mc := gomysql.NewConfig()
	mc.User = cfg.ServerUser
	mc.Passwd = cfg.ServerPassword
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = 5 * time.Second

	connector, err := gomysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("creating mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// withRetry retries transient server-mode errors; embedded mode has
// driver-level retry, so operations run once.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// opCtx applies the configured statement timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, wrapTimeout(ctx, err)
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	ctx, cancel := s.opCtx(ctx)
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	if err != nil {
		cancel()
		return nil, nil, wrapTimeout(ctx, err)
	}
	return rows, cancel, nil
}

func (s *Store) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.withRetry(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
	return wrapTimeout(ctx, err)
}

// wrapTimeout tags deadline errors so callers can classify them.
func wrapTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%v: %w", err, dmmserr.ErrExternalTimeout)
	}
	return err
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection and, in embedded mode, the
// repository's filesystem locks.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			firstErr = err
		}
	}
	if s.connector != nil {
		if err := s.connector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) commitAuthorString() string {
	return fmt.Sprintf("%s <%s>", s.committerName, s.committerEmail)
}
