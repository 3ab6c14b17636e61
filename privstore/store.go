// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package privstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a privilege store.
type Config struct {
	// Path is the filesystem path to the privilege database file.
	// Required.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative. SQLite serializes writes regardless of
	// pool size; extra connections serve concurrent readers.
	PoolSize int

	// Create permits creating the database file and schema if the
	// file is absent. The daemon leaves this false — a missing
	// database is a fatal startup error — and sets it only for the
	// explicit --init-db provisioning path. Tests set it too.
	Create bool

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Store is the privilege relation. Safe for concurrent use from any
// number of goroutines; individual transactions are not.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens the privilege database and verifies it holds the
// expected relation. Any failure here — file missing, unreadable,
// not a privilege database — is an unrecoverable startup error for
// the caller. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("privstore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	flags := sqlite.OpenReadWrite | sqlite.OpenWAL | sqlite.OpenURI
	if cfg.Create {
		flags |= sqlite.OpenCreate
	} else if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("privstore: database %s: %w", cfg.Path, err)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		Flags:       flags,
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("privstore: opening %s: %w", cfg.Path, err)
	}

	store := &Store{pool: pool, logger: logger, path: cfg.Path}

	// Pool connections initialize lazily; force one open now so that
	// an unreadable file fails construction, not the first request.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("privstore: opening %s: %w", cfg.Path, err)
	}
	if cfg.Create {
		err = sqlitex.ExecuteScript(conn, schema, nil)
	} else {
		err = verifySchema(conn)
	}
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("privstore: %s: %w", cfg.Path, err)
	}

	logger.Info("privilege store opened", "path", cfg.Path, "pool_size", poolSize)
	return store, nil
}

// Close closes the connection pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("privstore: closing %s: %w", s.path, err)
	}
	s.logger.Info("privilege store closed", "path", s.path)
	return nil
}

// prepareConnection applies the standard pragmas once per pooled
// connection. busy_timeout makes conflicting writers block on the
// engine's lock instead of failing with SQLITE_BUSY.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// verifySchema checks that the opened file actually contains the
// privilege relation. Catches pointing the daemon at the wrong file.
func verifySchema(conn *sqlite.Conn) error {
	required := map[string]bool{
		"app": false, "app_privilege": false, "privilege_group": false,
	}
	err := sqlitex.Execute(conn,
		"SELECT name FROM sqlite_master WHERE type='table'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				name := stmt.ColumnText(0)
				if _, ok := required[name]; ok {
					required[name] = true
				}
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	for name, present := range required {
		if !present {
			return fmt.Errorf("not a privilege database: table %q missing", name)
		}
	}
	return nil
}

// withConn borrows a pooled connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take connection: %w: %v", ErrInternal, err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// GetAppPackage returns the package owning the application. A missing
// application is a normal outcome, reported through found=false.
func (s *Store) GetAppPackage(ctx context.Context, appID string) (packageID string, found bool, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		packageID, found, err = getAppPackage(conn, appID)
		return err
	})
	return packageID, found, err
}

// GetPackagePrivileges returns the deduplicated, lexicographically
// ordered privilege names held by any application of the package for
// the user.
func (s *Store) GetPackagePrivileges(ctx context.Context, packageID string, uid uint32) (privileges []string, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		privileges, err = getPackagePrivileges(conn, packageID, uid)
		return err
	})
	return privileges, err
}

// GetAppPrivileges returns the deduplicated, lexicographically
// ordered privilege names assigned to the application for the user.
func (s *Store) GetAppPrivileges(ctx context.Context, appID string, uid uint32) (privileges []string, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		privileges, err = getAppPrivileges(conn, appID, uid)
		return err
	})
	return privileges, err
}

// AddApplication inserts the application/package link. Fails with
// ErrConstraint if the application already exists for the user.
func (s *Store) AddApplication(ctx context.Context, appID, packageID string, uid uint32) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return addApplication(conn, appID, packageID, uid)
	})
}

// RemoveApplication deletes the application and reports whether any
// other application of the same package still exists for any user.
// The caller uses the result to decide package-level cleanup.
func (s *Store) RemoveApplication(ctx context.Context, appID string, uid uint32) (packageStillExists bool, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		packageStillExists, err = removeApplication(conn, appID, uid)
		return err
	})
	return packageStillExists, err
}

// RemoveAppPrivileges deletes all privilege assignments for the
// (application, user) pair. Idempotent.
func (s *Store) RemoveAppPrivileges(ctx context.Context, appID string, uid uint32) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return removeAppPrivileges(conn, appID, uid)
	})
}

// GetPrivilegeGroups returns the OS group names mapped to the
// privilege in the static group relation.
func (s *Store) GetPrivilegeGroups(ctx context.Context, privilege string) (groups []string, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		groups, err = getPrivilegeGroups(conn, privilege)
		return err
	})
	return groups, err
}

// GetUserApps returns the application ids registered for the user.
func (s *Store) GetUserApps(ctx context.Context, uid uint32) (apps []string, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		apps, err = getUserApps(conn, uid)
		return err
	})
	return apps, err
}

// GetAppsInPackage returns the application ids belonging to the
// package across all users.
func (s *Store) GetAppsInPackage(ctx context.Context, packageID string) (apps []string, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		apps, err = getAppsInPackage(conn, packageID)
		return err
	})
	return apps, err
}

// SeedPrivilegeGroups installs the static privilege-to-group mapping.
// Called by database initialization only; the daemon never writes the
// group relation while serving.
func (s *Store) SeedPrivilegeGroups(ctx context.Context, mappings map[string][]string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for privilege, groups := range mappings {
			for _, group := range groups {
				err := sqlitex.Execute(tx.conn,
					"INSERT OR REPLACE INTO privilege_group (privilege_name, group_name) VALUES (?, ?)",
					&sqlitex.ExecOptions{Args: []any{privilege, group}})
				if err != nil {
					return classify("seed privilege groups", err)
				}
			}
		}
		return nil
	})
}
