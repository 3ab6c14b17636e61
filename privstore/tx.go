// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package privstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Tx is an explicit transaction bracket over a dedicated pooled
// connection. Transactions do not nest. A Tx must be finished with
// exactly one Commit or Rollback; until then it holds its connection
// out of the pool.
//
// IMMEDIATE semantics: the write lock is taken at Begin, so two
// conflicting transactions serialize — the second blocks on the
// engine's busy handler rather than failing mid-sequence.
type Tx struct {
	store *Store
	conn  *sqlite.Conn
	done  bool
}

// Begin starts an IMMEDIATE transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w: %v", ErrInternal, err)
	}
	if err := sqlitex.Execute(conn, "BEGIN IMMEDIATE", nil); err != nil {
		s.pool.Put(conn)
		return nil, classify("begin transaction", err)
	}
	return &Tx{store: s, conn: conn}, nil
}

// Commit makes the transaction's writes visible atomically and
// returns the connection to the pool.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("privstore: transaction already finished")
	}
	tx.done = true
	err := sqlitex.Execute(tx.conn, "COMMIT", nil)
	if err != nil {
		// A failed COMMIT leaves the transaction open; roll it back
		// so the connection returns to the pool clean.
		_ = sqlitex.Execute(tx.conn, "ROLLBACK", nil)
	}
	tx.store.pool.Put(tx.conn)
	return classify("commit", err)
}

// Rollback discards the transaction's writes. Safe to call after a
// finished transaction (no-op), which permits the usual
// defer-rollback pattern.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	err := sqlitex.Execute(tx.conn, "ROLLBACK", nil)
	tx.store.pool.Put(tx.conn)
	return classify("rollback", err)
}

// WithTx runs fn inside a transaction: commit on nil return, rollback
// on error. fn must not finish the transaction itself. Any failure
// mid-sequence leaves the previously committed state fully intact.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			s.logger.Error("rollback failed", "error", rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// GetAppPackage is the transactional form of [Store.GetAppPackage].
func (tx *Tx) GetAppPackage(appID string) (string, bool, error) {
	return getAppPackage(tx.conn, appID)
}

// GetPackagePrivileges is the transactional form of
// [Store.GetPackagePrivileges].
func (tx *Tx) GetPackagePrivileges(packageID string, uid uint32) ([]string, error) {
	return getPackagePrivileges(tx.conn, packageID, uid)
}

// GetAppPrivileges is the transactional form of
// [Store.GetAppPrivileges].
func (tx *Tx) GetAppPrivileges(appID string, uid uint32) ([]string, error) {
	return getAppPrivileges(tx.conn, appID, uid)
}

// AddApplication is the transactional form of [Store.AddApplication].
func (tx *Tx) AddApplication(appID, packageID string, uid uint32) error {
	return addApplication(tx.conn, appID, packageID, uid)
}

// RemoveApplication is the transactional form of
// [Store.RemoveApplication].
func (tx *Tx) RemoveApplication(appID string, uid uint32) (packageStillExists bool, err error) {
	return removeApplication(tx.conn, appID, uid)
}

// RemoveAppPrivileges is the transactional form of
// [Store.RemoveAppPrivileges].
func (tx *Tx) RemoveAppPrivileges(appID string, uid uint32) error {
	return removeAppPrivileges(tx.conn, appID, uid)
}

// UpdateAppPrivileges replaces the (application, user) privilege set
// wholesale: delete then bulk insert. Offered only on Tx — the
// replace must never be partially visible, so it always runs inside
// an explicit bracket.
func (tx *Tx) UpdateAppPrivileges(appID string, uid uint32, privileges []string) error {
	return updateAppPrivileges(tx.conn, appID, uid, privileges)
}

// GetUserApps is the transactional form of [Store.GetUserApps].
func (tx *Tx) GetUserApps(uid uint32) ([]string, error) {
	return getUserApps(tx.conn, uid)
}

// GetAppsInPackage is the transactional form of
// [Store.GetAppsInPackage].
func (tx *Tx) GetAppsInPackage(packageID string) ([]string, error) {
	return getAppsInPackage(tx.conn, packageID)
}
