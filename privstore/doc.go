// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package privstore is the transactional relation of applications,
// packages, users, privileges, and privilege groups behind privd.
//
// The store is backed by a single SQLite database file accessed
// through a fixed-size connection pool in WAL mode. Conflicting
// writers serialize on the storage engine's own locking (IMMEDIATE
// transactions plus a busy timeout), so callers issue logically
// independent transactions and never coordinate with each other.
//
// Every operation exists in two forms: standalone on [Store]
// (single-statement autocommit atomicity) and on [Tx] for multi-step
// sequences that must be atomic as a whole, such as installing an
// application together with its initial privilege set. [Store.WithTx]
// is the preferred bracket: it commits on nil error and rolls back on
// any failure, so a fault mid-sequence never leaves the relation
// observably half-updated.
//
// The query catalog is fixed at build time and executed through the
// connection-level prepared statement cache, so each statement is
// compiled once per pooled connection and reused for the daemon's
// lifetime.
//
// Failure surfaces as exactly one of: an open-time error (missing or
// unreadable database file, fatal to daemon startup), [ErrConstraint]
// (integrity violation, surfaced to the requesting client and rolled
// back), or [ErrInternal] (unexpected engine fault, fatal to the
// in-flight request only).
package privstore
