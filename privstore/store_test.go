// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package privstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"golang.org/x/sync/errgroup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "privilege.db"),
		Create: true,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return store
}

func TestOpenMissingDatabaseFails(t *testing.T) {
	_, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "absent.db"),
		Logger: testLogger(),
	})
	if err == nil {
		t.Fatal("opening an absent database succeeded; want startup error")
	}
}

func TestOpenForeignFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.db")
	// A valid SQLite file that is not a privilege database.
	first, err := Open(Config{Path: path, Create: true, Logger: testLogger()})
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	first.Close()

	// Damage the schema by recreating the file empty.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("truncating: %v", err)
	}
	if _, err := Open(Config{Path: path, Logger: testLogger()}); err == nil {
		t.Fatal("opening a non-privilege database succeeded; want error")
	}
}

func TestAddAndGetAppPackage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AddApplication(ctx, "app1", "pkg1", 0); err != nil {
		t.Fatalf("AddApplication: %v", err)
	}

	packageID, found, err := store.GetAppPackage(ctx, "app1")
	if err != nil {
		t.Fatalf("GetAppPackage: %v", err)
	}
	if !found || packageID != "pkg1" {
		t.Fatalf("GetAppPackage = (%q, %v); want (pkg1, true)", packageID, found)
	}
}

func TestGetAppPackageNotFoundIsNotAnError(t *testing.T) {
	store := openTestStore(t)

	packageID, found, err := store.GetAppPackage(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetAppPackage: %v", err)
	}
	if found || packageID != "" {
		t.Fatalf("GetAppPackage = (%q, %v); want (\"\", false)", packageID, found)
	}
}

func TestAddDuplicateApplicationIsConstraintError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AddApplication(ctx, "app1", "pkg1", 0); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := store.AddApplication(ctx, "app1", "pkg2", 0)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("duplicate add err = %v; want ErrConstraint", err)
	}

	// Same name under a different user is a separate application.
	if err := store.AddApplication(ctx, "app1", "pkg1", 1000); err != nil {
		t.Fatalf("add under other uid: %v", err)
	}
}

func TestAddApplicationEmptyPackageRejected(t *testing.T) {
	store := openTestStore(t)
	err := store.AddApplication(context.Background(), "app1", "", 0)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("err = %v; want ErrConstraint", err)
	}
}

func TestUpdateAppPrivilegesSortsAndDeduplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AddApplication(ctx, "app1", "pkg1", 0); err != nil {
		t.Fatalf("AddApplication: %v", err)
	}
	err := store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateAppPrivileges("app1", 0, []string{"net", "camera", "net", "audio"})
	})
	if err != nil {
		t.Fatalf("UpdateAppPrivileges: %v", err)
	}

	privileges, err := store.GetAppPrivileges(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	want := []string{"audio", "camera", "net"}
	if !reflect.DeepEqual(privileges, want) {
		t.Fatalf("privileges = %v; want %v", privileges, want)
	}
}

func TestUpdateAppPrivilegesIsFullReplace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	update := func(privileges []string) {
		t.Helper()
		err := store.WithTx(ctx, func(tx *Tx) error {
			return tx.UpdateAppPrivileges("app1", 0, privileges)
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	update([]string{"net", "camera"})
	update([]string{"location"})

	privileges, err := store.GetAppPrivileges(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	if !reflect.DeepEqual(privileges, []string{"location"}) {
		t.Fatalf("privileges = %v; want [location]", privileges)
	}
}

func TestRemoveAppPrivilegesIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateAppPrivileges("app1", 0, []string{"net"})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := store.RemoveAppPrivileges(ctx, "app1", 0); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := store.RemoveAppPrivileges(ctx, "app1", 0); err != nil {
		t.Fatalf("second remove: %v", err)
	}

	privileges, err := store.GetAppPrivileges(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	if len(privileges) != 0 {
		t.Fatalf("privileges = %v; want empty", privileges)
	}
}

func TestRemoveApplicationReportsPackageExistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AddApplication(ctx, "app1", "pkg1", 0); err != nil {
		t.Fatalf("add app1: %v", err)
	}
	if err := store.AddApplication(ctx, "app2", "pkg1", 1000); err != nil {
		t.Fatalf("add app2: %v", err)
	}

	// Another application of pkg1 survives under a different user.
	stillExists, err := store.RemoveApplication(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("remove app1: %v", err)
	}
	if !stillExists {
		t.Fatal("packageStillExists = false after removing app1; app2 still holds pkg1")
	}

	stillExists, err = store.RemoveApplication(ctx, "app2", 1000)
	if err != nil {
		t.Fatalf("remove app2: %v", err)
	}
	if stillExists {
		t.Fatal("packageStillExists = true after removing the last application of pkg1")
	}

	// Removing an absent application is a quiet no-op.
	stillExists, err = store.RemoveApplication(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if stillExists {
		t.Fatal("packageStillExists = true for an absent application")
	}
}

func TestPackagePrivilegesAggregateAcrossApps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AddApplication(ctx, "app1", "pkg1", 0); err != nil {
		t.Fatalf("add app1: %v", err)
	}
	if err := store.AddApplication(ctx, "app2", "pkg1", 0); err != nil {
		t.Fatalf("add app2: %v", err)
	}
	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateAppPrivileges("app1", 0, []string{"net", "camera"}); err != nil {
			return err
		}
		return tx.UpdateAppPrivileges("app2", 0, []string{"net", "audio"})
	})
	if err != nil {
		t.Fatalf("updates: %v", err)
	}

	privileges, err := store.GetPackagePrivileges(ctx, "pkg1", 0)
	if err != nil {
		t.Fatalf("GetPackagePrivileges: %v", err)
	}
	want := []string{"audio", "camera", "net"}
	if !reflect.DeepEqual(privileges, want) {
		t.Fatalf("privileges = %v; want %v", privileges, want)
	}
}

func TestRollbackPreservesPreviousPrivilegeSet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateAppPrivileges("app1", 0, []string{"camera", "net"})
	})
	if err != nil {
		t.Fatalf("initial update: %v", err)
	}

	// Fault injected between the delete and insert phases: the
	// delete has run inside the transaction when the bracket fails.
	fault := errors.New("injected fault")
	err = store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.RemoveAppPrivileges("app1", 0); err != nil {
			return err
		}
		return fault
	})
	if !errors.Is(err, fault) {
		t.Fatalf("WithTx err = %v; want injected fault", err)
	}

	privileges, err := store.GetAppPrivileges(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	want := []string{"camera", "net"}
	if !reflect.DeepEqual(privileges, want) {
		t.Fatalf("privileges after rollback = %v; want %v intact", privileges, want)
	}
}

func TestExplicitBeginCommitRollback(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.AddApplication("app1", "pkg1", 0); err != nil {
		t.Fatalf("add inside tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, found, _ := store.GetAppPackage(ctx, "app1"); found {
		t.Fatal("application visible after rollback")
	}

	tx, err = store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.AddApplication("app1", "pkg1", 0); err != nil {
		t.Fatalf("add inside tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, found, _ := store.GetAppPackage(ctx, "app1"); !found {
		t.Fatal("application missing after commit")
	}

	// Rollback after commit is a no-op, double commit is an error.
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("second commit succeeded; want error")
	}
}

func TestPrivilegeGroups(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SeedPrivilegeGroups(ctx, map[string][]string{
		"http://platform/privilege/internet": {"net-access"},
		"http://platform/privilege/camera":   {"video", "camera"},
	})
	if err != nil {
		t.Fatalf("SeedPrivilegeGroups: %v", err)
	}

	groups, err := store.GetPrivilegeGroups(ctx, "http://platform/privilege/camera")
	if err != nil {
		t.Fatalf("GetPrivilegeGroups: %v", err)
	}
	if !reflect.DeepEqual(groups, []string{"camera", "video"}) {
		t.Fatalf("groups = %v; want [camera video]", groups)
	}

	groups, err = store.GetPrivilegeGroups(ctx, "http://platform/privilege/unknown")
	if err != nil {
		t.Fatalf("GetPrivilegeGroups unknown: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("groups for unknown privilege = %v; want empty", groups)
	}
}

func TestEnumerationReads(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	apps := []struct {
		app string
		pkg string
		uid uint32
	}{
		{"b-app", "pkg1", 0},
		{"a-app", "pkg1", 0},
		{"c-app", "pkg2", 0},
		{"d-app", "pkg1", 1000},
	}
	for _, a := range apps {
		if err := store.AddApplication(ctx, a.app, a.pkg, a.uid); err != nil {
			t.Fatalf("add %s: %v", a.app, err)
		}
	}

	userApps, err := store.GetUserApps(ctx, 0)
	if err != nil {
		t.Fatalf("GetUserApps: %v", err)
	}
	if !reflect.DeepEqual(userApps, []string{"a-app", "b-app", "c-app"}) {
		t.Fatalf("user apps = %v", userApps)
	}

	pkgApps, err := store.GetAppsInPackage(ctx, "pkg1")
	if err != nil {
		t.Fatalf("GetAppsInPackage: %v", err)
	}
	if !reflect.DeepEqual(pkgApps, []string{"a-app", "b-app", "d-app"}) {
		t.Fatalf("pkg apps = %v", pkgApps)
	}
}

func TestConflictingTransactionsSerialize(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	setA := []string{"a1", "a2"}
	setB := []string{"b1", "b2", "b3"}

	var group errgroup.Group
	for _, set := range [][]string{setA, setB} {
		set := set
		group.Go(func() error {
			return store.WithTx(ctx, func(tx *Tx) error {
				return tx.UpdateAppPrivileges("app1", 0, set)
			})
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent transactions: %v", err)
	}

	// Both writers succeeded; the surviving set must equal one of
	// the serial outcomes, never an interleaving.
	privileges, err := store.GetAppPrivileges(ctx, "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	if !reflect.DeepEqual(privileges, setA) && !reflect.DeepEqual(privileges, setB) {
		t.Fatalf("privileges = %v; want exactly %v or %v", privileges, setA, setB)
	}
}

func TestManyConcurrentWriters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var group errgroup.Group
	for i := 0; i < writers; i++ {
		app := fmt.Sprintf("app%d", i)
		group.Go(func() error {
			return store.WithTx(ctx, func(tx *Tx) error {
				if err := tx.AddApplication(app, "pkg1", 0); err != nil {
					return err
				}
				return tx.UpdateAppPrivileges(app, 0, []string{"net"})
			})
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent writers: %v", err)
	}
	apps, err := store.GetAppsInPackage(ctx, "pkg1")
	if err != nil {
		t.Fatalf("GetAppsInPackage: %v", err)
	}
	if len(apps) != writers {
		t.Fatalf("apps = %v; want %d entries", apps, writers)
	}
}
