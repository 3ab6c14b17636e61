// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package privstore

import (
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// The fixed query catalog. sqlitex.Execute compiles each statement
// through the connection's prepared statement cache, so every query
// here is parsed once per pooled connection and reused afterward.
// Update sites that need multi-statement atomicity run on a Tx
// connection; the statements themselves are bracket-agnostic.

func getAppPackage(conn *sqlite.Conn, appID string) (string, bool, error) {
	var packageID string
	var found bool
	err := sqlitex.Execute(conn,
		"SELECT pkg_name FROM app WHERE app_name = ? LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{appID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packageID = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, classify("get app package", err)
	}
	return packageID, found, nil
}

func getPackagePrivileges(conn *sqlite.Conn, packageID string, uid uint32) ([]string, error) {
	var privileges []string
	err := sqlitex.Execute(conn,
		`SELECT DISTINCT ap.privilege_name
		 FROM app_privilege ap
		 JOIN app a ON a.app_name = ap.app_name AND a.uid = ap.uid
		 WHERE a.pkg_name = ? AND ap.uid = ?
		 ORDER BY ap.privilege_name`,
		&sqlitex.ExecOptions{
			Args: []any{packageID, int64(uid)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				privileges = append(privileges, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, classify("get package privileges", err)
	}
	return privileges, nil
}

func getAppPrivileges(conn *sqlite.Conn, appID string, uid uint32) ([]string, error) {
	var privileges []string
	err := sqlitex.Execute(conn,
		`SELECT DISTINCT privilege_name FROM app_privilege
		 WHERE app_name = ? AND uid = ?
		 ORDER BY privilege_name`,
		&sqlitex.ExecOptions{
			Args: []any{appID, int64(uid)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				privileges = append(privileges, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, classify("get app privileges", err)
	}
	return privileges, nil
}

func addApplication(conn *sqlite.Conn, appID, packageID string, uid uint32) error {
	err := sqlitex.Execute(conn,
		"INSERT INTO app (app_name, pkg_name, uid) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{appID, packageID, int64(uid)}})
	return classify("add application", err)
}

func removeApplication(conn *sqlite.Conn, appID string, uid uint32) (packageStillExists bool, err error) {
	packageID, found, err := getAppPackage(conn, appID)
	if err != nil {
		return false, err
	}
	if !found {
		// Nothing to remove; no package cleanup is due either.
		return false, nil
	}

	err = sqlitex.Execute(conn,
		"DELETE FROM app WHERE app_name = ? AND uid = ?",
		&sqlitex.ExecOptions{Args: []any{appID, int64(uid)}})
	if err != nil {
		return false, classify("remove application", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT EXISTS (SELECT 1 FROM app WHERE pkg_name = ?)",
		&sqlitex.ExecOptions{
			Args: []any{packageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				packageStillExists = stmt.ColumnInt(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, classify("check package existence", err)
	}
	return packageStillExists, nil
}

func removeAppPrivileges(conn *sqlite.Conn, appID string, uid uint32) error {
	err := sqlitex.Execute(conn,
		"DELETE FROM app_privilege WHERE app_name = ? AND uid = ?",
		&sqlitex.ExecOptions{Args: []any{appID, int64(uid)}})
	return classify("remove app privileges", err)
}

func updateAppPrivileges(conn *sqlite.Conn, appID string, uid uint32, privileges []string) error {
	if err := removeAppPrivileges(conn, appID, uid); err != nil {
		return err
	}

	// Full replace with set semantics: duplicates in the caller's
	// input collapse to one assignment.
	deduplicated := slices.Clone(privileges)
	slices.Sort(deduplicated)
	deduplicated = slices.Compact(deduplicated)

	for _, privilege := range deduplicated {
		err := sqlitex.Execute(conn,
			"INSERT INTO app_privilege (app_name, uid, privilege_name) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{appID, int64(uid), privilege}})
		if err != nil {
			return classify("update app privileges", err)
		}
	}
	return nil
}

func getPrivilegeGroups(conn *sqlite.Conn, privilege string) ([]string, error) {
	var groups []string
	err := sqlitex.Execute(conn,
		`SELECT group_name FROM privilege_group
		 WHERE privilege_name = ?
		 ORDER BY group_name`,
		&sqlitex.ExecOptions{
			Args: []any{privilege},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				groups = append(groups, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, classify("get privilege groups", err)
	}
	return groups, nil
}

func getUserApps(conn *sqlite.Conn, uid uint32) ([]string, error) {
	var apps []string
	err := sqlitex.Execute(conn,
		"SELECT app_name FROM app WHERE uid = ? ORDER BY app_name",
		&sqlitex.ExecOptions{
			Args: []any{int64(uid)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				apps = append(apps, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, classify("get user apps", err)
	}
	return apps, nil
}

func getAppsInPackage(conn *sqlite.Conn, packageID string) ([]string, error) {
	var apps []string
	err := sqlitex.Execute(conn,
		"SELECT DISTINCT app_name FROM app WHERE pkg_name = ? ORDER BY app_name",
		&sqlitex.ExecOptions{
			Args: []any{packageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				apps = append(apps, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, classify("get apps in package", err)
	}
	return apps, nil
}
