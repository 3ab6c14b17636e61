// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package privstore

// schema is the privilege relation. Applications are unique within a
// user's namespace and always name a non-empty package. Packages have
// no table of their own: a package exists exactly as long as one of
// its applications does, and the existence check is a query, not a
// flag. The privilege group mapping is static data seeded at database
// initialization and never written by the daemon afterward.
const schema = `
CREATE TABLE IF NOT EXISTS app (
	app_name       TEXT    NOT NULL,
	pkg_name       TEXT    NOT NULL CHECK (pkg_name <> ''),
	uid            INTEGER NOT NULL,
	PRIMARY KEY (app_name, uid)
);
CREATE INDEX IF NOT EXISTS idx_app_pkg ON app(pkg_name);

CREATE TABLE IF NOT EXISTS app_privilege (
	app_name       TEXT    NOT NULL,
	uid            INTEGER NOT NULL,
	privilege_name TEXT    NOT NULL,
	PRIMARY KEY (app_name, uid, privilege_name)
);

CREATE TABLE IF NOT EXISTS privilege_group (
	privilege_name TEXT NOT NULL,
	group_name     TEXT NOT NULL,
	PRIMARY KEY (privilege_name, group_name)
);
`
