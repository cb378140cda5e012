package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// The sms table keeps the column names of the device message provider
// so that an exported provider database can be opened directly.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sms (
	_id       INTEGER PRIMARY KEY,
	thread_id INTEGER NOT NULL DEFAULT 0,
	address   TEXT NOT NULL DEFAULT '',
	date      INTEGER NOT NULL CHECK(date >= 0),
	type      INTEGER NOT NULL CHECK(type BETWEEN 1 AND 6),
	body      TEXT NOT NULL DEFAULT '',
	read      INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	status    INTEGER NOT NULL DEFAULT -1
);

CREATE INDEX IF NOT EXISTS idx_sms_date ON sms(date, _id);
CREATE INDEX IF NOT EXISTS idx_sms_address ON sms(address);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS contacts (
	address    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	starred    INTEGER NOT NULL DEFAULT 0 CHECK(starred IN (0, 1)),
	group_name TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_contacts_group ON contacts(group_name);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL CHECK(kind IN ('backup', 'restore')),
	state       TEXT NOT NULL DEFAULT 'running',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	records     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
