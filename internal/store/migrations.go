package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS licence_usage (
	reference    TEXT PRIMARY KEY,
	action       TEXT NOT NULL CHECK(action IN ('insert', 'update', 'cancel')),
	quantity     REAL NOT NULL DEFAULT 0,
	value        REAL NOT NULL DEFAULT 0,
	currency     TEXT NOT NULL DEFAULT 'GBP',
	usage_date   DATETIME NOT NULL,
	control_code TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'pending'
		CHECK(state IN ('pending', 'sent', 'accepted', 'rejected', 'failed')),
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	run_number      INTEGER PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'queued'
		CHECK(status IN ('queued', 'dispatched', 'acknowledged', 'exhausted')),
	created_at      DATETIME NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at DATETIME,
	next_attempt_at DATETIME
);

CREATE TABLE IF NOT EXISTS batch_records (
	run_number INTEGER NOT NULL REFERENCES batches(run_number) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	reference  TEXT NOT NULL REFERENCES licence_usage(reference),
	PRIMARY KEY (run_number, position)
);

CREATE TABLE IF NOT EXISTS replies (
	message_id  TEXT PRIMARY KEY,
	run_number  INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	outcomes    TEXT NOT NULL DEFAULT '[]',
	raw         BLOB,
	received_at DATETIME NOT NULL,
	processed   INTEGER NOT NULL DEFAULT 0 CHECK(processed IN (0, 1))
);

CREATE TABLE IF NOT EXISTS mail_seen (
	message_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL CHECK(status IN ('read', 'unprocessable')),
	seen_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_sequence (
	id           INTEGER PRIMARY KEY CHECK(id = 1),
	issued       INTEGER NOT NULL DEFAULT 0,
	acknowledged INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO run_sequence (id, issued, acknowledged) VALUES (1, 0, 0);

CREATE INDEX IF NOT EXISTS idx_licence_usage_state ON licence_usage(state);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_batch_records_reference ON batch_records(reference);
CREATE INDEX IF NOT EXISTS idx_replies_run_number ON replies(run_number);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS licence_outcomes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	reference  TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_licence_outcomes_reference
	ON licence_outcomes(reference);

CREATE INDEX IF NOT EXISTS idx_batches_next_attempt
	ON batches(status, next_attempt_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS poll_state (
	id           INTEGER PRIMARY KEY CHECK(id = 1),
	last_poll_at DATETIME
);

INSERT OR IGNORE INTO poll_state (id, last_poll_at) VALUES (1, NULL);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
