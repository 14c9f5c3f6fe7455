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

CREATE TABLE IF NOT EXISTS emails (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox           TEXT NOT NULL,
	uid               INTEGER NOT NULL,
	message_id        TEXT UNIQUE,
	subject           TEXT NOT NULL DEFAULT '',
	sender            TEXT NOT NULL DEFAULT '',
	recipients        TEXT NOT NULL DEFAULT '',
	received_at       DATETIME NOT NULL,
	vendor            TEXT NOT NULL DEFAULT '',
	class             TEXT NOT NULL DEFAULT 'other'
		CHECK(class IN ('applied', 'interview', 'offer', 'rejection', 'other')),
	raw_headers       TEXT NOT NULL DEFAULT '',
	text_body         TEXT NOT NULL DEFAULT '',
	html_body         TEXT NOT NULL DEFAULT '',
	snippet           TEXT NOT NULL DEFAULT '',
	parsed_payload    TEXT,
	parse_status      TEXT NOT NULL DEFAULT 'pending'
		CHECK(parse_status IN ('pending', 'parsed', 'error')),
	parsed_at         DATETIME,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	application_id    INTEGER,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(mailbox, uid)
);

CREATE TABLE IF NOT EXISTS ingestion_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         DATETIME NOT NULL,
	phase      TEXT NOT NULL,
	status     TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	mailbox    TEXT NOT NULL DEFAULT '',
	uid        INTEGER,
	message_id TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	vendor     TEXT NOT NULL DEFAULT '',
	class      TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS email_sync_state (
	mailbox       TEXT PRIMARY KEY,
	last_uid      INTEGER NOT NULL DEFAULT 0,
	model_version TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS email_backfill_state (
	mailbox              TEXT PRIMARY KEY,
	highest_uid_seen     INTEGER NOT NULL,
	lowest_uid_processed INTEGER NOT NULL,
	active               INTEGER NOT NULL DEFAULT 0 CHECK(active IN (0, 1)),
	updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK(lowest_uid_processed <= highest_uid_seen)
);

CREATE TABLE IF NOT EXISTS email_header_cache (
	mailbox       TEXT NOT NULL,
	uid           INTEGER NOT NULL,
	decision      TEXT NOT NULL CHECK(decision IN ('relevant', 'irrelevant', 'uncertain')),
	score         REAL NOT NULL DEFAULT 0,
	reason        TEXT NOT NULL DEFAULT '',
	vendor        TEXT NOT NULL DEFAULT '',
	class         TEXT NOT NULL DEFAULT 'other',
	model_version TEXT NOT NULL,
	promoted      INTEGER NOT NULL DEFAULT 0 CHECK(promoted IN (0, 1)),
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (mailbox, uid)
);

CREATE TABLE IF NOT EXISTS openai_call_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	email_id          INTEGER NOT NULL,
	model             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	request           TEXT NOT NULL DEFAULT '',
	response          TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_emails_parse_status ON emails(parse_status);
CREATE INDEX IF NOT EXISTS idx_emails_vendor ON emails(vendor);
CREATE INDEX IF NOT EXISTS idx_emails_class ON emails(class);
CREATE INDEX IF NOT EXISTS idx_openai_call_log_email_id ON openai_call_log(email_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS applications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	company    TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'applied',
	first_seen DATETIME NOT NULL,
	last_seen  DATETIME NOT NULL,
	UNIQUE(company, role)
);

CREATE INDEX IF NOT EXISTS idx_emails_application_id ON emails(application_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_log_run_id ON ingestion_log(run_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS email_fetch_failures (
	mailbox    TEXT NOT NULL,
	uid        INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (mailbox, uid)
);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
