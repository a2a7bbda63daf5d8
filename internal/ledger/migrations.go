package ledger

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Versions start at 1
// and must be sequential; each one records itself in schema_version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_key  TEXT PRIMARY KEY,
	subject      TEXT NOT NULL DEFAULT '',
	received_at  DATETIME,
	event_count  INTEGER NOT NULL DEFAULT 0,
	processed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_key      TEXT PRIMARY KEY,
	summary        TEXT NOT NULL,
	start_at       DATETIME NOT NULL,
	end_at         DATETIME NOT NULL,
	all_day        INTEGER NOT NULL DEFAULT 0,
	source_subject TEXT NOT NULL DEFAULT '',
	exported_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
