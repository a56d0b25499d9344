package store

// schema is applied with CREATE TABLE IF NOT EXISTS so Open is safe to call
// against an existing database. The CREATE TABLE text carries every current
// column; columns added later are also listed as best-effort ALTER TABLE
// statements below, so an older database gains them and a fresh one just
// skips them as duplicates.
const schema = `
CREATE TABLE IF NOT EXISTS chats (
	jid        TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	is_group   INTEGER NOT NULL DEFAULT 0,
	cursor_ts  INTEGER NOT NULL DEFAULT 0,
	cursor_id  TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	chat_jid       TEXT NOT NULL,
	id             TEXT NOT NULL,
	sender_jid     TEXT NOT NULL DEFAULT '',
	sender_name    TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL DEFAULT '',
	is_from_me     INTEGER NOT NULL DEFAULT 0,
	is_bot_message INTEGER NOT NULL DEFAULT 0,
	timestamp      INTEGER NOT NULL,
	PRIMARY KEY (chat_jid, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_jid, timestamp);

CREATE TABLE IF NOT EXISTS groups (
	folder           TEXT PRIMARY KEY,
	jid              TEXT NOT NULL,
	trigger          TEXT NOT NULL DEFAULT '',
	requires_trigger INTEGER NOT NULL DEFAULT 1,
	registered_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_jid ON groups (jid);

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	group_folder  TEXT NOT NULL,
	chat_jid      TEXT NOT NULL DEFAULT '',
	context_mode  TEXT NOT NULL DEFAULT 'isolated',
	schedule_kind TEXT NOT NULL,
	schedule_expr TEXT NOT NULL,
	timezone      TEXT NOT NULL DEFAULT 'UTC',
	content       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	next_run      INTEGER NOT NULL,
	last_run      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, next_run);

CREATE TABLE IF NOT EXISTS task_runs (
	run_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs (task_id, started_at);
`

// migrations lists best-effort ALTER TABLE statements applied after the
// base schema, for columns added after the database already shipped. Each
// is run independently and a "duplicate column" error is swallowed, so a
// database created before is_bot_message/context_mode/status existed still
// upgrades cleanly rather than failing Open.
var migrations = []string{
	`ALTER TABLE messages ADD COLUMN is_bot_message INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE tasks ADD COLUMN chat_jid TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE tasks ADD COLUMN context_mode TEXT NOT NULL DEFAULT 'isolated'`,
	`ALTER TABLE tasks ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`,
	`ALTER TABLE task_runs ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE task_runs ADD COLUMN result TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE groups ADD COLUMN requires_trigger INTEGER NOT NULL DEFAULT 1`,
}
