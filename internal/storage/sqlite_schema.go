package storage

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS media_files (
	content_hash         TEXT PRIMARY KEY,
	source_path          TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'PENDING',
	detection_status     TEXT NOT NULL DEFAULT 'PENDING',
	caption_status       TEXT NOT NULL DEFAULT 'PENDING',
	detection_data       TEXT,
	caption_data         TEXT,
	narrative            TEXT NOT NULL DEFAULT '',
	keywords             TEXT,
	error_message        TEXT NOT NULL DEFAULT '',
	detection_started_at INTEGER,
	caption_started_at   INTEGER,
	finalize_claimed_at  INTEGER,
	created_at           INTEGER NOT NULL,
	last_updated         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_files_source_path ON media_files(source_path);
CREATE INDEX IF NOT EXISTS idx_media_files_status ON media_files(status, last_updated);

CREATE TABLE IF NOT EXISTS people (
	cluster_id INTEGER PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT 'Unknown',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_people_name ON people(name);

CREATE TABLE IF NOT EXISTS faces (
	face_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT NOT NULL REFERENCES media_files(content_hash) ON DELETE CASCADE,
	face_index   INTEGER NOT NULL,
	embedding    BLOB NOT NULL,
	cluster_id   INTEGER NOT NULL DEFAULT -1,
	created_at   INTEGER NOT NULL,
	UNIQUE (content_hash, face_index)
);
CREATE INDEX IF NOT EXISTS idx_faces_cluster ON faces(cluster_id);

CREATE TABLE IF NOT EXISTS ledger_meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO ledger_meta (key, value) VALUES ('identity_epoch', 0);
`
