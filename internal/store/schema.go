package store

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

const schema = `
-- Cached records, one row per entity/id
CREATE TABLE IF NOT EXISTS records (
    entity TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity, id)
);

-- Last applied server message time per channel
CREATE TABLE IF NOT EXISTS cursors (
    channel TEXT PRIMARY KEY,
    last_message_time INTEGER NOT NULL DEFAULT 0
);

-- Pending local mutations, at most one per entity~id
CREATE TABLE IF NOT EXISTS offline_queue (
    queue_key TEXT PRIMARY KEY,
    entity TEXT NOT NULL,
    record_id TEXT NOT NULL,
    method TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    time INTEGER NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_offline_queue_order ON offline_queue(priority, time, record_id);

-- Sync history log
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    direction TEXT NOT NULL,
    action_type TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    server_seq INTEGER DEFAULT 0,
    device_id TEXT DEFAULT '',
    timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
