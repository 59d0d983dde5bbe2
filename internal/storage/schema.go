package storage

const schema = `
-- Sources are directories or git repositories holding highlight exports.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT 'local', -- local | git
    last_scanned INTEGER
);

-- One row per highlight scheduled for review. Times are unix nanoseconds.
CREATE TABLE IF NOT EXISTS review_cards (
    id TEXT PRIMARY KEY,
    source_ref TEXT NOT NULL,
    due_at INTEGER NOT NULL,
    repetition_count INTEGER NOT NULL DEFAULT 0,
    ease_factor REAL NOT NULL DEFAULT 2.5 CHECK (ease_factor >= 1.3),
    source_id INTEGER REFERENCES sources(id) ON DELETE CASCADE,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_cards_due ON review_cards(due_at);

-- Offline mutations awaiting replay. seq is the FIFO order.
CREATE TABLE IF NOT EXISTS mutation_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    payload BLOB NOT NULL,
    chain_key TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Feed entries already queued as articles.
CREATE TABLE IF NOT EXISTS feed_items (
    link TEXT PRIMARY KEY,
    feed_url TEXT NOT NULL,
    imported_at INTEGER NOT NULL
);

-- Article URLs with a create_article mutation queued, written with the mutation.
CREATE TABLE IF NOT EXISTS queued_articles (
    url TEXT PRIMARY KEY,
    mutation_id TEXT NOT NULL,
    queued_at INTEGER NOT NULL
);

-- Mutual exclusion between processes draining the same queue.
CREATE TABLE IF NOT EXISTS drain_lease (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`
