package store

import "database/sql"

// Schema is the DDL for the manuscript domain tables. Timestamps are
// milliseconds since epoch. The jobs table lives with the job queue.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS books (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    title       TEXT NOT NULL,
    plot        TEXT NOT NULL DEFAULT '',
    outline     TEXT NOT NULL DEFAULT '[]',
    story_state TEXT NOT NULL DEFAULT '{}',
    is_complete INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_books_project ON books(project_id);

CREATE TABLE IF NOT EXISTS book_versions (
    id               TEXT PRIMARY KEY,
    book_id          TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    version_number   INTEGER NOT NULL,
    version_name     TEXT NOT NULL,
    plot_snapshot    TEXT NOT NULL DEFAULT '',
    outline_snapshot TEXT NOT NULL DEFAULT '[]',
    is_active        INTEGER NOT NULL DEFAULT 0,
    auto_created     INTEGER NOT NULL DEFAULT 0,
    word_count       INTEGER NOT NULL DEFAULT 0,
    chapter_count    INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    completed_at     INTEGER,
    UNIQUE (book_id, version_number)
);
-- At most one active version per book.
CREATE UNIQUE INDEX IF NOT EXISTS idx_book_versions_one_active
    ON book_versions(book_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS chapters (
    id             TEXT PRIMARY KEY,
    book_id        TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    version_id     TEXT REFERENCES book_versions(id) ON DELETE CASCADE,
    chapter_number INTEGER NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    outline        TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL DEFAULT '',
    word_count     INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'pending'
                   CHECK (status IN ('pending','generating','completed','failed')),
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chapters_number
    ON chapters(book_id, COALESCE(version_id, ''), chapter_number);
CREATE INDEX IF NOT EXISTS idx_chapters_version ON chapters(version_id);

CREATE TABLE IF NOT EXISTS chapter_edits (
    id               TEXT PRIMARY KEY,
    chapter_id       TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
    version_id       TEXT,
    edit_type        TEXT NOT NULL,
    previous_content TEXT NOT NULL DEFAULT '',
    new_content      TEXT NOT NULL DEFAULT '',
    notes            TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chapter_edits_chapter ON chapter_edits(chapter_id, created_at);
CREATE INDEX IF NOT EXISTS idx_chapter_edits_version ON chapter_edits(version_id);

CREATE TABLE IF NOT EXISTS chapter_quality (
    chapter_id        TEXT PRIMARY KEY REFERENCES chapters(id) ON DELETE CASCADE,
    book_id           TEXT NOT NULL,
    scene_not_earned  INTEGER NOT NULL DEFAULT 0,
    scene_confidence  REAL NOT NULL DEFAULT 0,
    exposition_issues TEXT NOT NULL DEFAULT '[]',
    pacing_issues     TEXT NOT NULL DEFAULT '[]',
    analyzed_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS revision_sessions (
    id                  TEXT PRIMARY KEY,
    book_id             TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    source_version_id   TEXT,
    target_version_id   TEXT,
    original_word_count INTEGER NOT NULL,
    current_word_count  INTEGER NOT NULL,
    target_word_count   INTEGER NOT NULL,
    tolerance_percent   REAL NOT NULL,
    min_acceptable      INTEGER NOT NULL,
    max_acceptable      INTEGER NOT NULL,
    words_to_cut        INTEGER NOT NULL,
    status              TEXT NOT NULL DEFAULT 'calculating'
                        CHECK (status IN ('calculating','ready','in_progress','completed','abandoned')),
    chapters_reviewed   INTEGER NOT NULL DEFAULT 0,
    chapters_total      INTEGER NOT NULL DEFAULT 0,
    words_cut_so_far    INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    completed_at        INTEGER
);
-- One non-terminal session per book.
CREATE UNIQUE INDEX IF NOT EXISTS idx_revision_sessions_open
    ON revision_sessions(book_id) WHERE status IN ('calculating','ready','in_progress');

CREATE TABLE IF NOT EXISTS chapter_reduction_proposals (
    id                   TEXT PRIMARY KEY,
    revision_id          TEXT NOT NULL REFERENCES revision_sessions(id) ON DELETE CASCADE,
    chapter_id           TEXT NOT NULL,
    chapter_number       INTEGER NOT NULL,
    original_word_count  INTEGER NOT NULL,
    target_word_count    INTEGER NOT NULL,
    reduction_percent    REAL NOT NULL,
    priority_score       REAL NOT NULL CHECK (priority_score >= 0 AND priority_score <= 100),
    status               TEXT NOT NULL DEFAULT 'pending'
                         CHECK (status IN ('pending','generating','ready','applied','rejected','error')),
    condensed_content    TEXT NOT NULL DEFAULT '',
    condensed_word_count INTEGER NOT NULL DEFAULT 0,
    actual_reduction     INTEGER NOT NULL DEFAULT 0,
    cut_rationale        TEXT NOT NULL DEFAULT '[]',
    preserved_elements   TEXT NOT NULL DEFAULT '[]',
    user_decision        TEXT NOT NULL DEFAULT 'pending'
                         CHECK (user_decision IN ('pending','approved','rejected')),
    error_message        TEXT NOT NULL DEFAULT '',
    user_notes           TEXT NOT NULL DEFAULT '',
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    decided_at           INTEGER,
    UNIQUE (revision_id, chapter_id)
);

CREATE TABLE IF NOT EXISTS book_completions (
    id               TEXT PRIMARY KEY,
    book_id          TEXT NOT NULL UNIQUE REFERENCES books(id) ON DELETE CASCADE,
    project_id       TEXT NOT NULL,
    completed_at     INTEGER NOT NULL,
    total_chapters   INTEGER NOT NULL,
    total_word_count INTEGER NOT NULL,
    analytics_status TEXT NOT NULL DEFAULT 'pending'
                     CHECK (analytics_status IN ('pending','processing','completed','failed')),
    analytics_job_id TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    updated_at       INTEGER NOT NULL
);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
