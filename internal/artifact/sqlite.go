package artifact

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL,
	tool_call_id   TEXT NOT NULL,
	tool           TEXT NOT NULL,
	operation      TEXT NOT NULL,
	path           TEXT NOT NULL,
	content_before TEXT NOT NULL DEFAULT '',
	content_after  TEXT NOT NULL DEFAULT '',
	diff           TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
`

// mirror is the sqlite persistence behind the in-memory ledger.
type mirror struct {
	db *sqlx.DB
}

func openMirror(path string) (*mirror, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init artifact schema: %w", err)
	}
	return &mirror{db: db}, nil
}

func (m *mirror) insert(e Entry) error {
	_, err := m.db.NamedExec(`
		INSERT INTO artifacts (session_id, tool_call_id, tool, operation, path, content_before, content_after, diff, created_at)
		VALUES (:session_id, :tool_call_id, :tool, :operation, :path, :content_before, :content_after, :diff, :created_at)`, e)
	return err
}

func (m *mirror) list(sessionID string) ([]Entry, error) {
	var entries []Entry
	err := m.db.Select(&entries, `
		SELECT id, session_id, tool_call_id, tool, operation, path, content_before, content_after, diff, created_at
		FROM artifacts WHERE session_id = ? ORDER BY id`, sessionID)
	return entries, err
}

func (m *mirror) purge(sessionID string) error {
	_, err := m.db.Exec(`DELETE FROM artifacts WHERE session_id = ?`, sessionID)
	return err
}

func (m *mirror) close() error {
	return m.db.Close()
}
