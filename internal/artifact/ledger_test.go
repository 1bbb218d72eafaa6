package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewLedger("", 1<<20, log)
}

func TestWriteFileCreatesEntryWithDiff(t *testing.T) {
	l := newTestLedger(t)

	l.ObserveToolCall("s1", "t1", "write_file", map[string]any{
		"path":    "/tmp/x",
		"content": "hello\nworld\n",
	})
	l.ObserveToolResult("s1", "t1", false)

	entries := l.List("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, OpCreate, entries[0].Operation)
	assert.Equal(t, "/tmp/x", entries[0].Path)
	assert.Empty(t, entries[0].ContentBefore)
	assert.Equal(t, "hello\nworld\n", entries[0].ContentAfter)
	assert.Contains(t, entries[0].Diff, "+hello")
	assert.Contains(t, entries[0].Diff, "+world")
}

func TestEditFileDiffsOldAndNew(t *testing.T) {
	l := newTestLedger(t)

	l.ObserveToolCall("s1", "t1", "edit_file", map[string]any{
		"path":       "/tmp/x",
		"old_string": "alpha\n",
		"new_string": "beta\n",
	})
	l.ObserveToolResult("s1", "t1", false)

	entries := l.List("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, OpEdit, entries[0].Operation)
	assert.Equal(t, "alpha\n", entries[0].ContentBefore)
	assert.Equal(t, "beta\n", entries[0].ContentAfter)
	assert.Contains(t, entries[0].Diff, "-alpha")
	assert.Contains(t, entries[0].Diff, "+beta")
}

func TestErroredToolResultIgnored(t *testing.T) {
	l := newTestLedger(t)

	l.ObserveToolCall("s1", "t1", "write_file", map[string]any{"path": "/tmp/x", "content": "x"})
	l.ObserveToolResult("s1", "t1", true)

	assert.Empty(t, l.List("s1"))
}

func TestNonMutatingToolIgnored(t *testing.T) {
	l := newTestLedger(t)

	l.ObserveToolCall("s1", "t1", "read_file", map[string]any{"path": "/tmp/x"})
	l.ObserveToolResult("s1", "t1", false)

	assert.Empty(t, l.List("s1"))
}

func TestOversizedContentRecordsPathOnly(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	l := NewLedger("", 16, log)

	l.ObserveToolCall("s1", "t1", "write_file", map[string]any{
		"path":    "/tmp/big",
		"content": strings.Repeat("a", 64),
	})
	l.ObserveToolResult("s1", "t1", false)

	entries := l.List("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, "/tmp/big", entries[0].Path)
	assert.Empty(t, entries[0].Diff)
	assert.Empty(t, entries[0].ContentBefore)
	assert.Empty(t, entries[0].ContentAfter)
}

func TestBashWriteHeuristics(t *testing.T) {
	tests := []struct {
		name    string
		command string
		path    string
	}{
		{"redirect via cat", "cat > /tmp/out.txt <<EOF", "/tmp/out.txt"},
		{"echo redirect", "echo > notes.md", "notes.md"},
		{"tee", "ls | tee /tmp/listing", "/tmp/listing"},
		{"sed in place", "sed -i 's/a/b/' config.yaml", "config.yaml"},
		{"move", "mv a.txt b.txt", "a.txt"},
		{"remove", "rm -f /tmp/stale", "/tmp/stale"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			l.ObserveToolCall("s1", "t1", "bash", map[string]any{"command": tt.command})
			l.ObserveToolResult("s1", "t1", false)

			entries := l.List("s1")
			require.Len(t, entries, 1)
			assert.Equal(t, tt.path, entries[0].Path)
			assert.Equal(t, OpBash, entries[0].Operation)
		})
	}
}

func TestBashReadOnlyCommandIgnored(t *testing.T) {
	l := newTestLedger(t)
	l.ObserveToolCall("s1", "t1", "bash", map[string]any{"command": "ls -la /tmp"})
	l.ObserveToolResult("s1", "t1", false)
	assert.Empty(t, l.List("s1"))
}

func TestInsertionOrderAndPurge(t *testing.T) {
	l := newTestLedger(t)

	for i, path := range []string{"/tmp/a", "/tmp/b", "/tmp/c"} {
		id := string(rune('1' + i))
		l.ObserveToolCall("s1", "t"+id, "write_file", map[string]any{"path": path, "content": "x"})
		l.ObserveToolResult("s1", "t"+id, false)
	}

	entries := l.List("s1")
	require.Len(t, entries, 3)
	assert.Equal(t, "/tmp/a", entries[0].Path)
	assert.Equal(t, "/tmp/c", entries[2].Path)
	assert.Less(t, entries[0].ID, entries[1].ID)

	l.Purge("s1")
	assert.Empty(t, l.List("s1"))
}

func TestSQLiteMirrorSurvivesRestart(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	dbPath := t.TempDir() + "/artifacts.db"

	l := NewLedger(dbPath, 1<<20, log)
	l.ObserveToolCall("s1", "t1", "write_file", map[string]any{"path": "/tmp/x", "content": "hi\n"})
	l.ObserveToolResult("s1", "t1", false)
	require.NoError(t, l.Close())

	// Fresh ledger over the same db: session served from the mirror.
	l2 := NewLedger(dbPath, 1<<20, log)
	defer l2.Close()

	entries := l2.List("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, "/tmp/x", entries[0].Path)
	assert.Equal(t, "hi\n", entries[0].ContentAfter)
	assert.Contains(t, entries[0].Diff, "+hi")
}
