// Package artifact records file mutations performed by tools during a
// session: which paths changed, how, and a unified diff when both sides are
// textual and small enough.
package artifact

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// Operations recorded in the ledger. Shell-driven mutations keep their own
// operation since the exact effect of a command is heuristic.
const (
	OpCreate = "create"
	OpEdit   = "edit"
	OpDelete = "delete"
	OpBash   = "bash"
)

// Entry is one recorded file mutation. ContentBefore and ContentAfter carry
// the raw sides when both are textual and within the diff size bound.
type Entry struct {
	ID            int64     `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	ToolCallID    string    `json:"tool_call_id" db:"tool_call_id"`
	Tool          string    `json:"tool" db:"tool"`
	Operation     string    `json:"operation" db:"operation"`
	Path          string    `json:"path" db:"path"`
	ContentBefore string    `json:"content_before,omitempty" db:"content_before"`
	ContentAfter  string    `json:"content_after,omitempty" db:"content_after"`
	Diff          string    `json:"diff,omitempty" db:"diff"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type pendingCall struct {
	tool  string
	input map[string]any
}

// Ledger keeps an in-memory per-session timeline of file mutations, mirrored
// best-effort to sqlite so history survives restarts.
type Ledger struct {
	logger       *logger.Logger
	maxDiffBytes int
	mirror       *mirror // nil when persistence is disabled

	mu      sync.Mutex
	nextID  int64
	pending map[string]pendingCall // tool_call_id -> call
	entries map[string][]Entry     // session_id -> timeline in insertion order
}

// NewLedger creates a Ledger. dbPath selects the sqlite mirror file; empty
// disables persistence. Mirror failures are logged, never fatal.
func NewLedger(dbPath string, maxDiffBytes int, log *logger.Logger) *Ledger {
	l := &Ledger{
		logger:       log,
		maxDiffBytes: maxDiffBytes,
		nextID:       1,
		pending:      make(map[string]pendingCall),
		entries:      make(map[string][]Entry),
	}
	if dbPath != "" {
		m, err := openMirror(dbPath)
		if err != nil {
			log.Warn("Artifact mirror unavailable", zap.String("path", dbPath), zap.Error(err))
		} else {
			l.mirror = m
		}
	}
	return l
}

// Close releases the sqlite mirror.
func (l *Ledger) Close() error {
	if l.mirror != nil {
		return l.mirror.close()
	}
	return nil
}

// ObserveToolCall records a tool invocation so its result can be classified.
func (l *Ledger) ObserveToolCall(sessionID, toolCallID, tool string, input map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[toolCallID] = pendingCall{tool: tool, input: input}
}

// ObserveToolResult matches the result to its call and, when the tool
// mutates files, appends a ledger entry. Diff failures degrade to recording
// the operation without a diff.
func (l *Ledger) ObserveToolResult(sessionID, toolCallID string, isError bool) {
	l.mu.Lock()
	call, ok := l.pending[toolCallID]
	delete(l.pending, toolCallID)
	l.mu.Unlock()

	if !ok || isError {
		return
	}

	mutations := classify(call.tool, call.input)
	for _, m := range mutations {
		entry := Entry{
			SessionID:  sessionID,
			ToolCallID: toolCallID,
			Tool:       call.tool,
			Operation:  m.op,
			Path:       m.path,
			CreatedAt:  time.Now().UTC(),
		}
		if m.diffable && l.withinBounds(m.before, m.after) {
			entry.ContentBefore = m.before
			entry.ContentAfter = m.after
			entry.Diff = l.unifiedDiff(m.path, m.before, m.after)
		}
		l.append(entry)
	}
}

func (l *Ledger) append(entry Entry) {
	l.mu.Lock()
	entry.ID = l.nextID
	l.nextID++
	l.entries[entry.SessionID] = append(l.entries[entry.SessionID], entry)
	l.mu.Unlock()

	if l.mirror != nil {
		if err := l.mirror.insert(entry); err != nil {
			l.logger.Warn("Artifact mirror write failed",
				zap.String("session_id", entry.SessionID),
				zap.Error(err))
		}
	}
}

// List returns a session's entries in insertion order. Sessions not seen
// since startup are served from the mirror.
func (l *Ledger) List(sessionID string) []Entry {
	l.mu.Lock()
	entries, ok := l.entries[sessionID]
	if ok {
		out := make([]Entry, len(entries))
		copy(out, entries)
		l.mu.Unlock()
		return out
	}
	l.mu.Unlock()

	if l.mirror != nil {
		entries, err := l.mirror.list(sessionID)
		if err != nil {
			l.logger.Warn("Artifact mirror read failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil
		}
		return entries
	}
	return nil
}

// Purge removes a session's entries from memory and the mirror.
func (l *Ledger) Purge(sessionID string) {
	l.mu.Lock()
	delete(l.entries, sessionID)
	l.mu.Unlock()

	if l.mirror != nil {
		if err := l.mirror.purge(sessionID); err != nil {
			l.logger.Warn("Artifact mirror purge failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}

// withinBounds reports whether both content sides are textual and small
// enough to store alongside the diff.
func (l *Ledger) withinBounds(before, after string) bool {
	if len(before)+len(after) > l.maxDiffBytes {
		return false
	}
	return utf8.ValidString(before) && utf8.ValidString(after)
}

func (l *Ledger) unifiedDiff(path, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
	if err != nil {
		l.logger.Debug("Diff computation failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return diff
}

type mutation struct {
	path     string
	op       string
	before   string
	after    string
	diffable bool
}

// bashWritePatterns are command fragments that indicate a shell command
// wrote or removed files. The token after the pattern is taken as the path.
var bashWritePatterns = []string{
	"cat >", "echo >", "tee ", "sed -i", "mv ", "rm ",
}

// classify maps a completed tool call to zero or more file mutations.
func classify(tool string, input map[string]any) []mutation {
	switch tool {
	case "write_file":
		path := stringField(input, "path", "file_path")
		if path == "" {
			return nil
		}
		before := stringField(input, "previous_content", "old_content")
		after := stringField(input, "content")
		op := OpEdit
		if before == "" {
			op = OpCreate
		}
		return []mutation{{path: path, op: op, before: before, after: after, diffable: after != ""}}

	case "edit_file":
		path := stringField(input, "path", "file_path")
		if path == "" {
			return nil
		}
		before := stringField(input, "old_string", "old_str")
		after := stringField(input, "new_string", "new_str")
		return []mutation{{path: path, op: OpEdit, before: before, after: after, diffable: before != "" || after != ""}}

	case "patch":
		path := stringField(input, "path", "file_path")
		if path == "" {
			return nil
		}
		return []mutation{{path: path, op: OpEdit}}

	case "bash", "shell":
		return classifyBash(stringField(input, "command", "cmd"))
	}
	return nil
}

// classifyBash scans a shell command for write-indicating patterns and
// records the first path-looking token after each match.
func classifyBash(command string) []mutation {
	if command == "" {
		return nil
	}
	var out []mutation
	seen := make(map[string]bool)
	for _, pattern := range bashWritePatterns {
		idx := strings.Index(command, pattern)
		if idx < 0 {
			continue
		}
		rest := command[idx+len(pattern):]
		path := firstPathToken(rest)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, mutation{path: path, op: OpBash})
	}
	return out
}

// firstPathToken returns the first whitespace-delimited token that looks
// like a filesystem path, skipping flags.
func firstPathToken(s string) string {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"'`)
		if tok == "" || strings.HasPrefix(tok, "-") {
			continue
		}
		// Skip sed-style expressions such as s/a/b/.
		if strings.HasSuffix(tok, "/") {
			continue
		}
		if strings.ContainsAny(tok, "|&;<>") {
			return ""
		}
		if strings.Contains(tok, "/") || strings.Contains(tok, ".") {
			return tok
		}
		return tok
	}
	return ""
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
