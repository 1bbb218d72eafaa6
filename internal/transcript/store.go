// Package transcript persists per-session conversation logs as append-only
// JSONL files with a metadata document alongside.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// ErrSessionNotFound is returned when a session directory does not exist.
var ErrSessionNotFound = errors.New("session not found")

const (
	metadataFile   = "metadata.json"
	transcriptFile = "transcript.jsonl"
)

// Entry is one transcript record. Content is either a string or an ordered
// list of block maps (text, thinking, tool_use, tool_result).
type Entry struct {
	Role      string    `json:"role"` // user, assistant, system
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata describes a stored session.
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Bundle    string    `json:"bundle,omitempty"`
	Behaviors []string  `json:"behaviors,omitempty"`
	Status    string    `json:"status,omitempty"` // active, ended, errored
	TurnCount int       `json:"turn_count"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages session directories under <root>/web-sessions.
type Store struct {
	root   string
	logger *logger.Logger

	mu   sync.Mutex
	open map[string]*openSession
}

type openSession struct {
	file *os.File
	w    *bufio.Writer
}

// NewStore creates a Store rooted at stateRoot.
func NewStore(stateRoot string, log *logger.Logger) (*Store, error) {
	root := filepath.Join(stateRoot, "web-sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log,
		open:   make(map[string]*openSession),
	}, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

// Open creates the session directory on first use and opens the transcript
// for appending.
func (s *Store) Open(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[sessionID]; ok {
		return nil
	}

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	s.open[sessionID] = &openSession{file: f, w: bufio.NewWriter(f)}
	return nil
}

// Append writes one entry as a JSON line. The write is buffered; call Flush
// at turn boundaries to make it durable.
func (s *Store) Append(sessionID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.open[sessionID]
	if !ok {
		return fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := sess.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Flush writes buffered entries to disk; with sync it also fsyncs. Turn
// close flushes with sync so a crash loses at most the in-flight turn.
func (s *Store) Flush(sessionID string, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.open[sessionID]
	if !ok {
		return nil
	}
	if err := sess.w.Flush(); err != nil {
		return err
	}
	if sync {
		return sess.file.Sync()
	}
	return nil
}

// Close flushes and closes the session's transcript handle.
func (s *Store) Close(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.open[sessionID]
	if !ok {
		return nil
	}
	delete(s.open, sessionID)
	if err := sess.w.Flush(); err != nil {
		sess.file.Close()
		return err
	}
	if err := sess.file.Sync(); err != nil {
		sess.file.Close()
		return err
	}
	return sess.file.Close()
}

// Load reads all transcript entries in order. A trailing line that fails to
// parse is discarded; the transcript stays usable after a crash mid-write.
func (s *Store) Load(sessionID string) ([]Entry, error) {
	path := filepath.Join(s.sessionDir(sessionID), transcriptFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			s.logger.Warn("Discarding unparseable transcript line",
				zap.String("session_id", sessionID),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return entries, nil
}

// SnapshotMetadata writes metadata.json atomically via tmp+rename.
func (s *Store) SnapshotMetadata(sessionID string, meta Metadata) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	meta.ID = sessionID
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, metadataFile))
}

// LoadMetadata reads a session's metadata document.
func (s *Store) LoadMetadata(sessionID string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata for %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// Exists reports whether a session directory is present on disk.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(s.sessionDir(sessionID))
	return err == nil
}

// List returns metadata summaries sorted by updated_at descending.
// Sub-session directories (ids containing "_") are skipped unless
// includeSubSessions is set. Stale turn counts are recomputed from the
// transcript so resumed sessions report accurately.
func (s *Store) List(includeSubSessions bool) ([]Metadata, error) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var out []Metadata
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		if !includeSubSessions && strings.Contains(id, "_") {
			continue
		}

		meta, err := s.LoadMetadata(id)
		if err != nil {
			// Directory without metadata yet: synthesize a minimal summary.
			info, ierr := d.Info()
			if ierr != nil {
				continue
			}
			meta = &Metadata{ID: id, UpdatedAt: info.ModTime().UTC()}
		}

		if tc := s.CountTurns(id); tc > meta.TurnCount {
			meta.TurnCount = tc
		}
		out = append(out, *meta)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// CountTurns counts user entries in the stored transcript. Returns 0 when
// the transcript is missing or unreadable.
func (s *Store) CountTurns(sessionID string) int {
	entries, err := s.Load(sessionID)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Role == "user" {
			n++
		}
	}
	return n
}

// Rename sets the display name in the session's metadata.
func (s *Store) Rename(sessionID, name string) error {
	meta, err := s.LoadMetadata(sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) || !s.Exists(sessionID) {
			return err
		}
		meta = &Metadata{ID: sessionID}
	}
	meta.Name = name
	meta.UpdatedAt = time.Now().UTC()
	return s.SnapshotMetadata(sessionID, *meta)
}

// Delete removes the session directory and all its contents.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	if sess, ok := s.open[sessionID]; ok {
		sess.w.Flush()
		sess.file.Close()
		delete(s.open, sessionID)
	}
	s.mu.Unlock()

	if !s.Exists(sessionID) {
		return ErrSessionNotFound
	}
	return os.RemoveAll(s.sessionDir(sessionID))
}
