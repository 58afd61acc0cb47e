package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
)

// Log is the session persistence interface consumed by the agent runtime.
// FileStore implements it directly; GuardedLog decorates it with the
// tool-result invariant.
type Log interface {
	// Load returns the live message sequence for a session: the chain from
	// the root to the leaf, with compacted prefixes replaced by their
	// summary message.
	Load(ctx context.Context, sessionKey string) ([]*models.Message, error)

	// Append persists a message as a new leaf entry.
	Append(ctx context.Context, sessionKey string, msg *models.Message) error

	// AppendCompaction persists a compaction checkpoint.
	AppendCompaction(ctx context.Context, sessionKey string, summary *models.Message, firstKeptEntryID string, tokensBefore int) error

	// ResolveMessageEntryID maps a message previously returned by Load or
	// passed to Append back to its entry id.
	ResolveMessageEntryID(sessionKey string, msg *models.Message) (string, bool)

	// Clear deletes the session log.
	Clear(ctx context.Context, sessionKey string) error

	// List returns the session keys with a persisted log.
	List() ([]string, error)
}

var _ Log = (*FileStore)(nil)

// sessionState caches one session file in memory.
type sessionState struct {
	filePath     string
	header       *Entry
	entries      []*Entry
	byID         map[string]*Entry
	idByMsg      map[*models.Message]string
	leafID       string
	flushed      bool
	hasAssistant bool
}

// FileStore persists sessions as JSONL files under a base directory, one
// file per url-encoded session key. Physical writes are guarded by a
// cross-process lock file; in-memory state is mutated only while that lock
// is held. File creation is deferred until the session has produced an
// assistant turn so abandoned sessions leave no files behind.
type FileStore struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.Mutex
	state map[string]*sessionState
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logger,
		state:   make(map[string]*sessionState),
	}
}

func (s *FileStore) path(sessionKey string) string {
	return filepath.Join(s.baseDir, url.QueryEscape(sessionKey)+".jsonl")
}

func (s *FileStore) Load(ctx context.Context, sessionKey string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.ensureState(sessionKey)
	if err != nil {
		return nil, err
	}
	return s.liveMessages(state), nil
}

func (s *FileStore) Append(ctx context.Context, sessionKey string, msg *models.Message) error {
	if msg == nil {
		return errors.New("sessions: message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.ensureState(sessionKey)
	if err != nil {
		return err
	}

	release, err := acquireFileLock(ctx, state.filePath)
	if err != nil {
		return err
	}
	defer release()

	entry := &Entry{
		Type:      EntryMessage,
		ID:        newEntryID(state.byID),
		ParentID:  state.leafID,
		Timestamp: time.Now().UnixMilli(),
		Message:   msg,
	}
	state.entries = append(state.entries, entry)
	state.byID[entry.ID] = entry
	state.idByMsg[msg] = entry.ID
	state.leafID = entry.ID
	if msg.Role == models.RoleAssistant {
		state.hasAssistant = true
	}

	return s.persist(state, entry)
}

func (s *FileStore) AppendCompaction(ctx context.Context, sessionKey string, summary *models.Message, firstKeptEntryID string, tokensBefore int) error {
	if summary == nil {
		return errors.New("sessions: summary is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.ensureState(sessionKey)
	if err != nil {
		return err
	}

	release, err := acquireFileLock(ctx, state.filePath)
	if err != nil {
		return err
	}
	defer release()

	entry := &Entry{
		Type:             EntryCompaction,
		ID:               newEntryID(state.byID),
		ParentID:         state.leafID,
		Timestamp:        time.Now().UnixMilli(),
		Summary:          summary.Text(),
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
	}
	state.entries = append(state.entries, entry)
	state.byID[entry.ID] = entry
	state.leafID = entry.ID

	return s.persist(state, entry)
}

func (s *FileStore) ResolveMessageEntryID(sessionKey string, msg *models.Message) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.state[sessionKey]
	if !ok || msg == nil {
		return "", false
	}
	id, ok := state.idByMsg[msg]
	return id, ok
}

func (s *FileStore) Clear(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(sessionKey)
	release, err := acquireFileLock(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	delete(s.state, sessionKey)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) List() ([]string, error) {
	dirEntries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			s.logger.Warn("skipping session file with undecodable name", "file", name)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ensureState returns the cached state for a session, reading the file on
// first access. Caller holds s.mu.
func (s *FileStore) ensureState(sessionKey string) (*sessionState, error) {
	if state, ok := s.state[sessionKey]; ok {
		return state, nil
	}

	state := &sessionState{
		filePath: s.path(sessionKey),
		byID:     make(map[string]*Entry),
		idByMsg:  make(map[*models.Message]string),
	}

	if err := s.readFile(state); err != nil {
		return nil, err
	}
	if state.header == nil {
		cwd, _ := os.Getwd()
		state.header = &Entry{
			Type:      EntrySession,
			Version:   entryVersion,
			ID:        newEntryID(state.byID),
			Timestamp: time.Now().UnixMilli(),
			Cwd:       cwd,
		}
	}
	s.state[sessionKey] = state
	return state, nil
}

// readFile parses the session file line by line. Malformed lines
// (including a truncated final line) and unknown entry types are skipped.
// Files without a session header are treated as legacy flat message lists
// and migrated on the next write.
func (s *FileStore) readFile(state *sessionState) error {
	f, err := os.Open(state.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	legacy := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if lineNo == 1 && looksLikeMessage(line) {
			legacy = true
		}

		if legacy {
			var msg models.Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				s.logger.Warn("skipping malformed legacy message", "file", state.filePath, "line", lineNo)
				continue
			}
			s.attachMessage(state, &msg)
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn("skipping malformed session line", "file", state.filePath, "line", lineNo)
			continue
		}

		switch entry.Type {
		case EntrySession:
			if state.header == nil {
				header := entry
				state.header = &header
			}
		case EntryMessage:
			if entry.Message == nil {
				s.logger.Warn("skipping message entry without message", "file", state.filePath, "line", lineNo)
				continue
			}
			e := entry
			state.entries = append(state.entries, &e)
			state.byID[e.ID] = &e
			state.idByMsg[e.Message] = e.ID
			state.leafID = e.ID
			if e.Message.Role == models.RoleAssistant {
				state.hasAssistant = true
			}
		case EntryCompaction:
			e := entry
			state.entries = append(state.entries, &e)
			state.byID[e.ID] = &e
			state.leafID = e.ID
		default:
			// Unknown entry types stay on disk; newer writers may own them.
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Legacy files are rewritten in full (with a fresh header) on the next
	// write; headered files keep appending.
	state.flushed = !legacy && state.header != nil && len(state.entries) > 0
	return nil
}

// attachMessage links a legacy message into the entry chain.
func (s *FileStore) attachMessage(state *sessionState, msg *models.Message) {
	entry := &Entry{
		Type:      EntryMessage,
		ID:        newEntryID(state.byID),
		ParentID:  state.leafID,
		Timestamp: msg.Timestamp,
		Message:   msg,
	}
	state.entries = append(state.entries, entry)
	state.byID[entry.ID] = entry
	state.idByMsg[msg] = entry.ID
	state.leafID = entry.ID
	if msg.Role == models.RoleAssistant {
		state.hasAssistant = true
	}
}

// looksLikeMessage sniffs a JSON object with a role field but no type tag.
func looksLikeMessage(line string) bool {
	var probe struct {
		Type string `json:"type"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	return probe.Type == "" && probe.Role != ""
}

// liveMessages reconstructs the current context: walk parentId from the
// leaf to the root, then replay, replacing everything strictly before the
// newest compaction checkpoint's firstKeptEntryId with its summary.
func (s *FileStore) liveMessages(state *sessionState) []*models.Message {
	if state.leafID == "" {
		return nil
	}

	var path []*Entry
	for id := state.leafID; id != ""; {
		entry, ok := state.byID[id]
		if !ok {
			break
		}
		path = append(path, entry)
		id = entry.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	var compaction *Entry
	for _, entry := range path {
		if entry.Type == EntryCompaction {
			compaction = entry
		}
	}

	start := 0
	var out []*models.Message
	if compaction != nil {
		for i, entry := range path {
			if entry.ID == compaction.FirstKeptEntryID {
				start = i
				break
			}
		}
		out = append(out, &models.Message{
			Role:      models.RoleUser,
			Timestamp: compaction.Timestamp,
			Content:   []models.ContentBlock{models.TextBlock(compaction.Summary)},
		})
	}

	for _, entry := range path[start:] {
		if entry.Type != EntryMessage {
			continue
		}
		out = append(out, entry.Message)
	}
	return out
}

// persist writes the new entry. Until the session has an assistant turn,
// nothing touches disk; the first real write rewrites the whole file and
// subsequent writes are pure appends.
func (s *FileStore) persist(state *sessionState, entry *Entry) error {
	if !state.hasAssistant {
		return nil
	}
	if !state.flushed {
		if err := s.rewrite(state); err != nil {
			return err
		}
		state.flushed = true
		return nil
	}
	return s.appendLine(state, entry)
}

func (s *FileStore) rewrite(state *sessionState) error {
	if err := os.MkdirAll(filepath.Dir(state.filePath), 0o755); err != nil {
		return err
	}

	var b strings.Builder
	headerLine, err := json.Marshal(state.header)
	if err != nil {
		return err
	}
	b.Write(headerLine)
	b.WriteString("\n")
	for _, entry := range state.entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteString("\n")
	}

	tmp := state.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, state.filePath)
}

func (s *FileStore) appendLine(state *sessionState, entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(state.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sessions: append to %s: %w", state.filePath, err)
	}
	return f.Sync()
}
