// Package sessions persists conversations as append-only JSONL logs.
//
// Each file starts with a session header line followed by message and
// compaction entries. Entries are parent-linked; walking parentId from the
// leaf reconstructs the live context. The store tolerates truncated last
// lines and unknown entry types, and migrates legacy flat message files on
// the next write.
package sessions

import (
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/pkg/models"
)

// EntryType identifies a persisted line.
type EntryType string

const (
	EntrySession    EntryType = "session"
	EntryMessage    EntryType = "message"
	EntryCompaction EntryType = "compaction"
)

// entryVersion is the current session file schema version.
const entryVersion = 1

// Entry is one persisted JSONL line. Fields are populated per Type:
//
//   - session: Version, ID, Timestamp, Cwd
//   - message: ID, ParentID, Timestamp, Message
//   - compaction: ID, ParentID, Timestamp, Summary, FirstKeptEntryID, TokensBefore
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Timestamp int64     `json:"timestamp"`

	// session
	Version int    `json:"version,omitempty"`
	Cwd     string `json:"cwd,omitempty"`

	// message
	Message *models.Message `json:"message,omitempty"`

	// compaction
	Summary          string `json:"summary,omitempty"`
	FirstKeptEntryID string `json:"firstKeptEntryId,omitempty"`
	TokensBefore     int    `json:"tokensBefore,omitempty"`
}

// newEntryID returns an 8-char id unique within a session file.
func newEntryID(taken map[string]*Entry) string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, ok := taken[id]; !ok {
			return id
		}
	}
}
