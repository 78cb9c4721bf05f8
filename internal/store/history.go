package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// maxStoredMessages is the hard cap on a room's transcript, enforced on
// every append regardless of the context-window trim applied at read time.
const maxStoredMessages = 100

// ConversationMessage is one turn entry in a room transcript.
type ConversationMessage struct {
	Role      string `json:"role"` // system, user, assistant
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// ConversationHistory is a room's full stored transcript.
type ConversationHistory struct {
	RoomID      string                `json:"roomId"`
	Messages    []ConversationMessage `json:"messages"` // oldest first
	LastUpdated int64                 `json:"lastUpdated"`
}

// HistoryStore is the blob-object view over KV for per-room transcripts
// and audit logs.
type HistoryStore struct {
	kv KV
}

// NewHistoryStore wraps a KV backend.
func NewHistoryStore(kv KV) *HistoryStore {
	return &HistoryStore{kv: kv}
}

func historyKey(roomID string) string {
	return "conversations/" + roomID + "/history.json"
}

// History returns up to limit most recent messages, oldest first.
func (h *HistoryStore) History(ctx context.Context, roomID string, limit int) ([]ConversationMessage, error) {
	data, err := h.kv.Get(ctx, historyKey(roomID))
	if err != nil || data == "" {
		return nil, err
	}
	var hist ConversationHistory
	if err := json.Unmarshal([]byte(data), &hist); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", roomID, err)
	}
	msgs := hist.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Append adds one message to the room transcript, evicting the oldest
// entries beyond the stored cap. Read-modify-write with last-writer-wins
// semantics; there is no transactional guarantee across keys.
func (h *HistoryStore) Append(ctx context.Context, roomID string, msg ConversationMessage) error {
	key := historyKey(roomID)

	hist := ConversationHistory{RoomID: roomID}
	if data, err := h.kv.Get(ctx, key); err != nil {
		return err
	} else if data != "" {
		// A corrupt transcript starts over rather than blocking the room.
		if err := json.Unmarshal([]byte(data), &hist); err != nil {
			hist = ConversationHistory{RoomID: roomID}
		}
	}

	hist.Messages = append(hist.Messages, msg)
	hist.LastUpdated = time.Now().UnixMilli()
	if len(hist.Messages) > maxStoredMessages {
		hist.Messages = hist.Messages[len(hist.Messages)-maxStoredMessages:]
	}

	data, err := json.Marshal(hist)
	if err != nil {
		return err
	}
	return h.kv.Put(ctx, key, string(data))
}

// Clear removes a room's transcript entirely.
func (h *HistoryStore) Clear(ctx context.Context, roomID string) error {
	return h.kv.Delete(ctx, historyKey(roomID))
}

// ListConversations returns the room IDs that have stored transcripts.
func (h *HistoryStore) ListConversations(ctx context.Context) ([]string, error) {
	keys, err := h.kv.List(ctx, "conversations/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var rooms []string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) >= 2 && !seen[parts[1]] {
			seen[parts[1]] = true
			rooms = append(rooms, parts[1])
		}
	}
	return rooms, nil
}

// SaveLog writes an audit log entry under a date/room partitioned key.
func (h *HistoryStore) SaveLog(ctx context.Context, roomID string, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("logs/%s/%s/%s.json",
		time.Now().UTC().Format("2006-01-02"), roomID, xid.New().String())
	return h.kv.Put(ctx, key, string(data))
}
