// Package matrix wraps mautrix-go with the small capability surface the
// bot needs: password login, single cursor-driven sync polls, room join,
// and message/typing/receipt sends.
package matrix

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Credentials holds a Matrix login result.
type Credentials struct {
	AccessToken string
	UserID      string
	DeviceID    string
}

// RoomEvents pairs a joined room with its new timeline events in
// arrival order.
type RoomEvents struct {
	RoomID id.RoomID
	Events []*event.Event
}

// SyncResult is the typed form of one sync poll: the next cursor, the
// rooms with pending invites, and the new timeline events per joined
// room. Room order is made deterministic by sorting.
type SyncResult struct {
	NextBatch string
	Invites   []id.RoomID
	Joined    []RoomEvents
}

// Client is a thin stateless wrapper over mautrix.Client. Beyond the
// bearer credential it carries no cross-call state; the sync cursor
// lives in the durable store, not here.
//
// Credential installs are serialized and skipped when the credential is
// unchanged, so concurrent request goroutines never observe a write to
// the underlying client fields in steady state.
type Client struct {
	mx *mautrix.Client

	credMu sync.Mutex
	creds  Credentials
}

// New creates an unauthenticated client for the given homeserver.
func New(homeserver string) (*Client, error) {
	mx, err := mautrix.NewClient(strings.TrimSuffix(homeserver, "/"), "", "")
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &Client{mx: mx}, nil
}

// SetCredentials installs a previously stored login. Installing the
// credential that is already active is a no-op, so callers may invoke
// this on every poll cycle without racing in-flight requests.
func (c *Client) SetCredentials(creds Credentials) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	if creds == c.creds {
		return
	}
	c.creds = creds
	c.mx.AccessToken = creds.AccessToken
	c.mx.UserID = id.UserID(creds.UserID)
	c.mx.DeviceID = id.DeviceID(creds.DeviceID)
}

// UserID returns the authenticated user, or "" before login.
func (c *Client) UserID() string {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	return c.creds.UserID
}

// Login performs a password login and installs the credential on the
// client. The localpart is extracted when a full @user:server ID is given.
func (c *Client) Login(ctx context.Context, username, password string) (*Credentials, error) {
	localpart := username
	if strings.HasPrefix(localpart, "@") {
		localpart = strings.SplitN(strings.TrimPrefix(localpart, "@"), ":", 2)[0]
	}

	resp, err := c.mx.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: localpart,
		},
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("matrix login: %w", err)
	}

	creds := Credentials{
		AccessToken: resp.AccessToken,
		UserID:      string(resp.UserID),
		DeviceID:    string(resp.DeviceID),
	}
	c.SetCredentials(creds)
	return &creds, nil
}

// Sync performs exactly one long-poll against /sync, resuming from the
// given cursor ("" = current server position). The raw response is
// flattened into a SyncResult; timeline event content is parsed so
// callers can use the typed accessors.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResult, error) {
	resp, err := c.mx.SyncRequest(ctx, int(timeout.Milliseconds()), since, "", false, "")
	if err != nil {
		return nil, fmt.Errorf("matrix sync: %w", err)
	}

	result := &SyncResult{NextBatch: resp.NextBatch}

	for roomID := range resp.Rooms.Invite {
		result.Invites = append(result.Invites, roomID)
	}
	sort.Slice(result.Invites, func(i, j int) bool {
		return result.Invites[i] < result.Invites[j]
	})

	for roomID, room := range resp.Rooms.Join {
		if room == nil || len(room.Timeline.Events) == 0 {
			continue
		}
		events := make([]*event.Event, 0, len(room.Timeline.Events))
		for _, evt := range room.Timeline.Events {
			evt.RoomID = roomID
			// Unknown event types fail to parse; they are still
			// forwarded and classified downstream.
			_ = evt.Content.ParseRaw(evt.Type)
			events = append(events, evt)
		}
		result.Joined = append(result.Joined, RoomEvents{RoomID: roomID, Events: events})
	}
	sort.Slice(result.Joined, func(i, j int) bool {
		return result.Joined[i].RoomID < result.Joined[j].RoomID
	})

	return result, nil
}

// JoinRoom accepts an invite (or joins a public room) by ID.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.mx.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// maxMessageLen is the chunk size for splitting long replies.
const maxMessageLen = 4000

// SendMessage sends plain text to a room, splitting long messages into
// numbered chunks. Returns the event ID of the first sent chunk.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, text string) (string, error) {
	if len(text) <= maxMessageLen {
		resp, err := c.mx.SendText(ctx, roomID, text)
		if err != nil {
			return "", fmt.Errorf("send message: %w", err)
		}
		return string(resp.EventID), nil
	}

	chunks := splitMessage(text, maxMessageLen)
	var firstEventID string
	for i, chunk := range chunks {
		prefix := fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		resp, err := c.mx.SendText(ctx, roomID, prefix+chunk)
		if err != nil {
			return firstEventID, fmt.Errorf("send message chunk %d: %w", i+1, err)
		}
		if i == 0 {
			firstEventID = string(resp.EventID)
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	return firstEventID, nil
}

// SendImage sends an image message referencing an external URL.
func (c *Client) SendImage(ctx context.Context, roomID id.RoomID, url, caption string) error {
	if caption == "" {
		caption = "image"
	}
	_, err := c.mx.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    caption,
		URL:     id.ContentURIString(url),
	})
	if err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, roomID id.RoomID, typing bool) error {
	timeout := 30 * time.Second
	if !typing {
		timeout = 0
	}
	if _, err := c.mx.UserTyping(ctx, roomID, typing, timeout); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// SendReceipt marks an event as read.
func (c *Client) SendReceipt(ctx context.Context, roomID id.RoomID, eventID string) error {
	if err := c.mx.MarkRead(ctx, roomID, id.EventID(eventID)); err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}
	return nil
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		chunks = append(chunks, s[:maxLen])
		s = s[maxLen:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
