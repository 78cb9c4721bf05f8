// Package bot implements the conversation orchestrator: it resolves the
// effective AI settings for a room, assembles requests from trimmed
// history, dispatches to the AI backend, and persists each turn.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/619dev/matrix-chatgpt-bot/internal/ai"
	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

// AI call deadlines. Image-capable models get more headroom.
const (
	completionTimeout = 120 * time.Second
	imageTimeout      = 180 * time.Second
)

// ErrEmptyReply signals that the backend returned no usable content.
var ErrEmptyReply = errors.New("backend returned an empty reply")

// Messenger is the chat-side capability the handler needs to respond.
type Messenger interface {
	SendMessage(ctx context.Context, roomID id.RoomID, text string) (string, error)
	SendImage(ctx context.Context, roomID id.RoomID, url, caption string) error
	SendTyping(ctx context.Context, roomID id.RoomID, typing bool) error
	SendReceipt(ctx context.Context, roomID id.RoomID, eventID string) error
}

// Handler processes one inbound room message end to end.
type Handler struct {
	messenger Messenger
	cfg       *store.ConfigStore
	hist      *store.HistoryStore
	commands  *commandSet
	defaults  Defaults

	// newClient builds an AI client from resolved settings. Swappable
	// in tests.
	newClient func(api, name, baseURL, apiKey string) ai.Client
}

// New creates a message handler.
func New(messenger Messenger, cfg *store.ConfigStore, hist *store.HistoryStore, defaults Defaults) *Handler {
	h := &Handler{
		messenger: messenger,
		cfg:       cfg,
		hist:      hist,
		defaults:  defaults,
		newClient: ai.NewClient,
	}
	h.commands = newCommandSet(h)
	return h
}

// HandleMessage is the dispatch entry point called by the sync engine
// for each applicable room event. Errors are returned for logging only;
// user-visible failures have already been reported to the room.
func (h *Handler) HandleMessage(ctx context.Context, roomID id.RoomID, evt *event.Event) error {
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || content.Body == "" {
		return nil
	}
	sender := string(evt.Sender)
	message := content.Body

	allowed, err := h.cfg.IsAllowed(ctx, sender)
	if err != nil {
		return fmt.Errorf("whitelist check: %w", err)
	}
	if !allowed {
		return nil
	}

	// The bot only reacts when mentioned or when addressed with a
	// !command, so it can sit in busy rooms quietly.
	auth, err := h.cfg.AuthInfo(ctx)
	if err != nil {
		return fmt.Errorf("load auth info: %w", err)
	}
	botUserID := ""
	if auth != nil {
		botUserID = auth.UserID
	}
	mentioned := botUserID != "" && strings.Contains(message, botUserID)
	if !mentioned && !strings.HasPrefix(message, "!") {
		return nil
	}

	h.messenger.SendTyping(ctx, roomID, true)
	defer h.messenger.SendTyping(ctx, roomID, false)

	handled, response, err := h.commands.dispatch(ctx, message, commandContext{
		RoomID: string(roomID),
		Sender: sender,
	})
	if err != nil {
		response = fmt.Sprintf("❌ Error executing command: %v", err)
	}
	if handled {
		if response != "" {
			if _, err := h.messenger.SendMessage(ctx, roomID, response); err != nil {
				return fmt.Errorf("send command response: %w", err)
			}
		}
		return nil
	}

	// Unrecognized !commands from an unmentioned message stay silent;
	// only !gpt falls through to the conversation path.
	if !mentioned && !strings.HasPrefix(message, "!gpt") {
		return nil
	}

	clean := message
	if mentioned {
		clean = strings.TrimSpace(strings.ReplaceAll(clean, botUserID, ""))
	}
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "!gpt"))
	if clean == "" {
		return nil
	}

	start := time.Now()
	slog.Info("handling message",
		"room", roomID,
		"sender", sender,
		"len", len(clean),
	)

	if isImageRequest(clean) {
		// The user turn is persisted before anything can fail, same as
		// the chat path.
		if err := h.appendTurn(ctx, string(roomID), "user", clean); err != nil {
			return fmt.Errorf("persist user turn: %w", err)
		}
		h.spawnImageGeneration(ctx, roomID, clean)
		_, err := h.messenger.SendMessage(ctx, roomID, "🎨 Generating image...")
		return err
	}

	reply, err := h.GenerateReply(ctx, string(roomID), clean)
	if err != nil {
		h.reportError(ctx, roomID, err)
		return nil
	}

	remainder, images := ExtractImages(reply)
	if remainder != "" {
		if _, err := h.messenger.SendMessage(ctx, roomID, remainder); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	for _, url := range images {
		if err := h.messenger.SendImage(ctx, roomID, url, "image"); err != nil {
			slog.Error("failed to send image", "room", roomID, "url", url, "error", err)
		}
	}

	h.messenger.SendReceipt(ctx, roomID, string(evt.ID))

	elapsed := time.Since(start)
	slog.Info("reply sent",
		"room", roomID,
		"elapsed", elapsed.Round(time.Millisecond),
		"len", len(reply),
		"images", len(images),
	)
	if err := h.hist.SaveLog(ctx, string(roomID), map[string]any{
		"sender":     sender,
		"message":    clean,
		"reply_len":  len(reply),
		"elapsed_ms": elapsed.Milliseconds(),
	}); err != nil {
		slog.Warn("failed to save audit log", "room", roomID, "error", err)
	}
	return nil
}

// GenerateReply runs one chat turn: persist the user message, call the
// backend with the assembled request, persist the assistant reply.
// The user turn is written before the AI call so a crash mid-call does
// not lose it.
func (h *Handler) GenerateReply(ctx context.Context, roomID, userMessage string) (string, error) {
	settings, err := h.resolveSettings(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("resolve settings: %w", err)
	}

	req, err := h.buildRequest(ctx, roomID, userMessage, settings)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	if err := h.appendTurn(ctx, roomID, "user", userMessage); err != nil {
		return "", fmt.Errorf("persist user turn: %w", err)
	}

	timeout := completionTimeout
	if isImageModel(settings.Model) {
		timeout = imageTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := h.newClient(settings.API, settings.Provider, settings.BaseURL, settings.APIKey)

	var reply string
	if settings.Stream {
		var sb strings.Builder
		err = client.CompleteStream(callCtx, req, func(chunk string) {
			sb.WriteString(chunk)
		})
		reply = sb.String()
	} else {
		var resp *ai.Response
		resp, err = client.Complete(callCtx, req)
		if resp != nil {
			reply = resp.Content
		}
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}

	if err := h.appendTurn(ctx, roomID, "assistant", reply); err != nil {
		slog.Error("failed to persist assistant turn", "room", roomID, "error", err)
	}
	return reply, nil
}

// buildRequest assembles the exact message list for the backend: the
// resolved system prompt, up to MaxContext most recent history entries
// oldest first, and the new user message last. History is read before
// the new message is appended to the transcript.
func (h *Handler) buildRequest(ctx context.Context, roomID, userMessage string, settings Settings) (ai.Request, error) {
	history, err := h.hist.History(ctx, roomID, settings.MaxContext)
	if err != nil {
		return ai.Request{}, err
	}

	messages := make([]ai.Message, 0, len(history)+2)
	messages = append(messages, ai.Message{Role: "system", Content: settings.SystemPrompt})
	for _, m := range history {
		messages = append(messages, ai.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ai.Message{Role: "user", Content: userMessage})

	return ai.Request{
		Model:       settings.Model,
		Messages:    messages,
		Temperature: &settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	}, nil
}

// spawnImageGeneration starts the detached image path. Its lifetime is
// decoupled from the triggering request: it finishes (or fails) on its
// own and reports to the room itself.
func (h *Handler) spawnImageGeneration(ctx context.Context, roomID id.RoomID, prompt string) {
	detached := context.WithoutCancel(ctx)
	go h.generateImage(detached, roomID, prompt)
}

func (h *Handler) generateImage(ctx context.Context, roomID id.RoomID, prompt string) {
	ctx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	settings, err := h.resolveSettings(ctx, string(roomID))
	if err != nil {
		h.reportError(ctx, roomID, err)
		return
	}

	client := h.newClient(settings.API, settings.Provider, settings.BaseURL, settings.APIKey)
	url, err := client.GenerateImage(ctx, prompt, imageGenerationModel(settings.Model))
	if err != nil {
		h.reportError(ctx, roomID, err)
		return
	}

	if err := h.appendTurn(ctx, string(roomID), "assistant", url); err != nil {
		slog.Error("failed to persist image turn", "room", roomID, "error", err)
	}

	// Best-effort delivery: the image itself, then a follow-up link in
	// case the client cannot render external image URLs.
	if err := h.messenger.SendImage(ctx, roomID, url, prompt); err != nil {
		slog.Error("failed to send generated image", "room", roomID, "error", err)
	}
	if _, err := h.messenger.SendMessage(ctx, roomID, "🖼️ "+url); err != nil {
		slog.Error("failed to send image link", "room", roomID, "error", err)
	}
}

// imageGenerationModel maps a chat model to the image endpoint model:
// image-looking names pass through, anything else uses the API default.
func imageGenerationModel(model string) string {
	if isImageModel(model) {
		return model
	}
	return ""
}

// reportError converts a failure into a user-facing room message.
// Timeouts get a friendlier line than transport errors.
func (h *Handler) reportError(ctx context.Context, roomID id.RoomID, err error) {
	slog.Error("message handling failed", "room", roomID, "error", err)

	var text string
	switch {
	case ai.IsTimeout(err):
		text = "⏱️ The AI backend took too long to respond. Please try again."
	case errors.Is(err, ErrEmptyReply):
		text = "❌ The AI backend returned an empty reply."
	default:
		text = fmt.Sprintf("❌ Error: %v", err)
	}
	if _, sendErr := h.messenger.SendMessage(ctx, roomID, text); sendErr != nil {
		slog.Error("failed to report error to room", "room", roomID, "error", sendErr)
	}
}

func (h *Handler) appendTurn(ctx context.Context, roomID, role, content string) error {
	return h.hist.Append(ctx, roomID, store.ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
}
