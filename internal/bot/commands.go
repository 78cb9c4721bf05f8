package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

// commandContext carries the room and sender of the command invocation.
type commandContext struct {
	RoomID string
	Sender string
}

type commandFunc func(ctx context.Context, args []string, cc commandContext) (string, error)

type command struct {
	usage     string
	help      string
	adminOnly bool
	run       commandFunc
}

// commandSet is the !command registry. Commands reply with text; chat
// messages (including !gpt) pass through to the conversation path.
type commandSet struct {
	h        *Handler
	commands map[string]command
}

func newCommandSet(h *Handler) *commandSet {
	cs := &commandSet{h: h}
	cs.commands = map[string]command{
		"help": {
			usage: "!help",
			help:  "Show available commands",
			run:   cs.cmdHelp,
		},
		"reset": {
			usage: "!reset",
			help:  "Clear the conversation history for this room",
			run:   cs.cmdReset,
		},
		"provider": {
			usage: "!provider [name]",
			help:  "Show configured providers, or switch this room to one",
			run:   cs.cmdProvider,
		},
		"model": {
			usage: "!model [name]",
			help:  "Show or set the model for this room",
			run:   cs.cmdModel,
		},
		"addprovider": {
			usage:     "!addprovider <name> <base-url> <api-key> [model,model,...]",
			help:      "Register an OpenAI-compatible provider (admin)",
			adminOnly: true,
			run:       cs.cmdAddProvider,
		},
		"delprovider": {
			usage:     "!delprovider <name>",
			help:      "Remove a provider (admin)",
			adminOnly: true,
			run:       cs.cmdDelProvider,
		},
		"seturl": {
			usage:     "!seturl <base-url>",
			help:      "Set the global default API base URL (admin)",
			adminOnly: true,
			run:       cs.cmdSetURL,
		},
		"stats": {
			usage: "!stats",
			help:  "Show conversation statistics",
			run:   cs.cmdStats,
		},
	}
	return cs
}

// dispatch routes a message that starts with "!" to its command. It
// reports handled=false for unknown commands and for !gpt, which the
// conversation path consumes.
func (cs *commandSet) dispatch(ctx context.Context, message string, cc commandContext) (bool, string, error) {
	if !strings.HasPrefix(message, "!") {
		return false, "", nil
	}
	fields := strings.Fields(message)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "!"))
	if name == "gpt" {
		return false, "", nil
	}
	cmd, ok := cs.commands[name]
	if !ok {
		return false, "", nil
	}

	if cmd.adminOnly {
		isAdmin, err := cs.h.cfg.IsAdmin(ctx, cc.Sender)
		if err != nil {
			return true, "", fmt.Errorf("admin check: %w", err)
		}
		if !isAdmin {
			return true, "⛔ This command requires admin privileges.", nil
		}
	}

	response, err := cmd.run(ctx, fields[1:], cc)
	return true, response, err
}

func (cs *commandSet) cmdHelp(ctx context.Context, args []string, cc commandContext) (string, error) {
	names := make([]string, 0, len(cs.commands))
	for name := range cs.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("🤖 Commands:\n")
	for _, name := range names {
		cmd := cs.commands[name]
		fmt.Fprintf(&sb, "%s - %s\n", cmd.usage, cmd.help)
	}
	sb.WriteString("!gpt <message> - Chat without mentioning the bot")
	return sb.String(), nil
}

func (cs *commandSet) cmdReset(ctx context.Context, args []string, cc commandContext) (string, error) {
	if err := cs.h.hist.Clear(ctx, cc.RoomID); err != nil {
		return "", fmt.Errorf("clear history: %w", err)
	}
	return "🧹 Conversation history cleared.", nil
}

func (cs *commandSet) cmdProvider(ctx context.Context, args []string, cc commandContext) (string, error) {
	if len(args) == 0 {
		return cs.listProviders(ctx, cc.RoomID)
	}

	name := args[0]
	provider, err := cs.h.cfg.Provider(ctx, name)
	if err != nil {
		return "", fmt.Errorf("load provider: %w", err)
	}
	if provider == nil && name != "openai" {
		return fmt.Sprintf("❓ Unknown provider %q. Use !provider to list them.", name), nil
	}

	rc, err := cs.h.cfg.RoomConfig(ctx, cc.RoomID)
	if err != nil {
		return "", fmt.Errorf("load room config: %w", err)
	}
	if rc == nil {
		rc = &store.RoomConfig{}
	}
	rc.Provider = name
	// Switching providers drops a room model the new provider may not
	// serve.
	rc.Model = ""
	if err := cs.h.cfg.SetRoomConfig(ctx, cc.RoomID, *rc); err != nil {
		return "", fmt.Errorf("save room config: %w", err)
	}
	return fmt.Sprintf("✅ Room switched to provider %q.", name), nil
}

// listProviders renders the registry without API keys.
func (cs *commandSet) listProviders(ctx context.Context, roomID string) (string, error) {
	providers, err := cs.h.cfg.ListProviders(ctx)
	if err != nil {
		return "", fmt.Errorf("list providers: %w", err)
	}
	rc, err := cs.h.cfg.RoomConfig(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("load room config: %w", err)
	}
	global, err := cs.h.cfg.GlobalConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load global config: %w", err)
	}

	active := global.DefaultProvider
	if rc != nil && rc.Provider != "" {
		active = rc.Provider
	}

	var sb strings.Builder
	sb.WriteString("🔌 Providers:\n")
	if len(providers) == 0 {
		sb.WriteString("(none registered)\n")
	}
	for _, p := range providers {
		marker := "  "
		if p.Name == active {
			marker = "▶ "
		}
		fmt.Fprintf(&sb, "%s%s - %s", marker, p.Name, p.BaseURL)
		if len(p.Models) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(p.Models, ", "))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Active: %s", active)
	return sb.String(), nil
}

func (cs *commandSet) cmdModel(ctx context.Context, args []string, cc commandContext) (string, error) {
	if len(args) == 0 {
		settings, err := cs.h.resolveSettings(ctx, cc.RoomID)
		if err != nil {
			return "", fmt.Errorf("resolve settings: %w", err)
		}
		return fmt.Sprintf("🧠 Current model: %s (provider %s)", settings.Model, settings.Provider), nil
	}

	rc, err := cs.h.cfg.RoomConfig(ctx, cc.RoomID)
	if err != nil {
		return "", fmt.Errorf("load room config: %w", err)
	}
	if rc == nil {
		rc = &store.RoomConfig{}
	}
	rc.Model = args[0]
	if err := cs.h.cfg.SetRoomConfig(ctx, cc.RoomID, *rc); err != nil {
		return "", fmt.Errorf("save room config: %w", err)
	}
	return fmt.Sprintf("✅ Room model set to %q.", args[0]), nil
}

func (cs *commandSet) cmdAddProvider(ctx context.Context, args []string, cc commandContext) (string, error) {
	if len(args) < 3 {
		return "Usage: !addprovider <name> <base-url> <api-key> [model,model,...]", nil
	}
	provider := store.Provider{
		Name:    args[0],
		BaseURL: strings.TrimSuffix(args[1], "/"),
		APIKey:  args[2],
		API:     "openai",
	}
	if len(args) > 3 {
		provider.Models = strings.Split(args[3], ",")
		provider.DefaultModel = provider.Models[0]
	}
	if strings.Contains(provider.BaseURL, "anthropic") {
		provider.API = "anthropic"
	}
	if err := cs.h.cfg.SetProvider(ctx, provider); err != nil {
		return "", fmt.Errorf("save provider: %w", err)
	}
	return fmt.Sprintf("✅ Provider %q registered.", provider.Name), nil
}

func (cs *commandSet) cmdDelProvider(ctx context.Context, args []string, cc commandContext) (string, error) {
	if len(args) < 1 {
		return "Usage: !delprovider <name>", nil
	}
	if err := cs.h.cfg.DeleteProvider(ctx, args[0]); err != nil {
		return "", fmt.Errorf("delete provider: %w", err)
	}
	return fmt.Sprintf("🗑️ Provider %q removed.", args[0]), nil
}

func (cs *commandSet) cmdSetURL(ctx context.Context, args []string, cc commandContext) (string, error) {
	if len(args) < 1 {
		return "Usage: !seturl <base-url>", nil
	}
	global, err := cs.h.cfg.GlobalConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load global config: %w", err)
	}
	global.DefaultBaseURL = strings.TrimSuffix(args[0], "/")
	if err := cs.h.cfg.SetGlobalConfig(ctx, global); err != nil {
		return "", fmt.Errorf("save global config: %w", err)
	}
	return fmt.Sprintf("✅ Default API base URL set to %s.", global.DefaultBaseURL), nil
}

func (cs *commandSet) cmdStats(ctx context.Context, args []string, cc commandContext) (string, error) {
	history, err := cs.h.hist.History(ctx, cc.RoomID, 0)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	rooms, err := cs.h.hist.ListConversations(ctx)
	if err != nil {
		return "", fmt.Errorf("list conversations: %w", err)
	}
	settings, err := cs.h.resolveSettings(ctx, cc.RoomID)
	if err != nil {
		return "", fmt.Errorf("resolve settings: %w", err)
	}

	var users, assistants int
	for _, m := range history {
		switch m.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}

	var sb strings.Builder
	sb.WriteString("📊 Stats:\n")
	fmt.Fprintf(&sb, "Messages in this room: %d (%d user, %d assistant)\n", len(history), users, assistants)
	fmt.Fprintf(&sb, "Active conversations: %d\n", len(rooms))
	fmt.Fprintf(&sb, "Provider: %s, model: %s, context window: %d messages", settings.Provider, settings.Model, settings.MaxContext)
	return sb.String(), nil
}
