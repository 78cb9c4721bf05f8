package bot

import (
	"context"
)

// Static fallbacks used when neither the room nor the global config
// sets a field.
const (
	defaultSystemPrompt = "You are a helpful assistant in a Matrix chat room."
	defaultTemperature  = 0.7
	defaultMaxTokens    = 2000
	defaultMaxContext   = 20
)

// Defaults is the process-level AI backend fallback, from the config
// file. It sits below the provider registry and global record.
type Defaults struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Settings is the fully resolved per-room request configuration.
type Settings struct {
	Provider     string
	API          string // "openai" or "anthropic"
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	MaxContext   int
	Stream       bool
}

// resolveSettings merges RoomConfig over GlobalConfig over static
// defaults, each field independently. A room may override the model
// while inheriting its provider from the global record.
func (h *Handler) resolveSettings(ctx context.Context, roomID string) (Settings, error) {
	room, err := h.cfg.RoomConfig(ctx, roomID)
	if err != nil {
		return Settings{}, err
	}
	global, err := h.cfg.GlobalConfig(ctx)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		API:          "openai",
		BaseURL:      h.defaults.BaseURL,
		APIKey:       h.defaults.APIKey,
		Model:        h.defaults.Model,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
		SystemPrompt: defaultSystemPrompt,
		MaxContext:   defaultMaxContext,
	}
	if global.DefaultBaseURL != "" {
		s.BaseURL = global.DefaultBaseURL
	}
	if global.DefaultModel != "" {
		s.Model = global.DefaultModel
	}
	if global.MaxContextMessages > 0 {
		s.MaxContext = global.MaxContextMessages
	}

	// Provider resolution: room override first, then the global default.
	// A registered provider record supplies endpoint, key and model default.
	providerName := global.DefaultProvider
	if room != nil && room.Provider != "" {
		providerName = room.Provider
	}
	if providerName != "" {
		s.Provider = providerName
		provider, err := h.cfg.Provider(ctx, providerName)
		if err != nil {
			return Settings{}, err
		}
		if provider != nil {
			s.BaseURL = provider.BaseURL
			s.APIKey = provider.APIKey
			if provider.DefaultModel != "" {
				s.Model = provider.DefaultModel
			}
			if provider.API != "" {
				s.API = provider.API
			}
		}
	}

	// Room overrides win per field.
	if room != nil {
		if room.Model != "" {
			s.Model = room.Model
		}
		if room.Temperature != nil {
			s.Temperature = *room.Temperature
		}
		if room.MaxTokens != nil {
			s.MaxTokens = *room.MaxTokens
		}
		if room.SystemPrompt != "" {
			s.SystemPrompt = room.SystemPrompt
		}
		s.Stream = room.Stream
	}

	return s, nil
}
