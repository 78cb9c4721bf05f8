package bot

import (
	"context"
	"testing"

	"github.com/619dev/matrix-chatgpt-bot/internal/store"
)

func TestResolveSettingsDefaults(t *testing.T) {
	h, _, _, _ := newTestHandler(t, &fakeAI{})

	s, err := h.resolveSettings(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("resolveSettings: %v", err)
	}
	if s.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", s.Provider)
	}
	if s.API != "openai" {
		t.Errorf("API = %q, want openai", s.API)
	}
	if s.BaseURL != "https://api.example.com/v1" {
		t.Errorf("BaseURL = %q, want config default", s.BaseURL)
	}
	// GlobalConfig's built-in default model wins over the file default.
	if s.Model != "gpt-4" {
		t.Errorf("Model = %q, want gpt-4", s.Model)
	}
	if s.Temperature != defaultTemperature || s.MaxTokens != defaultMaxTokens {
		t.Errorf("sampling = %v/%d, want static defaults", s.Temperature, s.MaxTokens)
	}
	if s.SystemPrompt != defaultSystemPrompt {
		t.Errorf("SystemPrompt = %q", s.SystemPrompt)
	}
	if s.MaxContext != defaultMaxContext {
		t.Errorf("MaxContext = %d, want %d", s.MaxContext, defaultMaxContext)
	}
	if s.Stream {
		t.Error("Stream = true, want false by default")
	}
}

func TestResolveSettingsProviderRecord(t *testing.T) {
	h, _, cfg, _ := newTestHandler(t, &fakeAI{})
	ctx := context.Background()

	err := cfg.SetProvider(ctx, store.Provider{
		Name:         "claude",
		BaseURL:      "https://api.anthropic.com",
		APIKey:       "sk-ant",
		DefaultModel: "claude-sonnet",
		API:          "anthropic",
	})
	if err != nil {
		t.Fatalf("SetProvider: %v", err)
	}
	err = cfg.SetRoomConfig(ctx, testRoom, store.RoomConfig{Provider: "claude"})
	if err != nil {
		t.Fatalf("SetRoomConfig: %v", err)
	}

	s, err := h.resolveSettings(ctx, testRoom)
	if err != nil {
		t.Fatalf("resolveSettings: %v", err)
	}
	if s.Provider != "claude" || s.API != "anthropic" {
		t.Errorf("provider/api = %s/%s, want claude/anthropic", s.Provider, s.API)
	}
	if s.BaseURL != "https://api.anthropic.com" || s.APIKey != "sk-ant" {
		t.Errorf("endpoint = %s/%s, want provider record values", s.BaseURL, s.APIKey)
	}
	if s.Model != "claude-sonnet" {
		t.Errorf("Model = %q, want provider default", s.Model)
	}
}

func TestResolveSettingsRoomOverridesWinPerField(t *testing.T) {
	h, _, cfg, _ := newTestHandler(t, &fakeAI{})
	ctx := context.Background()

	err := cfg.SetProvider(ctx, store.Provider{
		Name:         "local",
		BaseURL:      "http://localhost:8080/v1",
		APIKey:       "none",
		DefaultModel: "llama",
	})
	if err != nil {
		t.Fatalf("SetProvider: %v", err)
	}

	temp := 0.1
	maxTokens := 512
	err = cfg.SetRoomConfig(ctx, testRoom, store.RoomConfig{
		Provider:     "local",
		Model:        "llama-large",
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
		SystemPrompt: "be terse",
	})
	if err != nil {
		t.Fatalf("SetRoomConfig: %v", err)
	}

	s, err := h.resolveSettings(ctx, testRoom)
	if err != nil {
		t.Fatalf("resolveSettings: %v", err)
	}
	// The room model overrides the provider's default; the endpoint
	// still comes from the provider record.
	if s.Model != "llama-large" {
		t.Errorf("Model = %q, want room override", s.Model)
	}
	if s.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("BaseURL = %q, want provider endpoint", s.BaseURL)
	}
	if s.Temperature != 0.1 || s.MaxTokens != 512 {
		t.Errorf("sampling = %v/%d, want room overrides", s.Temperature, s.MaxTokens)
	}
	if s.SystemPrompt != "be terse" {
		t.Errorf("SystemPrompt = %q, want room override", s.SystemPrompt)
	}
}

func TestResolveSettingsZeroTemperatureOverride(t *testing.T) {
	h, _, cfg, _ := newTestHandler(t, &fakeAI{})
	ctx := context.Background()

	// An explicit 0 is a real setting, distinct from absent.
	temp := 0.0
	err := cfg.SetRoomConfig(ctx, testRoom, store.RoomConfig{Temperature: &temp})
	if err != nil {
		t.Fatalf("SetRoomConfig: %v", err)
	}

	s, err := h.resolveSettings(ctx, testRoom)
	if err != nil {
		t.Fatalf("resolveSettings: %v", err)
	}
	if s.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", s.Temperature)
	}
}
