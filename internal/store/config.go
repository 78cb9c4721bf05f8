package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Key layout for configuration records. Everything is JSON except the
// sync token and auth fields, which are plain strings.
const (
	keySyncToken   = "sync:token"
	keyAccessToken = "auth:access_token"
	keyUserID      = "auth:user_id"
	keyDeviceID    = "auth:device_id"
	keyRunState    = "sync:run_state"
	keyGlobal      = "config:global"
	keyAdmins      = "config:admins"
	keyWhitelist   = "config:whitelist"

	prefixRoomConfig = "room:config:"
	prefixProvider   = "provider:"
)

// AuthInfo holds the bot's Matrix credential.
type AuthInfo struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// RunState is the durable sync engine run flag. The durable copy is
// authoritative; in-memory mirrors are only valid within one process.
type RunState struct {
	Running bool `json:"running"`
}

// RoomConfig is the per-room override record. All fields are optional;
// absent fields fall back to GlobalConfig, then to static defaults.
type RoomConfig struct {
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
}

// GlobalConfig holds process-wide defaults.
type GlobalConfig struct {
	DefaultProvider    string `json:"defaultProvider"`
	DefaultModel       string `json:"defaultModel"`
	DefaultBaseURL     string `json:"defaultBaseURL,omitempty"`
	MaxContextMessages int    `json:"maxContextMessages"`
}

// Provider is a named AI backend endpoint registration.
type Provider struct {
	Name         string   `json:"name"`
	BaseURL      string   `json:"baseURL"`
	APIKey       string   `json:"apiKey"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"defaultModel"`
	// API selects the wire format: "openai" (default) or "anthropic".
	API string `json:"api,omitempty"`
}

// ConfigStore is the typed view over KV for all small configuration
// records: credentials, cursor, run state, room/global config, the
// provider registry and the admin/allow lists.
type ConfigStore struct {
	kv KV
}

// NewConfigStore wraps a KV backend.
func NewConfigStore(kv KV) *ConfigStore {
	return &ConfigStore{kv: kv}
}

// --- Sync cursor ---

// SyncToken returns the stored cursor, or "" when syncing from scratch.
func (c *ConfigStore) SyncToken(ctx context.Context) (string, error) {
	return c.kv.Get(ctx, keySyncToken)
}

func (c *ConfigStore) SetSyncToken(ctx context.Context, token string) error {
	return c.kv.Put(ctx, keySyncToken, token)
}

// --- Credentials ---

// AuthInfo returns the stored credential, or nil when any part is missing.
func (c *ConfigStore) AuthInfo(ctx context.Context) (*AuthInfo, error) {
	token, err := c.kv.Get(ctx, keyAccessToken)
	if err != nil {
		return nil, err
	}
	userID, err := c.kv.Get(ctx, keyUserID)
	if err != nil {
		return nil, err
	}
	deviceID, err := c.kv.Get(ctx, keyDeviceID)
	if err != nil {
		return nil, err
	}
	if token == "" || userID == "" || deviceID == "" {
		return nil, nil
	}
	return &AuthInfo{AccessToken: token, UserID: userID, DeviceID: deviceID}, nil
}

func (c *ConfigStore) SetAuthInfo(ctx context.Context, info AuthInfo) error {
	if err := c.kv.Put(ctx, keyAccessToken, info.AccessToken); err != nil {
		return err
	}
	if err := c.kv.Put(ctx, keyUserID, info.UserID); err != nil {
		return err
	}
	return c.kv.Put(ctx, keyDeviceID, info.DeviceID)
}

// --- Run state ---

func (c *ConfigStore) RunState(ctx context.Context) (RunState, error) {
	data, err := c.kv.Get(ctx, keyRunState)
	if err != nil || data == "" {
		return RunState{}, err
	}
	var rs RunState
	if err := json.Unmarshal([]byte(data), &rs); err != nil {
		return RunState{}, fmt.Errorf("parse run state: %w", err)
	}
	return rs, nil
}

func (c *ConfigStore) SetRunState(ctx context.Context, rs RunState) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, keyRunState, string(data))
}

// --- Room config ---

// RoomConfig returns the per-room override record, or nil when the room
// has never been configured.
func (c *ConfigStore) RoomConfig(ctx context.Context, roomID string) (*RoomConfig, error) {
	data, err := c.kv.Get(ctx, prefixRoomConfig+roomID)
	if err != nil || data == "" {
		return nil, err
	}
	var rc RoomConfig
	if err := json.Unmarshal([]byte(data), &rc); err != nil {
		return nil, fmt.Errorf("parse room config %s: %w", roomID, err)
	}
	return &rc, nil
}

func (c *ConfigStore) SetRoomConfig(ctx context.Context, roomID string, rc RoomConfig) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, prefixRoomConfig+roomID, string(data))
}

// --- Global config ---

// GlobalConfig returns the singleton defaults record, substituting
// static defaults when it has never been written.
func (c *ConfigStore) GlobalConfig(ctx context.Context) (GlobalConfig, error) {
	data, err := c.kv.Get(ctx, keyGlobal)
	if err != nil {
		return GlobalConfig{}, err
	}
	if data == "" {
		return GlobalConfig{
			DefaultProvider:    "openai",
			DefaultModel:       "gpt-4",
			MaxContextMessages: 20,
		}, nil
	}
	var gc GlobalConfig
	if err := json.Unmarshal([]byte(data), &gc); err != nil {
		return GlobalConfig{}, fmt.Errorf("parse global config: %w", err)
	}
	return gc, nil
}

func (c *ConfigStore) SetGlobalConfig(ctx context.Context, gc GlobalConfig) error {
	data, err := json.Marshal(gc)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, keyGlobal, string(data))
}

// --- Provider registry ---

func (c *ConfigStore) Provider(ctx context.Context, name string) (*Provider, error) {
	data, err := c.kv.Get(ctx, prefixProvider+name)
	if err != nil || data == "" {
		return nil, err
	}
	var p Provider
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("parse provider %s: %w", name, err)
	}
	return &p, nil
}

func (c *ConfigStore) SetProvider(ctx context.Context, p Provider) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, prefixProvider+p.Name, string(data))
}

func (c *ConfigStore) DeleteProvider(ctx context.Context, name string) error {
	return c.kv.Delete(ctx, prefixProvider+name)
}

func (c *ConfigStore) ListProviders(ctx context.Context) ([]Provider, error) {
	keys, err := c.kv.List(ctx, prefixProvider)
	if err != nil {
		return nil, err
	}
	providers := make([]Provider, 0, len(keys))
	for _, key := range keys {
		p, err := c.Provider(ctx, strings.TrimPrefix(key, prefixProvider))
		if err != nil {
			return nil, err
		}
		if p != nil {
			providers = append(providers, *p)
		}
	}
	return providers, nil
}

// --- Admin and allow lists ---

func (c *ConfigStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	admins, err := c.userList(ctx, keyAdmins)
	if err != nil {
		return false, err
	}
	return contains(admins, userID), nil
}

func (c *ConfigStore) SetAdmins(ctx context.Context, users []string) error {
	return c.setUserList(ctx, keyAdmins, users)
}

// IsAllowed reports whether a user may talk to the bot. An absent or
// empty whitelist allows everyone.
func (c *ConfigStore) IsAllowed(ctx context.Context, userID string) (bool, error) {
	list, err := c.userList(ctx, keyWhitelist)
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return true, nil
	}
	return contains(list, userID), nil
}

func (c *ConfigStore) SetWhitelist(ctx context.Context, users []string) error {
	return c.setUserList(ctx, keyWhitelist, users)
}

func (c *ConfigStore) userList(ctx context.Context, key string) ([]string, error) {
	data, err := c.kv.Get(ctx, key)
	if err != nil || data == "" {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return list, nil
}

func (c *ConfigStore) setUserList(ctx context.Context, key string, users []string) error {
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, key, string(data))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
